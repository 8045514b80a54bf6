package service_test

import (
	"testing"

	"github.com/ignatij/conductor/pkg/service"
	"github.com/stretchr/testify/assert"
)

func TestConcurrencyLimiter_GlobalCap(t *testing.T) {
	limiter := service.NewConcurrencyLimiter(2)

	release1, ok := limiter.TryAcquire("")
	assert.True(t, ok)
	release2, ok := limiter.TryAcquire("")
	assert.True(t, ok)

	_, ok = limiter.TryAcquire("")
	assert.False(t, ok)

	release1()
	release3, ok := limiter.TryAcquire("")
	assert.True(t, ok)

	release2()
	release3()
	global, groups := limiter.InUse()
	assert.Equal(t, 0, global)
	assert.Empty(t, groups)
}

func TestConcurrencyLimiter_GroupCap(t *testing.T) {
	limiter := service.NewConcurrencyLimiter(0)
	limiter.SetGroupLimit("etl", 1)

	releaseETL, ok := limiter.TryAcquire("etl")
	assert.True(t, ok)

	// group full, other groups unaffected
	_, ok = limiter.TryAcquire("etl")
	assert.False(t, ok)
	releaseOther, ok := limiter.TryAcquire("reports")
	assert.True(t, ok)

	releaseETL()
	release2, ok := limiter.TryAcquire("etl")
	assert.True(t, ok)

	release2()
	releaseOther()
}

func TestConcurrencyLimiter_AllOrNothing(t *testing.T) {
	// A group rejection must not leak a global hold.
	limiter := service.NewConcurrencyLimiter(1)
	limiter.SetGroupLimit("g", 1)

	release, ok := limiter.TryAcquire("g")
	assert.True(t, ok)
	_, ok = limiter.TryAcquire("g")
	assert.False(t, ok)
	release()

	global, groups := limiter.InUse()
	assert.Equal(t, 0, global)
	assert.Empty(t, groups)
}

func TestConcurrencyLimiter_ReleaseIdempotent(t *testing.T) {
	limiter := service.NewConcurrencyLimiter(1)

	release, ok := limiter.TryAcquire("")
	assert.True(t, ok)
	release()
	release()

	global, _ := limiter.InUse()
	assert.Equal(t, 0, global)

	release2, ok := limiter.TryAcquire("")
	assert.True(t, ok)
	release2()
}

func TestConcurrencyLimiter_RemoveGroupLimit(t *testing.T) {
	limiter := service.NewConcurrencyLimiter(0)
	limiter.SetGroupLimit("g", 1)

	release1, ok := limiter.TryAcquire("g")
	assert.True(t, ok)
	_, ok = limiter.TryAcquire("g")
	assert.False(t, ok)

	limiter.SetGroupLimit("g", 0)
	release2, ok := limiter.TryAcquire("g")
	assert.True(t, ok)

	release1()
	release2()
}

func TestConcurrencyLimiter_UnlimitedByDefault(t *testing.T) {
	limiter := service.NewConcurrencyLimiter(0)
	releases := make([]func(), 0, 100)
	for i := 0; i < 100; i++ {
		release, ok := limiter.TryAcquire("")
		assert.True(t, ok)
		releases = append(releases, release)
	}
	for _, release := range releases {
		release()
	}
	global, _ := limiter.InUse()
	assert.Equal(t, 0, global)
}
