package service_test

import (
	"sync"
	"testing"
	"time"

	"github.com/ignatij/conductor/pkg/service"
	"github.com/stretchr/testify/assert"
)

// countingPublisher records mirrored updates for assertions.
type countingPublisher struct {
	mu        sync.Mutex
	completed []string
	failed    []string
	retried   []string
}

func (p *countingPublisher) IncrCompleted(taskID string, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, taskID)
}

func (p *countingPublisher) IncrFailed(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, taskID)
}

func (p *countingPublisher) IncrRetried(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retried = append(p.retried, taskID)
}

func TestMetrics_Counters(t *testing.T) {
	m := service.NewMetrics()

	m.TaskStarted("a")
	m.TaskCompleted("a", 10*time.Millisecond)
	m.TaskEnded("a")

	m.TaskStarted("b")
	m.TaskRetried("b")
	m.TaskRetried("b")
	m.TaskFailed("b")
	m.TaskEnded("b")

	snap := m.Snapshot()
	assert.Equal(t, int64(1), snap.Completed)
	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, int64(2), snap.Retried)
	assert.Equal(t, int64(0), snap.InFlight)
	assert.Equal(t, 2, snap.RetryCounts["b"])
	assert.Equal(t, 1, snap.FailureCounts["b"])
	assert.Len(t, snap.LatencySamples, 1)
	assert.Equal(t, 10*time.Millisecond, snap.LatencySamples[0])
	assert.True(t, snap.Throughput > 0)
}

func TestMetrics_InFlightGauge(t *testing.T) {
	m := service.NewMetrics()
	m.TaskStarted("a")
	m.TaskStarted("b")
	assert.Equal(t, int64(2), m.Snapshot().InFlight)
	m.TaskEnded("a")
	assert.Equal(t, int64(1), m.Snapshot().InFlight)
	m.TaskEnded("b")
	assert.Equal(t, int64(0), m.Snapshot().InFlight)
}

func TestMetrics_QueueDepthSampledOnSnapshot(t *testing.T) {
	m := service.NewMetrics()
	depth := 4
	m.SetQueueDepthFn(func() int { return depth })
	assert.Equal(t, 4, m.Snapshot().QueueDepth)
	depth = 1
	assert.Equal(t, 1, m.Snapshot().QueueDepth)
}

func TestMetrics_PublisherMirror(t *testing.T) {
	m := service.NewMetrics()
	pub := &countingPublisher{}
	m.SetPublisher(pub)

	m.TaskCompleted("a", time.Millisecond)
	m.TaskFailed("b")
	m.TaskRetried("b")

	pub.mu.Lock()
	defer pub.mu.Unlock()
	assert.Equal(t, []string{"a"}, pub.completed)
	assert.Equal(t, []string{"b"}, pub.failed)
	assert.Equal(t, []string{"b"}, pub.retried)
}

func TestMetrics_SnapshotIsACopy(t *testing.T) {
	m := service.NewMetrics()
	m.TaskRetried("a")

	snap := m.Snapshot()
	snap.RetryCounts["a"] = 99
	assert.Equal(t, 1, m.Snapshot().RetryCounts["a"])
}
