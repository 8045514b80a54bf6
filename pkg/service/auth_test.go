package service_test

import (
	"testing"

	"github.com/ignatij/conductor/pkg/service"
	"github.com/stretchr/testify/assert"
)

func TestAllowAll(t *testing.T) {
	auth := service.AllowAll{}
	assert.True(t, auth.Authorize("anyone", service.ActionCancel))
	assert.True(t, auth.Authorize("", service.ActionRollback))
}

func TestStaticAuthorizer(t *testing.T) {
	auth := service.NewStaticAuthorizer()
	auth.Grant("alice", service.ActionAddTask, service.ActionEnqueue)
	auth.Grant("root", "*")

	t.Run("GrantedActions", func(t *testing.T) {
		assert.True(t, auth.Authorize("alice", service.ActionAddTask))
		assert.True(t, auth.Authorize("alice", service.ActionEnqueue))
	})

	t.Run("UngrantedActionDenied", func(t *testing.T) {
		assert.False(t, auth.Authorize("alice", service.ActionCancel))
	})

	t.Run("UnknownPrincipalDenied", func(t *testing.T) {
		assert.False(t, auth.Authorize("mallory", service.ActionAddTask))
	})

	t.Run("WildcardGrantsEverything", func(t *testing.T) {
		assert.True(t, auth.Authorize("root", service.ActionCancel))
		assert.True(t, auth.Authorize("root", service.ActionRollback))
		assert.True(t, auth.Authorize("root", service.ActionReprioritize))
	})

	t.Run("GrantAccumulates", func(t *testing.T) {
		auth.Grant("alice", service.ActionCancel)
		assert.True(t, auth.Authorize("alice", service.ActionCancel))
	})
}
