package service

// Action names a privileged operation checked through the Authorizer.
type Action string

const (
	ActionAddTask      Action = "add_task"
	ActionCancel       Action = "cancel"
	ActionReprioritize Action = "reprioritize"
	ActionEnqueue      Action = "enqueue"
	ActionAddJob       Action = "add_job"
	ActionRollback     Action = "rollback"
)

// Authorizer decides whether a principal may perform an action. It
// answers the question only; callers turn a false into
// AuthorizationError.
type Authorizer interface {
	Authorize(principal string, action Action) bool
}

// AllowAll grants every request. It is the default when no policy is
// configured.
type AllowAll struct{}

func (AllowAll) Authorize(string, Action) bool { return true }

// StaticAuthorizer grants actions from a fixed principal table. A
// principal mapped to nil is denied everything; the wildcard action "*"
// grants all.
type StaticAuthorizer struct {
	grants map[string]map[Action]bool
}

func NewStaticAuthorizer() *StaticAuthorizer {
	return &StaticAuthorizer{grants: make(map[string]map[Action]bool)}
}

// Grant adds actions to a principal's allow list.
func (a *StaticAuthorizer) Grant(principal string, actions ...Action) {
	set := a.grants[principal]
	if set == nil {
		set = make(map[Action]bool)
		a.grants[principal] = set
	}
	for _, action := range actions {
		set[action] = true
	}
}

func (a *StaticAuthorizer) Authorize(principal string, action Action) bool {
	set := a.grants[principal]
	if set == nil {
		return false
	}
	return set[action] || set[Action("*")]
}
