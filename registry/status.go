package registry

import "fmt"

// Status is the lifecycle state of a module installation for one tenant.
type Status string

// Module lifecycle states.
const (
	StatusAvailable    Status = "available"
	StatusInstalling   Status = "installing"
	StatusActive       Status = "active"
	StatusInactive     Status = "inactive"
	StatusUpdating     Status = "updating"
	StatusUninstalling Status = "uninstalling"
	StatusUninstalled  Status = "uninstalled"
	StatusError        Status = "error"
)

// legalTransitions is the module status state machine. A transition absent
// from this table is illegal and must fail without side effects.
var legalTransitions = map[Status][]Status{
	StatusInstalling:   {StatusAvailable, StatusError},
	StatusAvailable:    {StatusActive, StatusUpdating, StatusError},
	StatusActive:       {StatusInactive, StatusUpdating, StatusError},
	StatusInactive:     {StatusActive, StatusAvailable, StatusUpdating, StatusUninstalling, StatusError},
	StatusUpdating:     {StatusActive, StatusInactive, StatusError},
	StatusError:        {StatusAvailable, StatusInactive, StatusUninstalling},
	StatusUninstalling: {StatusUninstalled, StatusError},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IllegalTransitionError reports an attempted status transition the state
// machine does not permit.
type IllegalTransitionError struct {
	From Status
	To   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal module status transition from %q to %q", e.From, e.To)
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusInstalling, StatusActive, StatusInactive,
		StatusUpdating, StatusUninstalling, StatusUninstalled, StatusError:
		return true
	}
	return false
}
