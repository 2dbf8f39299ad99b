package careflow

import (
	"errors"
	"fmt"
)

var (
	ErrWrongRole     = errors.New("role not permitted for this action")
	ErrOutOfOrder    = errors.New("workflow step not ready or already done")
	ErrUnknownAction = errors.New("unknown workflow action")
)

// RejectionReason classifies why Evaluate refused an action.
type RejectionReason string

const (
	ReasonWrongRole     RejectionReason = "wrong_role"
	ReasonOutOfOrder    RejectionReason = "out_of_order"
	ReasonUnknownAction RejectionReason = "unknown_action"
)

// Rejection is returned by Evaluate and EvaluateReset. AlreadyApplied is set
// when the action's own flag is already true, which lets callers treat a
// repeated request as a no-op instead of a failure.
type Rejection struct {
	Reason         RejectionReason
	Action         Action
	Role           Role
	AlreadyApplied bool
}

func (r *Rejection) Error() string {
	switch r.Reason {
	case ReasonWrongRole:
		return fmt.Sprintf("role %s may not %s", r.Role, r.Action)
	case ReasonOutOfOrder:
		if r.AlreadyApplied {
			return fmt.Sprintf("%s already applied", r.Action)
		}
		return fmt.Sprintf("%s is not ready", r.Action)
	default:
		return fmt.Sprintf("unknown action %q", string(r.Action))
	}
}

func (r *Rejection) Unwrap() error {
	switch r.Reason {
	case ReasonWrongRole:
		return ErrWrongRole
	case ReasonOutOfOrder:
		return ErrOutOfOrder
	default:
		return ErrUnknownAction
	}
}

// IsAlreadyApplied reports whether err is a rejection for an action whose
// flag was already set.
func IsAlreadyApplied(err error) bool {
	var rej *Rejection
	return errors.As(err, &rej) && rej.AlreadyApplied
}

type rule struct {
	flag  Flag
	roles []Role
}

// rules is the role-action map. Every action sets exactly one flag, and its
// precondition is that the preceding flag is set and its own flag is not.
var rules = map[Action]rule{
	ActionRegister:       {flag: FlagRegistered, roles: []Role{RoleReceptionist, RoleAdmin}},
	ActionDoctorComplete: {flag: FlagDoctorNotesDone, roles: []Role{RoleDoctor, RoleAdmin}},
	ActionNurseComplete:  {flag: FlagNurseSummaryDone, roles: []Role{RoleNurse, RoleAdmin}},
	ActionApprove:        {flag: FlagDoctorApproved, roles: []Role{RoleDoctor, RoleAdmin}},
	ActionDispense:       {flag: FlagDispensed, roles: []Role{RolePharmacist, RoleAdmin}},
}

var resetRoles = []Role{RoleDoctor, RoleAdmin}

func permitted(roles []Role, role Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// PermittedRoles returns the roles allowed to perform action.
func PermittedRoles(action Action) []Role {
	r, ok := rules[action]
	if !ok {
		return nil
	}
	out := make([]Role, len(r.roles))
	copy(out, r.roles)
	return out
}

// FlagFor returns the flag an action sets.
func FlagFor(action Action) (Flag, bool) {
	r, ok := rules[action]
	return r.flag, ok
}

// ActionFor returns the action that sets flag.
func ActionFor(flag Flag) (Action, bool) {
	for a, r := range rules {
		if r.flag == flag {
			return a, true
		}
	}
	return "", false
}

// Evaluate validates action by role against current and returns the
// successor flags. It is pure. The role check runs before the precondition
// check, so an unauthorized role learns nothing about the patient's state.
func Evaluate(current Flags, action Action, role Role) (Flags, error) {
	r, ok := rules[action]
	if !ok {
		return current, &Rejection{Reason: ReasonUnknownAction, Action: action, Role: role}
	}
	if !permitted(r.roles, role) {
		return current, &Rejection{Reason: ReasonWrongRole, Action: action, Role: role}
	}
	if current.Has(r.flag) {
		return current, &Rejection{Reason: ReasonOutOfOrder, Action: action, Role: role, AlreadyApplied: true}
	}
	if r.flag > FlagRegistered && !current.Has(r.flag-1) {
		return current, &Rejection{Reason: ReasonOutOfOrder, Action: action, Role: role}
	}
	return current.With(r.flag), nil
}

// ActionReset is the administrative action that withdraws clinical notes.
const ActionReset Action = "reset_clinical_notes"

// EvaluateReset clears doctor_notes_done and every later flag. Only a doctor
// or an admin may reset, and only once notes exist.
func EvaluateReset(current Flags, role Role) (Flags, error) {
	if !permitted(resetRoles, role) {
		return current, &Rejection{Reason: ReasonWrongRole, Action: ActionReset, Role: role}
	}
	if !current.Has(FlagDoctorNotesDone) {
		return current, &Rejection{Reason: ReasonOutOfOrder, Action: ActionReset, Role: role}
	}
	next := current
	for f := FlagDoctorNotesDone; f <= FlagDispensed; f++ {
		next[f] = false
	}
	return next, nil
}
