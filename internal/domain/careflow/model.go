package careflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Flag is one milestone in the fixed five-step patient workflow. The numeric
// order of the constants is the causal order of the workflow.
type Flag int

const (
	FlagRegistered Flag = iota
	FlagDoctorNotesDone
	FlagNurseSummaryDone
	FlagDoctorApproved
	FlagDispensed
)

const flagCount = 5

var flagNames = [flagCount]string{
	"registered",
	"doctor_notes_done",
	"nurse_summary_done",
	"doctor_approved",
	"dispensed",
}

func (f Flag) valid() bool { return f >= 0 && int(f) < flagCount }

func (f Flag) String() string {
	if !f.valid() {
		return fmt.Sprintf("flag(%d)", int(f))
	}
	return flagNames[f]
}

// ParseFlag converts a wire name such as "doctor_approved" into a Flag.
func ParseFlag(s string) (Flag, error) {
	for i, name := range flagNames {
		if name == s {
			return Flag(i), nil
		}
	}
	return 0, fmt.Errorf("unknown workflow flag: %q", s)
}

// AllFlags returns every flag in causal order.
func AllFlags() []Flag {
	out := make([]Flag, flagCount)
	for i := range out {
		out[i] = Flag(i)
	}
	return out
}

// Flags is the ordered set of workflow booleans. It is a value type; copies
// never alias.
type Flags [flagCount]bool

func (f Flags) Has(flag Flag) bool {
	return flag.valid() && f[flag]
}

// With returns a copy of f with flag set.
func (f Flags) With(flag Flag) Flags {
	f[flag] = true
	return f
}

// Valid reports whether no flag is set while an earlier one is unset.
func (f Flags) Valid() bool {
	for i := 1; i < flagCount; i++ {
		if f[i] && !f[i-1] {
			return false
		}
	}
	return true
}

// Next returns the first unset flag. ok is false once the workflow is complete.
func (f Flags) Next() (flag Flag, ok bool) {
	for i := 0; i < flagCount; i++ {
		if !f[i] {
			return Flag(i), true
		}
	}
	return 0, false
}

// Terminal reports whether the patient has been dispensed.
func (f Flags) Terminal() bool { return f[FlagDispensed] }

// Timestamps holds the completion time of each flag, set when the flag became true.
type Timestamps [flagCount]*time.Time

func (t Timestamps) At(flag Flag) *time.Time {
	if !flag.valid() {
		return nil
	}
	return t[flag]
}

// Role identifies the acting clinical role.
type Role string

const (
	RoleReceptionist Role = "receptionist"
	RoleDoctor       Role = "doctor"
	RoleNurse        Role = "nurse"
	RolePharmacist   Role = "pharmacist"
	RoleAdmin        Role = "admin"
)

var allRoles = []Role{RoleReceptionist, RoleDoctor, RoleNurse, RolePharmacist, RoleAdmin}

// Roles returns the workflow roles.
func Roles() []Role {
	out := make([]Role, len(allRoles))
	copy(out, allRoles)
	return out
}

func ParseRole(s string) (Role, error) {
	for _, r := range allRoles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown workflow role: %q", s)
}

// Action is a request to advance a patient by one step.
type Action string

const (
	ActionRegister       Action = "register"
	ActionDoctorComplete Action = "doctor_complete"
	ActionNurseComplete  Action = "nurse_complete"
	ActionApprove        Action = "approve"
	ActionDispense       Action = "dispense"
)

func ParseAction(s string) (Action, error) {
	a := Action(s)
	if _, ok := rules[a]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return a, nil
}

// PatientWorkflowRecord is the unit of coordination. Version is the optimistic
// concurrency token; only the authoritative store increments it.
type PatientWorkflowRecord struct {
	ID         string
	Flags      Flags
	Timestamps Timestamps
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewRecord returns a freshly registered-at-the-desk record with every flag false.
func NewRecord(id string, now time.Time) *PatientWorkflowRecord {
	return &PatientWorkflowRecord{ID: id, CreatedAt: now, UpdatedAt: now}
}

func (r *PatientWorkflowRecord) Clone() *PatientWorkflowRecord {
	if r == nil {
		return nil
	}
	out := *r
	for i, ts := range r.Timestamps {
		if ts != nil {
			t := *ts
			out.Timestamps[i] = &t
		}
	}
	return &out
}

// advance returns the successor record with flag set. The caller has already
// validated the transition.
func (r *PatientWorkflowRecord) advance(flags Flags, flag Flag, now time.Time) *PatientWorkflowRecord {
	next := r.Clone()
	next.Flags = flags
	at := now
	next.Timestamps[flag] = &at
	next.Version = r.Version + 1
	next.UpdatedAt = now
	return next
}

// rewind returns the successor record with the given flags, clearing the
// timestamp of every flag that is no longer set.
func (r *PatientWorkflowRecord) rewind(flags Flags, now time.Time) *PatientWorkflowRecord {
	next := r.Clone()
	next.Flags = flags
	for i := range flags {
		if !flags[i] {
			next.Timestamps[i] = nil
		}
	}
	next.Version = r.Version + 1
	next.UpdatedAt = now
	return next
}

type recordJSON struct {
	ID                 string     `json:"id"`
	Registered         bool       `json:"registered"`
	DoctorNotesDone    bool       `json:"doctor_notes_done"`
	NurseSummaryDone   bool       `json:"nurse_summary_done"`
	DoctorApproved     bool       `json:"doctor_approved"`
	Dispensed          bool       `json:"dispensed"`
	RegisteredAt       *time.Time `json:"registered_at,omitempty"`
	DoctorNotesDoneAt  *time.Time `json:"doctor_notes_done_at,omitempty"`
	NurseSummaryDoneAt *time.Time `json:"nurse_summary_done_at,omitempty"`
	DoctorApprovedAt   *time.Time `json:"doctor_approved_at,omitempty"`
	DispensedAt        *time.Time `json:"dispensed_at,omitempty"`
	Version            int64      `json:"version"`
	Progress           []Step     `json:"progress,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (r PatientWorkflowRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(recordJSON{
		ID:                 r.ID,
		Registered:         r.Flags[FlagRegistered],
		DoctorNotesDone:    r.Flags[FlagDoctorNotesDone],
		NurseSummaryDone:   r.Flags[FlagNurseSummaryDone],
		DoctorApproved:     r.Flags[FlagDoctorApproved],
		Dispensed:          r.Flags[FlagDispensed],
		RegisteredAt:       r.Timestamps[FlagRegistered],
		DoctorNotesDoneAt:  r.Timestamps[FlagDoctorNotesDone],
		NurseSummaryDoneAt: r.Timestamps[FlagNurseSummaryDone],
		DoctorApprovedAt:   r.Timestamps[FlagDoctorApproved],
		DispensedAt:        r.Timestamps[FlagDispensed],
		Version:            r.Version,
		Progress:           Progress(&r),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	})
}

func (r *PatientWorkflowRecord) UnmarshalJSON(data []byte) error {
	var w recordJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = PatientWorkflowRecord{
		ID: w.ID,
		Flags: Flags{
			w.Registered, w.DoctorNotesDone, w.NurseSummaryDone, w.DoctorApproved, w.Dispensed,
		},
		Timestamps: Timestamps{
			w.RegisteredAt, w.DoctorNotesDoneAt, w.NurseSummaryDoneAt, w.DoctorApprovedAt, w.DispensedAt,
		},
		Version:   w.Version,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
	return nil
}

// StepState is the display state of one workflow step.
type StepState string

const (
	StepCompleted StepState = "completed"
	StepActive    StepState = "active"
	StepPending   StepState = "pending"
)

// Step describes one flag for progress trackers.
type Step struct {
	Name  string     `json:"name"`
	State StepState  `json:"state"`
	At    *time.Time `json:"at,omitempty"`
}

// Progress lists every step of the workflow with its display state. Exactly
// one step is active until the patient is dispensed.
func Progress(r *PatientWorkflowRecord) []Step {
	next, open := r.Flags.Next()
	steps := make([]Step, 0, flagCount)
	for _, f := range AllFlags() {
		st := Step{Name: f.String(), State: StepPending}
		switch {
		case r.Flags.Has(f):
			st.State = StepCompleted
			st.At = r.Timestamps.At(f)
		case open && f == next:
			st.State = StepActive
		}
		steps = append(steps, st)
	}
	return steps
}

// NotificationType is the enumerated type of a role-addressed notification.
// The same string is used as the EventBus event type.
type NotificationType string

const (
	NotifyPatientRegistered    NotificationType = "reception.patient_registered"
	NotifyDoctorNotesComplete  NotificationType = "doctor.notes_complete"
	NotifyNurseSummaryComplete NotificationType = "nurse.summary_complete"
	NotifyApprovalComplete     NotificationType = "doctor.approval_complete"
	NotifyDispensed            NotificationType = "pharmacy.dispensed"
)

// EventWorkflowReset is published when clinical notes are reset. It carries no
// notification records.
const EventWorkflowReset = "workflow.reset"

// NotificationRecord is created once per accepted transition per interested
// role and never mutated. Read state is kept by each viewer.
type NotificationRecord struct {
	ID         string           `json:"id"`
	TargetRole Role             `json:"target_role"`
	Type       NotificationType `json:"type"`
	PatientID  string           `json:"patient_id"`
	Message    string           `json:"message"`
	CreatedAt  time.Time        `json:"created_at"`
}
