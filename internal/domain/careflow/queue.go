package careflow

// Queue visibility per role: receptionists and admins see every patient, the
// others see patients that have reached their part of the workflow.
var queueFlag = map[Role]Flag{
	RoleDoctor:     FlagRegistered,
	RoleNurse:      FlagDoctorNotesDone,
	RolePharmacist: FlagDoctorApproved,
}

// VisibleTo reports whether role's queue contains a patient with flags f.
func VisibleTo(role Role, f Flags) bool {
	switch role {
	case "", RoleReceptionist, RoleAdmin:
		return true
	}
	flag, ok := queueFlag[role]
	return ok && f.Has(flag)
}

// PendingFor reports whether the patient is waiting on role.
func PendingFor(role Role, f Flags) bool {
	switch role {
	case RoleReceptionist:
		return !f.Has(FlagRegistered)
	case RoleDoctor:
		return (f.Has(FlagRegistered) && !f.Has(FlagDoctorNotesDone)) ||
			(f.Has(FlagNurseSummaryDone) && !f.Has(FlagDoctorApproved))
	case RoleNurse:
		return f.Has(FlagDoctorNotesDone) && !f.Has(FlagNurseSummaryDone)
	case RolePharmacist:
		return f.Has(FlagDoctorApproved) && !f.Has(FlagDispensed)
	case RoleAdmin, "":
		return !f.Terminal()
	}
	return false
}

// Match applies everything but paging.
func (f Filter) Match(r *PatientWorkflowRecord) bool {
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if id == r.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !VisibleTo(f.Role, r.Flags) {
		return false
	}
	if f.PendingOnly && !PendingFor(f.Role, r.Flags) {
		return false
	}
	return true
}

// Stats are the dashboard counters.
type Stats struct {
	Total            int `json:"total"`
	Registered       int `json:"registered"`
	AwaitingDoctor   int `json:"awaiting_doctor"`
	DoctorCompleted  int `json:"doctor_completed"`
	NurseCompleted   int `json:"nurse_completed"`
	AwaitingApproval int `json:"awaiting_approval"`
	Approved         int `json:"approved"`
	Dispensed        int `json:"dispensed"`
}

func Summarize(recs []*PatientWorkflowRecord) Stats {
	var s Stats
	for _, r := range recs {
		f := r.Flags
		s.Total++
		if f.Has(FlagRegistered) {
			s.Registered++
			if !f.Has(FlagDoctorNotesDone) {
				s.AwaitingDoctor++
			}
		}
		if f.Has(FlagDoctorNotesDone) {
			s.DoctorCompleted++
		}
		if f.Has(FlagNurseSummaryDone) {
			s.NurseCompleted++
			if !f.Has(FlagDoctorApproved) {
				s.AwaitingApproval++
			}
		}
		if f.Has(FlagDoctorApproved) {
			s.Approved++
		}
		if f.Has(FlagDispensed) {
			s.Dispensed++
		}
	}
	return s
}
