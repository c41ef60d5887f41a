package workflow

import (
	"lineprov/internal/records"
)

// Phase names one step of the per-account workflow.
type Phase string

const (
	PhaseIdle                 Phase = "idle"
	PhaseAuthenticating       Phase = "authenticating"
	PhaseCreating             Phase = "creating"
	PhaseIconUpdating         Phase = "icon_updating"
	PhaseCapabilityEnabling   Phase = "capability_enabling"
	PhasePermissionGranting   Phase = "permission_granting"
	PhaseLinkObtaining        Phase = "link_obtaining"
	PhaseCredentialExtracting Phase = "credential_extracting"
	PhaseCompleted            Phase = "completed"
	PhaseFailed               Phase = "failed"
)

// Status is a phase outcome.
type Status int

const (
	StatusOK Status = iota
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// PhaseOutcome records how one phase ended.
type PhaseOutcome struct {
	Phase  Phase
	Status Status
	Err    error
}

// Result is the outcome of one record. It is not modified after Process
// returns.
type Result struct {
	Row            int
	Success        bool
	BasicID        string
	PermissionLink string
	FriendLink     string
	AccessToken    string
	Error          string
	Phases         []PhaseOutcome
}

// Outcome returns the outcome recorded for phase.
func (r Result) Outcome(phase Phase) (PhaseOutcome, bool) {
	for _, o := range r.Phases {
		if o.Phase == phase {
			return o, true
		}
	}
	return PhaseOutcome{}, false
}

// Terminal returns Completed or Failed.
func (r Result) Terminal() Phase {
	if r.Success {
		return PhaseCompleted
	}
	return PhaseFailed
}

// CellUpdate is one write-back to the record source.
type CellUpdate struct {
	Row    int
	Column string
	Value  string
}

// WritebackPlan lists the cell updates for a result: one per non-empty output
// whose column is mapped, plus the owning account column. Failed results
// produce no updates.
func WritebackPlan(r Result, m records.Mapping, owner string) []CellUpdate {
	if !r.Success {
		return nil
	}
	var out []CellUpdate
	add := func(column, value string) {
		if value == "" || !records.IsMapped(column) {
			return
		}
		out = append(out, CellUpdate{Row: r.Row, Column: column, Value: value})
	}
	add(m.BasicID, r.BasicID)
	add(m.PermissionLink, r.PermissionLink)
	add(m.FriendLink, r.FriendLink)
	add(m.AccessToken, r.AccessToken)
	add(m.BusinessAccount, owner)
	return out
}
