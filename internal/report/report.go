// Package report projects a terminated session into a structured summary.
// Build is pure: the same session always yields the same report.
package report

import (
	"time"

	"github.com/zebiner/sector-doctor/internal/sector"
)

// Report is the outcome of one repair session.
type Report struct {
	SessionID         string                   `json:"session_id" yaml:"session_id"`
	DeviceID          string                   `json:"device_id" yaml:"device_id"`
	TerminationReason sector.TerminationReason `json:"termination_reason" yaml:"termination_reason"`
	TerminationError  string                   `json:"termination_error,omitempty" yaml:"termination_error,omitempty"`

	Cycles        int            `json:"cycles" yaml:"cycles"`
	TotalAttempts int            `json:"total_attempts" yaml:"total_attempts"`
	StatusCounts  map[string]int `json:"status_counts" yaml:"status_counts"`
	OutcomeCounts map[string]int `json:"outcome_counts" yaml:"outcome_counts"`

	// Unresolved lists every address that did not end Repaired.
	Unresolved []sector.Address `json:"unresolved" yaml:"unresolved"`
	// Exhausted lists sectors that used their whole attempt budget.
	Exhausted  []sector.Address `json:"exhausted" yaml:"exhausted"`
	Reappeared []sector.Address `json:"reappeared" yaml:"reappeared"`

	Sectors []SectorSummary `json:"sectors" yaml:"sectors"`

	// InitialCounts and FinalCounts are SMART attributes 197 and 198 as
	// first and last read in the session.
	InitialCounts sector.AttributeCounts `json:"initial_counts" yaml:"initial_counts"`
	FinalCounts   sector.AttributeCounts `json:"final_counts" yaml:"final_counts"`

	StartedAt  time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time     `json:"finished_at" yaml:"finished_at"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
}

// SectorSummary is the per-sector line of a report.
type SectorSummary struct {
	Address       sector.Address   `json:"address" yaml:"address"`
	Kind          sector.ErrorKind `json:"kind" yaml:"kind"`
	Status        sector.Status    `json:"status" yaml:"status"`
	Attempts      int              `json:"attempts" yaml:"attempts"`
	Reappearances int              `json:"reappearances" yaml:"reappearances"`
	Exhausted     bool             `json:"exhausted" yaml:"exhausted"`
	FirstSeenAt   int              `json:"first_seen_at" yaml:"first_seen_at"`
	LastSeenAt    int              `json:"last_seen_at" yaml:"last_seen_at"`
	// LastOutcome is empty when the sector was never attempted.
	LastOutcome string `json:"last_outcome,omitempty" yaml:"last_outcome,omitempty"`
}

// Succeeded reports whether the session converged with nothing unresolved.
func (r *Report) Succeeded() bool {
	return r.TerminationReason == sector.ReasonConverged && len(r.Unresolved) == 0
}

// Build summarizes s. It may be called on a running session to get a
// progress snapshot; FinishedAt and Duration are then zero.
func Build(s *sector.Session) Report {
	sectors := s.Sectors()
	history := s.History()

	r := Report{
		SessionID:         s.ID(),
		DeviceID:          s.DeviceID(),
		TerminationReason: s.TerminationReason(),
		TerminationError:  s.TerminationError(),
		Cycles:            s.CycleIndex(),
		TotalAttempts:     len(history),
		StatusCounts:      make(map[string]int),
		OutcomeCounts:     make(map[string]int),
		Unresolved:        []sector.Address{},
		Exhausted:         []sector.Address{},
		Reappeared:        []sector.Address{},
		Sectors:           make([]SectorSummary, 0, len(sectors)),
		InitialCounts:     s.InitialCounts(),
		FinalCounts:       s.LatestCounts(),
		StartedAt:         s.StartedAt(),
		FinishedAt:        s.FinishedAt(),
	}
	if !r.FinishedAt.IsZero() {
		r.Duration = r.FinishedAt.Sub(r.StartedAt)
	}

	last := make(map[sector.Address]sector.Outcome, len(sectors))
	for _, a := range history {
		r.OutcomeCounts[a.Outcome.String()]++
		last[a.SectorAddress] = a.Outcome
	}

	// sectors is already in ascending address order.
	for _, sec := range sectors {
		r.StatusCounts[sec.Status.String()]++
		if sec.Status != sector.StatusRepaired {
			r.Unresolved = append(r.Unresolved, sec.Address)
		}
		if sec.Exhausted {
			r.Exhausted = append(r.Exhausted, sec.Address)
		}
		if sec.Reappearances > 0 || sec.Status == sector.StatusReappeared {
			r.Reappeared = append(r.Reappeared, sec.Address)
		}

		summary := SectorSummary{
			Address:       sec.Address,
			Kind:          sec.Kind,
			Status:        sec.Status,
			Attempts:      sec.AttemptCount,
			Reappearances: sec.Reappearances,
			Exhausted:     sec.Exhausted,
			FirstSeenAt:   sec.FirstSeenAt,
			LastSeenAt:    sec.LastSeenAt,
		}
		if o, ok := last[sec.Address]; ok {
			summary.LastOutcome = o.String()
		}
		r.Sectors = append(r.Sectors, summary)
	}
	return r
}
