// Package sector defines the data model shared by the parser, the repair
// adapter, the loop engine and the report builder: bad-sector records,
// repair attempts, the per-device session and their enumerations.
package sector

import (
	"fmt"
	"strconv"
	"time"
)

// Address is a logical block address on the device. It is the unique key
// of a sector within a session.
type Address uint64

// String renders the address in decimal, the form hdparm and smartctl use.
func (a Address) String() string {
	return strconv.FormatUint(uint64(a), 10)
}

// ErrorKind classifies how a bad sector was reported.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindWrite
	KindRead
	KindPending
	KindUncorrectable
)

var kindNames = map[ErrorKind]string{
	KindOther:         "other",
	KindWrite:         "write",
	KindRead:          "read",
	KindPending:       "pending",
	KindUncorrectable: "uncorrectable",
}

// String returns a human-readable representation of the kind
func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// MoreSevere reports whether k should win over other when the same address
// is reported more than once.
func (k ErrorKind) MoreSevere(other ErrorKind) bool {
	return k > other
}

// MarshalText implements encoding.TextMarshaler so kinds serialize by name
// in JSON and YAML reports.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ErrorKind) UnmarshalText(b []byte) error {
	return unmarshalName(kindNames, "error kind", b, k)
}

// Status is the repair state of a single sector.
type Status int

const (
	StatusPending Status = iota
	StatusInProgress
	StatusRepaired
	StatusFailed
	StatusReappeared
)

var statusNames = map[Status]string{
	StatusPending:    "pending",
	StatusInProgress: "in_progress",
	StatusRepaired:   "repaired",
	StatusFailed:     "failed",
	StatusReappeared: "reappeared",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	return unmarshalName(statusNames, "status", b, s)
}

// Outstanding reports whether a sector in this status still needs a repair
// attempt.
func (s Status) Outstanding() bool {
	return s == StatusPending || s == StatusInProgress || s == StatusReappeared
}

// Terminal reports whether the status is final for the current occurrence.
func (s Status) Terminal() bool {
	return s == StatusRepaired || s == StatusFailed
}

// Outcome is the result of one repair invocation.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeToolError
	OutcomeDeviceBusy
	OutcomeTimeout
	OutcomeNotApplicable
)

var outcomeNames = map[Outcome]string{
	OutcomeSuccess:       "success",
	OutcomeToolError:     "tool_error",
	OutcomeDeviceBusy:    "device_busy",
	OutcomeTimeout:       "timeout",
	OutcomeNotApplicable: "not_applicable",
}

func (o Outcome) String() string {
	if n, ok := outcomeNames[o]; ok {
		return n
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(b []byte) error {
	return unmarshalName(outcomeNames, "outcome", b, o)
}

// Transient reports whether the outcome is worth retrying later.
func (o Outcome) Transient() bool {
	return o == OutcomeDeviceBusy || o == OutcomeTimeout
}

// TerminationReason explains why a session ended. The zero value means the
// session is still running.
type TerminationReason int

const (
	ReasonNone TerminationReason = iota
	ReasonConverged
	ReasonMaxCyclesExceeded
	ReasonMaxAttemptsPerSectorExceeded
	ReasonToolUnavailable
	ReasonAborted
)

var reasonNames = map[TerminationReason]string{
	ReasonNone:                         "running",
	ReasonConverged:                    "converged",
	ReasonMaxCyclesExceeded:            "max_cycles_exceeded",
	ReasonMaxAttemptsPerSectorExceeded: "max_attempts_per_sector_exceeded",
	ReasonToolUnavailable:              "tool_unavailable",
	ReasonAborted:                      "aborted",
}

func (r TerminationReason) String() string {
	if n, ok := reasonNames[r]; ok {
		return n
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (r TerminationReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ParseTerminationReason is the inverse of TerminationReason.String. It is
// used when reading stored reports back.
func ParseTerminationReason(s string) (TerminationReason, error) {
	for r, n := range reasonNames {
		if n == s {
			return r, nil
		}
	}
	return ReasonNone, fmt.Errorf("unknown termination reason %q", s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *TerminationReason) UnmarshalText(b []byte) error {
	v, err := ParseTerminationReason(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

func unmarshalName[T comparable](names map[T]string, what string, b []byte, dst *T) error {
	for v, n := range names {
		if n == string(b) {
			*dst = v
			return nil
		}
	}
	return fmt.Errorf("unknown %s %q", what, b)
}

// SectorError is one bad-sector finding tracked across the cycles of a
// session.
type SectorError struct {
	Address     Address   `json:"address" yaml:"address"`
	Kind        ErrorKind `json:"kind" yaml:"kind"`
	FirstSeenAt int       `json:"first_seen_at" yaml:"first_seen_at"`
	LastSeenAt  int       `json:"last_seen_at" yaml:"last_seen_at"`

	// AttemptCount covers every occurrence and never decreases.
	AttemptCount int `json:"attempt_count" yaml:"attempt_count"`
	// OccurrenceAttempts restarts at zero each time the sector reappears.
	OccurrenceAttempts int `json:"occurrence_attempts" yaml:"occurrence_attempts"`
	Reappearances      int `json:"reappearances" yaml:"reappearances"`

	Status    Status `json:"status" yaml:"status"`
	Exhausted bool   `json:"exhausted" yaml:"exhausted"`

	// Evidence holds the log-entry tokens that reported this address.
	// A repaired sector only reappears when a token it has not seen shows up.
	Evidence []string `json:"evidence,omitempty" yaml:"evidence,omitempty"`
}

// HasEvidence reports whether token was already recorded for the sector.
func (s *SectorError) HasEvidence(token string) bool {
	for _, e := range s.Evidence {
		if e == token {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (s SectorError) Clone() SectorError {
	out := s
	out.Evidence = append([]string(nil), s.Evidence...)
	return out
}

// RepairAttempt records one repair invocation. Attempts are appended to the
// session history and never modified afterwards.
type RepairAttempt struct {
	SectorAddress Address       `json:"sector_address" yaml:"sector_address"`
	CycleIndex    int           `json:"cycle_index" yaml:"cycle_index"`
	Outcome       Outcome       `json:"outcome" yaml:"outcome"`
	ExitStatus    int           `json:"exit_status" yaml:"exit_status"`
	RawOutput     string        `json:"raw_output,omitempty" yaml:"raw_output,omitempty"`
	Err           string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration      time.Duration `json:"duration" yaml:"duration"`
}
