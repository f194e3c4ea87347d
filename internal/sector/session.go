package sector

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrSessionSealed is returned by every mutator once the session has a
// termination reason.
var ErrSessionSealed = errors.New("session is terminated and can no longer be modified")

// Session is one run of the repair engine against one device.
//
// Only the engine mutates a session. Readers may take snapshots from other
// goroutines while the engine runs; every accessor returns copies.
type Session struct {
	mu sync.RWMutex

	id       string
	deviceID string
	cycle    int
	sectors  map[Address]*SectorError
	history  []RepairAttempt

	initialCounts AttributeCounts
	latestCounts  AttributeCounts

	reason    TerminationReason
	reasonErr string
	started   time.Time
	finished  time.Time
}

// AttributeCounts are the raw values of SMART attributes 197
// (Current_Pending_Sector) and 198 (Offline_Uncorrectable). -1 means the
// drive did not report the attribute.
type AttributeCounts struct {
	Pending       int64 `json:"pending" yaml:"pending"`
	Uncorrectable int64 `json:"uncorrectable" yaml:"uncorrectable"`
}

// UnknownCounts is the value before any attribute table was seen.
var UnknownCounts = AttributeCounts{Pending: -1, Uncorrectable: -1}

// Known reports whether either attribute was reported.
func (c AttributeCounts) Known() bool {
	return c.Pending >= 0 || c.Uncorrectable >= 0
}

// NewSession creates an empty, running session for deviceID.
func NewSession(deviceID string) *Session {
	return &Session{
		id:            uuid.NewString(),
		deviceID:      deviceID,
		sectors:       make(map[Address]*SectorError),
		initialCounts: UnknownCounts,
		latestCounts:  UnknownCounts,
		started:       time.Now().UTC(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// DeviceID returns the device the session runs against.
func (s *Session) DeviceID() string { return s.deviceID }

// CycleIndex returns the index of the current (or last) cycle. It is 0
// before the first cycle starts.
func (s *Session) CycleIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cycle
}

// StartedAt returns when the session was created.
func (s *Session) StartedAt() time.Time { return s.started }

// FinishedAt returns when the session was terminated, or the zero time.
func (s *Session) FinishedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finished
}

// TerminationReason returns ReasonNone while the session is running.
func (s *Session) TerminationReason() TerminationReason {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// TerminationError returns the error message that caused termination, if
// any.
func (s *Session) TerminationError() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reasonErr
}

// Terminated reports whether the session is sealed.
func (s *Session) Terminated() bool {
	return s.TerminationReason() != ReasonNone
}

// Sectors returns copies of all sectors ordered by ascending address.
func (s *Session) Sectors() []SectorError {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SectorError, 0, len(s.sectors))
	for _, sec := range s.sectors {
		out = append(out, sec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Sector returns a copy of one sector.
func (s *Session) Sector(addr Address) (SectorError, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sec, ok := s.sectors[addr]
	if !ok {
		return SectorError{}, false
	}
	return sec.Clone(), true
}

// History returns a copy of the ordered attempt history.
func (s *Session) History() []RepairAttempt {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]RepairAttempt(nil), s.history...)
}

// AdvanceCycle increments the cycle index and returns the new value.
func (s *Session) AdvanceCycle() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason != ReasonNone {
		return s.cycle, ErrSessionSealed
	}
	s.cycle++
	return s.cycle, nil
}

// Update applies fn to the sector at addr under the session lock, creating
// it first when create is true and it does not exist. fn must not retain
// the pointer. AttemptCount may not decrease.
func (s *Session) Update(addr Address, create bool, fn func(sec *SectorError)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason != ReasonNone {
		return ErrSessionSealed
	}

	sec, ok := s.sectors[addr]
	if !ok {
		if !create {
			return nil
		}
		sec = &SectorError{Address: addr, Status: StatusPending}
		s.sectors[addr] = sec
	}

	before := sec.AttemptCount
	fn(sec)
	sec.Address = addr
	if sec.AttemptCount < before {
		sec.AttemptCount = before
	}
	return nil
}

// Record appends an attempt to the history.
func (s *Session) Record(a RepairAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason != ReasonNone {
		return ErrSessionSealed
	}
	s.history = append(s.history, a)
	return nil
}

// RecordCounts stores the attribute counts of the latest diagnostic output.
// The first known counts are kept as the initial values; counts with
// neither attribute reported are ignored.
func (s *Session) RecordCounts(c AttributeCounts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason != ReasonNone {
		return ErrSessionSealed
	}
	if !c.Known() {
		return nil
	}
	if !s.initialCounts.Known() {
		s.initialCounts = c
	}
	s.latestCounts = c
	return nil
}

// InitialCounts returns the first attribute counts seen in the session.
func (s *Session) InitialCounts() AttributeCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialCounts
}

// LatestCounts returns the most recent attribute counts.
func (s *Session) LatestCounts() AttributeCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestCounts
}

// Terminate seals the session with reason. A session can only be
// terminated once; later calls return ErrSessionSealed.
func (s *Session) Terminate(reason TerminationReason, cause error) error {
	if reason == ReasonNone {
		return errors.New("termination reason must be set")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason != ReasonNone {
		return ErrSessionSealed
	}
	s.reason = reason
	if cause != nil {
		s.reasonErr = cause.Error()
	}
	s.finished = time.Now().UTC()
	return nil
}

// Outstanding returns the addresses that still need a repair attempt,
// ascending.
func (s *Session) Outstanding() []Address {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Address
	for addr, sec := range s.sectors {
		if sec.Status.Outstanding() {
			out = append(out, addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
