// Package engine contains the repair loop: the state machine that turns a
// set of bad-sector findings into a bounded sequence of repair attempts.
//
// Each cycle re-reads the diagnostic output, merges what it finds into the
// session, then walks every outstanding sector in ascending address order
// and issues one repair attempt per sector. Sectors are never repaired in
// parallel: concurrent reassignments against one device interleave
// unpredictably in firmware.
//
// Termination:
//   - Converged: nothing outstanding and the cycle's re-parse reported no
//     new, reappeared or still-failing address
//   - MaxCyclesExceeded: the cycle ceiling was reached first
//   - ToolUnavailable: the repair or diagnostic tool cannot be used
//   - Aborted: the context was cancelled
//
// A sector that uses its whole attempt budget is marked Failed and
// Exhausted; that alone never ends the session.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zebiner/sector-doctor/internal/sector"
	"github.com/zebiner/sector-doctor/internal/smart"
)

// Source produces the raw diagnostic text for one device.
type Source interface {
	Fetch(ctx context.Context) (string, error)
}

// Verifier is implemented by sources that can refresh their evidence for
// specific addresses, e.g. by running a selective self-test, before the
// next Fetch.
type Verifier interface {
	Verify(ctx context.Context, addrs []sector.Address) error
}

// Repairer issues a single repair attempt. It must honor ctx and must not
// retry on its own.
type Repairer interface {
	Repair(ctx context.Context, deviceID string, addr sector.Address) sector.RepairAttempt
}

// ParseFunc turns raw diagnostic text into findings.
type ParseFunc func(raw string) (*smart.Result, error)

// EventType identifies an engine progress event.
type EventType int

const (
	EventCycleStarted EventType = iota
	EventFindingsMerged
	EventAttempt
	EventBackoff
	EventTerminated
)

// Event describes engine progress for observers.
type Event struct {
	Type     EventType
	DeviceID string
	Cycle    int

	// EventFindingsMerged
	NewSectors  int
	Reappeared  int
	Outstanding int

	// EventAttempt
	Attempt *sector.RepairAttempt
	Status  sector.Status

	// EventBackoff
	Delay time.Duration

	// EventTerminated
	Reason sector.TerminationReason
}

// Observer receives events synchronously from the engine goroutine.
type Observer func(Event)

// Engine runs repair sessions. One Engine may run sessions for several
// devices one after another, or concurrently as long as its Source and
// Repairer are safe for that; sessions never share state.
type Engine struct {
	cfg      Config
	source   Source
	repairer Repairer
	parse    ParseFunc
	backoff  *Backoff
	log      logrus.FieldLogger
	observer Observer
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = l }
}

// WithParser replaces smart.Parse.
func WithParser(p ParseFunc) Option {
	return func(e *Engine) { e.parse = p }
}

// WithObserver registers a progress observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// New validates cfg and creates an engine.
func New(cfg Config, source Source, repairer Repairer, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, errors.New("engine: source is required")
	}
	if repairer == nil {
		return nil, errors.New("engine: repairer is required")
	}

	e := &Engine{
		cfg:      cfg,
		source:   source,
		repairer: repairer,
		parse:    smart.Parse,
		backoff:  NewBackoff(cfg.BaseBackoff, cfg.BackoffCap, cfg.JitterFactor),
		log:      logrus.StandardLogger(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Engine) emit(ev Event) {
	if e.observer != nil {
		e.observer(ev)
	}
}

// observation summarizes one merge of parser findings into the session.
type observation struct {
	// confirmed is false when the cycle's output could not be parsed.
	confirmed  bool
	newSectors int
	reappeared int
	// dirty is set when any finding maps to a sector that is not a
	// settled repair: new, reappeared, outstanding or failed.
	dirty bool
}

// cycleResult summarizes the repair pass of one cycle.
type cycleResult struct {
	repaired []sector.Address
	// retryAttempts is the highest occurrence attempt count among sectors
	// requeued after a transient failure; 0 when nothing was requeued.
	retryAttempts int
	fatal         error
	aborted       bool
}

// Run executes one session against deviceID and returns it terminated.
//
// The returned error is non-nil only when the very first diagnostic output
// contains no recognizable section; there is no session in that case.
// Every other ending, including tool failures and cancellation, yields a
// terminated session with its partial results.
func (e *Engine) Run(ctx context.Context, deviceID string) (*sector.Session, error) {
	session := sector.NewSession(deviceID)
	log := e.log.WithFields(logrus.Fields{"device": deviceID, "session": session.ID()})

	for {
		cycle, err := session.AdvanceCycle()
		if err != nil {
			return session, nil
		}
		log := log.WithField("cycle", cycle)
		e.emit(Event{Type: EventCycleStarted, DeviceID: deviceID, Cycle: cycle})

		if ctx.Err() != nil {
			e.terminate(log, session, sector.ReasonAborted, ctx.Err())
			return session, nil
		}

		obs, err := e.observe(ctx, session, cycle)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			e.terminate(log, session, sector.ReasonAborted, ctx.Err())
			return session, nil
		case sector.IsParseError(err) && cycle == 1:
			log.WithError(err).Error("diagnostic output not recognized")
			return nil, err
		case sector.IsParseError(err):
			log.WithError(err).Warn("diagnostic output not recognized, skipping merge for this cycle")
		default:
			e.terminate(log, session, sector.ReasonToolUnavailable, err)
			return session, nil
		}

		outstanding := session.Outstanding()
		e.emit(Event{
			Type: EventFindingsMerged, DeviceID: deviceID, Cycle: cycle,
			NewSectors: obs.newSectors, Reappeared: obs.reappeared, Outstanding: len(outstanding),
		})
		log.WithFields(logrus.Fields{
			"new":         obs.newSectors,
			"reappeared":  obs.reappeared,
			"outstanding": len(outstanding),
		}).Info("cycle started")

		res := e.repairCycle(ctx, session, cycle, outstanding, log)
		if res.aborted {
			e.terminate(log, session, sector.ReasonAborted, ctx.Err())
			return session, nil
		}
		if res.fatal != nil {
			e.terminate(log, session, sector.ReasonToolUnavailable, res.fatal)
			return session, nil
		}

		if v, ok := e.source.(Verifier); ok && len(res.repaired) > 0 {
			if err := v.Verify(ctx, res.repaired); err != nil {
				if ctx.Err() != nil {
					e.terminate(log, session, sector.ReasonAborted, ctx.Err())
					return session, nil
				}
				log.WithError(err).Warn("post-repair verification failed")
			}
		}

		if obs.confirmed && !obs.dirty && len(session.Outstanding()) == 0 {
			e.terminate(log, session, sector.ReasonConverged, nil)
			return session, nil
		}
		if cycle >= e.cfg.MaxCyclesPerSession {
			e.terminate(log, session, sector.ReasonMaxCyclesExceeded, nil)
			return session, nil
		}

		delay := e.cfg.CycleInterval
		if res.retryAttempts > 0 {
			if d := e.backoff.Delay(res.retryAttempts); d > delay {
				delay = d
			}
			e.emit(Event{Type: EventBackoff, DeviceID: deviceID, Cycle: cycle, Delay: delay})
			log.WithField("delay", delay).Debug("backing off before retry")
		}
		if err := e.sleep(ctx, delay); err != nil {
			e.terminate(log, session, sector.ReasonAborted, err)
			return session, nil
		}
	}
}

func (e *Engine) terminate(log logrus.FieldLogger, session *sector.Session, reason sector.TerminationReason, cause error) {
	if err := session.Terminate(reason, cause); err != nil {
		return
	}
	entry := log.WithField("reason", reason.String())
	switch reason {
	case sector.ReasonConverged:
		entry.Info("session converged")
	case sector.ReasonToolUnavailable:
		entry.WithError(cause).Error("session aborted: tool unavailable")
	default:
		if cause != nil {
			entry = entry.WithError(cause)
		}
		entry.Warn("session terminated")
	}
	e.emit(Event{Type: EventTerminated, DeviceID: session.DeviceID(), Cycle: session.CycleIndex(), Reason: reason})
}

// observe fetches and parses diagnostic output and merges the findings.
// A parse error is returned alongside an unconfirmed observation so later
// cycles can carry on.
func (e *Engine) observe(ctx context.Context, session *sector.Session, cycle int) (observation, error) {
	raw, err := e.source.Fetch(ctx)
	if err != nil {
		return observation{}, err
	}
	res, err := e.parse(raw)
	if err != nil {
		return observation{}, err
	}

	counts := sector.AttributeCounts{Pending: res.PendingCount, Uncorrectable: res.UncorrectableCount}
	if err := session.RecordCounts(counts); err != nil {
		return observation{}, err
	}

	obs := observation{confirmed: true}
	grace := e.cfg.ReappearGraceCycles
	for _, f := range res.Findings {
		f := f
		err := session.Update(f.Address, true, func(sec *sector.SectorError) {
			if sec.FirstSeenAt == 0 {
				sec.Kind = f.Kind
				sec.FirstSeenAt = cycle
				sec.LastSeenAt = cycle
				sec.Status = sector.StatusPending
				sec.Evidence = append([]string(nil), f.Evidence...)
				obs.newSectors++
				obs.dirty = true
				return
			}

			sec.LastSeenAt = cycle
			if f.Kind.MoreSevere(sec.Kind) {
				sec.Kind = f.Kind
			}
			fresh := false
			for _, token := range f.Evidence {
				if !sec.HasEvidence(token) {
					sec.Evidence = append(sec.Evidence, token)
					fresh = true
				}
			}

			switch sec.Status {
			case sector.StatusRepaired:
				if !fresh {
					return
				}
				obs.dirty = true
				if sec.Reappearances >= grace {
					sec.Status = sector.StatusFailed
					return
				}
				sec.Reappearances++
				sec.OccurrenceAttempts = 0
				sec.Status = sector.StatusReappeared
				obs.reappeared++
			default:
				obs.dirty = true
			}
		})
		if err != nil {
			return obs, fmt.Errorf("merge finding %s: %w", f.Address, err)
		}
	}
	return obs, nil
}

// repairCycle issues one attempt per outstanding sector, in the given
// (ascending) order.
func (e *Engine) repairCycle(ctx context.Context, session *sector.Session, cycle int, addrs []sector.Address, log logrus.FieldLogger) cycleResult {
	var res cycleResult
	deviceID := session.DeviceID()

	for _, addr := range addrs {
		if ctx.Err() != nil {
			res.aborted = true
			return res
		}

		if err := session.Update(addr, false, func(sec *sector.SectorError) {
			sec.Status = sector.StatusInProgress
		}); err != nil {
			res.fatal = err
			return res
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.PerAttemptTimeout)
		attempt := e.repairer.Repair(attemptCtx, deviceID, addr)
		cancel()
		attempt.SectorAddress = addr
		attempt.CycleIndex = cycle

		if err := session.Record(attempt); err != nil {
			res.fatal = err
			return res
		}

		var status sector.Status
		var occurrence int
		if err := session.Update(addr, false, func(sec *sector.SectorError) {
			sec.AttemptCount++
			sec.OccurrenceAttempts++
			switch attempt.Outcome {
			case sector.OutcomeSuccess:
				sec.Status = sector.StatusRepaired
			case sector.OutcomeNotApplicable:
				sec.Status = sector.StatusFailed
			case sector.OutcomeToolError:
				sec.Status = sector.StatusPending
			default:
				if sec.OccurrenceAttempts >= e.cfg.MaxAttemptsPerSector {
					sec.Status = sector.StatusFailed
					sec.Exhausted = true
				} else {
					sec.Status = sector.StatusPending
				}
			}
			status = sec.Status
			occurrence = sec.OccurrenceAttempts
		}); err != nil {
			res.fatal = err
			return res
		}

		e.emit(Event{Type: EventAttempt, DeviceID: deviceID, Cycle: cycle, Attempt: &attempt, Status: status})
		entry := log.WithFields(logrus.Fields{
			"lba":     uint64(addr),
			"outcome": attempt.Outcome.String(),
			"status":  status.String(),
			"attempt": occurrence,
		})

		switch {
		case attempt.Outcome == sector.OutcomeSuccess:
			entry.Info("sector repaired")
			res.repaired = append(res.repaired, addr)
		case attempt.Outcome == sector.OutcomeToolError:
			entry.Error("repair tool unavailable")
			res.fatal = &sector.ToolUnavailableError{
				Code:   sector.ErrCodeUnsupportedOperation,
				Tool:   "repair command",
				Detail: attemptDetail(attempt),
			}
		case status == sector.StatusFailed && attempt.Outcome.Transient():
			entry.WithError(&sector.SectorExhaustedError{Address: addr, Attempts: occurrence, Last: attempt.Outcome}).
				Warn("sector exhausted its attempt budget")
		case status == sector.StatusFailed:
			entry.Warn("repair not applicable to sector")
		default:
			entry.Info("repair attempt failed, will retry")
			if occurrence > res.retryAttempts {
				res.retryAttempts = occurrence
			}
		}

		if ctx.Err() != nil {
			res.aborted = true
			return res
		}
		if res.fatal != nil {
			return res
		}
	}
	return res
}

func attemptDetail(a sector.RepairAttempt) string {
	s := a.Err
	if s == "" {
		s = strings.TrimSpace(a.RawOutput)
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
