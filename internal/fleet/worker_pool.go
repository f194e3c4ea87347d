// Package fleet runs repair sessions against several devices at once.
//
// Every device gets its own session from its own SessionFunc call; devices
// never share engine state. The pool only bounds how many sessions run
// concurrently and collects their results in submission order.
package fleet

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zebiner/sector-doctor/internal/sector"
)

// MaxWorkers bounds concurrent sessions regardless of configuration.
const MaxWorkers = 16

// SessionFunc runs one complete session against deviceID.
type SessionFunc func(ctx context.Context, deviceID string) (*sector.Session, error)

// job is one device waiting for a worker.
type job struct {
	ID       int
	DeviceID string
}

// Result is the outcome of one device.
type Result struct {
	DeviceID string
	// Session is nil when Err is set and no session was produced.
	Session  *sector.Session
	Err      error
	Duration time.Duration
}

// PoolMetrics summarizes a RunAll call.
type PoolMetrics struct {
	Workers         int
	CompletedJobs   int32
	FailedJobs      int32
	RecoveredPanics int32
	StartTime       time.Time
	EndTime         time.Time
}

// WorkerPool runs sessions with bounded concurrency.
type WorkerPool struct {
	workers int
	run     SessionFunc
	log     logrus.FieldLogger

	running         atomic.Bool
	completedJobs   atomic.Int32
	failedJobs      atomic.Int32
	recoveredPanics atomic.Int32

	mu      sync.Mutex
	metrics PoolMetrics
}

// NewWorkerPool creates a pool of at most workers concurrent sessions.
func NewWorkerPool(workers int, run SessionFunc, log logrus.FieldLogger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if workers > MaxWorkers {
		workers = MaxWorkers
	}
	return &WorkerPool{workers: workers, run: run, log: log}
}

// RunAll runs one session per device and returns their results in the
// order of devices. Duplicate device IDs are rejected since two sessions
// against one disk would interleave repairs.
func (p *WorkerPool) RunAll(ctx context.Context, devices []string) ([]Result, error) {
	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		if seen[d] {
			return nil, fmt.Errorf("device %s listed more than once", d)
		}
		seen[d] = true
	}
	if !p.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("worker pool already running")
	}
	defer p.running.Store(false)

	p.completedJobs.Store(0)
	p.failedJobs.Store(0)
	p.recoveredPanics.Store(0)
	start := time.Now()

	workers := p.workers
	if workers > len(devices) {
		workers = len(devices)
	}

	results := make([]Result, len(devices))
	jobs := make(chan job, len(devices))
	for i, d := range devices {
		jobs <- job{ID: i, DeviceID: d}
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id, jobs, results)
		}(i)
	}
	wg.Wait()

	p.mu.Lock()
	p.metrics = PoolMetrics{
		Workers:         workers,
		CompletedJobs:   p.completedJobs.Load(),
		FailedJobs:      p.failedJobs.Load(),
		RecoveredPanics: p.recoveredPanics.Load(),
		StartTime:       start,
		EndTime:         time.Now(),
	}
	p.mu.Unlock()
	return results, nil
}

// worker processes jobs until the queue is drained. Each result slot is
// written by exactly one worker.
func (p *WorkerPool) worker(ctx context.Context, id int, jobs <-chan job, results []Result) {
	for j := range jobs {
		log := p.log.WithFields(logrus.Fields{"worker": id, "device": j.DeviceID})

		if err := ctx.Err(); err != nil {
			results[j.ID] = Result{DeviceID: j.DeviceID, Err: fmt.Errorf("not started: %w", err)}
			p.failedJobs.Add(1)
			continue
		}

		log.Debug("starting session")
		startTime := time.Now()
		session, err, panicked := p.execute(ctx, j)
		results[j.ID] = Result{
			DeviceID: j.DeviceID,
			Session:  session,
			Err:      err,
			Duration: time.Since(startTime),
		}

		if panicked {
			p.recoveredPanics.Add(1)
		}
		if err != nil {
			p.failedJobs.Add(1)
			log.WithError(err).Error("session failed")
			continue
		}
		p.completedJobs.Add(1)
		log.WithField("reason", session.TerminationReason().String()).Info("session finished")
	}
}

// execute runs a single session with panic recovery.
// Returns (session, error, panicked)
func (p *WorkerPool) execute(ctx context.Context, j job) (session *sector.Session, err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			session = nil
			err = fmt.Errorf("session for %s panicked: %v", j.DeviceID, r)
		}
	}()

	session, err = p.run(ctx, j.DeviceID)
	if err == nil && session == nil {
		err = fmt.Errorf("session for %s returned no result", j.DeviceID)
	}
	return session, err, false
}

// GetMetrics returns the metrics of the last RunAll call.
func (p *WorkerPool) GetMetrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}
