// Package cli provides testable command implementations for the sector-doctor CLI.
//
// This package holds the command logic so main.go only wires cobra flags.
// Every command writes to an io.Writer and takes its collaborators (process
// runner, history store) from an Environment, so tests can inject doubles.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/zebiner/sector-doctor/internal/config"
	"github.com/zebiner/sector-doctor/internal/docker"
	"github.com/zebiner/sector-doctor/internal/engine"
	"github.com/zebiner/sector-doctor/internal/fleet"
	"github.com/zebiner/sector-doctor/internal/history"
	"github.com/zebiner/sector-doctor/internal/repair"
	"github.com/zebiner/sector-doctor/internal/report"
	"github.com/zebiner/sector-doctor/internal/runner"
	"github.com/zebiner/sector-doctor/internal/sector"
	"github.com/zebiner/sector-doctor/internal/smart"
)

// ErrUnresolved is returned by RunRepair when at least one device did not
// converge with every sector repaired.
var ErrUnresolved = errors.New("one or more devices have unresolved sectors")

// ErrDeclined is returned when the operator does not confirm the repair.
var ErrDeclined = errors.New("repair not confirmed")

// Disclaimer is shown before any repair command is issued.
const Disclaimer = `WARNING: sector-doctor rewrites unreadable sectors in place.
Data stored in a repaired sector is lost and replaced with zeroes.
The drive may already be failing; back up anything you can first.
Repairs run against: %s
`

// Environment carries the collaborators shared by the commands.
type Environment struct {
	Config config.Config
	// Runner overrides the runner built from Config.Runner.
	Runner runner.Runner
	// History receives finished reports when non-nil.
	History *history.Store
	Log     logrus.FieldLogger
	In      io.Reader
	Out     io.Writer
}

// RepairOptions are the per-invocation inputs of RunRepair.
type RepairOptions struct {
	Devices []string
	// Selects are START-END ranges run as selective self-tests before the
	// first cycle.
	Selects   []string
	AssumeYes bool
	// FixFirstError repairs only the LBA_of_first_error of the newest
	// failed self-test and ignores every other finding.
	FixFirstError bool
	Output        string
	Verbose       bool
}

// Confirm shows the disclaimer and reads a yes/no answer from in.
func Confirm(in io.Reader, out io.Writer, devices []string) (bool, error) {
	fmt.Fprintf(out, Disclaimer, strings.Join(devices, ", "))
	fmt.Fprint(out, "Proceed? [y/N]: ")

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// NewRunner builds the process runner selected by cfg. The returned close
// function releases it.
func NewRunner(ctx context.Context, cfg config.RunnerConfig) (runner.Runner, func() error, error) {
	switch cfg.Mode {
	case config.RunnerDocker:
		r, err := docker.NewContainerRunner(ctx, cfg.Container)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to Docker daemon: %w", err)
		}
		return r, r.Close, nil
	default:
		return runner.NewLocal(), func() error { return nil }, nil
	}
}

// NewSource builds the diagnostic source for one device.
func NewSource(r runner.Runner, device string, cfg config.DiagnosticsConfig, log logrus.FieldLogger) (engine.Source, error) {
	switch cfg.Source {
	case config.SourceSmartctl, "":
		return smart.NewSmartctlSource(r, device, smart.SmartctlOptions{
			DeviceType:    cfg.DeviceType,
			JSON:          cfg.JSON,
			VerifySpan:    cfg.VerifySpan,
			VerifyRetries: cfg.VerifyRetries,
			VerifyWait:    cfg.VerifyWait,
			PollInterval:  cfg.PollInterval,
			StartPause:    cfg.StartPause,
		}, log), nil
	case config.SourceKernel:
		return smart.NewKernelLogSource(r, device, log), nil
	case config.SourceFile:
		return smart.FileSource{Path: cfg.File}, nil
	default:
		return nil, fmt.Errorf("unknown diagnostics source %q", cfg.Source)
	}
}

// NewRepairer builds the repair adapter for one device. Each device gets
// its own rate limiter.
func NewRepairer(r runner.Runner, cfg config.RepairConfig, log logrus.FieldLogger) (*repair.Adapter, error) {
	tool, err := repair.ParseTool(cfg.Tool)
	if err != nil {
		return nil, err
	}
	limiter := repair.NewRateLimiter(&repair.RateLimiterConfig{
		RequestsPerSecond: cfg.RatePerSecond,
		BurstSize:         cfg.Burst,
	})
	return repair.NewAdapter(tool, r, repair.WithRateLimiter(limiter), repair.WithLogger(log)), nil
}

// selfTesterFor returns the self-test driver of a smartctl source, or a new
// one for sources that do not carry one.
func selfTesterFor(source engine.Source, r runner.Runner, device string, cfg config.DiagnosticsConfig, log logrus.FieldLogger) *smart.SelfTester {
	if s, ok := source.(*smart.SmartctlSource); ok {
		return s.SelfTester()
	}
	tester := smart.NewSelfTester(r, device, cfg.DeviceType, cfg.PollInterval, log)
	tester.SetStartPause(cfg.StartPause)
	return tester
}

// preflight runs the optional self-tests requested before the first cycle.
func preflight(ctx context.Context, tester *smart.SelfTester, selfTest string, spans []smart.Span) error {
	switch selfTest {
	case "short", "long":
		if err := tester.Run(ctx, selfTest); err != nil {
			return err
		}
	}
	if len(spans) > 0 {
		return tester.RunSelective(ctx, spans)
	}
	return nil
}

// syncWriter serializes progress lines from concurrent sessions.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) printf(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}

// RunRepair runs one repair session per device and prints their reports.
func RunRepair(ctx context.Context, env Environment, opts RepairOptions) error {
	if len(opts.Devices) == 0 {
		return fmt.Errorf("at least one device is required")
	}
	if err := env.Config.Validate(); err != nil {
		return err
	}
	if err := validateFormat(opts.Output); err != nil {
		return err
	}
	spans := make([]smart.Span, 0, len(opts.Selects))
	for _, s := range opts.Selects {
		span, err := smart.ParseRange(s)
		if err != nil {
			return err
		}
		spans = append(spans, span)
	}

	if !opts.AssumeYes {
		ok, err := Confirm(env.In, env.Out, opts.Devices)
		if err != nil {
			return err
		}
		if !ok {
			return ErrDeclined
		}
	}

	log := env.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := env.Runner
	if r == nil {
		var closeRunner func() error
		var err error
		r, closeRunner, err = NewRunner(ctx, env.Config.Runner)
		if err != nil {
			return err
		}
		defer closeRunner()
	}

	progress := &syncWriter{w: env.Out}
	diag := env.Config.Diagnostics

	runSession := func(ctx context.Context, device string) (*sector.Session, error) {
		devLog := log.WithField("device", device)

		source, err := NewSource(r, device, diag, devLog)
		if err != nil {
			return nil, err
		}
		repairer, err := NewRepairer(r, env.Config.Repair, devLog)
		if err != nil {
			return nil, err
		}

		tester := selfTesterFor(source, r, device, diag, devLog)
		if err := preflight(ctx, tester, diag.SelfTest, spans); err != nil {
			return nil, fmt.Errorf("self-test on %s: %w", device, err)
		}

		engineOpts := []engine.Option{engine.WithLogger(devLog)}
		if opts.FixFirstError {
			engineOpts = append(engineOpts, engine.WithParser(smart.FirstErrorOnly()))
		}
		if opts.Verbose {
			engineOpts = append(engineOpts, engine.WithObserver(func(ev engine.Event) {
				switch ev.Type {
				case engine.EventFindingsMerged:
					progress.printf("%s cycle %d: %d new, %d reappeared, %d outstanding\n",
						ev.DeviceID, ev.Cycle, ev.NewSectors, ev.Reappeared, ev.Outstanding)
				case engine.EventAttempt:
					progress.printf("%s cycle %d: LBA %s %s -> %s\n",
						ev.DeviceID, ev.Cycle, ev.Attempt.SectorAddress, ev.Attempt.Outcome, ev.Status)
				}
			}))
		}

		eng, err := engine.New(env.Config.Engine, source, repairer, engineOpts...)
		if err != nil {
			return nil, err
		}
		devLog.WithFields(logrus.Fields{
			"tool":            string(repairer.Tool()),
			"fix_first_error": opts.FixFirstError,
		}).Info("starting repair session")

		session, err := eng.Run(ctx, device)

		m := repairer.RateMetrics()
		devLog.WithFields(logrus.Fields{
			"requests":   m.TotalRequests,
			"throttled":  m.ThrottledRequests,
			"total_wait": m.TotalWaitTime,
			"max_wait":   m.MaxWaitTime,
		}).Debug("repair rate limiter")
		return session, err
	}

	pool := fleet.NewWorkerPool(env.Config.Fleet.MaxParallelDevices, runSession, log)
	results, err := pool.RunAll(ctx, opts.Devices)
	if err != nil {
		return err
	}
	pm := pool.GetMetrics()
	log.WithFields(logrus.Fields{
		"workers":   pm.Workers,
		"completed": pm.CompletedJobs,
		"failed":    pm.FailedJobs,
		"panics":    pm.RecoveredPanics,
		"duration":  pm.EndTime.Sub(pm.StartTime),
	}).Info("repair run finished")

	var reports []report.Report
	var failures []string
	for _, res := range results {
		if res.Session == nil {
			failures = append(failures, fmt.Sprintf("%s: %v", res.DeviceID, res.Err))
			continue
		}
		rep := report.Build(res.Session)
		reports = append(reports, rep)
		if env.History != nil {
			// Aborted sessions are recorded too, after ctx is cancelled.
			if err := env.History.Save(context.WithoutCancel(ctx), rep); err != nil {
				log.WithError(err).WithField("device", rep.DeviceID).Warn("could not save session history")
			}
		}
	}

	if err := OutputReports(reports, opts.Output, opts.Verbose, env.Out); err != nil {
		return err
	}
	if len(failures) > 0 {
		return fmt.Errorf("%w: %s", ErrUnresolved, strings.Join(failures, "; "))
	}
	for _, rep := range reports {
		if !rep.Succeeded() {
			return ErrUnresolved
		}
	}
	return nil
}

// RunParse parses a saved diagnostic output file and prints the findings.
// A path of "-" reads from in.
func RunParse(path string, in io.Reader, outputFormat string, writer io.Writer) error {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(in)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read diagnostic output: %w", err)
	}

	result, err := smart.Parse(string(data))
	if err != nil {
		return err
	}
	return OutputFindings(result, outputFormat, writer)
}

// RunHistory lists stored sessions, newest first.
func RunHistory(ctx context.Context, store *history.Store, device string, limit int, outputFormat string, writer io.Writer) error {
	entries, err := store.List(ctx, device, limit)
	if err != nil {
		return err
	}
	return OutputHistory(entries, outputFormat, writer)
}

// RunShow prints one stored report.
func RunShow(ctx context.Context, store *history.Store, sessionID, outputFormat string, verbose bool, writer io.Writer) error {
	rep, err := store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	return OutputReports([]report.Report{rep}, outputFormat, verbose, writer)
}
