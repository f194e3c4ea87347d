// Package repair translates one bad-sector address into one invocation of
// the external repair primitive and interprets the result.
//
// The adapter is single-shot: one call, one command, one outcome. All retry
// policy lives in the loop engine.
package repair

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zebiner/sector-doctor/internal/runner"
	"github.com/zebiner/sector-doctor/internal/sector"
)

// Tool selects the repair primitive.
type Tool string

const (
	// ToolHdparm rewrites the sector with hdparm --repair-sector (ATA/SATA).
	ToolHdparm Tool = "hdparm"
	// ToolSgReassign asks a SCSI device to reassign the block (sg3_utils).
	ToolSgReassign Tool = "sg_reassign"
)

// ParseTool validates a tool name.
func ParseTool(s string) (Tool, error) {
	switch Tool(strings.ToLower(strings.TrimSpace(s))) {
	case ToolHdparm, "":
		return ToolHdparm, nil
	case ToolSgReassign:
		return ToolSgReassign, nil
	default:
		return "", fmt.Errorf("unsupported repair tool %q (want hdparm or sg_reassign)", s)
	}
}

// Command returns the executable and arguments that repair addr on device.
func (t Tool) Command(deviceID string, addr sector.Address) (string, []string) {
	switch t {
	case ToolSgReassign:
		return string(ToolSgReassign), []string{"--address=" + addr.String(), deviceID}
	default:
		return string(ToolHdparm), []string{"--yes-i-know-what-i-am-doing", "--repair-sector", addr.String(), deviceID}
	}
}

// Adapter is the Repair Command Adapter. It is the only component allowed
// to change device state.
type Adapter struct {
	tool    Tool
	runner  runner.Runner
	limiter *RateLimiter
	log     logrus.FieldLogger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithRateLimiter spaces successive repair commands.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(a *Adapter) { a.limiter = rl }
}

// WithLogger sets the logger used for per-invocation debug output.
func WithLogger(l logrus.FieldLogger) Option {
	return func(a *Adapter) { a.log = l }
}

// NewAdapter creates an adapter that runs tool through r.
func NewAdapter(tool Tool, r runner.Runner, opts ...Option) *Adapter {
	a := &Adapter{
		tool:   tool,
		runner: r,
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Tool returns the configured repair primitive.
func (a *Adapter) Tool() Tool { return a.tool }

// RateMetrics returns the throttling statistics of the adapter's limiter.
// They are zero when no limiter is configured.
func (a *Adapter) RateMetrics() RateLimiterMetrics { return a.limiter.GetMetrics() }

// Repair issues exactly one repair command for addr and maps the result to
// an outcome. The caller bounds the call with ctx; a deadline that expires
// yields OutcomeTimeout. CycleIndex is left for the caller to fill in.
func (a *Adapter) Repair(ctx context.Context, deviceID string, addr sector.Address) sector.RepairAttempt {
	attempt := sector.RepairAttempt{SectorAddress: addr}
	start := time.Now()

	// The limiter fails only when ctx ends, or its deadline comes before
	// the next token.
	if err := a.limiter.Wait(ctx); err != nil {
		attempt.Outcome = sector.OutcomeTimeout
		attempt.ExitStatus = -1
		attempt.Err = err.Error()
		attempt.Duration = time.Since(start)
		return attempt
	}

	name, args := a.tool.Command(deviceID, addr)
	a.log.WithFields(logrus.Fields{
		"device": deviceID,
		"lba":    uint64(addr),
		"tool":   name,
	}).Debug("issuing repair command")

	res, err := a.runner.Run(ctx, name, args...)
	attempt.ExitStatus = res.ExitStatus
	attempt.RawOutput = res.Combined()
	if err != nil {
		attempt.Err = err.Error()
	}
	attempt.Outcome = Classify(a.tool, res, err)
	attempt.Duration = time.Since(start)
	return attempt
}

// Exit statuses shared by POSIX shells and container runtimes.
const (
	exitCannotExecute = 126
	exitNotFound      = 127
)

// sg3_utils exit statuses (sg_lib.h, SG_LIB_*).
const (
	sgSyntaxError    = 1
	sgNotReady       = 2
	sgMediumHard     = 3
	sgIllegalRequest = 5
	sgUnitAttention  = 6
	sgInvalidOp      = 9
	sgAbortedCommand = 11
	sgFileError      = 15
	sgTimeout        = 33
)

var (
	toolErrorPatterns = []string{
		"not supported",
		"not implemented",
		"unrecognized option",
		"unknown option",
		"inappropriate ioctl",
		"invalid argument",
		"operation not permitted",
		"permission denied",
		"no such file or directory",
		"executable file not found",
	}
	busyPatterns = []string{
		"device or resource busy",
		"resource temporarily unavailable",
		"not ready",
		"unit attention",
		"try again",
	}
	timeoutPatterns = []string{
		"timed out",
		"timeout",
	}
	notApplicablePatterns = []string{
		"out of range",
		"beyond end",
		"lba out of",
		"illegal request",
	}
)

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// Classify maps a process result to a repair outcome.
//
// Rules, first match wins:
//   - the runner could not find the executable, or exit 126/127: ToolError
//   - the context ended (runErr wraps a context error): Timeout
//   - exit 0: Success
//   - sg_reassign exit codes per sg3_utils
//   - output text: not-applicable, unsupported (ToolError), busy, timeout
//   - any other non-zero exit: DeviceBusy, i.e. transient and bounded by
//     the engine's per-sector attempt ceiling
func Classify(tool Tool, res runner.Result, runErr error) sector.Outcome {
	if errors.Is(runErr, runner.ErrNotFound) ||
		res.ExitStatus == exitNotFound || res.ExitStatus == exitCannotExecute {
		return sector.OutcomeToolError
	}
	if errors.Is(runErr, context.DeadlineExceeded) || errors.Is(runErr, context.Canceled) {
		return sector.OutcomeTimeout
	}
	if runErr == nil && res.ExitStatus == 0 {
		return sector.OutcomeSuccess
	}

	if tool == ToolSgReassign && runErr == nil {
		switch res.ExitStatus {
		case sgNotReady, sgUnitAttention, sgAbortedCommand, sgMediumHard:
			return sector.OutcomeDeviceBusy
		case sgIllegalRequest:
			return sector.OutcomeNotApplicable
		case sgSyntaxError, sgInvalidOp, sgFileError:
			return sector.OutcomeToolError
		case sgTimeout:
			return sector.OutcomeTimeout
		}
	}

	text := strings.ToLower(res.Stdout + "\n" + res.Stderr)
	switch {
	case containsAny(text, notApplicablePatterns):
		return sector.OutcomeNotApplicable
	case containsAny(text, toolErrorPatterns):
		return sector.OutcomeToolError
	case containsAny(text, busyPatterns):
		return sector.OutcomeDeviceBusy
	case containsAny(text, timeoutPatterns):
		return sector.OutcomeTimeout
	}

	if runErr != nil {
		return sector.OutcomeToolError
	}
	return sector.OutcomeDeviceBusy
}
