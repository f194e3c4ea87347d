package smart

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zebiner/sector-doctor/internal/runner"
	"github.com/zebiner/sector-doctor/internal/sector"
)

// maxSelectiveSpans is the number of LBA spans an ATA selective self-test
// accepts per invocation.
const maxSelectiveSpans = 5

// Span is an inclusive LBA range for a selective self-test.
type Span struct {
	Start uint64 `json:"start" yaml:"start"`
	End   uint64 `json:"end" yaml:"end"`
}

func (s Span) String() string {
	return fmt.Sprintf("%d-%d", s.Start, s.End)
}

// ParseRange parses "START-END". Commas are ignored so smartctl's own
// "select,START-END" spelling can be pasted.
func ParseRange(s string) (Span, error) {
	item := strings.ReplaceAll(strings.TrimPrefix(strings.TrimSpace(s), "select,"), ",", "")
	parts := strings.Split(item, "-")
	if len(parts) != 2 {
		return Span{}, fmt.Errorf("invalid range %q, expected START-END", s)
	}
	start, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return Span{}, fmt.Errorf("non-integer start in range %q", s)
	}
	end, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return Span{}, fmt.Errorf("non-integer end in range %q", s)
	}
	if end < start {
		return Span{}, fmt.Errorf("invalid range %d-%d: end before start", start, end)
	}
	return Span{Start: start, End: end}, nil
}

// SpansAround returns ±delta spans around each address, merged where they
// touch or overlap, in ascending order.
func SpansAround(addrs []sector.Address, delta uint64) []Span {
	if len(addrs) == 0 {
		return nil
	}
	sorted := append([]sector.Address(nil), addrs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var spans []Span
	for _, a := range sorted {
		lba := uint64(a)
		start := uint64(0)
		if lba > delta {
			start = lba - delta
		}
		span := Span{Start: start, End: lba + delta}
		if n := len(spans); n > 0 && span.Start <= spans[n-1].End+1 {
			if span.End > spans[n-1].End {
				spans[n-1].End = span.End
			}
			continue
		}
		spans = append(spans, span)
	}
	return spans
}

// TestStatus is the self-test execution status reported by `smartctl -c`.
type TestStatus struct {
	InProgress bool
	// RemainingPercent is -1 when the drive did not report it.
	RemainingPercent int
	Value            int
	Text             string
}

var (
	reExecStatus = regexp.MustCompile(`Self-test execution status:\s*\(\s*(\d+)\)\s*(.*)`)
	reRemaining  = regexp.MustCompile(`(\d+)% of test remaining`)
)

// ParseSelfTestStatus reads the execution status from `smartctl -c` text.
// Status values 240-255 mean a test is running; the low nibble counts the
// remaining work in tens of percent.
func ParseSelfTestStatus(raw string) TestStatus {
	st := TestStatus{RemainingPercent: -1}
	m := reExecStatus.FindStringSubmatch(raw)
	if m == nil {
		return st
	}
	st.Value, _ = strconv.Atoi(m[1])
	st.Text = strings.TrimSpace(m[2])
	st.InProgress = st.Value>>4 == 0xF || strings.Contains(strings.ToLower(st.Text), "in progress")
	if !st.InProgress {
		return st
	}
	if r := reRemaining.FindStringSubmatch(raw); r != nil {
		st.RemainingPercent, _ = strconv.Atoi(r[1])
	} else {
		st.RemainingPercent = (st.Value & 0x0F) * 10
	}
	return st
}

// lastSelfTestStatus returns the status column of the newest ATA self-test
// log entry, or "" when the log is empty.
func lastSelfTestStatus(raw string) string {
	for _, line := range strings.Split(raw, "\n") {
		m := reATASelfTestRow.FindStringSubmatch(strings.TrimSpace(line))
		if m != nil && m[1] == "1" {
			return strings.TrimSpace(m[3])
		}
	}
	return ""
}

// SelfTester starts SMART self-tests and waits for them to finish. It never
// starts a test while another one is running.
type SelfTester struct {
	runner     runner.Runner
	device     string
	deviceType string
	poll       time.Duration
	startPause time.Duration
	log        logrus.FieldLogger
}

// NewSelfTester creates a self-test driver for device. deviceType is passed
// to smartctl -d when non-empty.
func NewSelfTester(r runner.Runner, device, deviceType string, poll time.Duration, log logrus.FieldLogger) *SelfTester {
	if poll <= 0 {
		poll = 4 * time.Second
	}
	return &SelfTester{
		runner:     r,
		device:     device,
		deviceType: deviceType,
		poll:       poll,
		startPause: 500 * time.Millisecond,
		log:        log,
	}
}

// SetStartPause sets the pause between starting a test and the first status
// read; some drives report the previous status for a moment. Negative
// values are treated as zero.
func (t *SelfTester) SetStartPause(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.startPause = d
}

func (t *SelfTester) smartctl(ctx context.Context, args ...string) (runner.Result, error) {
	full := append([]string{}, args...)
	if t.deviceType != "" {
		full = append(full, "-d", t.deviceType)
	}
	full = append(full, t.device)
	res, err := t.runner.Run(ctx, "smartctl", full...)
	if err != nil {
		return res, smartctlError(err)
	}
	if fatalSmartctlStatus(res.ExitStatus) {
		return res, &sector.ToolUnavailableError{
			Code:   sector.ErrCodeDiagnosticsFailed,
			Tool:   "smartctl",
			Detail: fmt.Sprintf("exit status %d: %s", res.ExitStatus, firstLine(res.Combined())),
		}
	}
	return res, nil
}

// Status queries the current self-test execution status.
func (t *SelfTester) Status(ctx context.Context) (TestStatus, error) {
	res, err := t.smartctl(ctx, "-c")
	if err != nil {
		return TestStatus{RemainingPercent: -1}, err
	}
	return ParseSelfTestStatus(res.Stdout), nil
}

// WaitIdle polls until no self-test is running.
func (t *SelfTester) WaitIdle(ctx context.Context) error {
	for {
		st, err := t.Status(ctx)
		if err != nil {
			return err
		}
		if !st.InProgress {
			return nil
		}
		entry := t.log.WithField("device", t.device)
		if st.RemainingPercent >= 0 {
			entry = entry.WithField("remaining_percent", st.RemainingPercent)
		}
		entry.Info("self-test in progress")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.poll):
		}
	}
}

// LastResult returns the status of the newest self-test log entry.
func (t *SelfTester) LastResult(ctx context.Context) (string, error) {
	res, err := t.smartctl(ctx, "-l", "selftest")
	if err != nil {
		return "", err
	}
	return lastSelfTestStatus(res.Stdout), nil
}

func (t *SelfTester) start(ctx context.Context, testArgs ...string) error {
	if err := t.WaitIdle(ctx); err != nil {
		return err
	}
	if _, err := t.smartctl(ctx, testArgs...); err != nil {
		return err
	}
	if t.startPause > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.startPause):
		}
	}
	return t.WaitIdle(ctx)
}

// Run runs a "short" or "long" self-test to completion.
func (t *SelfTester) Run(ctx context.Context, kind string) error {
	switch kind {
	case "short", "long":
	default:
		return fmt.Errorf("unsupported self-test %q (want short or long)", kind)
	}
	t.log.WithFields(logrus.Fields{"device": t.device, "test": kind}).Info("starting SMART self-test")
	if err := t.start(ctx, "-t", kind); err != nil {
		return fmt.Errorf("%s self-test: %w", kind, err)
	}
	if status, err := t.LastResult(ctx); err == nil && status != "" {
		t.log.WithFields(logrus.Fields{"device": t.device, "status": status}).Info("self-test finished")
	}
	return nil
}

// RunSelective runs selective self-tests over spans, at most five spans
// per smartctl invocation.
func (t *SelfTester) RunSelective(ctx context.Context, spans []Span) error {
	for i := 0; i < len(spans); i += maxSelectiveSpans {
		end := i + maxSelectiveSpans
		if end > len(spans) {
			end = len(spans)
		}
		var args []string
		for _, sp := range spans[i:end] {
			args = append(args, "-t", "select,"+sp.String())
		}
		t.log.WithFields(logrus.Fields{"device": t.device, "spans": spans[i:end]}).Info("starting selective self-test")
		if err := t.start(ctx, args...); err != nil {
			return fmt.Errorf("selective self-test: %w", err)
		}
	}
	return nil
}

func interrupted(status string) bool {
	s := strings.ToLower(status)
	return strings.Contains(s, "interrupted") || strings.Contains(s, "aborted") || strings.Contains(s, "host reset")
}

// Verify runs a selective self-test over spans and retries when the drive
// reports it interrupted. After retries are spent it falls back to a short
// test so the self-test log still gets a fresh entry.
func (t *SelfTester) Verify(ctx context.Context, spans []Span, retries int, wait time.Duration) error {
	if len(spans) == 0 {
		return nil
	}
	for attempt := 0; ; attempt++ {
		if err := t.RunSelective(ctx, spans); err != nil {
			return err
		}
		status, err := t.LastResult(ctx)
		if err != nil {
			return err
		}
		if !interrupted(status) {
			return nil
		}
		if attempt >= retries {
			t.log.WithFields(logrus.Fields{"device": t.device, "status": status}).
				Warn("selective verify repeatedly interrupted, falling back to short self-test")
			return t.Run(ctx, "short")
		}
		t.log.WithFields(logrus.Fields{"device": t.device, "status": status, "retry_in": wait}).
			Warn("selective verify interrupted, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
