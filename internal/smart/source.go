package smart

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zebiner/sector-doctor/internal/runner"
	"github.com/zebiner/sector-doctor/internal/sector"
)

// smartctl exit status bits 0-2 mean the command line did not parse, the
// device could not be opened or a SMART command failed; the output is
// incomplete then. Bits 3-7 report disk health findings and the output is
// still worth parsing.
const smartctlFatalBits = 0x07

func fatalSmartctlStatus(code int) bool {
	return code > 0 && code&smartctlFatalBits != 0
}

func smartctlError(err error) error {
	if errors.Is(err, runner.ErrNotFound) {
		return &sector.ToolUnavailableError{Code: sector.ErrCodeToolNotFound, Tool: "smartctl", Err: err}
	}
	return &sector.ToolUnavailableError{Code: sector.ErrCodeDiagnosticsFailed, Tool: "smartctl", Err: err}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// SmartctlSource reads the attribute table, the error log and the
// self-test log of one device with smartctl.
type SmartctlSource struct {
	runner     runner.Runner
	device     string
	deviceType string
	json       bool
	log        logrus.FieldLogger

	tester        *SelfTester
	verifySpan    uint64
	verifyRetries int
	verifyWait    time.Duration
}

// SmartctlOptions configures a SmartctlSource.
type SmartctlOptions struct {
	DeviceType string
	JSON       bool
	// VerifySpan is the ±LBA window of the selective verify run around
	// repaired sectors. Zero disables verification.
	VerifySpan    uint64
	VerifyRetries int
	VerifyWait    time.Duration
	PollInterval  time.Duration
	// StartPause is waited after a self-test starts, before its status is
	// polled. Zero disables the pause.
	StartPause time.Duration
}

// NewSmartctlSource creates a source for device.
func NewSmartctlSource(r runner.Runner, device string, opts SmartctlOptions, log logrus.FieldLogger) *SmartctlSource {
	if opts.VerifyWait <= 0 {
		opts.VerifyWait = 10 * time.Second
	}
	tester := NewSelfTester(r, device, opts.DeviceType, opts.PollInterval, log)
	tester.SetStartPause(opts.StartPause)
	return &SmartctlSource{
		runner:        r,
		device:        device,
		deviceType:    opts.DeviceType,
		json:          opts.JSON,
		log:           log,
		tester:        tester,
		verifySpan:    opts.VerifySpan,
		verifyRetries: opts.VerifyRetries,
		verifyWait:    opts.VerifyWait,
	}
}

// SelfTester exposes the self-test driver bound to the same device.
func (s *SmartctlSource) SelfTester() *SelfTester { return s.tester }

// Fetch runs smartctl and returns its raw output.
func (s *SmartctlSource) Fetch(ctx context.Context) (string, error) {
	args := []string{"-A", "-l", "error", "-l", "selftest"}
	if s.json {
		args = append(args, "--json")
	}
	if s.deviceType != "" {
		args = append(args, "-d", s.deviceType)
	}
	args = append(args, s.device)

	res, err := s.runner.Run(ctx, "smartctl", args...)
	if err != nil {
		return "", smartctlError(err)
	}
	if fatalSmartctlStatus(res.ExitStatus) {
		return "", &sector.ToolUnavailableError{
			Code:   sector.ErrCodeDiagnosticsFailed,
			Tool:   "smartctl",
			Detail: fmt.Sprintf("exit status %d: %s", res.ExitStatus, firstLine(res.Combined())),
		}
	}
	if res.ExitStatus != 0 {
		s.log.WithFields(logrus.Fields{"device": s.device, "exit_status": res.ExitStatus}).
			Debug("smartctl reported disk findings")
	}
	return res.Stdout, nil
}

// Verify runs a selective self-test around the given addresses so the next
// Fetch reflects their current state rather than stale log entries.
func (s *SmartctlSource) Verify(ctx context.Context, addrs []sector.Address) error {
	if s.verifySpan == 0 || len(addrs) == 0 {
		return nil
	}
	return s.tester.Verify(ctx, SpansAround(addrs, s.verifySpan), s.verifyRetries, s.verifyWait)
}

// FileSource replays diagnostic output saved to a file. The file is re-read
// on every Fetch, so another process may keep it current.
type FileSource struct {
	Path string
}

// Fetch implements the engine's Source.
func (f FileSource) Fetch(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return "", &sector.ToolUnavailableError{
			Code: sector.ErrCodeDiagnosticsFailed,
			Tool: "diagnostics file",
			Err:  err,
		}
	}
	return string(data), nil
}

// KernelLogSource reads kernel block-layer errors for one device from
// dmesg.
//
// The kernel reports 512-byte sector numbers whatever the drive's logical
// block size. Fetch rewrites them as logical block addresses, using the
// geometry blockdev reports once per source.
type KernelLogSource struct {
	runner runner.Runner
	device string
	log    logrus.FieldLogger

	mu   sync.Mutex
	geom *Geometry
}

// Geometry is the block layout of a device as blockdev reports it.
type Geometry struct {
	// LogicalBlockSize is the logical sector size in bytes.
	LogicalBlockSize uint64
	// Sectors is the device size in 512-byte sectors.
	Sectors uint64
}

// NewKernelLogSource creates a kernel log source for device (e.g. /dev/sda
// or a /dev/disk/by-id link).
func NewKernelLogSource(r runner.Runner, device string, log logrus.FieldLogger) *KernelLogSource {
	return &KernelLogSource{runner: r, device: device, log: log}
}

func kernelToolError(tool string, res runner.Result, err error) error {
	if err != nil {
		code := sector.ErrCodeDiagnosticsFailed
		if errors.Is(err, runner.ErrNotFound) {
			code = sector.ErrCodeToolNotFound
		}
		return &sector.ToolUnavailableError{Code: code, Tool: tool, Err: err}
	}
	return &sector.ToolUnavailableError{
		Code:   sector.ErrCodeDiagnosticsFailed,
		Tool:   tool,
		Detail: fmt.Sprintf("exit status %d: %s", res.ExitStatus, firstLine(res.Combined())),
	}
}

// kernelName returns the name the kernel uses for the device, following
// symlinks such as /dev/disk/by-id/ata-... to the sdX node.
func (k *KernelLogSource) kernelName() string {
	if resolved, err := filepath.EvalSymlinks(k.device); err == nil {
		return filepath.Base(resolved)
	}
	return filepath.Base(k.device)
}

func (k *KernelLogSource) geometry(ctx context.Context) (Geometry, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.geom != nil {
		return *k.geom, nil
	}

	res, err := k.runner.Run(ctx, "blockdev", "--getss", "--getsz", k.device)
	if err != nil || res.ExitStatus != 0 {
		return Geometry{}, kernelToolError("blockdev", res, err)
	}
	g, err := ParseGeometry(res.Stdout)
	if err != nil {
		return Geometry{}, &sector.ToolUnavailableError{Code: sector.ErrCodeDiagnosticsFailed, Tool: "blockdev", Err: err}
	}
	k.geom = &g
	return g, nil
}

// ParseGeometry reads the output of `blockdev --getss --getsz`: the
// logical block size and the size in 512-byte sectors, one per line.
func ParseGeometry(raw string) (Geometry, error) {
	fields := strings.Fields(raw)
	if len(fields) != 2 {
		return Geometry{}, fmt.Errorf("unexpected blockdev output %q", strings.TrimSpace(raw))
	}
	size, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil || size < 512 || size%512 != 0 {
		return Geometry{}, fmt.Errorf("invalid logical block size %q", fields[0])
	}
	sectors, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil || sectors == 0 {
		return Geometry{}, fmt.Errorf("invalid device size %q", fields[1])
	}
	return Geometry{LogicalBlockSize: size, Sectors: sectors}, nil
}

// Fetch implements the engine's Source.
func (k *KernelLogSource) Fetch(ctx context.Context) (string, error) {
	geom, err := k.geometry(ctx)
	if err != nil {
		return "", err
	}
	res, err := k.runner.Run(ctx, "dmesg")
	if err != nil || res.ExitStatus != 0 {
		return "", kernelToolError("dmesg", res, err)
	}
	out, dropped := KernelSectorsToLBA(FilterKernelLog(res.Stdout, k.kernelName()), geom)
	if dropped > 0 {
		k.log.WithFields(logrus.Fields{"device": k.device, "dropped": dropped}).
			Debug("ignored kernel errors with unaligned or out-of-range sectors")
	}
	return out, nil
}

// KernelSectorsToLBA rewrites the 512-byte sector numbers of kernel error
// lines as logical block addresses of geom. Lines whose sector is not on a
// logical block boundary or lies past the end of the device are dropped;
// the second return value counts them.
func KernelSectorsToLBA(raw string, geom Geometry) (string, int) {
	per := geom.LogicalBlockSize / 512
	if per == 0 {
		per = 1
	}
	lines := strings.Split(raw, "\n")
	kept := lines[:0]
	dropped := 0
	for _, line := range lines {
		m := reKernelError.FindStringSubmatchIndex(line)
		if m == nil {
			kept = append(kept, line)
			continue
		}
		n, err := strconv.ParseUint(line[m[6]:m[7]], 10, 64)
		if err != nil || n%per != 0 || (geom.Sectors > 0 && n >= geom.Sectors) {
			dropped++
			continue
		}
		kept = append(kept, line[:m[6]]+strconv.FormatUint(n/per, 10)+line[m[7]:])
	}
	return strings.Join(kept, "\n"), dropped
}

// FilterKernelLog drops block-layer error lines that name a device other
// than devName. Every other line is kept.
func FilterKernelLog(raw, devName string) string {
	lines := strings.Split(raw, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if m := reKernelError.FindStringSubmatch(line); m != nil && m[2] != devName {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
