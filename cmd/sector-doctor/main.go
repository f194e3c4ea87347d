// Command sector-doctor finds bad sectors in SMART and kernel diagnostics
// and rewrites them until the drive stops reporting errors.
//
// Usage:
//
//	sector-doctor repair /dev/sda [/dev/sdb ...] [--yes] [--self-test short]
//	sector-doctor parse smartctl-output.txt
//	sector-doctor history [--device /dev/sda]
//	sector-doctor history show SESSION_ID
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zebiner/sector-doctor/internal/cli"
	"github.com/zebiner/sector-doctor/internal/config"
	"github.com/zebiner/sector-doctor/internal/history"
	"github.com/zebiner/sector-doctor/internal/logging"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Exit statuses.
const (
	exitError      = 1
	exitUnresolved = 2
)

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	output     string
	verbose    bool
	history    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()

	switch {
	case err == nil:
	case errors.Is(err, cli.ErrUnresolved):
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitUnresolved)
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitError)
	}
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "sector-doctor",
		Short:         "Bad sector repair for ATA and SCSI drives",
		Long:          "Parse smartctl and kernel diagnostics into bad-sector addresses and repair them with hdparm or sg_reassign until the drive converges",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("sector-doctor version {{.Version}}\n")

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "configuration file (YAML)")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&g.logFormat, "log-format", "", "log format: text or json")
	pf.StringVarP(&g.output, "output", "o", "table", "output format: table, json or yaml")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&g.history, "history", "", "session history database (overrides history.path)")

	root.AddCommand(newRepairCommand(g), newParseCommand(g), newHistoryCommand(g))
	return root
}

// load reads the configuration file and applies the global overrides.
func (g *globalFlags) load() (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return cfg, nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	if g.history != "" {
		cfg.History.Path = g.history
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}

func newRepairCommand(g *globalFlags) *cobra.Command {
	var (
		devices    []string
		selects    []string
		assumeYes  bool
		selfTest   string
		tool       string
		source     string
		file       string
		useJSON    bool
		deviceType string
		maxCycles  int
		maxAttempt int
		runnerMode string
		container  string
		parallel   int
		startPause time.Duration
		firstError bool
	)

	cmd := &cobra.Command{
		Use:   "repair [DEVICE...]",
		Short: "Repair bad sectors on one or more devices",
		Long: `Run a repair session per device: read diagnostics, repair every reported
sector, and re-read until no new errors appear or the cycle limit is reached.

Repairing a sector destroys its contents. You will be asked to confirm
unless --yes is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("self-test") {
				cfg.Diagnostics.SelfTest = selfTest
			}
			if flags.Changed("tool") {
				cfg.Repair.Tool = tool
			}
			if flags.Changed("source") {
				cfg.Diagnostics.Source = source
			}
			if flags.Changed("file") {
				cfg.Diagnostics.File = file
				if !flags.Changed("source") {
					cfg.Diagnostics.Source = config.SourceFile
				}
			}
			if flags.Changed("json") {
				cfg.Diagnostics.JSON = useJSON
			}
			if flags.Changed("device-type") {
				cfg.Diagnostics.DeviceType = deviceType
			}
			if flags.Changed("max-cycles") {
				cfg.Engine.MaxCyclesPerSession = maxCycles
			}
			if flags.Changed("max-attempts") {
				cfg.Engine.MaxAttemptsPerSector = maxAttempt
			}
			if flags.Changed("runner") {
				cfg.Runner.Mode = runnerMode
			}
			if flags.Changed("container") {
				cfg.Runner.Container = container
				if !flags.Changed("runner") {
					cfg.Runner.Mode = config.RunnerDocker
				}
			}
			if flags.Changed("parallel") {
				cfg.Fleet.MaxParallelDevices = parallel
			}
			if flags.Changed("start-pause") {
				cfg.Diagnostics.StartPause = startPause
			}

			env := cli.Environment{
				Config: cfg,
				Log:    log,
				In:     cmd.InOrStdin(),
				Out:    cmd.OutOrStdout(),
			}
			if cfg.History.Path != "" {
				store, err := history.Open(cfg.History.Path, log)
				if err != nil {
					return err
				}
				defer store.Close()
				env.History = store
			}

			return cli.RunRepair(cmd.Context(), env, cli.RepairOptions{
				Devices:       append(devices, args...),
				Selects:       selects,
				AssumeYes:     assumeYes,
				FixFirstError: firstError,
				Output:        g.output,
				Verbose:       g.verbose,
			})
		},
	}

	f := cmd.Flags()
	f.StringArrayVarP(&devices, "device", "d", nil, "device to repair (repeatable)")
	f.StringArrayVar(&selects, "select", nil, "run a selective self-test over START-END before repairing (repeatable)")
	f.BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")
	f.StringVar(&selfTest, "self-test", "none", "self-test before the first cycle: none, short or long")
	f.StringVar(&tool, "tool", "hdparm", "repair tool: hdparm or sg_reassign")
	f.StringVar(&source, "source", "smartctl", "diagnostics source: smartctl, kernel or file")
	f.StringVar(&file, "file", "", "read diagnostics from this file instead of running smartctl")
	f.BoolVar(&useJSON, "json", false, "ask smartctl for JSON output")
	f.StringVar(&deviceType, "device-type", "", "smartctl -d device type (e.g. sat, scsi)")
	f.IntVar(&maxCycles, "max-cycles", 0, "maximum parse/repair cycles per session")
	f.IntVar(&maxAttempt, "max-attempts", 0, "maximum repair attempts per sector")
	f.StringVar(&runnerMode, "runner", "local", "where tools run: local or docker")
	f.StringVar(&container, "container", "", "privileged tools container for --runner docker")
	f.IntVar(&parallel, "parallel", 0, "devices repaired concurrently")
	f.DurationVar(&startPause, "start-pause", 500*time.Millisecond, "pause after starting a self-test before reading its status")
	f.BoolVar(&firstError, "fix-first-error", false, "repair only the LBA_of_first_error of the newest failed self-test")
	return cmd
}

func newParseCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "parse FILE",
		Short: "Show the bad sectors found in saved diagnostic output (- reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.RunParse(args[0], cmd.InOrStdin(), g.output, cmd.OutOrStdout())
		},
	}
}

func newHistoryCommand(g *globalFlags) *cobra.Command {
	var (
		device string
		limit  int
	)

	openStore := func() (*history.Store, error) {
		cfg, log, err := g.load()
		if err != nil {
			return nil, err
		}
		if cfg.History.Path == "" {
			return nil, fmt.Errorf("no history database configured (set history.path or --history)")
		}
		return history.Open(cfg.History.Path, log)
	}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List earlier repair sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			return cli.RunHistory(cmd.Context(), store, device, limit, g.output, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&device, "device", "d", "", "only sessions for this device")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum sessions to list (0 for all)")

	show := &cobra.Command{
		Use:   "show SESSION_ID",
		Short: "Print the report of one stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			return cli.RunShow(cmd.Context(), store, args[0], g.output, g.verbose, cmd.OutOrStdout())
		},
	}
	cmd.AddCommand(show)
	return cmd
}
