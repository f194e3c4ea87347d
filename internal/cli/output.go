package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/zebiner/sector-doctor/internal/history"
	"github.com/zebiner/sector-doctor/internal/report"
	"github.com/zebiner/sector-doctor/internal/sector"
	"github.com/zebiner/sector-doctor/internal/smart"
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	warnColor = color.New(color.FgYellow, color.Bold)
	failColor = color.New(color.FgRed, color.Bold)
)

func validateFormat(outputFormat string) error {
	switch strings.ToLower(outputFormat) {
	case "json", "yaml", "table":
		return nil
	default:
		return fmt.Errorf("unsupported output format: %s", outputFormat)
	}
}

// OutputReports formats and displays session reports in the requested format
func OutputReports(reports []report.Report, outputFormat string, verbose bool, writer io.Writer) error {
	if reports == nil {
		reports = []report.Report{}
	}
	switch strings.ToLower(outputFormat) {
	case "json":
		return outputJSON(reports, writer)
	case "yaml":
		return outputYAML(reports, writer)
	case "table":
		for _, r := range reports {
			outputReportTable(r, verbose, writer)
		}
		return nil
	default:
		return fmt.Errorf("unsupported output format: %s", outputFormat)
	}
}

// OutputFindings formats and displays parser output
func OutputFindings(result *smart.Result, outputFormat string, writer io.Writer) error {
	switch strings.ToLower(outputFormat) {
	case "json":
		return outputJSON(result, writer)
	case "yaml":
		return outputYAML(result, writer)
	case "table":
		outputFindingsTable(result, writer)
		return nil
	default:
		return fmt.Errorf("unsupported output format: %s", outputFormat)
	}
}

// OutputHistory formats and displays stored sessions
func OutputHistory(entries []history.Entry, outputFormat string, writer io.Writer) error {
	if entries == nil {
		entries = []history.Entry{}
	}
	switch strings.ToLower(outputFormat) {
	case "json":
		return outputJSON(entries, writer)
	case "yaml":
		return outputYAML(entries, writer)
	case "table":
		outputHistoryTable(entries, writer)
		return nil
	default:
		return fmt.Errorf("unsupported output format: %s", outputFormat)
	}
}

// outputJSON outputs v in indented JSON format
func outputJSON(v interface{}, writer io.Writer) error {
	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// outputYAML outputs v in YAML format
func outputYAML(v interface{}, writer io.Writer) error {
	encoder := yaml.NewEncoder(writer)
	encoder.SetIndent(2)
	defer encoder.Close()
	return encoder.Encode(v)
}

func reasonLabel(r sector.TerminationReason) string {
	switch r {
	case sector.ReasonConverged:
		return okColor.Sprint(r.String())
	case sector.ReasonMaxCyclesExceeded, sector.ReasonAborted:
		return warnColor.Sprint(r.String())
	default:
		return failColor.Sprint(r.String())
	}
}

func statusLabel(s sector.Status) string {
	switch s {
	case sector.StatusRepaired:
		return okColor.Sprint("✅ " + s.String())
	case sector.StatusFailed:
		return failColor.Sprint("❌ " + s.String())
	default:
		return warnColor.Sprint("⏳ " + s.String())
	}
}

// outputReportTable outputs one session report in a human-readable table format
func outputReportTable(r report.Report, verbose bool, writer io.Writer) {
	fmt.Fprintf(writer, "🩺 Sector Doctor - %s\n", r.DeviceID)
	fmt.Fprintln(writer, "====================================================")
	fmt.Fprintln(writer)

	fmt.Fprintln(writer, "📊 Summary:")
	fmt.Fprintf(writer, "  Session: %s\n", r.SessionID)
	fmt.Fprintf(writer, "  Result: %s\n", reasonLabel(r.TerminationReason))
	if r.TerminationError != "" {
		fmt.Fprintf(writer, "  Error: %s\n", r.TerminationError)
	}
	fmt.Fprintf(writer, "  Cycles: %d\n", r.Cycles)
	fmt.Fprintf(writer, "  Repair attempts: %d\n", r.TotalAttempts)
	fmt.Fprintf(writer, "  Sectors: %d (repaired %d, failed %d)\n",
		len(r.Sectors), r.StatusCounts[sector.StatusRepaired.String()], r.StatusCounts[sector.StatusFailed.String()])
	if r.InitialCounts.Known() || r.FinalCounts.Known() {
		fmt.Fprintf(writer, "  Current pending sectors: %s\n", countChange(r.InitialCounts.Pending, r.FinalCounts.Pending))
		fmt.Fprintf(writer, "  Offline uncorrectable: %s\n", countChange(r.InitialCounts.Uncorrectable, r.FinalCounts.Uncorrectable))
	}
	fmt.Fprintf(writer, "  Duration: %v\n\n", r.Duration.Round(time.Millisecond))

	if len(r.Unresolved) > 0 {
		fmt.Fprintln(writer, "🚨 Unresolved Sectors:")
		fmt.Fprintf(writer, "  • %s\n", joinAddresses(r.Unresolved))
		if len(r.Exhausted) > 0 {
			fmt.Fprintf(writer, "  • attempt budget exhausted: %s\n", joinAddresses(r.Exhausted))
		}
		fmt.Fprintln(writer)
	}
	if len(r.Reappeared) > 0 {
		fmt.Fprintf(writer, "🔁 Reappeared: %s\n\n", joinAddresses(r.Reappeared))
	}

	if !verbose || len(r.Sectors) == 0 {
		return
	}
	fmt.Fprintln(writer, "📋 Detailed Results:")
	for _, s := range r.Sectors {
		fmt.Fprintf(writer, "  %s LBA %s\n", statusLabel(s.Status), s.Address)
		fmt.Fprintf(writer, "    Kind: %s, attempts: %d, seen cycles %d-%d\n", s.Kind, s.Attempts, s.FirstSeenAt, s.LastSeenAt)
		if s.LastOutcome != "" {
			fmt.Fprintf(writer, "    Last outcome: %s\n", s.LastOutcome)
		}
	}
	fmt.Fprintln(writer)
}

// countChange renders an attribute count as "before -> after"; -1 is shown
// as n/a.
func countChange(before, after int64) string {
	show := func(v int64) string {
		if v < 0 {
			return "n/a"
		}
		return strconv.FormatInt(v, 10)
	}
	if before == after {
		return show(after)
	}
	return show(before) + " -> " + show(after)
}

func outputFindingsTable(result *smart.Result, writer io.Writer) {
	fmt.Fprintln(writer, "🔍 Sector Doctor - Parsed Diagnostics")
	fmt.Fprintln(writer, "====================================================")
	fmt.Fprintf(writer, "  Sections: %s\n", strings.Join(result.Sections, ", "))
	if result.PendingCount >= 0 {
		fmt.Fprintf(writer, "  Current pending sectors: %d\n", result.PendingCount)
	}
	if result.UncorrectableCount >= 0 {
		fmt.Fprintf(writer, "  Offline uncorrectable: %d\n", result.UncorrectableCount)
	}
	fmt.Fprintf(writer, "  Bad sectors: %d\n\n", len(result.Findings))
	for _, f := range result.Findings {
		fmt.Fprintf(writer, "  LBA %-14s %-14s %s\n", f.Address, f.Kind, strings.Join(f.Evidence, " "))
	}
}

func outputHistoryTable(entries []history.Entry, writer io.Writer) {
	if len(entries) == 0 {
		fmt.Fprintln(writer, "No sessions recorded.")
		return
	}
	fmt.Fprintf(writer, "%-36s  %-12s  %-20s  %-20s  %6s  %8s  %10s\n",
		"SESSION", "DEVICE", "STARTED", "RESULT", "CYCLES", "ATTEMPTS", "UNRESOLVED")
	for _, e := range entries {
		fmt.Fprintf(writer, "%-36s  %-12s  %-20s  %-20s  %6d  %8d  %10d\n",
			e.SessionID, e.DeviceID, e.StartedAt.Local().Format("2006-01-02 15:04:05"),
			e.TerminationReason, e.Cycles, e.TotalAttempts, e.Unresolved)
	}
}

func joinAddresses(addrs []sector.Address) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}
