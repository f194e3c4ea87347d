// Package smart turns diagnostic tool output into bad-sector findings and
// provides the sources that produce that output (smartctl, saved files,
// the kernel log).
//
// Parse is pure: it never touches a device and returns the same result for
// the same text. It recognizes these grammars, in any order and mixed with
// unrelated lines:
//
//   - ATA self-test log (LBA_of_first_error column)
//   - SCSI self-test log (LBA_first_err column with sense triple)
//   - ATA summary and extended comprehensive error logs
//   - kernel log I/O and medium errors (dmesg or journal format)
//   - the SMART attribute table (pending/uncorrectable counts only)
//   - smartctl --json output
package smart

import (
	"bufio"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/zebiner/sector-doctor/internal/sector"
)

// Section names reported in Result.Sections.
const (
	SectionATASelfTest  = "ata_self_test_log"
	SectionSCSISelfTest = "scsi_self_test_log"
	SectionATAErrorLog  = "ata_error_log"
	SectionKernelLog    = "kernel_log"
	SectionAttributes   = "smart_attributes"
)

// SMART attribute IDs carrying sector counts.
const (
	attrCurrentPending       = 197
	attrOfflineUncorrectable = 198
)

// Finding is one bad-sector address extracted from diagnostic output.
type Finding struct {
	Address sector.Address   `json:"address" yaml:"address"`
	Kind    sector.ErrorKind `json:"kind" yaml:"kind"`
	// Evidence identifies the log entries that reported the address. The
	// same entry yields the same token on every parse.
	Evidence []string `json:"evidence" yaml:"evidence"`
	// Line is the 1-based input line of the first report (0 for JSON).
	Line int `json:"line" yaml:"line"`
}

// Result is the structured form of one diagnostic output.
type Result struct {
	Findings []Finding `json:"findings" yaml:"findings"`
	Sections []string  `json:"sections" yaml:"sections"`
	// PendingCount and UncorrectableCount are raw values of SMART
	// attributes 197 and 198, or -1 when the attribute table was absent.
	PendingCount       int64 `json:"pending_count" yaml:"pending_count"`
	UncorrectableCount int64 `json:"uncorrectable_count" yaml:"uncorrectable_count"`
	// FirstError is the LBA_of_first_error of the newest failed self-test
	// entry, or 0 when no self-test log reports one.
	FirstError sector.Address `json:"first_error,omitempty" yaml:"first_error,omitempty"`
}

// Addresses returns the finding addresses in ascending order.
func (r *Result) Addresses() []sector.Address {
	out := make([]sector.Address, len(r.Findings))
	for i, f := range r.Findings {
		out[i] = f.Address
	}
	return out
}

var (
	reATASelfTestHeader = regexp.MustCompile(`^SMART Self-test log structure revision|^SMART Extended Self-test Log|LBA_of_first_error`)
	reSCSISelfTestHdr   = regexp.MustCompile(`^SMART Self-test log$|LBA_first_err`)
	reATAErrorLogHeader = regexp.MustCompile(`^SMART (Extended Comprehensive )?Error Log`)
	reAttributesHeader  = regexp.MustCompile(`^SMART Attributes Data Structure`)

	// # 1  Extended offline    Completed: read failure       90%     12345         1234567
	reATASelfTestRow = regexp.MustCompile(`^#\s*(\d+)\s+(.+?)\s{2,}(.+?)\s+(\d+)%\s+(\d+)\s+(\S+)\s*$`)

	// # 1  Background long   Failed in segment -->       3    9057     2039871 [0x3 0x11 0x0]
	reSCSISelfTestRow = regexp.MustCompile(`^#\s*(\d+)\s+(.+?)\s{2,}.*?(\S+)\s+(\S+)\s+\[0x([0-9a-fA-F]+)\s+0x([0-9a-fA-F]+)\s+0x([0-9a-fA-F]+)\]\s*$`)

	// Error 45 [20] occurred at disk power-on lifetime: 12345 hours (514 days + 9 hours)
	reATAErrorHeader = regexp.MustCompile(`^Error\s+(\d+)\b.*occurred at disk power-on lifetime:\s*(\d+)`)

	// Error: UNC 8 sectors at LBA = 0x00fa3c12 = 16399378
	reATAErrorLBA = regexp.MustCompile(`Error:\s+([A-Z0-9, ]+?)(?:\s+\d+\s+sectors?)?\s+at LBA\s*=\s*(0x[0-9a-fA-F]+)\s*=\s*(\d+)`)

	// [ 1234.567890] blk_update_request: critical medium error, dev sda, sector 123456 op 0x0:(READ)
	reKernelError = regexp.MustCompile(`(critical medium error|medium error|I/O error), dev ([A-Za-z0-9]+), sector (\d+)(?: op 0x[0-9a-fA-F]+:\((\w+)\))?`)
	reDmesgStamp  = regexp.MustCompile(`^\[\s*(\d+\.\d+)\]`)
	reJournalKern = regexp.MustCompile(`^(\S+\s+\d+\s+\d\d:\d\d:\d\d)\s+\S+\s+kernel:`)

	// 197 Current_Pending_Sector  0x0012   100   100   000    Old_age   Always       -       8
	reAttributeRow = regexp.MustCompile(`^\s*(\d+)\s+(\S+)\s+0x[0-9a-fA-F]+\s+\d+\s+\d+\s+\S+\s+\S+\s+\S+\s+\S+\s+(\d+)`)
)

type section int

const (
	secNone section = iota
	secATASelfTest
	secSCSISelfTest
	secATAErrorLog
	secAttributes
)

// collector accumulates findings and merges duplicates by address.
type collector struct {
	byAddr   map[sector.Address]*Finding
	sections map[string]bool
	// rows counts identical self-test rows per log so a repeated failure
	// within one power-on hour still yields a token of its own.
	rows   map[string]int
	result Result
}

func newCollector() *collector {
	return &collector{
		byAddr:   make(map[sector.Address]*Finding),
		sections: make(map[string]bool),
		rows:     make(map[string]int),
		result:   Result{PendingCount: -1, UncorrectableCount: -1},
	}
}

// addRow records a self-test log row. The nth identical (log, token,
// address) row gets the evidence token "<token>#n"; the first keeps token
// unchanged.
func (c *collector) addRow(log string, addr sector.Address, kind sector.ErrorKind, token string, line int) {
	key := fmt.Sprintf("%s|%s|%d", log, token, addr)
	if addr == 0 {
		return
	}
	if c.result.FirstError == 0 {
		c.result.FirstError = addr
	}
	c.rows[key]++
	if n := c.rows[key]; n > 1 {
		token = fmt.Sprintf("%s#%d", token, n)
	}
	c.add(addr, kind, token, line)
}

func (c *collector) saw(name string) {
	c.sections[name] = true
}

func (c *collector) add(addr sector.Address, kind sector.ErrorKind, evidence string, line int) {
	if addr == 0 {
		return
	}
	f, ok := c.byAddr[addr]
	if !ok {
		c.byAddr[addr] = &Finding{Address: addr, Kind: kind, Evidence: []string{evidence}, Line: line}
		return
	}
	if kind.MoreSevere(f.Kind) {
		f.Kind = kind
	}
	for _, e := range f.Evidence {
		if e == evidence {
			return
		}
	}
	f.Evidence = append(f.Evidence, evidence)
}

func (c *collector) finish() (*Result, error) {
	if len(c.sections) == 0 {
		return nil, &sector.ParseError{
			Code:   sector.ErrCodeNoRecognizableSection,
			Reason: sector.ReasonNoRecognizableSection,
		}
	}

	res := c.result
	res.Findings = make([]Finding, 0, len(c.byAddr))
	for _, f := range c.byAddr {
		res.Findings = append(res.Findings, *f)
	}
	sort.Slice(res.Findings, func(i, j int) bool { return res.Findings[i].Address < res.Findings[j].Address })

	res.Sections = make([]string, 0, len(c.sections))
	for s := range c.sections {
		res.Sections = append(res.Sections, s)
	}
	sort.Strings(res.Sections)
	return &res, nil
}

// Parse extracts bad-sector findings from raw diagnostic output.
//
// Lines that match no grammar are skipped. An empty finding set is a valid
// result; a *sector.ParseError is returned only when no section at all was
// recognized.
func Parse(raw string) (*Result, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		return parseJSON([]byte(trimmed))
	}

	c := newCollector()
	cur := secNone
	errNum := ""
	// logName distinguishes self-test logs printed in one output, e.g.
	// the standard and extended ATA logs of smartctl -x.
	logName, logs := "", 0

	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		plain := strings.TrimSpace(line)

		// Kernel messages are recognized anywhere, independent of the
		// smartctl section state.
		if parseKernelLine(c, line, lineNo) {
			continue
		}

		switch {
		case reSCSISelfTestHdr.MatchString(plain):
			if cur != secSCSISelfTest {
				logs++
				logName = fmt.Sprintf("%s.%d", SectionSCSISelfTest, logs)
			}
			cur = secSCSISelfTest
			c.saw(SectionSCSISelfTest)
			continue
		case reATASelfTestHeader.MatchString(plain):
			if cur != secATASelfTest || !strings.Contains(plain, "LBA_of_first_error") {
				logs++
				logName = fmt.Sprintf("%s.%d", SectionATASelfTest, logs)
			}
			cur = secATASelfTest
			c.saw(SectionATASelfTest)
			continue
		case reATAErrorLogHeader.MatchString(plain):
			cur = secATAErrorLog
			errNum = ""
			c.saw(SectionATAErrorLog)
			continue
		case reAttributesHeader.MatchString(plain):
			cur = secAttributes
			c.saw(SectionAttributes)
			continue
		}

		switch cur {
		case secATASelfTest:
			parseATASelfTestRow(c, logName, plain, lineNo)
		case secSCSISelfTest:
			parseSCSISelfTestRow(c, logName, plain, lineNo)
		case secATAErrorLog:
			if m := reATAErrorHeader.FindStringSubmatch(plain); m != nil {
				errNum = m[1]
				continue
			}
			parseATAErrorLine(c, plain, errNum, lineNo)
		case secAttributes:
			parseAttributeRow(c, plain)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &sector.ParseError{Code: sector.ErrCodeGeneric, Reason: "read input", Err: err}
	}

	return c.finish()
}

func parseLBA(s string) (sector.Address, bool) {
	if s == "" || s == "-" {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return sector.Address(v), true
}

func selfTestKind(status string) sector.ErrorKind {
	s := strings.ToLower(status)
	switch {
	case strings.Contains(s, "read failure"):
		return sector.KindRead
	case strings.Contains(s, "write failure"):
		return sector.KindWrite
	default:
		return sector.KindOther
	}
}

func parseATASelfTestRow(c *collector, logName, line string, lineNo int) {
	m := reATASelfTestRow.FindStringSubmatch(line)
	if m == nil {
		return
	}
	desc, status, lifetime, lbaTok := m[2], m[3], m[5], m[6]
	if strings.Contains(strings.ToLower(status), "without error") {
		return
	}
	addr, ok := parseLBA(lbaTok)
	if !ok {
		return
	}
	c.addRow(logName, addr, selfTestKind(status), fmt.Sprintf("selftest:%sh:%s", lifetime, desc), lineNo)
}

func scsiKind(senseKey, asc string) sector.ErrorKind {
	sk, _ := strconv.ParseUint(senseKey, 16, 8)
	a, _ := strconv.ParseUint(asc, 16, 8)
	switch {
	case sk == 0x3 && a == 0x11:
		return sector.KindRead
	case a == 0x0c:
		return sector.KindWrite
	default:
		return sector.KindOther
	}
}

func parseSCSISelfTestRow(c *collector, logName, line string, lineNo int) {
	m := reSCSISelfTestRow.FindStringSubmatch(line)
	if m == nil {
		return
	}
	desc, lifetime, lbaTok := m[2], m[3], m[4]
	addr, ok := parseLBA(lbaTok)
	if !ok {
		return
	}
	c.addRow(logName, addr, scsiKind(m[5], m[6]), fmt.Sprintf("scsiselftest:%sh:%s", lifetime, strings.TrimSpace(desc)), lineNo)
}

// ataErrorKind maps ATA error register flags to a kind. Flags that do not
// point at the medium (ICRC, ABRT alone) yield ok=false.
func ataErrorKind(flags string) (sector.ErrorKind, bool) {
	fields := strings.FieldsFunc(flags, func(r rune) bool { return r == ',' || r == ' ' })
	kind, ok := sector.KindOther, false
	for _, f := range fields {
		var k sector.ErrorKind
		switch f {
		case "UNC":
			k = sector.KindUncorrectable
		case "IDNF", "AMNF":
			k = sector.KindRead
		case "WP":
			k = sector.KindWrite
		case "BBK":
			k = sector.KindOther
		default:
			continue
		}
		if !ok || k.MoreSevere(kind) {
			kind = k
		}
		ok = true
	}
	return kind, ok
}

func parseATAErrorLine(c *collector, line, errNum string, lineNo int) {
	m := reATAErrorLBA.FindStringSubmatch(line)
	if m == nil {
		return
	}
	kind, ok := ataErrorKind(m[1])
	if !ok {
		return
	}
	addr, ok := parseLBA(m[3])
	if !ok {
		return
	}
	evidence := "atalog:" + errNum
	if errNum == "" {
		evidence = fmt.Sprintf("atalog:line%d", lineNo)
	}
	c.add(addr, kind, evidence, lineNo)
}

func parseKernelLine(c *collector, line string, lineNo int) bool {
	stamp := ""
	if m := reDmesgStamp.FindStringSubmatch(line); m != nil {
		stamp = m[1]
	} else if m := reJournalKern.FindStringSubmatch(line); m != nil {
		stamp = m[1]
	}

	m := reKernelError.FindStringSubmatch(line)
	if m == nil {
		if stamp != "" {
			c.saw(SectionKernelLog)
			return true
		}
		return false
	}
	c.saw(SectionKernelLog)

	addr, ok := parseLBA(m[3])
	if !ok {
		return true
	}
	op := strings.ToUpper(m[4])
	kind := sector.KindOther
	switch {
	case op == "WRITE":
		kind = sector.KindWrite
	case strings.Contains(m[1], "medium"):
		kind = sector.KindUncorrectable
	case op == "READ":
		kind = sector.KindRead
	}

	evidence := "kernel:" + stamp
	if stamp == "" {
		evidence = "kernel:" + strings.TrimSpace(line)
	}
	c.add(addr, kind, evidence, lineNo)
	return true
}

func parseAttributeRow(c *collector, line string) {
	m := reAttributeRow.FindStringSubmatch(line)
	if m == nil {
		return
	}
	id, _ := strconv.Atoi(m[1])
	raw, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return
	}
	switch id {
	case attrCurrentPending:
		c.result.PendingCount = raw
	case attrOfflineUncorrectable:
		c.result.UncorrectableCount = raw
	}
}

// smartctlJSON is the subset of `smartctl --json` output the parser reads.
type smartctlJSON struct {
	ATASmartAttributes *struct {
		Table []struct {
			ID  int `json:"id"`
			Raw struct {
				Value int64 `json:"value"`
			} `json:"raw"`
		} `json:"table"`
	} `json:"ata_smart_attributes"`

	ATASelfTestLog *struct {
		Standard *struct {
			Table []jsonSelfTest `json:"table"`
		} `json:"standard"`
		Extended *struct {
			Table []jsonSelfTest `json:"table"`
		} `json:"extended"`
	} `json:"ata_smart_self_test_log"`

	ATAErrorLog *struct {
		Summary *struct {
			Table []jsonATAError `json:"table"`
		} `json:"summary"`
		Extended *struct {
			Table []jsonATAError `json:"table"`
		} `json:"extended"`
	} `json:"ata_smart_error_log"`
}

type jsonSelfTest struct {
	Type struct {
		String string `json:"string"`
	} `json:"type"`
	Status struct {
		String string `json:"string"`
		Passed *bool  `json:"passed"`
	} `json:"status"`
	LifetimeHours int     `json:"lifetime_hours"`
	LBA           *uint64 `json:"lba"`
}

type jsonATAError struct {
	ErrorNumber      int    `json:"error_number"`
	LifetimeHours    int    `json:"lifetime_hours"`
	ErrorDescription string `json:"error_description"`
}

func parseJSON(data []byte) (*Result, error) {
	var doc smartctlJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &sector.ParseError{
			Code:   sector.ErrCodeMalformedJSON,
			Reason: sector.ReasonNoRecognizableSection,
			Err:    err,
		}
	}

	c := newCollector()

	if doc.ATASmartAttributes != nil {
		c.saw(SectionAttributes)
		for _, a := range doc.ATASmartAttributes.Table {
			switch a.ID {
			case attrCurrentPending:
				c.result.PendingCount = a.Raw.Value
			case attrOfflineUncorrectable:
				c.result.UncorrectableCount = a.Raw.Value
			}
		}
	}

	if log := doc.ATASelfTestLog; log != nil {
		c.saw(SectionATASelfTest)
		addRows := func(name string, rows []jsonSelfTest) {
			for _, r := range rows {
				if r.LBA == nil || (r.Status.Passed != nil && *r.Status.Passed) {
					continue
				}
				c.addRow(name, sector.Address(*r.LBA), selfTestKind(r.Status.String),
					fmt.Sprintf("selftest:%dh:%s", r.LifetimeHours, r.Type.String), 0)
			}
		}
		if log.Standard != nil {
			addRows("standard", log.Standard.Table)
		}
		if log.Extended != nil {
			addRows("extended", log.Extended.Table)
		}
	}

	if log := doc.ATAErrorLog; log != nil {
		c.saw(SectionATAErrorLog)
		var rows []jsonATAError
		if log.Summary != nil {
			rows = append(rows, log.Summary.Table...)
		}
		if log.Extended != nil {
			rows = append(rows, log.Extended.Table...)
		}
		for _, r := range rows {
			parseATAErrorLine(c, r.ErrorDescription, strconv.Itoa(r.ErrorNumber), 0)
		}
	}

	return c.finish()
}
