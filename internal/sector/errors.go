// Error taxonomy for sector-doctor.
//
// Errors are values. Component-local failures (parsing, configuration) are
// returned to the caller and never escalate on their own; only a
// ToolUnavailableError ends a repair session early.
//
// Error Types:
//   - ParseError: diagnostic output contained no recognizable section
//   - ToolUnavailableError: the repair or diagnostic tool is missing or
//     reported a structural, non-retryable failure
//   - SectorExhaustedError: one sector used its whole attempt budget
//   - ConfigError: one or more configuration fields are invalid

package sector

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode provides specific error identification for programmatic handling
type ErrorCode int

const (
	ErrCodeGeneric ErrorCode = iota

	// Parser errors (1000-1099)
	ErrCodeNoRecognizableSection ErrorCode = 1000 + iota - 1
	ErrCodeMalformedJSON

	// Tool errors (1100-1199)
	ErrCodeToolNotFound ErrorCode = 1100 + iota - 3
	ErrCodeUnsupportedOperation
	ErrCodeDiagnosticsFailed

	// Sector errors (1200-1299)
	ErrCodeSectorExhausted ErrorCode = 1200 + iota - 6

	// Configuration errors (1300-1399)
	ErrCodeInvalidConfig ErrorCode = 1300 + iota - 7
)

// ReasonNoRecognizableSection is the ParseError reason for input in which
// none of the known log grammars matched.
const ReasonNoRecognizableSection = "no recognizable section"

// ParseError reports diagnostic output that could not be interpreted at
// all. It signals a tool-version mismatch or a total output failure, not
// the normal absence of errors.
type ParseError struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse diagnostic output: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("parse diagnostic output: %s", e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ToolUnavailableError reports that an external tool cannot be used for
// the rest of the session.
type ToolUnavailableError struct {
	Code   ErrorCode
	Tool   string
	Detail string
	Err    error
}

func (e *ToolUnavailableError) Error() string {
	msg := fmt.Sprintf("%s unavailable", e.Tool)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ToolUnavailableError) Unwrap() error { return e.Err }

// SectorExhaustedError describes a sector that reached the per-sector
// attempt ceiling. It is reported, never raised across the session.
type SectorExhaustedError struct {
	Address  Address
	Attempts int
	Last     Outcome
}

func (e *SectorExhaustedError) Error() string {
	return fmt.Sprintf("sector %s exhausted after %d attempts (last outcome: %s)", e.Address, e.Attempts, e.Last)
}

// Code returns ErrCodeSectorExhausted.
func (e *SectorExhaustedError) Code() ErrorCode { return ErrCodeSectorExhausted }

// ConfigError collects every invalid configuration field.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Code returns ErrCodeInvalidConfig.
func (e *ConfigError) Code() ErrorCode { return ErrCodeInvalidConfig }

// IsParseError reports whether err is or wraps a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// IsToolUnavailable reports whether err is or wraps a ToolUnavailableError.
func IsToolUnavailable(err error) bool {
	var te *ToolUnavailableError
	return errors.As(err, &te)
}
