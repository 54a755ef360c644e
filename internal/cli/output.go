package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/dimagi/casecore/internal/domain"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The engine reported a fatal condition for the requested case or ledger
	ExitCommandError = 2 // Command error (bad flags, database unreachable, not found, etc.)
)

// Error codes reported in JSON output
const (
	CodeNotFound            = "E001"
	CodeProjection          = "E002"
	CodeLedgerInconsistency = "E003"
	CodeRebuildTimeout      = "E004"
	CodeMalformed           = "E005"
	CodeInvalidState        = "E006"
	CodeInternal            = "E100"
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// classify maps an engine error to its output code and exit code
func classify(err error) (string, int) {
	switch {
	case errors.Is(err, domain.ErrCaseNotFound),
		errors.Is(err, domain.ErrFormNotFound),
		errors.Is(err, domain.ErrDeviceNotFound):
		return CodeNotFound, ExitCommandError
	case errors.Is(err, domain.ErrProjection):
		return CodeProjection, ExitFailure
	case errors.Is(err, domain.ErrLedgerInconsistency):
		return CodeLedgerInconsistency, ExitFailure
	case errors.Is(err, domain.ErrRebuildTimeout):
		return CodeRebuildTimeout, ExitFailure
	case errors.Is(err, domain.ErrMalformedSubmission):
		return CodeMalformed, ExitFailure
	case errors.Is(err, domain.ErrInvalidFormState):
		return CodeInvalidState, ExitCommandError
	default:
		return CodeInternal, ExitCommandError
	}
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success outputs a result. Text output prints the text rendering, JSON output the data.
func (f *OutputFormatter) Success(data any, text string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}

	_, err := fmt.Fprintln(f.Writer, text)
	return err
}

// Fail outputs an engine error and returns the ExitError the command should fail with
func (f *OutputFormatter) Fail(message string, err error) error {
	code, exit := classify(err)

	if f.Format == "json" {
		_ = json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: err.Error()},
		})
	} else {
		fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
		if f.Verbose {
			fmt.Fprintf(f.Writer, "Details: %v\n", err)
		}
	}

	return WrapExitError(exit, message, err)
}

// VerboseLog outputs a message to ErrWriter only if verbose mode is enabled.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}
