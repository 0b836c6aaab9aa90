package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Process exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the operation ran and failed
	ExitCommandError = 2 // the command could not run: flags, files, journal
)

// Error codes reported in JSON output.
const (
	ErrCodeConfig   = "E001" // configuration missing or invalid
	ErrCodeStore    = "E002" // journal could not be opened or queried
	ErrCodeConnect  = "E003" // engine unreachable or never ready
	ErrCodeRequest  = "E004" // a request to the engine failed
	ErrCodeScenario = "E005" // scenario could not be loaded or run
	ErrCodeGeneric  = "E999"
)

// ExitError carries the exit code main should use for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// NewExitError returns an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError returns an ExitError around err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps a command error to a process exit code. Errors that are
// not ExitErrors exit with ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &exitErr):
		return exitErr.Code
	default:
		return ExitFailure
	}
}

// OutputFormatter writes command results as text or as one JSON document
// per command. Diagnostics go to ErrWriter so JSON stays parseable.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope of every command.
type CLIResponse struct {
	Status string    `json:"status"` // ok | error
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error part of a CLIResponse.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (f *OutputFormatter) json() bool { return f.Format == "json" }

func (f *OutputFormatter) respond(resp CLIResponse) error {
	return json.NewEncoder(f.Writer).Encode(resp)
}

// Success writes data: the JSON envelope, or data's String form.
func (f *OutputFormatter) Success(data any) error {
	if f.json() {
		return f.respond(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, data)
	return err
}

// Error writes an error result. In text mode a list of problems is always
// printed; other details only with --verbose.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.json() {
		return f.respond(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	switch d := details.(type) {
	case nil:
	case []string:
		for _, problem := range d {
			fmt.Fprintf(f.Writer, "  - %s\n", problem)
		}
	default:
		if f.Verbose {
			fmt.Fprintf(f.Writer, "Details: %v\n", d)
		}
	}
	return nil
}

// Fail writes the error result for err and returns the ExitError the
// command should return.
func (f *OutputFormatter) Fail(exitCode int, code, message string, err error) error {
	var details any
	if err != nil {
		details = err.Error()
	}
	if outErr := f.Error(code, message, details); outErr != nil {
		return outErr
	}
	return WrapExitError(exitCode, message, err)
}

// VerboseLog writes a diagnostic line with --verbose.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if f.Verbose {
		fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
	}
}

// GetErrWriter returns ErrWriter, or Writer when none is set.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter == nil {
		return f.Writer
	}
	return f.ErrWriter
}
