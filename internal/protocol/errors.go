package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrChannel and ErrProtocol classify connection-fatal failures.
	ErrChannel  = errors.New("protocol: channel failure")
	ErrProtocol = errors.New("protocol: protocol violation")

	ErrChannelBroken     = errors.New("protocol: channel is broken")
	ErrExpectedAck       = errors.New("protocol: expected ACK")
	ErrUnexpectedMessage = errors.New("protocol: unexpected message")
	ErrCommandInFlight   = errors.New("protocol: command already in flight")

	// Errors reported back to the initiator in an error report.
	ErrInvalidCommand   = errors.New("protocol: invalid command")
	ErrApplyReplacement = errors.New("protocol: replacement could not be applied")
	ErrExecution        = errors.New("protocol: execution failed")

	ErrUnsupportedValue = errors.New("protocol: unsupported value")
	ErrValueTooDeep     = errors.New("protocol: value nesting too deep")
	ErrMalformedValue   = errors.New("protocol: malformed value")
)

// ChannelError is an I/O failure of the underlying stream. The connection is unusable afterwards.
type ChannelError struct {
	Op  string
	Err error
}

func NewChannelError(op string, err error) *ChannelError {
	return &ChannelError{Op: op, Err: err}
}

func (e *ChannelError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("channel %s: failed", e.Op)
	}
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrChannel}
	}
	return []error{ErrChannel, e.Err}
}

// ProtocolError is a message that arrived malformed or out of sequence.
type ProtocolError struct {
	Op     string
	Reason string
	Err    error
}

func NewProtocolError(op, reason string, err error) *ProtocolError {
	return &ProtocolError{Op: op, Reason: reason, Err: err}
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("protocol %s: %s", e.Op, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProtocol}
	}
	return []error{ErrProtocol, e.Err}
}

// CommandValidationError describes a malformed command.
type CommandValidationError struct {
	Field  string
	Reason string
}

func (e *CommandValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid command: %s", e.Reason)
	}
	return fmt.Sprintf("invalid command: %s: %s", e.Field, e.Reason)
}

func (e *CommandValidationError) Unwrap() error {
	return ErrInvalidCommand
}

// ApplyReplacementError aborts a run; Index is the position of the failing replacement.
type ApplyReplacementError struct {
	Index  int
	Path   string
	Reason string
	Err    error
}

func (e *ApplyReplacementError) Error() string {
	return fmt.Sprintf("replacement %d (%s): %s", e.Index, e.Path, e.Reason)
}

func (e *ApplyReplacementError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrApplyReplacement}
	}
	return []error{ErrApplyReplacement, e.Err}
}

// ExecutionError is a simulation failure reported by the scheduler.
type ExecutionError struct {
	Simulation string
	File       string
	Message    string
	Err        error
}

func (e *ExecutionError) Error() string {
	switch {
	case e.Simulation != "" && e.File != "":
		return fmt.Sprintf("simulation %s (%s): %s", e.Simulation, e.File, e.Message)
	case e.Simulation != "":
		return fmt.Sprintf("simulation %s: %s", e.Simulation, e.Message)
	default:
		return fmt.Sprintf("execution: %s", e.Message)
	}
}

func (e *ExecutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExecution}
	}
	return []error{ErrExecution, e.Err}
}

// IsFatal reports whether err ends the connection.
func IsFatal(err error) bool {
	return errors.Is(err, ErrChannel) || errors.Is(err, ErrProtocol)
}
