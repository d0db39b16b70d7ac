package session

import (
	"errors"
	"fmt"

	"github.com/danmuck/simctl/internal/command"
	"github.com/danmuck/simctl/internal/protocol"
	"github.com/danmuck/simctl/internal/protocol/schema"
	"github.com/danmuck/simctl/internal/table"
)

// Envelope is the unit placed on a Channel. The set of envelopes is closed:
// CommandEnvelope, ReplacementEnvelope, TableEnvelope, Sentinel and ErrorReport.
type Envelope interface {
	messageType() uint32
	Kind() string
}

// CommandEnvelope carries a Run or Read command.
type CommandEnvelope struct {
	Command command.Command
}

// ReplacementEnvelope carries a single replacement outside of a command.
type ReplacementEnvelope struct {
	Replacement command.Replacement
}

// TableEnvelope carries the result of a Read command.
type TableEnvelope struct {
	Table *table.Table
}

// Sentinel is a handshake token. It travels as its own message type, never as payload text.
type Sentinel uint8

const (
	Acknowledge Sentinel = 1
	Finished    Sentinel = 2
)

func (s Sentinel) String() string {
	switch s {
	case Acknowledge:
		return "ACK"
	case Finished:
		return "FIN"
	default:
		return fmt.Sprintf("sentinel(%d)", uint8(s))
	}
}

func (s Sentinel) valid() bool {
	return s == Acknowledge || s == Finished
}

// ErrorKind classifies an ErrorReport.
type ErrorKind uint8

const (
	ErrorKindInternal         ErrorKind = 0
	ErrorKindValidation       ErrorKind = 1
	ErrorKindApplyReplacement ErrorKind = 2
	ErrorKindExecution        ErrorKind = 3
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindValidation:
		return "validation"
	case ErrorKindApplyReplacement:
		return "apply_replacement"
	case ErrorKindExecution:
		return "execution"
	default:
		return "internal"
	}
}

// ErrorReport takes the place of Finished or a table when a command fails.
// Index is -1 unless Class is ErrorKindApplyReplacement.
type ErrorReport struct {
	Class      ErrorKind
	Message    string
	Path       string
	Index      int
	Simulation string
	File       string
}

func (e CommandEnvelope) messageType() uint32 {
	if _, ok := e.Command.(command.ReadCommand); ok {
		return schema.MsgReadCommand
	}
	return schema.MsgRunCommand
}

func (e CommandEnvelope) Kind() string {
	return "command." + command.Kind(e.Command)
}

func (ReplacementEnvelope) messageType() uint32 { return schema.MsgReplacement }
func (ReplacementEnvelope) Kind() string        { return "replacement" }

func (TableEnvelope) messageType() uint32 { return schema.MsgTable }
func (TableEnvelope) Kind() string        { return "table" }

func (Sentinel) messageType() uint32 { return schema.MsgSentinel }
func (s Sentinel) Kind() string      { return "sentinel." + s.String() }

func (ErrorReport) messageType() uint32 { return schema.MsgErrorReport }
func (ErrorReport) Kind() string        { return "error_report" }

// NewErrorReport classifies err into a report.
func NewErrorReport(err error) ErrorReport {
	var (
		ve *protocol.CommandValidationError
		ae *protocol.ApplyReplacementError
		ee *protocol.ExecutionError
	)
	switch {
	case errors.As(err, &ve):
		return ErrorReport{Class: ErrorKindValidation, Message: ve.Reason, Path: ve.Field, Index: -1}
	case errors.As(err, &ae):
		return ErrorReport{Class: ErrorKindApplyReplacement, Message: ae.Reason, Path: ae.Path, Index: ae.Index}
	case errors.As(err, &ee):
		return ErrorReport{Class: ErrorKindExecution, Message: ee.Message, Simulation: ee.Simulation, File: ee.File, Index: -1}
	case err == nil:
		return ErrorReport{Class: ErrorKindInternal, Message: "unknown error", Index: -1}
	default:
		return ErrorReport{Class: ErrorKindInternal, Message: err.Error(), Index: -1}
	}
}

// Err rebuilds the typed error the report was created from.
func (r ErrorReport) Err() error {
	switch r.Class {
	case ErrorKindValidation:
		return &protocol.CommandValidationError{Field: r.Path, Reason: r.Message}
	case ErrorKindApplyReplacement:
		return &protocol.ApplyReplacementError{Index: r.Index, Path: r.Path, Reason: r.Message}
	case ErrorKindExecution:
		return &protocol.ExecutionError{Simulation: r.Simulation, File: r.File, Message: r.Message}
	default:
		return &protocol.ExecutionError{Message: "remote: " + r.Message}
	}
}

func (r ErrorReport) Error() string {
	return r.Err().Error()
}

// EnvelopesEqual compares two envelopes structurally.
func EnvelopesEqual(a, b Envelope) bool {
	switch x := a.(type) {
	case CommandEnvelope:
		y, ok := b.(CommandEnvelope)
		return ok && command.Equal(x.Command, y.Command)
	case ReplacementEnvelope:
		y, ok := b.(ReplacementEnvelope)
		return ok && command.ReplacementsEqual(x.Replacement, y.Replacement)
	case TableEnvelope:
		y, ok := b.(TableEnvelope)
		return ok && x.Table.Equal(y.Table)
	case Sentinel:
		y, ok := b.(Sentinel)
		return ok && x == y
	case ErrorReport:
		y, ok := b.(ErrorReport)
		return ok && x == y
	default:
		return a == nil && b == nil
	}
}
