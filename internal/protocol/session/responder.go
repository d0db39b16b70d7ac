package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/danmuck/simctl/internal/command"
	"github.com/danmuck/simctl/internal/observability"
	"github.com/danmuck/simctl/internal/protocol"
	"github.com/danmuck/simctl/internal/table"
)

// Handler executes commands on behalf of a Responder.
type Handler interface {
	HandleRun(ctx context.Context, cmd command.RunCommand) error
	HandleRead(ctx context.Context, cmd command.ReadCommand) (*table.Table, error)
}

// Responder is the long-lived end of a session. It receives one command at a time,
// acknowledges it once parsed and validated, then sends exactly one completion:
// Finished or an error report for a Run, a table or an error report for a Read.
type Responder struct {
	ch    *Channel
	state atomic.Int32
}

func NewResponder(ch *Channel) *Responder {
	return &Responder{ch: ch}
}

func (r *Responder) State() State {
	return State(r.state.Load())
}

func (r *Responder) setState(s State) {
	prev := State(r.state.Swap(int32(s)))
	r.ch.logger.Trace().Stringer("from", prev).Stringer("to", s).Msg("session.Responder transition")
}

// WaitForCommand blocks until a command arrives. Any other envelope is a protocol violation.
func (r *Responder) WaitForCommand(ctx context.Context) (command.Command, error) {
	r.setState(StateAwaitingCommand)
	env, err := r.ch.ReceiveObject(ctx)
	if err != nil {
		return nil, err
	}
	r.setState(StateParsing)
	ce, ok := env.(CommandEnvelope)
	if !ok {
		r.ch.markBroken()
		observability.RecordHandshakeFailure("responder", "unexpected_message")
		return nil, protocol.NewProtocolError("wait_for_command", "expected command, got "+env.Kind(), protocol.ErrUnexpectedMessage)
	}
	return ce.Command, nil
}

// ServeOne runs a single command cycle.
func (r *Responder) ServeOne(ctx context.Context, h Handler) error {
	cmd, err := r.WaitForCommand(ctx)
	if err != nil {
		return err
	}
	return r.dispatch(ctx, cmd, h)
}

// Serve runs command cycles until the peer closes the stream, which returns nil,
// or until a connection-fatal error or ctx cancellation.
func (r *Responder) Serve(ctx context.Context, h Handler) error {
	defer r.setState(StateClosed)
	for {
		err := r.ServeOne(ctx, h)
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if ctx.Err() == nil {
			observability.RecordHandshakeFailure("responder", failureReason(err))
			r.ch.logger.Warn().Err(err).Msg("session.Responder connection failed")
		}
		return err
	}
}

func (r *Responder) dispatch(ctx context.Context, cmd command.Command, h Handler) error {
	kind := command.Kind(cmd)
	validationErr := cmd.Validate()
	if err := r.ch.SendObject(ctx, Acknowledge); err != nil {
		return err
	}
	r.setState(StateAcknowledged)
	start := time.Now()

	if validationErr != nil {
		r.ch.logger.Info().Err(validationErr).Str("kind", kind).Msg("session.Responder rejected command")
		return r.fail(ctx, kind, start, validationErr)
	}

	switch c := cmd.(type) {
	case command.RunCommand:
		r.setState(StateExecuting)
		if err := r.safeRun(ctx, h, c); err != nil {
			return r.fail(ctx, kind, start, err)
		}
		if err := r.ch.SendObject(ctx, Finished); err != nil {
			return err
		}
		r.setState(StateCompleted)
		observability.RecordCommand(kind, "finished", time.Since(start))
		return nil
	case command.ReadCommand:
		r.setState(StateQuerying)
		t, err := r.safeRead(ctx, h, c)
		if err == nil && t == nil {
			err = &protocol.ExecutionError{Message: fmt.Sprintf("table %q produced no result", c.TableName)}
		}
		if err != nil {
			return r.fail(ctx, kind, start, err)
		}
		if err := r.ch.SendObject(ctx, TableEnvelope{Table: t}); err != nil {
			if protocol.IsFatal(err) {
				return err
			}
			return r.fail(ctx, kind, start, err)
		}
		r.setState(StateReturned)
		observability.RecordCommand(kind, "returned", time.Since(start))
		return nil
	default:
		return r.fail(ctx, kind, start, &protocol.CommandValidationError{Reason: fmt.Sprintf("unsupported command %T", cmd)})
	}
}

// fail sends the error report that takes the completion slot.
func (r *Responder) fail(ctx context.Context, kind string, start time.Time, cause error) error {
	r.setState(StateFailed)
	report := NewErrorReport(cause)
	observability.RecordCommand(kind, report.Class.String(), time.Since(start))
	r.ch.logger.Debug().Err(cause).Str("kind", kind).Stringer("report", report.Class).Msg("session.Responder sending error report")
	return r.ch.SendObject(ctx, report)
}

func (r *Responder) safeRun(ctx context.Context, h Handler, c command.RunCommand) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &protocol.ExecutionError{Message: fmt.Sprintf("panic: %v", p)}
		}
	}()
	return h.HandleRun(ctx, c)
}

func (r *Responder) safeRead(ctx context.Context, h Handler, c command.ReadCommand) (t *table.Table, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &protocol.ExecutionError{Message: fmt.Sprintf("panic: %v", p)}
		}
	}()
	return h.HandleRead(ctx, c)
}
