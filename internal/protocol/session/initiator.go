package session

import (
	"context"
	"errors"
	"io"
	"os"
	"sync/atomic"

	"github.com/danmuck/simctl/internal/command"
	"github.com/danmuck/simctl/internal/observability"
	"github.com/danmuck/simctl/internal/protocol"
	"github.com/danmuck/simctl/internal/table"
)

// Result is the outcome of a successful command. Table is set for Read commands only.
type Result struct {
	Table *table.Table
}

// Initiator pushes commands at a Responder and enforces the handshake order.
// At most one command is in flight; a second SendCommand fails with ErrCommandInFlight.
type Initiator struct {
	ch       *Channel
	inFlight atomic.Bool
}

func NewInitiator(ch *Channel) *Initiator {
	return &Initiator{ch: ch}
}

func (i *Initiator) Channel() *Channel {
	return i.ch
}

// SendCommand sends cmd and waits for its full handshake. Remote failures come back as
// the typed error carried by the error report. Channel and protocol errors leave the
// initiator unusable.
func (i *Initiator) SendCommand(ctx context.Context, cmd command.Command) (Result, error) {
	if cmd == nil {
		return Result{}, &protocol.CommandValidationError{Reason: "nil command"}
	}
	if !i.inFlight.CompareAndSwap(false, true) {
		observability.RecordHandshakeFailure("initiator", "command_in_flight")
		return Result{}, protocol.NewProtocolError("send_command", "command already in flight", protocol.ErrCommandInFlight)
	}
	defer i.inFlight.Store(false)

	if err := cmd.Validate(); err != nil {
		return Result{}, err
	}
	if err := i.ch.SendObject(ctx, CommandEnvelope{Command: cmd}); err != nil {
		return Result{}, i.observe(err)
	}

	reply, err := i.ch.receive(ctx, i.ch.cfg.ReadTimeout)
	if err != nil {
		return Result{}, i.observe(err)
	}
	if s, ok := reply.(Sentinel); !ok || s != Acknowledge {
		return Result{}, i.violation("expected ACK, got "+reply.Kind(), protocol.ErrExpectedAck)
	}

	switch cmd.(type) {
	case command.RunCommand:
		reply, err = i.ch.receive(ctx, i.ch.cfg.RunTimeout)
		if err != nil {
			return Result{}, i.observe(err)
		}
		switch r := reply.(type) {
		case Sentinel:
			if r == Finished {
				return Result{}, nil
			}
		case ErrorReport:
			return Result{}, r.Err()
		}
		return Result{}, i.violation("expected FIN or error report, got "+reply.Kind(), protocol.ErrUnexpectedMessage)
	default:
		reply, err = i.ch.receive(ctx, i.ch.cfg.ReadTimeout)
		if err != nil {
			return Result{}, i.observe(err)
		}
		switch r := reply.(type) {
		case TableEnvelope:
			return Result{Table: r.Table}, nil
		case ErrorReport:
			return Result{}, r.Err()
		}
		return Result{}, i.violation("expected table or error report, got "+reply.Kind(), protocol.ErrUnexpectedMessage)
	}
}

// Run sends a RunCommand and waits for it to finish.
func (i *Initiator) Run(ctx context.Context, cmd command.RunCommand) error {
	_, err := i.SendCommand(ctx, cmd)
	return err
}

// Read sends a ReadCommand and returns the result table.
func (i *Initiator) Read(ctx context.Context, cmd command.ReadCommand) (*table.Table, error) {
	res, err := i.SendCommand(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return res.Table, nil
}

func (i *Initiator) violation(reason string, cause error) error {
	i.ch.markBroken()
	i.ch.logger.Warn().Str("reason", reason).Msg("session.Initiator handshake violation")
	return i.observe(protocol.NewProtocolError("send_command", reason, cause))
}

func (i *Initiator) observe(err error) error {
	if protocol.IsFatal(err) {
		observability.RecordHandshakeFailure("initiator", failureReason(err))
	}
	return err
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, io.EOF):
		return "peer_closed"
	case errors.Is(err, protocol.ErrChannelBroken):
		return "channel_broken"
	case errors.Is(err, protocol.ErrExpectedAck):
		return "expected_ack"
	case errors.Is(err, protocol.ErrUnexpectedMessage):
		return "unexpected_message"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, protocol.ErrProtocol):
		return "protocol"
	default:
		return "channel"
	}
}
