package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/simctl/internal/observability"
	"github.com/danmuck/simctl/internal/protocol"
	"github.com/danmuck/simctl/internal/protocol/frame"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

// Channel moves envelopes over a byte stream, one frame per envelope.
//
// After a ChannelError or ProtocolError the channel is broken and every later call
// fails with protocol.ErrChannelBroken. Envelopes that cannot be encoded are
// rejected before any byte is written and leave the channel usable.
type Channel struct {
	rw     io.ReadWriter
	cfg    Config
	logger zerolog.Logger

	readMu  sync.Mutex
	writeMu sync.Mutex
	nextID  atomic.Uint64
	broken  atomic.Bool
}

func NewChannel(rw io.ReadWriter, cfg Config) *Channel {
	return &Channel{
		rw:     rw,
		cfg:    cfg.WithDefaults(),
		logger: log.Logger,
	}
}

// WithSessionID tags the channel's log lines with id.
func (c *Channel) WithSessionID(id string) *Channel {
	c.logger = log.Logger.With().Str("session", id).Logger()
	return c
}

func (c *Channel) Config() Config {
	return c.cfg
}

func (c *Channel) Broken() bool {
	return c.broken.Load()
}

// Close marks the channel broken and closes the stream when it is an io.Closer.
func (c *Channel) Close() error {
	c.broken.Store(true)
	if cl, ok := c.rw.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

func (c *Channel) markBroken() {
	c.broken.Store(true)
}

// SendObject writes env as one frame. It blocks until the frame is written, the write
// deadline passes, or ctx is done.
func (c *Channel) SendObject(ctx context.Context, env Envelope) error {
	if c.broken.Load() {
		return protocol.NewChannelError("send", protocol.ErrChannelBroken)
	}
	messageType, payload, err := EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", env.Kind(), err)
	}
	if uint64(len(payload)) > c.cfg.Limits.MaxPayloadBytes {
		return fmt.Errorf("session: encode %s: %w", env.Kind(), frame.ErrPayloadTooLarge)
	}
	if err := ctx.Err(); err != nil {
		return protocol.NewChannelError("send", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if wd, ok := c.rw.(writeDeadliner); ok {
		_ = wd.SetWriteDeadline(deadline(ctx, c.cfg.WriteTimeout))
		defer wd.SetWriteDeadline(time.Time{})
		stop := context.AfterFunc(ctx, func() { _ = wd.SetWriteDeadline(time.Unix(1, 0)) })
		defer stop()
	}

	err = frame.WriteFrame(c.rw, frame.Frame{
		Header: frame.Header{
			MessageID:   c.nextID.Add(1),
			MessageType: messageType,
			Flags:       flagsFor(env),
		},
		Payload: payload,
	}, c.cfg.Limits)
	if err != nil {
		c.markBroken()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		c.logger.Warn().Err(err).Str("kind", env.Kind()).Msg("session.Channel send failed")
		return protocol.NewChannelError("send", err)
	}
	observability.RecordFrame("send", env.Kind(), len(payload))
	c.logger.Debug().Str("kind", env.Kind()).Uint32("message_type", env.messageType()).
		Int("bytes", len(payload)).Msg("session.Channel sent")
	return nil
}

// ReceiveObject blocks until one complete envelope arrives. It waits at most the
// configured IdleTimeout when set, and until ctx is done otherwise.
func (c *Channel) ReceiveObject(ctx context.Context) (Envelope, error) {
	return c.receive(ctx, c.cfg.IdleTimeout)
}

// receive reads one envelope, waiting at most timeout when it is positive.
// A clean end of stream yields a ChannelError wrapping io.EOF.
func (c *Channel) receive(ctx context.Context, timeout time.Duration) (Envelope, error) {
	if c.broken.Load() {
		return nil, protocol.NewChannelError("receive", protocol.ErrChannelBroken)
	}
	if err := ctx.Err(); err != nil {
		return nil, protocol.NewChannelError("receive", err)
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	if rd, ok := c.rw.(readDeadliner); ok {
		_ = rd.SetReadDeadline(deadline(ctx, timeout))
		defer rd.SetReadDeadline(time.Time{})
		stop := context.AfterFunc(ctx, func() { _ = rd.SetReadDeadline(time.Unix(1, 0)) })
		defer stop()
	}

	fr, err := frame.ReadFrame(c.rw, c.cfg.Limits)
	if err != nil {
		c.markBroken()
		switch {
		case errors.Is(err, io.EOF):
			c.logger.Debug().Msg("session.Channel peer closed")
			return nil, protocol.NewChannelError("receive", io.EOF)
		case frame.IsMalformed(err):
			c.logger.Warn().Err(err).Msg("session.Channel malformed frame")
			return nil, protocol.NewProtocolError("receive", "malformed frame", err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		c.logger.Warn().Err(err).Msg("session.Channel receive failed")
		return nil, protocol.NewChannelError("receive", err)
	}

	env, err := DecodeEnvelope(fr.Header.MessageType, fr.Payload)
	if err != nil {
		c.markBroken()
		c.logger.Warn().Err(err).Uint32("message_type", fr.Header.MessageType).Msg("session.Channel undecodable payload")
		return nil, protocol.NewProtocolError("receive", "undecodable payload", err)
	}
	observability.RecordFrame("receive", env.Kind(), len(fr.Payload))
	c.logger.Debug().Str("kind", env.Kind()).Uint64("message_id", fr.Header.MessageID).
		Int("bytes", len(fr.Payload)).Msg("session.Channel received")
	return env, nil
}

// deadline returns now+timeout, tightened by the context deadline. Zero means none.
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	var d time.Time
	if timeout > 0 {
		d = time.Now().Add(timeout)
	}
	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		d = cd
	}
	return d
}
