// Package client dials a simctl service and drives commands over the session.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/simctl/internal/auth"
	"github.com/danmuck/simctl/internal/engine"
	"github.com/danmuck/simctl/internal/protocol/frame"
	"github.com/danmuck/simctl/internal/protocol/session"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
)

var (
	ErrAddressRequired = errors.New("client: address required")
	// ErrServiceBusy means the service is serving another connection.
	ErrServiceBusy = errors.New("client: service busy")
)

// Config selects the service to dial. AuthToken is sent as a bearer token on the
// ws transport.
type Config struct {
	Transport          engine.Transport
	Address            string
	AuthToken          string
	Session            session.Config
	MaxConnectAttempts int
}

func DefaultConfig() Config {
	d := engine.DefaultServiceConfig()
	return Config{
		Transport:          d.Transport,
		Address:            d.Address,
		Session:            session.DefaultConfig(),
		MaxConnectAttempts: 5,
	}
}

// Client is a connected Initiator. It is not safe to issue commands from
// several goroutines; the second concurrent command fails with ErrCommandInFlight.
type Client struct {
	*session.Initiator
	conn net.Conn
	cfg  Config
}

// Dial connects to the service, retrying with backoff until MaxConnectAttempts
// is reached (zero retries forever) or ctx is done.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if cfg.Transport == "" {
		cfg.Transport = engine.TransportUnix
	}
	cfg.Session = cfg.Session.WithDefaults()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var attempt int
	for {
		attempt++
		conn, err := dial(ctx, cfg)
		if err == nil {
			log.Debug().Str("transport", string(cfg.Transport)).Str("addr", cfg.Address).Int("attempt", attempt).Msg("client.Dial connected")
			return &Client{
				Initiator: session.NewInitiator(session.NewChannel(conn, cfg.Session)),
				conn:      conn,
				cfg:       cfg,
			}, nil
		}
		log.Warn().Err(err).Int("attempt", attempt).Str("addr", cfg.Address).Msg("client.Dial failed")
		if !shouldRetry(cfg, attempt, err) {
			return nil, err
		}
		if err := sleepBackoff(ctx, cfg.Session.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
}

func (c *Client) Close() error {
	return c.Channel().Close()
}

func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func dial(ctx context.Context, cfg Config) (net.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.Session.ConnectTimeout}
	switch cfg.Transport {
	case engine.TransportUnix:
		return dialer.DialContext(ctx, "unix", cfg.Address)
	case engine.TransportTCP:
		if err := cfg.Session.ValidateClientTransport(); err != nil {
			return nil, err
		}
		rawConn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
		if err != nil {
			return nil, err
		}
		if !cfg.Session.TLS.Enabled {
			return rawConn, nil
		}
		tlsCfg, err := cfg.Session.ClientTLSConfig(cfg.Address)
		if err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		conn := tls.Client(rawConn, tlsCfg)
		handshakeCtx, cancel := context.WithTimeout(ctx, cfg.Session.HandshakeTimeout)
		defer cancel()
		if err := conn.HandshakeContext(handshakeCtx); err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		return conn, nil
	case engine.TransportWebSocket:
		return dialWebSocket(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", engine.ErrUnknownTransport, cfg.Transport)
	}
}

func dialWebSocket(ctx context.Context, cfg Config) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Session.ConnectTimeout)
	defer cancel()
	url := "ws://" + cfg.Address + engine.SessionPath
	opts := &websocket.DialOptions{HTTPClient: http.DefaultClient}
	if token := strings.TrimSpace(cfg.AuthToken); token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{auth.BearerHeader(token)}}
	}
	ws, resp, err := websocket.Dial(dialCtx, url, opts)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusServiceUnavailable:
				return nil, fmt.Errorf("%w: %v", ErrServiceBusy, err)
			case http.StatusUnauthorized:
				return nil, fmt.Errorf("%w: %v", auth.ErrUnauthorized, err)
			}
		}
		return nil, err
	}
	ws.SetReadLimit(int64(cfg.Session.Limits.MaxPayloadBytes) + int64(frame.FixedHeaderLen))
	return websocket.NetConn(context.Background(), ws, websocket.MessageBinary), nil
}

func shouldRetry(cfg Config, attempt int, err error) bool {
	if errors.Is(err, session.ErrInvalidSecurityMode) || errors.Is(err, session.ErrTLSRequired) ||
		errors.Is(err, engine.ErrUnknownTransport) || errors.Is(err, auth.ErrUnauthorized) {
		return false
	}
	if cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < cfg.MaxConnectAttempts
}

func sleepBackoff(ctx context.Context, b session.BackoffConfig, attempt int, rng *rand.Rand) error {
	delay := b.Delay(attempt, rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
