package session

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

var (
	ErrInvalidSecurityMode     = errors.New("session: invalid security mode")
	ErrTLSRequired             = errors.New("session: tls required")
	ErrMTLSRequired            = errors.New("session: mtls required")
	ErrTLSCertFileRequired     = errors.New("session: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("session: tls key file required")
	ErrTLSCAFileRequired       = errors.New("session: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("session: insecure skip verify not allowed")
)

// NormalizeSecurityMode lowercases mode; empty means development.
func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	m := strings.ToLower(strings.TrimSpace(string(mode)))
	if m == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(m)
}

type transportRole int

const (
	roleClient transportRole = iota
	roleServer
)

// ValidateClientTransport checks the settings a tcp dialer needs.
func (c Config) ValidateClientTransport() error {
	return c.validateTransport(roleClient)
}

// ValidateServerTransport checks the settings a tcp listener needs.
func (c Config) ValidateServerTransport() error {
	return c.validateTransport(roleServer)
}

// validateTransport reports the first missing setting for role. Production
// requires mutual TLS with verification on both ends.
func (c Config) validateTransport(role transportRole) error {
	t := c.TLS
	switch NormalizeSecurityMode(c.SecurityMode) {
	case SecurityModeDevelopment:
	case SecurityModeProduction:
		switch {
		case !t.Enabled:
			return ErrTLSRequired
		case !t.Mutual:
			return ErrMTLSRequired
		case role == roleClient && t.InsecureSkipVerify:
			return ErrTLSInsecureSkipNotAllow
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}
	if !t.Enabled {
		if t.Mutual {
			return ErrTLSRequired
		}
		return nil
	}

	// Clients verify the server unless told not to; servers verify clients under mutual TLS.
	verifiesPeer := t.Mutual
	if role == roleClient {
		verifiesPeer = !t.InsecureSkipVerify
	}
	if verifiesPeer && blank(t.CAFile) {
		return ErrTLSCAFileRequired
	}
	if role == roleServer || t.Mutual {
		if blank(t.CertFile) {
			return ErrTLSCertFileRequired
		}
		if blank(t.KeyFile) {
			return ErrTLSKeyFileRequired
		}
	}
	return nil
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// ClientTLSConfig builds the dialer's tls.Config; address supplies the server name when unset.
func (c Config) ClientTLSConfig(address string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(c.TLS.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if !blank(c.TLS.CAFile) {
		pool, err := loadCertPool(strings.TrimSpace(c.TLS.CAFile))
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if c.TLS.Mutual {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ServerTLSConfig builds the listener's tls.Config.
func (c Config) ServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}
	if c.TLS.Mutual || NormalizeSecurityMode(c.SecurityMode) == SecurityModeProduction {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		pool, err := loadCertPool(c.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, fmt.Errorf("session: parse tls ca bundle: %s", path)
	}
	return pool, nil
}
