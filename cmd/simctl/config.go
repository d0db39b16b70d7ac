package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/simctl/internal/client"
	"github.com/danmuck/simctl/internal/engine"
	"github.com/danmuck/simctl/internal/protocol/session"
)

// simctl config.toml key mapping to service and client settings.
type fileConfig struct {
	Transport           string   `toml:"transport"`
	Address             string   `toml:"address"`
	KeepAlive           bool     `toml:"keep_alive"`
	MaxCPUCount         int      `toml:"max_cpu_count"`
	Verbose             bool     `toml:"verbose"`
	Workspace           string   `toml:"workspace"`
	MetricsAddress      string   `toml:"metrics_address"`
	CORSOrigins         []string `toml:"cors_origins"`
	ReadTimeout         string   `toml:"read_timeout"`
	WriteTimeout        string   `toml:"write_timeout"`
	RunTimeout          string   `toml:"run_timeout"`
	MaxPayloadBytes     uint64   `toml:"max_payload_bytes"`
	MaxConnectAttempts  int      `toml:"max_connect_attempts"`
	SessionSecurityMode string   `toml:"session_security_mode"`
	SessionTLSEnabled   bool     `toml:"session_tls_enabled"`
	SessionTLSMutual    bool     `toml:"session_tls_mutual"`
	SessionTLSCertFile  string   `toml:"session_tls_cert_file"`
	SessionTLSKeyFile   string   `toml:"session_tls_key_file"`
	SessionTLSCAFile    string   `toml:"session_tls_ca_file"`
	SessionTLSServer    string   `toml:"session_tls_server_name"`
	SessionAuthToken    string   `toml:"session_auth_token"`
}

// runtimeConfig is the resolved configuration shared by every subcommand.
type runtimeConfig struct {
	Service            engine.ServiceConfig
	MaxCPUCount        int
	Verbose            bool
	Workspace          string
	MaxConnectAttempts int
}

func defaultRuntimeConfig() runtimeConfig {
	return runtimeConfig{
		Service:            engine.DefaultServiceConfig(),
		MaxConnectAttempts: client.DefaultConfig().MaxConnectAttempts,
	}
}

func (c runtimeConfig) clientConfig() client.Config {
	return client.Config{
		Transport:          c.Service.Transport,
		Address:            c.Service.Address,
		AuthToken:          c.Service.AuthToken,
		Session:            c.Service.Session,
		MaxConnectAttempts: c.MaxConnectAttempts,
	}
}

func loadConfig(path string) (runtimeConfig, error) {
	cfg := defaultRuntimeConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return runtimeConfig{}, fmt.Errorf("load simctl config: %w", err)
	}

	if meta.IsDefined("transport") {
		t, err := engine.ParseTransport(raw.Transport)
		if err != nil {
			return runtimeConfig{}, fmt.Errorf("load simctl config: %w", err)
		}
		cfg.Service.Transport = t
	}
	if meta.IsDefined("address") {
		cfg.Service.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("keep_alive") {
		cfg.Service.KeepAlive = raw.KeepAlive
	}
	if meta.IsDefined("max_cpu_count") {
		cfg.MaxCPUCount = raw.MaxCPUCount
	}
	if meta.IsDefined("verbose") {
		cfg.Verbose = raw.Verbose
	}
	if meta.IsDefined("workspace") {
		cfg.Workspace = strings.TrimSpace(raw.Workspace)
	}
	if meta.IsDefined("metrics_address") {
		cfg.Service.MetricsAddress = strings.TrimSpace(raw.MetricsAddress)
	}
	if meta.IsDefined("cors_origins") {
		if err := engine.ValidateCORSOrigins(raw.CORSOrigins); err != nil {
			return runtimeConfig{}, fmt.Errorf("load simctl config: %w", err)
		}
		cfg.Service.CORSOrigins = raw.CORSOrigins
	}
	if meta.IsDefined("read_timeout") {
		if cfg.Service.Session.ReadTimeout, err = parseDuration("read_timeout", raw.ReadTimeout); err != nil {
			return runtimeConfig{}, err
		}
	}
	if meta.IsDefined("write_timeout") {
		if cfg.Service.Session.WriteTimeout, err = parseDuration("write_timeout", raw.WriteTimeout); err != nil {
			return runtimeConfig{}, err
		}
	}
	if meta.IsDefined("run_timeout") {
		if cfg.Service.Session.RunTimeout, err = parseDuration("run_timeout", raw.RunTimeout); err != nil {
			return runtimeConfig{}, err
		}
	}
	if meta.IsDefined("max_payload_bytes") {
		cfg.Service.Session.Limits.MaxPayloadBytes = raw.MaxPayloadBytes
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("session_security_mode") {
		cfg.Service.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SessionSecurityMode))
	}
	if meta.IsDefined("session_tls_enabled") {
		cfg.Service.Session.TLS.Enabled = raw.SessionTLSEnabled
	}
	if meta.IsDefined("session_tls_mutual") {
		cfg.Service.Session.TLS.Mutual = raw.SessionTLSMutual
	}
	if meta.IsDefined("session_tls_cert_file") {
		cfg.Service.Session.TLS.CertFile = strings.TrimSpace(raw.SessionTLSCertFile)
	}
	if meta.IsDefined("session_tls_key_file") {
		cfg.Service.Session.TLS.KeyFile = strings.TrimSpace(raw.SessionTLSKeyFile)
	}
	if meta.IsDefined("session_tls_ca_file") {
		cfg.Service.Session.TLS.CAFile = strings.TrimSpace(raw.SessionTLSCAFile)
	}
	if meta.IsDefined("session_tls_server_name") {
		cfg.Service.Session.TLS.ServerName = strings.TrimSpace(raw.SessionTLSServer)
	}
	if meta.IsDefined("session_auth_token") {
		cfg.Service.AuthToken = strings.TrimSpace(raw.SessionAuthToken)
	}

	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("parse %s: negative duration %s", key, d)
	}
	return d, nil
}
