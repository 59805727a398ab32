package manager

import (
	"time"

	"github.com/fako1024/btobd/pkg/events"
	"github.com/fako1024/btobd/pkg/logging"
)

// Config denotes the tunables of the connection lifecycle
type Config struct {
	ConnectTimeout       time.Duration `yaml:"connectTimeout" json:"connectTimeout"`
	BondTimeout          time.Duration `yaml:"bondTimeout" json:"bondTimeout"`
	ReconnectDelay       time.Duration `yaml:"reconnectDelay" json:"reconnectDelay"`
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts" json:"maxReconnectAttempts"`
	BlacklistThreshold   int           `yaml:"blacklistThreshold" json:"blacklistThreshold"`
	AutoConnectPause     time.Duration `yaml:"autoConnectPause" json:"autoConnectPause"`
	AutoConnectTop       int           `yaml:"autoConnectCandidates" json:"autoConnectCandidates"`
	CommandTimeout       time.Duration `yaml:"commandTimeout" json:"commandTimeout"`
	ScanTimeout          time.Duration `yaml:"scanTimeout" json:"scanTimeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeatInterval" json:"heartbeatInterval"`
	HeartbeatTimeout     time.Duration `yaml:"heartbeatTimeout" json:"heartbeatTimeout"`
}

// DefaultConfig returns the default connection lifecycle configuration
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       15 * time.Second,
		BondTimeout:          30 * time.Second,
		ReconnectDelay:       3 * time.Second,
		MaxReconnectAttempts: 3,
		BlacklistThreshold:   3,
		AutoConnectPause:     time.Second,
		AutoConnectTop:       3,
		CommandTimeout:       5 * time.Second,
		ScanTimeout:          15 * time.Second,
		HeartbeatInterval:    10 * time.Second,
		HeartbeatTimeout:     5 * time.Second,
	}
}

// withDefaults replaces unset (non-positive) values by their defaults. A zero
// heartbeat interval is kept (heartbeat disabled)
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.BondTimeout <= 0 {
		c.BondTimeout = def.BondTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.BlacklistThreshold <= 0 {
		c.BlacklistThreshold = def.BlacklistThreshold
	}
	if c.AutoConnectPause < 0 {
		c.AutoConnectPause = 0
	}
	if c.AutoConnectTop <= 0 {
		c.AutoConnectTop = def.AutoConnectTop
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = def.CommandTimeout
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = def.ScanTimeout
	}
	if c.HeartbeatInterval < 0 {
		c.HeartbeatInterval = 0
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}

	return c
}

// WithConfig sets the connection lifecycle configuration
func WithConfig(cfg Config) func(*Manager) {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

// WithLogger sets a logger
func WithLogger(logger logging.Logger) func(*Manager) {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithBus sets the event bus to publish on (otherwise the manager creates its own)
func WithBus(bus *events.Bus) func(*Manager) {
	return func(m *Manager) {
		m.bus = bus
	}
}
