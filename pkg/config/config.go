package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fako1024/btobd/pkg/manager"
	"github.com/fako1024/btobd/pkg/memory"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// EnvPrefix denotes the prefix of all environment variable overrides
const EnvPrefix = "BTOBD_"

// Bridge types
const (
	BridgeMock   = "mock"
	BridgeBLE    = "ble"
	BridgeBlueZ  = "bluez"
	BridgeSerial = "serial"
)

// Config denotes the configuration of the OBD2 link daemon
type Config struct {
	Bridge      BridgeConfig   `yaml:"bridge" json:"bridge"`
	Manager     manager.Config `yaml:"manager" json:"manager"`
	Store       StoreConfig    `yaml:"store" json:"store"`
	API         ListenConfig   `yaml:"api" json:"api"`
	Stream      ListenConfig   `yaml:"stream" json:"stream"`
	Log         LogConfig      `yaml:"log" json:"log"`
	AutoConnect bool           `yaml:"autoConnect" json:"autoConnect"`

	path string
}

// BridgeConfig denotes the selection and settings of the Bluetooth bridge
type BridgeConfig struct {
	Type     string   `yaml:"type" json:"type"`
	Adapter  string   `yaml:"adapter" json:"adapter"`
	PIN      string   `yaml:"pin" json:"pin"`
	Ports    []string `yaml:"ports" json:"ports"`
	BaudRate int      `yaml:"baudRate" json:"baudRate"`
}

// StoreConfig denotes the location of the device memory
type StoreConfig struct {
	Dir       string `yaml:"dir" json:"dir"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// ListenConfig denotes the listen address of a server (empty to disable)
type ListenConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

// LogConfig denotes the logging settings
type LogConfig struct {
	Debug bool `yaml:"debug" json:"debug"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			Type:     BridgeBlueZ,
			Adapter:  "hci0",
			PIN:      "1234",
			BaudRate: 38400,
		},
		Manager: manager.DefaultConfig(),
		Store: StoreConfig{
			Namespace: memory.DefaultNamespace,
		},
		API: ListenConfig{
			Listen: "127.0.0.1:8327",
		},
		Stream: ListenConfig{
			Listen: "127.0.0.1:8328",
		},
		AutoConnect: true,
	}
}

// Load reads the configuration from a YAML file, then applies environment variable
// overrides. A missing file yields the defaults
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = path

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(os.Getenv); err != nil {
		return nil, err
	}

	return cfg, cfg.Validate()
}

// Path returns the file the configuration was loaded from
func (c *Config) Path() string {
	return c.path
}

// Validate checks the configuration for consistency
func (c *Config) Validate() (err error) {
	switch c.Bridge.Type {
	case BridgeMock, BridgeBLE, BridgeBlueZ, BridgeSerial:
	default:
		err = multierr.Append(err, fmt.Errorf("invalid bridge type `%s`", c.Bridge.Type))
	}
	if c.Bridge.BaudRate < 0 {
		err = multierr.Append(err, fmt.Errorf("invalid baud rate %d", c.Bridge.BaudRate))
	}
	if c.Manager.ConnectTimeout < 0 || c.Manager.ScanTimeout < 0 || c.Manager.CommandTimeout < 0 {
		err = multierr.Append(err, errors.New("timeouts must not be negative"))
	}
	if c.Manager.MaxReconnectAttempts < 0 || c.Manager.BlacklistThreshold < 0 {
		err = multierr.Append(err, errors.New("attempt limits must not be negative"))
	}

	return
}

// Save writes the configuration to its YAML file
func (c *Config) Save() error {
	if c.path == "" {
		return errors.New("no config path set")
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0600)
}

////////////////////////////////////////////////////////////////////////////////

// applyEnvOverrides reads BTOBD_* environment variables and overrides config values
func (c *Config) applyEnvOverrides(getenv func(string) string) (err error) {
	env := func(key string) string {
		return strings.TrimSpace(getenv(EnvPrefix + key))
	}
	setDuration := func(key string, target *time.Duration) {
		if v := env(key); v != "" {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = multierr.Append(err, fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, perr))
				return
			}
			*target = d
		}
	}
	setInt := func(key string, target *int) {
		if v := env(key); v != "" {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = multierr.Append(err, fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, perr))
				return
			}
			*target = n
		}
	}
	setBool := func(key string, target *bool) {
		if v := env(key); v != "" {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				err = multierr.Append(err, fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, perr))
				return
			}
			*target = b
		}
	}
	setString := func(key string, target *string) {
		if v := env(key); v != "" {
			*target = v
		}
	}

	setString("BRIDGE", &c.Bridge.Type)
	setString("ADAPTER", &c.Bridge.Adapter)
	setString("PIN", &c.Bridge.PIN)
	setInt("BAUD_RATE", &c.Bridge.BaudRate)
	if v := env("SERIAL_PORTS"); v != "" {
		c.Bridge.Ports = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Bridge.Ports = append(c.Bridge.Ports, p)
			}
		}
	}

	setDuration("CONNECT_TIMEOUT", &c.Manager.ConnectTimeout)
	setDuration("RECONNECT_DELAY", &c.Manager.ReconnectDelay)
	setDuration("SCAN_TIMEOUT", &c.Manager.ScanTimeout)
	setDuration("COMMAND_TIMEOUT", &c.Manager.CommandTimeout)
	setDuration("HEARTBEAT_INTERVAL", &c.Manager.HeartbeatInterval)
	setInt("MAX_RECONNECT_ATTEMPTS", &c.Manager.MaxReconnectAttempts)
	setInt("BLACKLIST_THRESHOLD", &c.Manager.BlacklistThreshold)

	setString("STORE_DIR", &c.Store.Dir)
	setString("API_LISTEN", &c.API.Listen)
	setString("STREAM_LISTEN", &c.Stream.Listen)
	setBool("DEBUG", &c.Log.Debug)
	setBool("AUTOCONNECT", &c.AutoConnect)

	return
}
