package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/beedrive/pkg/channel"
	"github.com/cuemby/beedrive/pkg/pipeline"
)

const (
	DefaultAddress          = "0.0.0.0:8888"
	DefaultMaxWorkers       = 4
	DefaultRetryInterval    = time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultIOTimeout        = 30 * time.Second
	DefaultStatusInterval   = 15 * time.Second
	DefaultReplayWindow     = 2 * time.Minute
	DefaultMetricsAddr      = "127.0.0.1:9090"
)

var (
	ErrNoUsers      = errors.New("no users configured")
	ErrInvalidLimit = errors.New("limit must be positive")
)

// Config holds the server configuration
type Config struct {
	Address string `yaml:"address"`
	WorkDir string `yaml:"workDir"`
	DataDir string `yaml:"dataDir"`
	Crypto  bool   `yaml:"crypto"`
	Sign    bool   `yaml:"sign"`

	MaxManagers    int `yaml:"maxManagers"`
	MaxWorkers     int `yaml:"maxWorkers"`
	DiskBufferSize int `yaml:"diskBufferSize"`
	ReadBufferSize int `yaml:"readBufferSize"`

	RetryInterval    time.Duration `yaml:"retryInterval"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	IOTimeout        time.Duration `yaml:"ioTimeout"`
	StatusInterval   time.Duration `yaml:"statusInterval"`
	ReplayWindow     time.Duration `yaml:"replayWindow"`

	Delimiter   string `yaml:"delimiter"`
	MetricsAddr string `yaml:"metricsAddr"`
	LogLevel    string `yaml:"logLevel"`
	LogJSON     bool   `yaml:"logJSON"`

	// Users maps a user name to its shared secret
	Users map[string]string `yaml:"users"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	return &Config{
		Address:          DefaultAddress,
		WorkDir:          ".",
		DataDir:          ".",
		Crypto:           true,
		Sign:             true,
		MaxManagers:      runtime.NumCPU(),
		MaxWorkers:       DefaultMaxWorkers,
		DiskBufferSize:   channel.DefaultThreshold,
		ReadBufferSize:   channel.DefaultReadBufferSize,
		RetryInterval:    DefaultRetryInterval,
		HandshakeTimeout: DefaultHandshakeTimeout,
		IOTimeout:        DefaultIOTimeout,
		StatusInterval:   DefaultStatusInterval,
		ReplayWindow:     DefaultReplayWindow,
		Delimiter:        channel.DefaultDelimiter,
		MetricsAddr:      DefaultMetricsAddr,
		LogLevel:         "info",
		Users:            map[string]string{},
	}
}

// Load reads path over the defaults and validates the result
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read decodes path over the defaults without validating, for callers that
// apply overrides first
func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Decode(data)
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode decodes YAML over the defaults
func Decode(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Users == nil {
		cfg.Users = map[string]string{}
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with
func (c *Config) Validate() error {
	limits := []struct {
		name  string
		value int64
	}{
		{"maxManagers", int64(c.MaxManagers)},
		{"maxWorkers", int64(c.MaxWorkers)},
		{"diskBufferSize", int64(c.DiskBufferSize)},
		{"readBufferSize", int64(c.ReadBufferSize)},
		{"retryInterval", int64(c.RetryInterval)},
		{"handshakeTimeout", int64(c.HandshakeTimeout)},
		{"statusInterval", int64(c.StatusInterval)},
		{"replayWindow", int64(c.ReplayWindow)},
	}
	for _, l := range limits {
		if l.value <= 0 {
			return fmt.Errorf("%w: %s", ErrInvalidLimit, l.name)
		}
	}
	if c.IOTimeout < 0 {
		return fmt.Errorf("%w: ioTimeout", ErrInvalidLimit)
	}

	if c.Address == "" {
		return fmt.Errorf("address is required")
	}
	if err := pipeline.ValidateDelimiter([]byte(c.Delimiter)); err != nil {
		return fmt.Errorf("invalid delimiter %q: %w", c.Delimiter, err)
	}

	if len(c.Users) == 0 {
		return ErrNoUsers
	}
	for name, secret := range c.Users {
		if name == "" {
			return fmt.Errorf("user with empty name")
		}
		if (c.Crypto || c.Sign) && secret == "" {
			return fmt.Errorf("user %s has no secret", name)
		}
	}
	return nil
}

// Channel returns the framing configuration
func (c *Config) Channel() channel.Config {
	return channel.Config{
		Delimiter:      []byte(c.Delimiter),
		ReadBufferSize: c.ReadBufferSize,
		Threshold:      c.DiskBufferSize,
	}
}
