// Package config loads daemon settings from YAML and HYPERG_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir            string         `yaml:"data_dir"`
	LogLevel           string         `yaml:"log_level"`
	ShareAfterDownload bool           `yaml:"share_after_download"`
	Swarm              SwarmConfig    `yaml:"swarm"`
	RPC                RPCConfig      `yaml:"rpc"`
	Sweep              SweepConfig    `yaml:"sweep"`
	Download           DownloadConfig `yaml:"download"`
	Memory             MemoryConfig   `yaml:"memory"`
}

type SwarmConfig struct {
	Listen           string        `yaml:"listen"`
	AdvertiseHost    string        `yaml:"advertise_host"`
	Bootstrap        []string      `yaml:"bootstrap"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	LookupInterval   time.Duration `yaml:"lookup_interval"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	TeardownGrace    time.Duration `yaml:"teardown_grace"`
}

type RPCConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns the control plane listen address.
func (c RPCConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type SweepConfig struct {
	Interval time.Duration `yaml:"interval"`
	Lifetime time.Duration `yaml:"lifetime"`
}

type DownloadConfig struct {
	// MaxSize of zero means unlimited.
	MaxSize datasize.ByteSize `yaml:"max_size"`
	// Timeout of zero means none.
	Timeout time.Duration `yaml:"timeout"`
}

type MemoryConfig struct {
	// Interval of zero disables the memory job.
	Interval time.Duration `yaml:"interval"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:  "./hyperg.db",
		LogLevel: "info",
		Swarm: SwarmConfig{
			Listen:           ":3282",
			AnnounceInterval: 30 * time.Second,
			LookupInterval:   5 * time.Second,
			DialTimeout:      5 * time.Second,
			TeardownGrace:    250 * time.Millisecond,
		},
		RPC: RPCConfig{
			Host: "127.0.0.1",
			Port: 3292,
		},
		Sweep: SweepConfig{
			Interval: time.Hour,
			Lifetime: 24 * time.Hour,
		},
		Memory: MemoryConfig{
			Interval: 30 * time.Minute,
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from HYPERG_* environment variables.
func (c *Config) ApplyEnv() error {
	c.DataDir = getEnv("HYPERG_DATA_DIR", c.DataDir)
	c.LogLevel = getEnv("HYPERG_LOG_LEVEL", c.LogLevel)
	c.Swarm.Listen = getEnv("HYPERG_LISTEN", c.Swarm.Listen)
	c.Swarm.AdvertiseHost = getEnv("HYPERG_ADVERTISE_HOST", c.Swarm.AdvertiseHost)
	c.RPC.Host = getEnv("HYPERG_RPC_HOST", c.RPC.Host)

	if peers := os.Getenv("HYPERG_BOOTSTRAP"); peers != "" {
		// Comma separated: 10.0.0.1:3282,10.0.0.2:3282
		c.Swarm.Bootstrap = nil
		for _, peer := range strings.Split(peers, ",") {
			if peer = strings.TrimSpace(peer); peer != "" {
				c.Swarm.Bootstrap = append(c.Swarm.Bootstrap, peer)
			}
		}
	}

	var errs []error
	if v := os.Getenv("HYPERG_RPC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err != nil {
			errs = append(errs, envError("HYPERG_RPC_PORT", err))
		} else {
			c.RPC.Port = port
		}
	}
	if v := os.Getenv("HYPERG_SHARE_AFTER_DOWNLOAD"); v != "" {
		if share, err := strconv.ParseBool(v); err != nil {
			errs = append(errs, envError("HYPERG_SHARE_AFTER_DOWNLOAD", err))
		} else {
			c.ShareAfterDownload = share
		}
	}
	if v := os.Getenv("HYPERG_DOWNLOAD_MAX_SIZE"); v != "" {
		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(v)); err != nil {
			errs = append(errs, envError("HYPERG_DOWNLOAD_MAX_SIZE", err))
		} else {
			c.Download.MaxSize = size
		}
	}
	errs = append(errs,
		durationEnv("HYPERG_DOWNLOAD_TIMEOUT", &c.Download.Timeout),
		durationEnv("HYPERG_SWEEP_INTERVAL", &c.Sweep.Interval),
		durationEnv("HYPERG_SWEEP_LIFETIME", &c.Sweep.Lifetime),
		durationEnv("HYPERG_MEMORY_INTERVAL", &c.Memory.Interval),
	)
	return errors.Join(errs...)
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}
	if _, _, err := net.SplitHostPort(c.Swarm.Listen); err != nil {
		errs = append(errs, fmt.Errorf("invalid swarm.listen %q: %w", c.Swarm.Listen, err))
	}
	for _, addr := range c.Swarm.Bootstrap {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Errorf("invalid bootstrap address %q: %w", addr, err))
		}
	}
	if c.RPC.Port < 1 || c.RPC.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid rpc.port %d", c.RPC.Port))
	}

	durations := map[string]time.Duration{
		"swarm.announce_interval": c.Swarm.AnnounceInterval,
		"swarm.lookup_interval":   c.Swarm.LookupInterval,
		"swarm.dial_timeout":      c.Swarm.DialTimeout,
		"swarm.teardown_grace":    c.Swarm.TeardownGrace,
		"sweep.interval":          c.Sweep.Interval,
		"sweep.lifetime":          c.Sweep.Lifetime,
		"download.timeout":        c.Download.Timeout,
		"memory.interval":         c.Memory.Interval,
	}
	for name, d := range durations {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.Sweep.Interval == 0 {
		errs = append(errs, errors.New("sweep.interval must be positive"))
	}
	if c.Sweep.Lifetime == 0 {
		errs = append(errs, errors.New("sweep.lifetime must be positive"))
	}

	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func durationEnv(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return envError(key, err)
	}
	*dst = d
	return nil
}

func envError(key string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("invalid %s: %w", key, err)
}
