package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Registry RegistryConfig `toml:"registry"`
	Peer     PeerConfig     `toml:"peer"`
	Log      LogConfig      `toml:"log"`
}

type RegistryConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	// SweepInterval is how often inactive hosts are looked for.
	SweepInterval Duration `toml:"sweep_interval"`
	// InactiveTimeout is how long a host may stay silent before eviction.
	InactiveTimeout Duration `toml:"inactive_timeout"`
	Advertise       bool     `toml:"advertise"`
}

type PeerConfig struct {
	RegistryAddr string `toml:"registry_addr"`
	PortMin      int    `toml:"port_min"`
	PortMax      int    `toml:"port_max"`
	RepoBase     string `toml:"repo_base"`
	StateDB      string `toml:"state_db"`

	IdleInterval   Duration `toml:"idle_interval"`
	ActiveInterval Duration `toml:"active_interval"`
	BusyInterval   Duration `toml:"busy_interval"`
	IdleThreshold  Duration `toml:"idle_threshold"`

	DialTimeout Duration `toml:"dial_timeout"`
}

type LogConfig struct {
	Dir   string `toml:"dir"`
	Level string `toml:"level"`
}

// Duration lets TOML files say "30s" or "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Default() *Config {
	return &Config{
		Registry: RegistryConfig{
			Host:            "0.0.0.0",
			Port:            9000,
			SweepInterval:   Duration{30 * time.Second},
			InactiveTimeout: Duration{1200 * time.Second},
		},
		Peer: PeerConfig{
			RegistryAddr:   "127.0.0.1:9000",
			PortMin:        6000,
			PortMax:        7000,
			RepoBase:       "./repos",
			IdleInterval:   Duration{300 * time.Second},
			ActiveInterval: Duration{60 * time.Second},
			BusyInterval:   Duration{30 * time.Second},
			IdleThreshold:  Duration{300 * time.Second},
			DialTimeout:    Duration{10 * time.Second},
		},
	}
}

// Load builds a config from defaults, then the optional TOML file at path,
// then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Registry.Host = getEnv("SERVER_HOST", c.Registry.Host)
	c.Peer.RepoBase = getEnv("CLIENT_REPO_BASE", c.Peer.RepoBase)
	c.Peer.RegistryAddr = getEnv("P2P_REGISTRY_ADDR", c.Peer.RegistryAddr)
	c.Log.Dir = getEnv("P2P_LOG_DIR", c.Log.Dir)

	ints := []struct {
		key string
		dst *int
	}{
		{"SERVER_PORT", &c.Registry.Port},
		{"CLIENT_PORT_MIN", &c.Peer.PortMin},
		{"CLIENT_PORT_MAX", &c.Peer.PortMax},
	}
	for _, e := range ints {
		if err := envInt(e.key, e.dst); err != nil {
			return err
		}
	}

	secs := []struct {
		key string
		dst *Duration
	}{
		{"CLIENT_HEARTBEAT_INTERVAL", &c.Peer.ActiveInterval},
		{"CLIENT_CLEANUP_INTERVAL", &c.Registry.SweepInterval},
		{"CLIENT_INACTIVE_TIMEOUT", &c.Registry.InactiveTimeout},
	}
	for _, e := range secs {
		var n int
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		if err := envInt(e.key, &n); err != nil {
			return err
		}
		e.dst.Duration = time.Duration(n) * time.Second
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Registry.Port <= 0 || c.Registry.Port > 65535 {
		return fmt.Errorf("invalid registry port %d", c.Registry.Port)
	}
	if c.Peer.PortMin <= 0 || c.Peer.PortMax > 65535 || c.Peer.PortMin > c.Peer.PortMax {
		return fmt.Errorf("invalid peer port range %d-%d", c.Peer.PortMin, c.Peer.PortMax)
	}
	checks := map[string]time.Duration{
		"sweep_interval":   c.Registry.SweepInterval.Duration,
		"inactive_timeout": c.Registry.InactiveTimeout.Duration,
		"idle_interval":    c.Peer.IdleInterval.Duration,
		"active_interval":  c.Peer.ActiveInterval.Duration,
		"busy_interval":    c.Peer.BusyInterval.Duration,
		"idle_threshold":   c.Peer.IdleThreshold.Duration,
	}
	for name, d := range checks {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

// RegistryAddr is the listen address for the registry.
func (c *Config) RegistryAddr() string {
	return fmt.Sprintf("%s:%d", c.Registry.Host, c.Registry.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
	*dst = n
	return nil
}
