package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/1ureka/walkie/internal/audio"
)

// Config is the complete station configuration.
type Config struct {
	Station    string          `yaml:"station"`
	DeviceID   string          `yaml:"device_id"`
	Channels   []string        `yaml:"channels"`
	ListenAddr string          `yaml:"listen_addr"`
	Audio      AudioConfig     `yaml:"audio"`
	Session    SessionConfig   `yaml:"session"`
	Discovery  DiscoveryConfig `yaml:"discovery"`
	Monitor    MonitorConfig   `yaml:"monitor"`
	Log        LogConfig       `yaml:"log"`
}

// AudioConfig selects the capture and playback devices.
type AudioConfig struct {
	SampleRate int    `yaml:"sample_rate"`
	Input      string `yaml:"input"`      // "silence", "tone" or a WAV path
	Output     string `yaml:"output"`     // "null" or a WAV path
	RogerBeep  string `yaml:"roger_beep"` // optional WAV path
}

// SessionConfig holds per-connection timers.
type SessionConfig struct {
	PingInterval     Duration `yaml:"ping_interval"`
	HandshakeTimeout Duration `yaml:"handshake_timeout"`
}

// DiscoveryConfig configures how channels find each other.
type DiscoveryConfig struct {
	Mode             string   `yaml:"mode"` // "lan" or "local"
	Group            string   `yaml:"group"`
	AnnounceInterval Duration `yaml:"announce_interval"`
	Expiry           Duration `yaml:"expiry"`
	ResolveTimeout   Duration `yaml:"resolve_timeout"`
	MDNSLogLevel     string   `yaml:"mdns_log_level"`
}

// MonitorConfig configures the HTTP monitor.
type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type LogConfig struct {
	Debug bool `yaml:"debug"`
}

// Discovery modes.
const (
	ModeLAN   = "lan"
	ModeLocal = "local" // in-process, for demos with several stations in one process
)

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

// Default returns a configuration that runs one channel on the LAN with
// headless audio devices.
func Default() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "walkie"
	}
	return &Config{
		Station:    host,
		DeviceID:   uuid.NewString(),
		Channels:   []string{"Channel_00"},
		ListenAddr: ":0",
		Audio: AudioConfig{
			SampleRate: 11025,
			Input:      "silence",
			Output:     "null",
		},
		Session: SessionConfig{
			PingInterval:     Duration(5 * time.Second),
			HandshakeTimeout: Duration(5 * time.Second),
		},
		Discovery: DiscoveryConfig{
			Mode:             ModeLAN,
			Group:            "239.255.70.87:7087",
			AnnounceInterval: Duration(2 * time.Second),
			Expiry:           Duration(7 * time.Second),
			ResolveTimeout:   Duration(3 * time.Second),
		},
		Monitor: MonitorConfig{
			Addr: "127.0.0.1:7080",
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Format returns the local audio format.
func (c *Config) Format() audio.Format {
	return audio.Format{SampleRate: c.Audio.SampleRate}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Station) == "" {
		return errors.New("station cannot be empty")
	}
	if c.DeviceID == "" || strings.Contains(c.DeviceID, ":") {
		return fmt.Errorf("device_id must be non-empty and contain no ':', got %q", c.DeviceID)
	}
	if len(c.Channels) == 0 {
		return errors.New("at least one channel is required")
	}
	seen := make(map[string]bool, len(c.Channels))
	for _, name := range c.Channels {
		if name == "" {
			return errors.New("channel names cannot be empty")
		}
		if seen[name] {
			return fmt.Errorf("duplicate channel %q", name)
		}
		seen[name] = true
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if err := c.Discovery.Validate(); err != nil {
		return fmt.Errorf("discovery config: %w", err)
	}
	if err := c.Monitor.Validate(); err != nil {
		return fmt.Errorf("monitor config: %w", err)
	}
	return nil
}

func (a *AudioConfig) Validate() error {
	if err := (audio.Format{SampleRate: a.SampleRate}).Validate(); err != nil {
		return fmt.Errorf("sample_rate: %w", err)
	}
	if a.Input == "" {
		return errors.New("input cannot be empty")
	}
	if a.Output == "" {
		return errors.New("output cannot be empty")
	}
	return nil
}

func (s *SessionConfig) Validate() error {
	if s.PingInterval <= 0 {
		return fmt.Errorf("ping_interval must be positive, got %s", s.PingInterval.Std())
	}
	if s.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake_timeout must be positive, got %s", s.HandshakeTimeout.Std())
	}
	return nil
}

func (d *DiscoveryConfig) Validate() error {
	switch d.Mode {
	case ModeLAN:
		if _, _, err := net.SplitHostPort(d.Group); err != nil {
			return fmt.Errorf("group: %w", err)
		}
		if d.AnnounceInterval <= 0 || d.ResolveTimeout <= 0 {
			return errors.New("announce_interval and resolve_timeout must be positive")
		}
		if d.Expiry <= d.AnnounceInterval {
			return fmt.Errorf("expiry (%s) must exceed announce_interval (%s)", d.Expiry.Std(), d.AnnounceInterval.Std())
		}
	case ModeLocal:
	default:
		return fmt.Errorf("unknown mode %q", d.Mode)
	}
	return nil
}

func (m *MonitorConfig) Validate() error {
	if !m.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.Addr); err != nil {
		return fmt.Errorf("addr: %w", err)
	}
	return nil
}
