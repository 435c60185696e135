package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const CONFILE = "spibridge.yml"

// Well known port used both for binding locally and for addressing the
// remote peer.
const DefaultPort = 18420

// Deployment profiles. They pick the UDP receive buffer size when
// UDPConfig.BufferSize is left at zero.
const (
	ProfileHardware = "hardware"
	ProfileNetwork  = "network"

	NetworkBufferSize = 4000
)

// SPI backend libraries.
const (
	LibrarySpidev = "spidev"
	LibraryPeriph = "periph.io"
	LibraryRpio   = "rpio"
)

type Config struct {
	Configfile string        `yaml:"-"`
	UDP        UDPConfig     `yaml:"UDP"`
	SPI        SPIConfig     `yaml:"SPI"`
	Stats      StatsConfig   `yaml:"Stats"`
	Logging    LoggingConfig `yaml:"Logging"`
}

type UDPConfig struct {
	TargetIP       string        `yaml:"TargetIP"`
	LocalPort      int           `yaml:"LocalPort"`
	RemotePort     int           `yaml:"RemotePort"`
	Broadcast      bool          `yaml:"Broadcast"`
	ReceiveTimeout time.Duration `yaml:"ReceiveTimeout"`
	Profile        string        `yaml:"Profile"`
	// BufferSize overrides the receive buffer size implied by Profile.
	BufferSize int `yaml:"BufferSize"`
}

type SPIConfig struct {
	Device       string        `yaml:"Device"`
	Library      string        `yaml:"Library"`
	Mode         int           `yaml:"Mode"`
	BitsPerWord  int           `yaml:"BitsPerWord"`
	SpeedHz      int           `yaml:"SpeedHz"`
	LSBFirst     bool          `yaml:"LSBFirst"`
	MaxTransfer  int           `yaml:"MaxTransfer"`
	ReadBuffer   int           `yaml:"ReadBuffer"`
	ReadLength   int           `yaml:"ReadLength"`
	PollInterval time.Duration `yaml:"PollInterval"`
}

type StatsConfig struct {
	Interval time.Duration `yaml:"Interval"`
	History  int           `yaml:"History"`
	Listen   string        `yaml:"Listen"`
}

type LoggingConfig struct {
	Level  string `yaml:"Level"`
	Format string `yaml:"Format"`
	File   string `yaml:"File"`
}

// Option modifies a configuration after it has been read from disk and
// before it is validated. Command line arguments are applied this way.
type Option func(*Config)

func WithTargetIP(ip string) Option {
	return func(c *Config) { c.UDP.TargetIP = ip }
}

func WithDevice(path string) Option {
	return func(c *Config) { c.SPI.Device = path }
}

func WithBroadcast(enabled bool) Option {
	return func(c *Config) {
		if enabled {
			c.UDP.Broadcast = true
		}
	}
}

// Default returns the configuration used when no config file is given.
func Default() Config {
	return Config{
		UDP: UDPConfig{
			LocalPort:      DefaultPort,
			RemotePort:     DefaultPort,
			ReceiveTimeout: 1000 * time.Millisecond,
			Profile:        ProfileHardware,
		},
		SPI: SPIConfig{
			Library:      LibrarySpidev,
			Mode:         0,
			BitsPerWord:  8,
			SpeedHz:      1000000,
			MaxTransfer:  128,
			ReadBuffer:   32,
			ReadLength:   32,
			PollInterval: 1 * time.Second,
		},
		Stats: StatsConfig{
			Interval: 10 * time.Second,
			History:  360,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}

// ReadConfig decodes cfile on top of the defaults, applies opts and
// validates the result. An empty cfile skips the file.
func ReadConfig(cfile string, opts ...Option) (Config, error) {
	conf := Default()
	if cfile != "" {
		f, err := os.Open(cfile)
		if err != nil {
			return Config{}, fmt.Errorf("can't open config file %s: %w", cfile, err)
		}
		defer f.Close()
		decoder := yaml.NewDecoder(f)
		decoder.KnownFields(true)
		if err := decoder.Decode(&conf); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("can't decode config file %s: %w", cfile, err)
		}
		conf.Configfile = cfile
	}

	for _, opt := range opts {
		opt(&conf)
	}

	if err := conf.Validate(); err != nil {
		return Config{}, err
	}
	return conf, nil
}

// Validate fills in derived values and checks all settings. It returns
// the first problem found.
func (c *Config) Validate() error {
	if err := c.SPI.validate(); err != nil {
		return fmt.Errorf("SPI: %w", err)
	}
	if err := c.UDP.validate(c.SPI.MaxTransfer); err != nil {
		return fmt.Errorf("UDP: %w", err)
	}
	if c.Stats.Interval < 0 {
		return fmt.Errorf("Stats: Interval must not be negative, got %v", c.Stats.Interval)
	}
	if c.Stats.History < 1 {
		return fmt.Errorf("Stats: History must be at least 1, got %d", c.Stats.History)
	}
	if err := c.Logging.validate(); err != nil {
		return fmt.Errorf("Logging: %w", err)
	}
	return nil
}

func (u *UDPConfig) validate(spiMaxTransfer int) error {
	if strings.TrimSpace(u.TargetIP) == "" {
		return errors.New("TargetIP is required")
	}
	if err := checkRange("LocalPort", u.LocalPort, 1, 65535); err != nil {
		return err
	}
	if err := checkRange("RemotePort", u.RemotePort, 1, 65535); err != nil {
		return err
	}
	if u.ReceiveTimeout <= 0 {
		return fmt.Errorf("ReceiveTimeout must be positive, got %v", u.ReceiveTimeout)
	}
	switch strings.ToLower(u.Profile) {
	case ProfileHardware:
		if u.BufferSize == 0 {
			u.BufferSize = spiMaxTransfer
		}
	case ProfileNetwork:
		if u.BufferSize == 0 {
			u.BufferSize = NetworkBufferSize
		}
	default:
		return fmt.Errorf("unknown Profile %q (expected %s or %s)", u.Profile, ProfileHardware, ProfileNetwork)
	}
	u.Profile = strings.ToLower(u.Profile)
	return checkRange("BufferSize", u.BufferSize, 1, 65507)
}

func (s *SPIConfig) validate() error {
	if strings.TrimSpace(s.Device) == "" {
		return errors.New("Device is required")
	}
	switch strings.ToLower(s.Library) {
	case LibrarySpidev, LibraryPeriph, LibraryRpio:
		s.Library = strings.ToLower(s.Library)
	default:
		return fmt.Errorf("unknown Library %q (expected %s, %s or %s)", s.Library, LibrarySpidev, LibraryPeriph, LibraryRpio)
	}
	if err := checkRange("Mode", s.Mode, 0, 3); err != nil {
		return err
	}
	if err := checkRange("BitsPerWord", s.BitsPerWord, 1, 32); err != nil {
		return err
	}
	if err := checkRange("SpeedHz", s.SpeedHz, 1000, 125000000); err != nil {
		return err
	}
	if err := checkRange("MaxTransfer", s.MaxTransfer, 1, 4096); err != nil {
		return err
	}
	if err := checkRange("ReadBuffer", s.ReadBuffer, 2, 4096); err != nil {
		return err
	}
	if s.ReadLength < 1 {
		return fmt.Errorf("ReadLength must be positive, got %d", s.ReadLength)
	}
	if s.PollInterval <= 0 {
		return fmt.Errorf("PollInterval must be positive, got %v", s.PollInterval)
	}
	return nil
}

func (l *LoggingConfig) validate() error {
	switch strings.ToUpper(l.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("unknown Level %q", l.Level)
	}
	switch strings.ToLower(l.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown Format %q (expected text or json)", l.Format)
	}
	return nil
}

func checkRange(name string, value, lo, hi int) error {
	if value < lo || value > hi {
		return fmt.Errorf("%s must be between %d and %d, got %d", name, lo, hi, value)
	}
	return nil
}
