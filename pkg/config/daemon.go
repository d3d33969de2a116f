package config

import (
	"fmt"
	"time"

	"dcs-spi-go/pkg/console"
	"dcs-spi-go/pkg/errors"
	"dcs-spi-go/pkg/gcode"
	"dcs-spi-go/pkg/log"
	"dcs-spi-go/pkg/macro"
	"dcs-spi-go/pkg/scheduler"
	"dcs-spi-go/pkg/spi"
)

// APIConfig is the [api] section
type APIConfig struct {
	Listen    string
	WebSocket bool
}

// LoggingConfig is the [logging] section. An empty File logs to stderr.
type LoggingConfig struct {
	Level      log.LogLevel
	Format     log.OutputFormat
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// DaemonConfig is everything the daemon reads from its configuration file
type DaemonConfig struct {
	SPI          spi.Config
	ReadyTimeout time.Duration
	Scheduler    scheduler.Config
	Macros       macro.Resolver
	API          APIConfig
	Console      console.Config

	// MetricsListen is the address of the metrics endpoint; empty disables it
	MetricsListen string

	Logging LoggingConfig
}

// DefaultDaemonConfig returns the configuration used without a file
func DefaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		SPI:          spi.DefaultConfig(),
		ReadyTimeout: 500 * time.Millisecond,
		Scheduler:    scheduler.DefaultConfig(),
		Macros:       *macro.DefaultResolver("."),
		API:          APIConfig{Listen: "127.0.0.1:8080", WebSocket: true},
		Console:      console.DefaultConfig(),
		Logging: LoggingConfig{
			Level:      log.INFO,
			Format:     log.FormatText,
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// LoadDaemon reads path into a DaemonConfig. Missing sections and options
// keep their defaults. The second result lists sections and options that
// were not recognised.
func LoadDaemon(path string) (DaemonConfig, []string, error) {
	c, err := Load(path)
	if err != nil {
		return DaemonConfig{}, nil, errors.Wrap(err, errors.ErrConfig, "cannot load configuration")
	}
	cfg, err := c.Daemon()
	if err != nil {
		return DaemonConfig{}, nil, errors.Wrap(err, errors.ErrConfig, "invalid configuration "+path)
	}
	return cfg, c.Unused(), nil
}

// reader keeps the first error of a run of getters
type reader struct {
	err error
}

func (r *reader) str(sec *Section, option, fallback string) string {
	v, err := sec.Get(option, fallback)
	r.keep(err)
	return v
}

func (r *reader) integer(sec *Section, option string, minVal, maxVal int, fallback int) int {
	v, err := sec.GetIntWithBounds(option, &minVal, &maxVal, fallback)
	r.keep(err)
	return v
}

func (r *reader) boolean(sec *Section, option string, fallback bool) bool {
	v, err := sec.GetBool(option, fallback)
	r.keep(err)
	return v
}

func (r *reader) seconds(sec *Section, option string, fallback time.Duration) time.Duration {
	above := 0.0
	v, err := sec.GetDuration(option, FloatBounds{Above: &above}, fallback)
	r.keep(err)
	return v
}

func (r *reader) choice(sec *Section, option string, choices []string, fallback string) string {
	v, err := sec.GetChoice(option, choices, fallback)
	r.keep(err)
	return v
}

func (r *reader) keep(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Daemon reads the daemon sections of c
func (c *Config) Daemon() (DaemonConfig, error) {
	cfg := DefaultDaemonConfig()
	var r reader

	sec := c.GetSectionOptional("spi")
	cfg.SPI.Device = r.str(sec, "device", cfg.SPI.Device)
	cfg.SPI.SpeedHz = uint32(r.integer(sec, "speed_hz", 1, 1<<31-1, int(cfg.SPI.SpeedHz)))
	cfg.SPI.Mode = uint8(r.integer(sec, "mode", 0, 3, int(cfg.SPI.Mode)))
	cfg.SPI.GPIOChip = r.str(sec, "gpio_chip", cfg.SPI.GPIOChip)
	cfg.SPI.ReadyPin = uint32(r.integer(sec, "transfer_ready_pin", 0, 1<<16, int(cfg.SPI.ReadyPin)))
	cfg.ReadyTimeout = r.seconds(sec, "ready_timeout", cfg.ReadyTimeout)

	sec = c.GetSectionOptional("scheduler")
	cfg.Scheduler.PollDelay = r.seconds(sec, "poll_delay", cfg.Scheduler.PollDelay)
	cfg.Scheduler.MaxCodeBuffer = r.integer(sec, "max_code_buffer", 0, 1<<16, cfg.Scheduler.MaxCodeBuffer)

	sec = c.GetSectionOptional("macros")
	cfg.Macros.Root = r.str(sec, "root", cfg.Macros.Root)
	cfg.Macros.Directory = r.str(sec, "directory", cfg.Macros.Directory)
	cfg.Macros.GCodes = r.str(sec, "gcodes", cfg.Macros.GCodes)
	cfg.Macros.ConfigFile = r.str(sec, "config_file", cfg.Macros.ConfigFile)
	cfg.Macros.ConfigBackup = r.str(sec, "config_backup", cfg.Macros.ConfigBackup)

	sec = c.GetSectionOptional("api")
	cfg.API.Listen = r.str(sec, "listen", cfg.API.Listen)
	cfg.API.WebSocket = r.boolean(sec, "websocket", cfg.API.WebSocket)

	sec = c.GetSectionOptional("console")
	cfg.Console.Device = r.str(sec, "device", cfg.Console.Device)
	cfg.Console.Baud = r.integer(sec, "baud", 1, 4000000, cfg.Console.Baud)
	name := r.str(sec, "channel", cfg.Console.Channel.String())
	if ch, ok := gcode.ParseChannel(name); ok {
		cfg.Console.Channel = ch
	} else {
		r.keep(ErrInvalidValue("console", "channel", name, "a channel name"))
	}

	sec = c.GetSectionOptional("metrics")
	cfg.MetricsListen = r.str(sec, "listen", cfg.MetricsListen)

	sec = c.GetSectionOptional("logging")
	cfg.Logging.Level = log.ParseLevel(r.choice(sec, "level", []string{"debug", "info", "warn", "error"}, "info"))
	cfg.Logging.Format = log.ParseFormat(r.choice(sec, "format", []string{"text", "json"}, "text"))
	cfg.Logging.File = r.str(sec, "file", cfg.Logging.File)
	cfg.Logging.MaxSizeMB = r.integer(sec, "max_size_mb", 1, 1<<20, cfg.Logging.MaxSizeMB)
	cfg.Logging.MaxBackups = r.integer(sec, "max_backups", 0, 1000, cfg.Logging.MaxBackups)

	if r.err != nil {
		return DaemonConfig{}, r.err
	}
	return cfg, nil
}

// String renders the settings that matter when reading a log
func (c DaemonConfig) String() string {
	return fmt.Sprintf("spi=%s@%dHz ready=%s:%d poll=%v macros=%s api=%s console=%s",
		c.SPI.Device, c.SPI.SpeedHz, c.SPI.GPIOChip, c.SPI.ReadyPin,
		c.Scheduler.PollDelay, c.Macros.Root, c.API.Listen, consoleName(c.Console))
}

func consoleName(c console.Config) string {
	if c.Device == "" {
		return "stdin/" + c.Channel.String()
	}
	return c.Device + "/" + c.Channel.String()
}
