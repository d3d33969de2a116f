// Package spi connects the link to a real board: a spidev device for the
// full-duplex exchanges and a GPIO line on which the firmware signals that
// it is ready for the next transfer.
package spi

import (
	"errors"
	"time"
)

// Common errors
var (
	ErrClosed      = errors.New("spi: closed")
	ErrUnsupported = errors.New("spi: only supported on linux")
)

// Config holds the SPI and ready-pin settings.
type Config struct {
	// Device path of the spidev node (default: /dev/spidev0.0)
	Device string

	// SpeedHz is the clock rate (default: 8 MHz)
	SpeedHz uint32

	// Mode is the SPI mode, 0..3 (default: 0)
	Mode uint8

	// BitsPerWord (default: 8)
	BitsPerWord uint8

	// GPIOChip is the chardev holding the ready line (default: /dev/gpiochip0)
	GPIOChip string

	// ReadyPin is the line offset of the transfer-ready signal (default: 25)
	ReadyPin uint32

	// PollInterval bounds each wait on the ready line so Close is noticed
	PollInterval time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		Device:       "/dev/spidev0.0",
		SpeedHz:      8000000,
		BitsPerWord:  8,
		GPIOChip:     "/dev/gpiochip0",
		ReadyPin:     25,
		PollInterval: 100 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Device == "" {
		c.Device = d.Device
	}
	if c.SpeedHz == 0 {
		c.SpeedHz = d.SpeedHz
	}
	if c.BitsPerWord == 0 {
		c.BitsPerWord = d.BitsPerWord
	}
	if c.GPIOChip == "" {
		c.GPIOChip = d.GPIOChip
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
}
