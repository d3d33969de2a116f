package console

import (
	"fmt"
	"os"

	"github.com/tarm/serial"

	"dcs-spi-go/pkg/gcode"
)

// Config selects where the console reads from
type Config struct {
	// Device is a serial tty (USB gadget or UART); empty means stdin
	Device string

	// Baud of the serial device (default: 115200)
	Baud int

	// Channel the console submits codes on (default: Telnet)
	Channel gcode.Channel
}

// DefaultConfig returns the stdin console on the Telnet channel
func DefaultConfig() Config {
	return Config{Baud: 115200, Channel: gcode.Telnet}
}

// Open creates a console on the configured device. The stdin console
// prompts only when stdin is a terminal.
func Open(m Machine, cfg Config) (*Console, error) {
	if cfg.Baud <= 0 {
		cfg.Baud = DefaultConfig().Baud
	}
	if cfg.Device == "" {
		prompt := ""
		if isTerminal(os.Stdin.Fd()) {
			prompt = cfg.Channel.String() + "> "
		}
		return New(m, cfg.Channel, os.Stdin, os.Stdout, prompt), nil
	}

	port, err := serial.OpenPort(&serial.Config{
		Name: cfg.Device,
		Baud: cfg.Baud,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open console %s: %w", cfg.Device, err)
	}
	c := New(m, cfg.Channel, port, port, "")
	c.closer = port
	c.logger.Info("Console on %s at %d baud", cfg.Device, cfg.Baud)
	return c, nil
}
