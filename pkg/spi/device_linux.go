//go:build linux

package spi

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"dcs-spi-go/pkg/log"
)

// Device is an open spidev node. The kernel's spidev.bufsiz must be at
// least as large as one transfer.
type Device struct {
	mu     sync.Mutex
	fd     int
	config Config
	closed bool
	logger *log.Logger
}

// OpenDevice opens and configures the spidev node of cfg
func OpenDevice(cfg Config) (*Device, error) {
	cfg.applyDefaults()

	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("spi: open %s: %w", cfg.Device, err)
	}

	mode, bits, speed := cfg.Mode, cfg.BitsPerWord, cfg.SpeedHz
	for _, set := range []struct {
		name string
		req  uintptr
		arg  unsafe.Pointer
	}{
		{"mode", spiIocWrMode, unsafe.Pointer(&mode)},
		{"bits per word", spiIocWrBitsPerWord, unsafe.Pointer(&bits)},
		{"max speed", spiIocWrMaxSpeedHz, unsafe.Pointer(&speed)},
	} {
		if err := ioctl(fd, set.req, set.arg); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("spi: set %s: %w", set.name, err)
		}
	}

	d := &Device{fd: fd, config: cfg, logger: log.GetLogger("spi")}
	d.logger.Info("Opened %s (mode %d, %d bits, %d Hz)", cfg.Device, mode, bits, speed)
	return d, nil
}

// TransferFullDuplex clocks tx out while reading the same number of bytes
// into rx
func (d *Device) TransferFullDuplex(tx, rx []byte) error {
	if len(tx) != len(rx) {
		return fmt.Errorf("spi: tx has %d bytes, rx %d", len(tx), len(rx))
	}
	if len(tx) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	xfer := spiIocTransfer{
		txBuf:       uint64(uintptr(unsafe.Pointer(&tx[0]))),
		rxBuf:       uint64(uintptr(unsafe.Pointer(&rx[0]))),
		length:      uint32(len(tx)),
		speedHz:     d.config.SpeedHz,
		bitsPerWord: d.config.BitsPerWord,
	}
	err := ioctl(d.fd, spiIocMessage1, unsafe.Pointer(&xfer))
	runtime.KeepAlive(tx)
	runtime.KeepAlive(rx)
	if err != nil {
		return fmt.Errorf("spi: transfer %d bytes: %w", len(tx), err)
	}
	return nil
}

// Close releases the device
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return unix.Close(d.fd)
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
