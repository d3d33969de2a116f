//go:build linux

package spi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"dcs-spi-go/pkg/log"
)

// ReadyPin watches the transfer-ready line for rising edges. It acts as an
// auto-reset event: every edge lets exactly one WaitReady return, and an
// edge that happens while nobody waits is remembered.
type ReadyPin struct {
	chipFd  int
	eventFd int
	config  Config
	logger  *log.Logger

	ready  chan struct{}
	done   chan struct{}
	failed chan struct{}
	err    error

	closeOnce sync.Once
	failOnce  sync.Once
	wg        sync.WaitGroup
}

// OpenReadyPin requests rising-edge events for cfg.ReadyPin on cfg.GPIOChip
func OpenReadyPin(cfg Config) (*ReadyPin, error) {
	cfg.applyDefaults()

	chipFd, err := unix.Open(cfg.GPIOChip, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("spi: open %s: %w", cfg.GPIOChip, err)
	}

	req := gpioEventRequest{
		lineOffset:  cfg.ReadyPin,
		handleFlags: gpioHandleRequestInput,
		eventFlags:  gpioEventRequestRising,
	}
	copy(req.consumerLabel[:len(req.consumerLabel)-1], gpioConsumerLabel)
	if err := ioctl(chipFd, gpioGetLineEvent, unsafe.Pointer(&req)); err != nil {
		unix.Close(chipFd)
		return nil, fmt.Errorf("spi: request events for line %d: %w", cfg.ReadyPin, err)
	}

	p := &ReadyPin{
		chipFd:  chipFd,
		eventFd: int(req.fd),
		config:  cfg,
		logger:  log.GetLogger("spi"),
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		failed:  make(chan struct{}),
	}

	// the firmware may already be waiting for us
	if high, err := p.value(); err != nil {
		p.logger.WithError(err).Warn("Cannot read the transfer ready line")
	} else if high {
		p.signal()
	}

	p.wg.Add(1)
	go p.watch()
	return p, nil
}

// WaitReady blocks until the next rising edge or until ctx is done. Once
// the line can no longer be watched every call returns that error.
func (p *ReadyPin) WaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	case <-p.failed:
		return p.err
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fail stops the pin from reporting edges; the first error is kept
func (p *ReadyPin) fail(err error) {
	p.failOnce.Do(func() {
		p.err = err
		close(p.failed)
	})
}

// Close stops watching the line
func (p *ReadyPin) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		err = errors.Join(unix.Close(p.eventFd), unix.Close(p.chipFd))
	})
	return err
}

func (p *ReadyPin) signal() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

func (p *ReadyPin) value() (bool, error) {
	var data gpioHandleData
	if err := ioctl(p.eventFd, gpioHandleGetValues, unsafe.Pointer(&data)); err != nil {
		return false, err
	}
	return data.values[0] == 1, nil
}

// watch turns line events into signals. Polling is bounded so Close is
// noticed.
func (p *ReadyPin) watch() {
	defer p.wg.Done()

	buf := make([]byte, 16*gpioEventDataSize)
	pfd := []unix.PollFd{{Fd: int32(p.eventFd), Events: unix.POLLIN}}
	timeoutMs := int(p.config.PollInterval.Milliseconds())
	for {
		select {
		case <-p.done:
			return
		default:
		}

		n, err := unix.Poll(pfd, timeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			p.logger.WithError(err).Error("Cannot poll the transfer ready line")
			p.fail(fmt.Errorf("spi: poll ready line: %w", err))
			return
		}
		if n == 0 || pfd[0].Revents&unix.POLLIN == 0 {
			continue
		}

		n, err = unix.Read(p.eventFd, buf)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			p.logger.WithError(err).Error("Cannot read transfer ready events")
			p.fail(fmt.Errorf("spi: read ready events: %w", err))
			return
		}
		if n >= gpioEventDataSize {
			p.signal()
		}
	}
}
