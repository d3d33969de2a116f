//go:build !linux

package spi

import "context"

// Device is only available on linux
type Device struct{}

// OpenDevice always fails on this platform
func OpenDevice(cfg Config) (*Device, error) {
	return nil, ErrUnsupported
}

func (d *Device) TransferFullDuplex(tx, rx []byte) error { return ErrUnsupported }
func (d *Device) Close() error                           { return nil }

// ReadyPin is only available on linux
type ReadyPin struct{}

// OpenReadyPin always fails on this platform
func OpenReadyPin(cfg Config) (*ReadyPin, error) {
	return nil, ErrUnsupported
}

func (p *ReadyPin) WaitReady(ctx context.Context) error { return ErrUnsupported }
func (p *ReadyPin) Close() error                        { return nil }
