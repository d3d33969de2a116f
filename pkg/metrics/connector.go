// Metrics for the SPI connector
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"sync"
	"time"
)

// ConnectorMetrics holds the counters exported by the transfer link and the
// channel scheduler. All methods accept a nil receiver so components can run
// without metrics.
type ConnectorMetrics struct {
	// Link
	Transfers        *Counter
	ChecksumRetries  *Counter // phase=header|data
	Resets           *Counter
	Connected        *Gauge
	TransferRate     *Gauge
	TransferDuration *Histogram

	// Scheduler
	CodesDispatched  *Counter // channel
	CodesCancelled   *Counter // channel
	MacrosOpened     *Counter // channel
	FirmwareMessages *Counter // severity

	registry *Registry

	mu          sync.Mutex
	windowStart time.Time
	windowCount int
}

// NewConnectorMetrics creates and registers the connector metrics
func NewConnectorMetrics() *ConnectorMetrics {
	m := &ConnectorMetrics{
		Transfers: NewCounter("dcs_spi_transfers_total",
			"Full transfers completed"),
		ChecksumRetries: NewCounter("dcs_spi_checksum_retries_total",
			"Exchanges repeated after a checksum mismatch"),
		Resets: NewCounter("dcs_spi_firmware_resets_total",
			"Firmware resets detected on the link"),
		Connected: NewGauge("dcs_spi_connected",
			"Link state (1=connected, 0=disconnected)"),
		TransferRate: NewGauge("dcs_spi_transfer_rate_hz",
			"Full transfers per second"),
		TransferDuration: NewHistogram("dcs_spi_transfer_seconds",
			"Duration of one full transfer", ExponentialBuckets(0.0005, 2, 10)),
		CodesDispatched: NewCounter("dcs_codes_dispatched_total",
			"Codes written to the firmware"),
		CodesCancelled: NewCounter("dcs_codes_cancelled_total",
			"Codes cancelled by a reset, emergency stop or shutdown"),
		MacrosOpened: NewCounter("dcs_macros_opened_total",
			"Macro files opened on request of the firmware"),
		FirmwareMessages: NewCounter("dcs_firmware_messages_total",
			"Firmware messages not claimed by a code"),
		registry: NewRegistry(),
	}
	for _, metric := range []Metric{
		m.Transfers, m.ChecksumRetries, m.Resets, m.Connected, m.TransferRate,
		m.TransferDuration, m.CodesDispatched, m.CodesCancelled,
		m.MacrosOpened, m.FirmwareMessages,
	} {
		m.registry.MustRegister(metric)
	}
	return m
}

// Registry returns the internal registry
func (m *ConnectorMetrics) Registry() *Registry {
	return m.registry
}

// Gather returns all metrics in Prometheus text format
func (m *ConnectorMetrics) Gather() string {
	return m.registry.Gather()
}

// ObserveTransfer records a completed full transfer that began at start
func (m *ConnectorMetrics) ObserveTransfer(start time.Time) {
	if m == nil {
		return
	}
	now := time.Now()
	m.Transfers.Inc(nil)
	m.TransferDuration.Observe(nil, now.Sub(start).Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.windowStart.IsZero() {
		m.windowStart = now
	}
	m.windowCount++
	if elapsed := now.Sub(m.windowStart); elapsed >= time.Second {
		m.TransferRate.Set(nil, float64(m.windowCount)/elapsed.Seconds())
		m.windowStart = now
		m.windowCount = 0
	}
}

// ChecksumRetry counts a repeated header or data exchange
func (m *ConnectorMetrics) ChecksumRetry(phase string) {
	if m == nil {
		return
	}
	m.ChecksumRetries.Inc(Labels{"phase": phase})
}

// FirmwareReset counts a reset signalled by the firmware
func (m *ConnectorMetrics) FirmwareReset() {
	if m == nil {
		return
	}
	m.Resets.Inc(nil)
}

// SetConnected updates the link state gauge
func (m *ConnectorMetrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.Connected.Set(nil, v)
	if !connected {
		m.TransferRate.Set(nil, 0)
	}
}

// CodeDispatched counts a code written to the firmware
func (m *ConnectorMetrics) CodeDispatched(channel string) {
	if m == nil {
		return
	}
	m.CodesDispatched.Inc(Labels{"channel": channel})
}

// CodeCancelled counts a code abandoned before it finished
func (m *ConnectorMetrics) CodeCancelled(channel string) {
	if m == nil {
		return
	}
	m.CodesCancelled.Inc(Labels{"channel": channel})
}

// MacroOpened counts a macro file started on a channel
func (m *ConnectorMetrics) MacroOpened(channel string) {
	if m == nil {
		return
	}
	m.MacrosOpened.Inc(Labels{"channel": channel})
}

// FirmwareMessage counts an unclaimed firmware message by severity
func (m *ConnectorMetrics) FirmwareMessage(severity string) {
	if m == nil {
		return
	}
	m.FirmwareMessages.Inc(Labels{"severity": severity})
}
