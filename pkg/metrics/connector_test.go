// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestConnectorMetricsNilSafe(t *testing.T) {
	var m *ConnectorMetrics
	m.ObserveTransfer(time.Now())
	m.ChecksumRetry("header")
	m.FirmwareReset()
	m.SetConnected(true)
	m.CodeDispatched("HTTP")
	m.CodeCancelled("HTTP")
	m.MacroOpened("File")
	m.FirmwareMessage("error")
}

func TestConnectorMetrics(t *testing.T) {
	m := NewConnectorMetrics()
	m.ObserveTransfer(time.Now())
	m.ObserveTransfer(time.Now())
	m.ChecksumRetry("header")
	m.ChecksumRetry("data")
	m.ChecksumRetry("data")
	m.FirmwareReset()
	m.SetConnected(true)
	m.CodeDispatched("HTTP")
	m.CodeCancelled("File")
	m.MacroOpened("File")

	if v := m.Transfers.Get(nil); v != 2 {
		t.Errorf("transfers: got %d want 2", v)
	}
	if v := m.ChecksumRetries.Get(Labels{"phase": "data"}); v != 2 {
		t.Errorf("data retries: got %d want 2", v)
	}
	if v := m.Connected.Get(nil); v != 1 {
		t.Errorf("connected: got %f want 1", v)
	}
	if n := m.TransferDuration.Count(nil); n != 2 {
		t.Errorf("duration observations: got %d want 2", n)
	}

	out := m.Gather()
	for _, want := range []string{
		"dcs_spi_transfers_total 2",
		`dcs_spi_checksum_retries_total{phase="header"} 1`,
		"dcs_spi_firmware_resets_total 1",
		`dcs_codes_dispatched_total{channel="HTTP"} 1`,
		`dcs_codes_cancelled_total{channel="File"} 1`,
		`dcs_macros_opened_total{channel="File"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q", want)
		}
	}
}

func TestTransferRate(t *testing.T) {
	m := NewConnectorMetrics()
	m.mu.Lock()
	m.windowStart = time.Now().Add(-2 * time.Second)
	m.windowCount = 9
	m.mu.Unlock()

	m.ObserveTransfer(time.Now())
	rate := m.TransferRate.Get(nil)
	if rate < 4 || rate > 5.1 {
		t.Errorf("rate: got %f want about 5", rate)
	}

	m.SetConnected(false)
	if v := m.TransferRate.Get(nil); v != 0 {
		t.Errorf("rate after disconnect: got %f want 0", v)
	}
}
