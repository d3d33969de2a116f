// Structured logging tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newTestLogger(prefix string) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := New(prefix)
	l.SetWriter(&buf)
	l.SetColorize(false)
	l.SetLevel(DEBUG)
	return l, &buf
}

func TestLoggerBasic(t *testing.T) {
	logger, buf := newTestLogger("link")
	logger.Info("transfer %d done", 7)

	output := buf.String()
	if !strings.Contains(output, "[INFO ]") {
		t.Errorf("expected INFO level, got: %s", output)
	}
	if !strings.Contains(output, "link: transfer 7 done") {
		t.Errorf("expected prefixed message, got: %s", output)
	}
}

func TestLoggerLevels(t *testing.T) {
	logger, buf := newTestLogger("test")
	logger.SetLevel(WARN)

	logger.Debug("debug message")
	logger.Info("info message")
	if buf.Len() != 0 {
		t.Errorf("expected DEBUG and INFO to be filtered, got: %s", buf.String())
	}
	logger.Warn("warn message")
	logger.Error("error message")
	if !strings.Contains(buf.String(), "warn message") || !strings.Contains(buf.String(), "error message") {
		t.Errorf("expected WARN and ERROR to pass, got: %s", buf.String())
	}
}

func TestLoggerJSON(t *testing.T) {
	logger, buf := newTestLogger("scheduler")
	logger.SetFormat(FormatJSON)
	logger.WithFields(Fields{"channel": "HTTP", "depth": 2}).Warn("macro aborted")

	var entry JSONLogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON %q: %v", buf.String(), err)
	}
	if entry.Level != "WARN" || entry.Logger != "scheduler" || entry.Message != "macro aborted" {
		t.Errorf("unexpected entry %+v", entry)
	}
	if entry.Fields["channel"] != "HTTP" {
		t.Errorf("channel field = %v", entry.Fields["channel"])
	}
}

func TestEntryFieldsSorted(t *testing.T) {
	logger, buf := newTestLogger("test")
	logger.WithField("b", 2).WithField("a", 1).WithError(errors.New("bad")).Info("x")
	if !strings.Contains(buf.String(), "{a=1, b=2, error=bad}") {
		t.Errorf("fields not rendered in order: %s", buf.String())
	}
}

func TestWithPrefixSharesOutput(t *testing.T) {
	root, buf := newTestLogger("dcs")
	child := root.WithPrefix("api")

	root.SetLevel(ERROR)
	child.Warn("hidden")
	if buf.Len() != 0 {
		t.Errorf("child should follow root level, got: %s", buf.String())
	}
	child.Error("shown")
	if !strings.Contains(buf.String(), "api: shown") {
		t.Errorf("expected child prefix, got: %s", buf.String())
	}
}

func TestLoggerCaller(t *testing.T) {
	logger, buf := newTestLogger("test")
	logger.SetCaller(true)
	logger.Info("where")
	if !strings.Contains(buf.String(), "logger_test.go:") {
		t.Errorf("expected caller file, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"Error", ERROR},
		{"bogus", INFO},
	}
	for _, tc := range tests {
		if got := ParseLevel(tc.in); got != tc.want {
			t.Errorf("ParseLevel(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
	if ParseFormat("JSON") != FormatJSON || ParseFormat("text") != FormatText {
		t.Error("ParseFormat mismatch")
	}
}

func TestGetLogger(t *testing.T) {
	l := GetLogger("firmware")
	if l.Prefix() != "firmware" {
		t.Errorf("prefix=%q want firmware", l.Prefix())
	}
}
