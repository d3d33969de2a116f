// Log rotation tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingFileWriterRotation(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "dcs.log")
	w, err := NewRotatingFileWriter(RotationConfig{Filename: logFile, MaxSize: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("NewRotatingFileWriter: %v", err)
	}
	defer w.Close()

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 4; i++ {
		if _, err := w.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(logFile + ".1"); err != nil {
		t.Errorf("expected first backup: %v", err)
	}
	if _, err := os.Stat(logFile + ".2"); err != nil {
		t.Errorf("expected second backup: %v", err)
	}
	if _, err := os.Stat(logFile + ".3"); !os.IsNotExist(err) {
		t.Errorf("backup beyond MaxBackups should not exist: %v", err)
	}
	if w.CurrentSize() != int64(len(chunk)) {
		t.Errorf("current size=%d want %d", w.CurrentSize(), len(chunk))
	}
}

func TestRotationConfigEmptyFilename(t *testing.T) {
	if _, err := NewRotatingFileWriter(RotationConfig{}); err == nil {
		t.Error("expected error for empty filename")
	}
}

func TestAttachFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "sub", "dcs.log")
	l, buf := newTestLogger("dcs")
	fw, err := AttachFile(l, RotationConfig{Filename: logFile})
	if err != nil {
		t.Fatalf("AttachFile: %v", err)
	}
	l.WithPrefix("link").Info("hello")
	fw.Close()

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "link: hello") {
		t.Errorf("file missing entry: %q", data)
	}
	if !strings.Contains(buf.String(), "link: hello") {
		t.Errorf("console missing entry: %q", buf.String())
	}
}
