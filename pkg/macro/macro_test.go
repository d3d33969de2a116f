package macro

import (
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"dcs-spi-go/pkg/errors"
	"dcs-spi-go/pkg/gcode"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestReadCodes(t *testing.T) {
	dir := t.TempDir()
	content := "; homing\nG91\n\nG1 H1 Z5 F6000 ; lift\r\nG90\n"
	p := writeFile(t, dir, "homeall.g", content)

	m, err := Open(p, "homeall.g", gcode.Aux, true)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	want := []struct {
		code     string
		position uint32
	}{
		{"G91", 9},
		{"G1 H1 Z5 F6000", 14},
		{"G90", 37},
	}
	for _, w := range want {
		cmd, err := m.ReadCode()
		if err != nil {
			t.Fatalf("ReadCode: %v", err)
		}
		if cmd.String() != w.code {
			t.Errorf("code=%q want %q", cmd.String(), w.code)
		}
		if !cmd.HasFilePosition || cmd.FilePosition != w.position {
			t.Errorf("%s: file position=%d want %d", w.code, cmd.FilePosition, w.position)
		}
		if cmd.Channel != gcode.Aux || cmd.Flags&gcode.FromMacro == 0 {
			t.Errorf("%s: channel=%s flags=%d want Aux from macro", w.code, cmd.Channel, cmd.Flags)
		}
	}
	if _, err := m.ReadCode(); err != io.EOF {
		t.Fatalf("err=%v want io.EOF", err)
	}
	if m.Position() != int64(len(content)) {
		t.Errorf("position=%d want %d", m.Position(), len(content))
	}
}

func TestLastLineWithoutNewline(t *testing.T) {
	p := writeFile(t, t.TempDir(), "job.gcode", "G28\nM400")
	m, err := Open(p, "job.gcode", gcode.File, false)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	m.ReadCode()
	cmd, err := m.ReadCode()
	if err != nil || !cmd.Is('M', 400) {
		t.Fatalf("ReadCode=%v, %v want M400", cmd, err)
	}
	if cmd.Flags&gcode.FromMacro != 0 {
		t.Error("print file code flagged as macro code")
	}
}

func TestParseErrorContinues(t *testing.T) {
	p := writeFile(t, t.TempDir(), "bad.g", "G1 X\"unterminated\nG4 P0\n")
	m, err := Open(p, "bad.g", gcode.Daemon, true)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	if _, err := m.ReadCode(); !errors.Is(err, errors.ErrCommand) {
		t.Fatalf("err=%v want COMMAND error", err)
	}
	cmd, err := m.ReadCode()
	if err != nil || !cmd.Is('G', 4) {
		t.Fatalf("ReadCode=%v, %v want G4", cmd, err)
	}
}

func TestSeekAndAbort(t *testing.T) {
	p := writeFile(t, t.TempDir(), "job.gcode", "G1 X1\nG1 X2\nG1 X3\n")
	m, err := Open(p, "job.gcode", gcode.File, false)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	m.ReadCode()
	second, _ := m.ReadCode()
	if err := m.Seek(int64(second.FilePosition)); err != nil {
		t.Fatal(err)
	}
	again, err := m.ReadCode()
	if err != nil || again.String() != "G1 X2" {
		t.Fatalf("after seek got %v, %v want G1 X2", again, err)
	}

	m.Abort()
	if !m.Aborted() {
		t.Error("Aborted=false after Abort")
	}
	if _, err := m.ReadCode(); err != io.EOF {
		t.Errorf("err=%v want io.EOF after abort", err)
	}
}

func TestResolver(t *testing.T) {
	r := DefaultResolver("/opt/sd")
	tests := []struct {
		name string
		fn   func(string) string
		in   string
		want string
	}{
		{"relative macro", r.System, "homeall.g", "/opt/sd/sys/homeall.g"},
		{"volume path", r.System, "0:/sys/config.g", "/opt/sd/sys/config.g"},
		{"rooted", r.System, "/macros/clean nozzle", "/opt/sd/macros/clean nozzle"},
		{"escape", r.System, "../../etc/passwd", "/opt/sd/etc/passwd"},
		{"job", r.Job, "cube.gcode", "/opt/sd/gcodes/cube.gcode"},
		{"job volume", r.Job, "0:/gcodes/sub/cube.gcode", "/opt/sd/gcodes/sub/cube.gcode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(tt.in); got != filepath.FromSlash(tt.want) {
				t.Errorf("got %q want %q", got, tt.want)
			}
		})
	}

	if !r.IsConfig("0:/sys/config.g") || r.IsConfig("config.g.bak") {
		t.Error("IsConfig mismatch")
	}
}

func TestConfigFallback(t *testing.T) {
	root := t.TempDir()
	r := DefaultResolver(root)

	if _, _, err := r.Macro("config.g"); !stderrors.Is(err, os.ErrNotExist) {
		t.Fatalf("err=%v want ErrNotExist", err)
	}

	backup := writeFile(t, root, "sys/config.g.bak", "M550 P\"backup\"\n")
	p, fallback, err := r.Macro("config.g")
	if err != nil || !fallback || p != backup {
		t.Fatalf("Macro=%q %v %v want %q fallback", p, fallback, err, backup)
	}

	primary := writeFile(t, root, "sys/config.g", "M550 P\"main\"\n")
	p, fallback, err = r.Macro("config.g")
	if err != nil || fallback || p != primary {
		t.Fatalf("Macro=%q %v %v want %q", p, fallback, err, primary)
	}

	if _, _, err := r.Macro("missing.g"); !stderrors.Is(err, os.ErrNotExist) {
		t.Errorf("err=%v want ErrNotExist", err)
	}
}

func TestReadChunk(t *testing.T) {
	p := writeFile(t, t.TempDir(), "data.bin", "0123456789")

	chunk, err := ReadChunk(p, 4, make([]byte, 3))
	if err != nil || string(chunk) != "456" {
		t.Fatalf("ReadChunk=%q, %v want 456", chunk, err)
	}
	chunk, err = ReadChunk(p, 8, make([]byte, 16))
	if err != nil || string(chunk) != "89" {
		t.Fatalf("ReadChunk=%q, %v want 89", chunk, err)
	}
	if _, err := ReadChunk(p+".missing", 0, make([]byte, 4)); !stderrors.Is(err, os.ErrNotExist) {
		t.Errorf("err=%v want ErrNotExist", err)
	}
}
