package protocol

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"dcs-spi-go/pkg/gcode"
)

func mustParse(t *testing.T, channel gcode.Channel, line string) *gcode.Command {
	t.Helper()
	cmd, err := gcode.ParseCode(channel, line)
	if err != nil || cmd == nil {
		t.Fatalf("ParseCode(%q): %v", line, err)
	}
	return cmd
}

func TestWriteCodeSimple(t *testing.T) {
	buf := make([]byte, 128)
	n, err := WriteCode(buf, mustParse(t, gcode.HTTP, "G53 G10"))
	if err != nil {
		t.Fatalf("WriteCode: %v", err)
	}
	if n != 16 {
		t.Fatalf("bytes written=%d want 16", n)
	}
	if buf[0] != byte(gcode.HTTP) {
		t.Errorf("channel=%d want %d", buf[0], gcode.HTTP)
	}
	if buf[1] != CodeFlagHasMajorNumber|CodeFlagEnforceAbsolutePosition {
		t.Errorf("flags=%#x want HasMajorNumber|EnforceAbsolutePosition", buf[1])
	}
	if buf[2] != 0 {
		t.Errorf("num params=%d want 0", buf[2])
	}
	if buf[3] != 'G' {
		t.Errorf("letter=%c want G", buf[3])
	}
	if major := int32(le.Uint32(buf[4:])); major != 10 {
		t.Errorf("major=%d want 10", major)
	}
	if minor := int32(le.Uint32(buf[8:])); minor != -1 {
		t.Errorf("minor=%d want -1", minor)
	}
	if pos := le.Uint32(buf[12:]); pos != 0 {
		t.Errorf("file position=%d want 0", pos)
	}
}

func TestWriteCodeWithParameters(t *testing.T) {
	buf := make([]byte, 128)
	for i := range buf {
		buf[i] = 0xFF
	}
	n, err := WriteCode(buf, mustParse(t, gcode.File, `G1 X4 Y23.5 Z12.2 E12:3.45 J"test"`))
	if err != nil {
		t.Fatalf("WriteCode: %v", err)
	}
	if n != 72 {
		t.Fatalf("bytes written=%d want 72", n)
	}
	if buf[0] != byte(gcode.File) || buf[2] != 5 || buf[3] != 'G' {
		t.Fatalf("header=% x", buf[:4])
	}

	descriptors := []struct {
		letter byte
		typ    DataType
		raw    uint32
	}{
		{'X', TypeInt, 4},
		{'Y', TypeFloat, math.Float32bits(23.5)},
		{'Z', TypeFloat, math.Float32bits(12.2)},
		{'E', TypeFloatArray, 2},
		{'J', TypeString, 4},
	}
	for i, d := range descriptors {
		off := 16 + i*8
		if buf[off] != d.letter || DataType(buf[off+1]) != d.typ {
			t.Errorf("descriptor %d = %c/%d want %c/%d", i, buf[off], buf[off+1], d.letter, d.typ)
		}
		if got := le.Uint32(buf[off+4:]); got != d.raw {
			t.Errorf("descriptor %d value=%#x want %#x", i, got, d.raw)
		}
	}

	if f := math.Float32frombits(le.Uint32(buf[56:])); f != 12 {
		t.Errorf("E[0]=%v want 12", f)
	}
	if f := math.Float32frombits(le.Uint32(buf[60:])); f != 3.45 {
		t.Errorf("E[1]=%v want 3.45", f)
	}
	if s := string(buf[64:68]); s != "test" {
		t.Errorf("string=%q want test", s)
	}
	for i := 68; i < 72; i++ {
		if buf[i] != 0 {
			t.Errorf("padding byte %d = %#x want 0", i, buf[i])
		}
	}
}

func TestCodeRoundTrip(t *testing.T) {
	lines := []string{
		"G53 G10",
		`G1 X4 Y23.5 Z12.2 E12:3.45 J"test"`,
		`M98 P"my ""quoted"" macro.g"`,
		`M32 "/gcodes/part one.gcode"`,
		"G29.1 S1:2:3 T3000000000:1",
		`M291 P"value is {move.axes[0].max}" S2`,
		"T",
	}
	for _, line := range lines {
		cmd := mustParse(t, gcode.Telnet, line)
		cmd.FilePosition, cmd.HasFilePosition = 1234, true
		cmd.Flags |= gcode.FromMacro
		cmd.Comment = ""

		buf := make([]byte, CodeSize(cmd))
		n, err := WriteCode(buf, cmd)
		if err != nil {
			t.Fatalf("WriteCode(%q): %v", line, err)
		}
		got, m, err := ReadCode(buf[:n])
		if err != nil {
			t.Fatalf("ReadCode(%q): %v", line, err)
		}
		if m != n {
			t.Errorf("%q: read %d bytes, wrote %d", line, m, n)
		}
		if !reflect.DeepEqual(got, cmd) {
			t.Errorf("%q: round trip\n got %+v\nwant %+v", line, got, cmd)
		}
	}
}

func TestArrayCountMatchesExtraData(t *testing.T) {
	cmd := mustParse(t, gcode.HTTP, "M92 E1:2:3:4:5")
	buf := make([]byte, 256)
	n, err := WriteCode(buf, cmd)
	if err != nil {
		t.Fatalf("WriteCode: %v", err)
	}
	count := le.Uint32(buf[16+4:])
	if count != 5 {
		t.Fatalf("element count=%d want 5", count)
	}
	if extra := n - 16 - 8; extra != int(count)*4 {
		t.Errorf("extra data=%d bytes want %d", extra, count*4)
	}
}

func TestWriteCodeTooLarge(t *testing.T) {
	cmd := mustParse(t, gcode.HTTP, `M117 "hello world"`)
	_, err := WriteCode(make([]byte, 20), cmd)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err=%v want ErrPayloadTooLarge", err)
	}
}

func TestReadCodeUnsupportedType(t *testing.T) {
	buf := make([]byte, 32)
	cmd := mustParse(t, gcode.HTTP, "G1 X1")
	if _, err := WriteCode(buf, cmd); err != nil {
		t.Fatalf("WriteCode: %v", err)
	}
	buf[17] = 42
	if _, _, err := ReadCode(buf); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("err=%v want ErrUnsupportedType", err)
	}
}

func TestReadCodeShortBufferPanics(t *testing.T) {
	cmd := mustParse(t, gcode.HTTP, `M117 "a long message"`)
	buf := make([]byte, CodeSize(cmd))
	n, _ := WriteCode(buf, cmd)
	defer func() {
		if recover() == nil {
			t.Error("expected panic for truncated extra data")
		}
	}()
	ReadCode(buf[:n-8])
}
