package link

import (
	"bytes"
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"dcs-spi-go/pkg/errors"
	"dcs-spi-go/pkg/gcode"
	"dcs-spi-go/pkg/log"
	"dcs-spi-go/pkg/protocol"
	"dcs-spi-go/pkg/simulator"
)

func newTestLink(t *testing.T) (*Link, *simulator.Firmware, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := log.New("link")
	logger.SetWriter(&buf)
	logger.SetColorize(false)
	logger.SetLevel(log.DEBUG)

	fw := simulator.New()
	l := New(fw, fw, Config{ReadyTimeout: 20 * time.Millisecond, Logger: logger})
	return l, fw, &buf
}

func transfer(t *testing.T, l *Link) {
	t.Helper()
	if err := l.PerformFullTransfer(context.Background()); err != nil {
		t.Fatalf("PerformFullTransfer: %v", err)
	}
}

func readAll(t *testing.T, l *Link) []*Packet {
	t.Helper()
	var out []*Packet
	for {
		p, err := l.ReadPacket()
		if err != nil {
			t.Fatalf("ReadPacket: %v", err)
		}
		if p == nil {
			return out
		}
		out = append(out, p)
	}
}

func parse(t *testing.T, line string) *gcode.Command {
	t.Helper()
	cmd, err := gcode.ParseCode(gcode.HTTP, line)
	if err != nil || cmd == nil {
		t.Fatalf("ParseCode(%q): %v", line, err)
	}
	return cmd
}

func TestCodeRoundTrip(t *testing.T) {
	l, fw, _ := newTestLink(t)

	ok, err := l.WriteCode(parse(t, "G28 X"))
	if !ok || err != nil {
		t.Fatalf("WriteCode=%v, %v want true, nil", ok, err)
	}
	transfer(t, l)
	if !l.Connected() {
		t.Fatal("link not connected after a successful transfer")
	}
	if l.Sequence() != 1 {
		t.Errorf("sequence=%d want 1", l.Sequence())
	}

	codes := fw.Codes()
	if len(codes) != 1 {
		t.Fatalf("firmware got %d codes want 1", len(codes))
	}
	if !codes[0].Is('G', 28) {
		t.Errorf("firmware got %s want G28", codes[0])
	}

	// the reply arrives with the next transfer
	transfer(t, l)
	packets := readAll(t, l)
	if len(packets) != 1 || packets[0].Request() != protocol.FirmwareCodeReply {
		t.Fatalf("got %d packets, want one code reply", len(packets))
	}
	reply, _ := protocol.ReadCodeReply(packets[0].Data)
	if reply.Flags&protocol.BinaryCodeReplyFlag == 0 || reply.Flags&protocol.ChannelFlag(gcode.HTTP) == 0 {
		t.Errorf("reply flags=%s want CodeReply|HTTP", reply.Flags)
	}
	if fw.Transfers() != 2 {
		t.Errorf("firmware transfers=%d want 2", fw.Transfers())
	}
}

func TestHeaderChecksumRetryKeepsSequence(t *testing.T) {
	l, fw, _ := newTestLink(t)
	fw.RejectHeaders(1)

	transfer(t, l)
	seqs := fw.HeaderSequences()
	if len(seqs) != 2 || seqs[0] != 0 || seqs[1] != 0 {
		t.Fatalf("header sequences=%v want [0 0]", seqs)
	}
	if l.HadReset() {
		t.Error("checksum retry reported as reset")
	}
	if l.Sequence() != 1 {
		t.Errorf("sequence=%d want 1", l.Sequence())
	}
	if fw.Transfers() != 1 {
		t.Errorf("firmware transfers=%d want 1", fw.Transfers())
	}
}

func TestDataChecksumRetry(t *testing.T) {
	l, fw, _ := newTestLink(t)
	fw.QueueReply(protocol.LogMessageFlag, "hello")
	fw.CorruptData(1)

	transfer(t, l)
	packets := readAll(t, l)
	if len(packets) != 1 {
		t.Fatalf("got %d packets want 1", len(packets))
	}
	reply, _ := protocol.ReadCodeReply(packets[0].Data)
	if reply.Text != "hello" {
		t.Errorf("reply=%q want hello", reply.Text)
	}
	if seqs := fw.HeaderSequences(); len(seqs) != 1 {
		t.Errorf("header exchanges=%d want 1", len(seqs))
	}
	if l.HadReset() {
		t.Error("data retry reported as reset")
	}
}

func TestChecksumRetriesStopOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l, fw, _ := newTestLink(t)
	fw.RejectHeaders(1 << 30)
	if err := l.PerformFullTransfer(ctx); !stderrors.Is(err, context.Canceled) {
		t.Fatalf("header retries: err=%v want context.Canceled", err)
	}
	if seqs := fw.HeaderSequences(); len(seqs) != 1 {
		t.Errorf("header exchanges=%d want 1", len(seqs))
	}

	l, fw, _ = newTestLink(t)
	fw.QueueReply(protocol.LogMessageFlag, "hello")
	fw.CorruptData(1 << 30)
	if err := l.PerformFullTransfer(ctx); !stderrors.Is(err, context.Canceled) {
		t.Fatalf("data retries: err=%v want context.Canceled", err)
	}
	if fw.Transfers() != 0 {
		t.Errorf("firmware transfers=%d want 0", fw.Transfers())
	}
	if l.Sequence() != 0 {
		t.Errorf("sequence=%d want 0", l.Sequence())
	}
}

func TestResetSentinel(t *testing.T) {
	l, fw, _ := newTestLink(t)
	transfer(t, l)
	transfer(t, l)
	if l.Sequence() != 2 {
		t.Fatalf("sequence=%d want 2", l.Sequence())
	}

	// pending output is meaningless to a rebooted firmware
	if ok, _ := l.WriteCode(parse(t, "M115")); !ok {
		t.Fatal("WriteCode failed")
	}
	fw.RequestReset()
	transfer(t, l)

	if !l.HadReset() {
		t.Fatal("reset not reported")
	}
	if l.HadReset() {
		t.Error("HadReset not cleared after reading")
	}
	if l.Sequence() != 1 {
		t.Errorf("sequence=%d want 1 after reset", l.Sequence())
	}
	if n := len(fw.Codes()); n != 0 {
		t.Errorf("firmware got %d codes after reset want 0", n)
	}
	seqs := fw.HeaderSequences()
	if last := seqs[len(seqs)-1]; last != 0 {
		t.Errorf("first header after reset has sequence %d want 0", last)
	}
}

func TestIncompatiblePeer(t *testing.T) {
	tests := []struct {
		name     string
		format   byte
		version  uint16
		response protocol.Response
	}{
		{"format", 0x42, protocol.ProtocolVersion, protocol.ResponseBadFormat},
		{"version", protocol.FormatCode, protocol.ProtocolVersion + 1, protocol.ResponseBadProtocolVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, fw, _ := newTestLink(t)
			fw.SetFormat(tt.format, tt.version)

			err := l.PerformFullTransfer(context.Background())
			if !errors.Is(err, errors.ErrTransportFatal) {
				t.Fatalf("err=%v want TRANSPORT_FATAL", err)
			}
			if !errors.IsFatal(err) {
				t.Error("incompatible peer not fatal")
			}
			rejected := fw.Rejections()
			if len(rejected) != 1 || rejected[0] != tt.response {
				t.Errorf("firmware saw rejections %v want [%s]", rejected, tt.response)
			}
		})
	}
}

func TestReadyTimeout(t *testing.T) {
	l, fw, logs := newTestLink(t)
	transfer(t, l)

	fw.SetReady(false)
	transfer(t, l)
	transfer(t, l)
	if l.Connected() {
		t.Fatal("link still connected after ready timeout")
	}
	if n := strings.Count(logs.String(), "Lost connection to firmware"); n != 1 {
		t.Errorf("lost connection logged %d times want 1", n)
	}

	fw.SetReady(true)
	transfer(t, l)
	if !l.Connected() {
		t.Fatal("link did not reconnect")
	}
	if n := strings.Count(logs.String(), "Connection to firmware established"); n != 2 {
		t.Errorf("connection established logged %d times want 2", n)
	}
}

func TestCancelledWhileWaiting(t *testing.T) {
	l, fw, _ := newTestLink(t)
	fw.SetReady(false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.PerformFullTransfer(ctx); !stderrors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
}

type brokenReady struct{ err error }

func (b brokenReady) WaitReady(ctx context.Context) error { return b.err }

func TestReadySignalFailure(t *testing.T) {
	fw := simulator.New()
	lineErr := stderrors.New("gpio line gone")
	l := New(fw, brokenReady{lineErr}, Config{ReadyTimeout: 20 * time.Millisecond})

	err := l.PerformFullTransfer(context.Background())
	if !errors.Is(err, errors.ErrTransportIO) {
		t.Fatalf("err=%v want TRANSPORT_IO", err)
	}
	if !stderrors.Is(err, lineErr) {
		t.Errorf("err=%v does not wrap the line error", err)
	}
	if l.Connected() {
		t.Error("link connected after ready signal failure")
	}
}

func TestResendPacket(t *testing.T) {
	l, fw, _ := newTestLink(t)

	// the firmware asks for the packet it is about to receive
	fw.QueueResend(1)
	if ok, _ := l.WriteCode(parse(t, "G1 X10")); !ok {
		t.Fatal("WriteCode failed")
	}
	transfer(t, l)

	var resent bool
	for _, p := range readAll(t, l) {
		if p.Request() != protocol.FirmwareResendPacket {
			continue
		}
		ok, err := l.ResendPacket(p)
		if !ok || err != nil {
			t.Fatalf("ResendPacket=%v, %v want true, nil", ok, err)
		}
		resent = true
	}
	if !resent {
		t.Fatal("no resend request received")
	}
	transfer(t, l)

	codes := fw.Codes()
	if len(codes) != 2 {
		t.Fatalf("firmware got %d codes want 2", len(codes))
	}
	if codes[0].String() != codes[1].String() {
		t.Errorf("resent code %q differs from original %q", codes[1], codes[0])
	}
}

func TestResendUnknownPacket(t *testing.T) {
	l, _, _ := newTestLink(t)
	transfer(t, l)

	p := &Packet{Header: protocol.PacketHeader{
		Request:        uint16(protocol.FirmwareResendPacket),
		ResendPacketID: 99,
	}}
	ok, err := l.ResendPacket(p)
	if ok || !errors.Is(err, errors.ErrProtocol) {
		t.Fatalf("ResendPacket=%v, %v want false, PROTOCOL error", ok, err)
	}
}

func TestPacketLimit(t *testing.T) {
	l, _, _ := newTestLink(t)

	n := 0
	for l.WriteGetState() {
		n++
	}
	if n != 255 {
		t.Fatalf("wrote %d packets want 255", n)
	}
	if l.Pending() != 255*protocol.PacketHeaderSize {
		t.Errorf("pending=%d want %d", l.Pending(), 255*protocol.PacketHeaderSize)
	}

	transfer(t, l)
	if l.Pending() != 0 {
		t.Errorf("pending=%d after transfer want 0", l.Pending())
	}
	if !l.CanWritePacket(0) {
		t.Error("no room after transfer")
	}
}

func TestBufferFull(t *testing.T) {
	l, _, _ := newTestLink(t)
	text := strings.Repeat("x", 2000)
	cmd := &gcode.Command{
		Letter: 'M', Major: 117, HasMajor: true,
		Params: []gcode.Parameter{{Letter: 'S', Value: gcode.StringValue(text)}},
	}

	written := 0
	for {
		ok, err := l.WriteCode(cmd)
		if err != nil {
			t.Fatalf("WriteCode: %v", err)
		}
		if !ok {
			break
		}
		written++
	}
	if written == 0 || l.Pending() > protocol.BufferSize {
		t.Fatalf("wrote %d codes, pending %d", written, l.Pending())
	}
	if l.CanWritePacket(protocol.CodeSize(cmd)) {
		t.Error("CanWritePacket true after a rejected write")
	}
}

func TestWriteCodeTooLarge(t *testing.T) {
	l, _, _ := newTestLink(t)
	cmd := &gcode.Command{
		Letter: 'M', Major: 117, HasMajor: true,
		Params: []gcode.Parameter{{Letter: 'S', Value: gcode.StringValue(strings.Repeat("x", protocol.BufferSize))}},
	}

	ok, err := l.WriteCode(cmd)
	if ok || !stderrors.Is(err, protocol.ErrPayloadTooLarge) {
		t.Fatalf("WriteCode=%v, %v want false, ErrPayloadTooLarge", ok, err)
	}
	if l.Pending() != 0 {
		t.Errorf("pending=%d want 0", l.Pending())
	}
}

func TestReadPacketOverrun(t *testing.T) {
	l, _, _ := newTestLink(t)
	protocol.WritePacketHeader(l.rxBuffer, protocol.PacketHeader{
		Request: uint16(protocol.FirmwareCodeReply),
		ID:      1,
		Length:  100,
	})
	l.rxLength = protocol.PacketHeaderSize + 16

	p, err := l.ReadPacket()
	if p != nil || !errors.Is(err, errors.ErrProtocol) {
		t.Fatalf("ReadPacket=%v, %v want nil, PROTOCOL error", p, err)
	}
	if p, err := l.ReadPacket(); p != nil || err != nil {
		t.Errorf("ReadPacket after overrun=%v, %v want nil, nil", p, err)
	}
}
