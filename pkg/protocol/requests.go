package protocol

import (
	"fmt"
	"math"

	"dcs-spi-go/pkg/gcode"
)

// Payloads sent by the firmware. Each Write/Read pair is symmetric so the
// simulator can produce what the host decodes.

// ObjectModel carries one JSON fragment of an object model module
type ObjectModel struct {
	Module uint8
	JSON   []byte
}

// Size is the padded payload size
func (m ObjectModel) Size() int { return Pad(4 + len(m.JSON)) }

func WriteObjectModel(to []byte, m ObjectModel) (int, error) {
	if m.Size() > len(to) || len(m.JSON) > math.MaxUint16 {
		return 0, ErrPayloadTooLarge
	}
	to[0] = m.Module
	to[1] = 0
	le.PutUint16(to[2:], uint16(len(m.JSON)))
	n := 4 + copy(to[4:], m.JSON)
	return padZero(to, n), nil
}

func ReadObjectModel(from []byte) (ObjectModel, int) {
	length := int(le.Uint16(from[2:]))
	json := make([]byte, length)
	copy(json, from[4:4+length])
	return ObjectModel{Module: from[0], JSON: json}, Pad(4 + length)
}

// ReportState carries the firmware's busy-channel bitmask
type ReportState struct {
	BusyChannels uint32
}

func WriteReportState(to []byte, s ReportState) int {
	le.PutUint32(to, s.BusyChannels)
	return 4
}

func ReadReportState(from []byte) (ReportState, int) {
	return ReportState{BusyChannels: le.Uint32(from)}, 4
}

// CodeReply is a message from the firmware, routed by its type flags
type CodeReply struct {
	Flags MessageTypeFlags
	Text  string
}

func (r CodeReply) Size() int { return Pad(8 + len(r.Text)) }

func WriteCodeReply(to []byte, r CodeReply) (int, error) {
	if r.Size() > len(to) || len(r.Text) > math.MaxUint16 {
		return 0, ErrPayloadTooLarge
	}
	le.PutUint32(to[0:], uint32(r.Flags))
	le.PutUint16(to[4:], uint16(len(r.Text)))
	le.PutUint16(to[6:], 0)
	n := 8 + copy(to[8:], r.Text)
	return padZero(to, n), nil
}

func ReadCodeReply(from []byte) (CodeReply, int) {
	length := int(le.Uint16(from[4:]))
	return CodeReply{
		Flags: MessageTypeFlags(le.Uint32(from[0:])),
		Text:  string(from[8 : 8+length]),
	}, Pad(8 + length)
}

// MacroRequest asks the host to run a macro file on a channel
type MacroRequest struct {
	Channel       gcode.Channel
	ReportMissing bool
	FromCode      bool
	Filename      string
}

func (m MacroRequest) Size() int { return Pad(8 + len(m.Filename)) }

func WriteMacroRequest(to []byte, m MacroRequest) (int, error) {
	if m.Size() > len(to) || len(m.Filename) > math.MaxUint16 {
		return 0, ErrPayloadTooLarge
	}
	to[0] = byte(m.Channel)
	to[1] = boolByte(m.ReportMissing)
	to[2] = boolByte(m.FromCode)
	to[3] = 0
	le.PutUint16(to[4:], uint16(len(m.Filename)))
	le.PutUint16(to[6:], 0)
	n := 8 + copy(to[8:], m.Filename)
	return padZero(to, n), nil
}

func ReadMacroRequest(from []byte) (MacroRequest, int) {
	length := int(le.Uint16(from[4:]))
	return MacroRequest{
		Channel:       gcode.Channel(from[0]),
		ReportMissing: from[1] != 0,
		FromCode:      from[2] != 0,
		Filename:      string(from[8 : 8+length]),
	}, Pad(8 + length)
}

// AbortFile asks the host to close the files running on a channel
type AbortFile struct {
	Channel  gcode.Channel
	AbortAll bool
}

func WriteAbortFile(to []byte, a AbortFile) int {
	to[0] = byte(a.Channel)
	to[1] = boolByte(a.AbortAll)
	to[2], to[3] = 0, 0
	return 4
}

func ReadAbortFile(from []byte) (AbortFile, int) {
	return AbortFile{Channel: gcode.Channel(from[0]), AbortAll: from[1] != 0}, 4
}

// StackEvent reports a change of a channel's G-code stack
type StackEvent struct {
	Channel  gcode.Channel
	Depth    uint8
	Flags    StackFlags
	Feedrate float32
}

func WriteStackEvent(to []byte, e StackEvent) int {
	to[0] = byte(e.Channel)
	to[1] = e.Depth
	le.PutUint16(to[2:], uint16(e.Flags))
	le.PutUint32(to[4:], math.Float32bits(e.Feedrate))
	return 8
}

func ReadStackEvent(from []byte) (StackEvent, int) {
	return StackEvent{
		Channel:  gcode.Channel(from[0]),
		Depth:    from[1],
		Flags:    StackFlags(le.Uint16(from[2:])),
		Feedrate: math.Float32frombits(le.Uint32(from[4:])),
	}, 8
}

// PrintPaused reports where the firmware stopped reading the print file
type PrintPaused struct {
	FilePosition uint32
	Reason       PrintPausedReason
}

func WritePrintPaused(to []byte, p PrintPaused) int {
	le.PutUint32(to, p.FilePosition)
	to[4] = byte(p.Reason)
	to[5], to[6], to[7] = 0, 0, 0
	return 8
}

func ReadPrintPaused(from []byte) (PrintPaused, int) {
	return PrintPaused{FilePosition: le.Uint32(from), Reason: PrintPausedReason(from[4])}, 8
}

// HeightMap is the bed compensation grid, followed on the wire by
// NumX*NumY Z coordinates.
type HeightMap struct {
	XMin, XMax, XSpacing float32
	YMin, YMax, YSpacing float32
	Radius               float32
	NumX, NumY           uint16
	Points               []float32
}

const heightMapHeaderSize = 32

func (h HeightMap) Size() int { return heightMapHeaderSize + 4*int(h.NumX)*int(h.NumY) }

func WriteHeightMap(to []byte, h HeightMap) (int, error) {
	if len(h.Points) != int(h.NumX)*int(h.NumY) {
		return 0, fmt.Errorf("height map has %d points, expected %dx%d", len(h.Points), h.NumX, h.NumY)
	}
	if h.Size() > len(to) {
		return 0, ErrPayloadTooLarge
	}
	for i, f := range []float32{h.XMin, h.XMax, h.XSpacing, h.YMin, h.YMax, h.YSpacing, h.Radius} {
		le.PutUint32(to[4*i:], math.Float32bits(f))
	}
	le.PutUint16(to[28:], h.NumX)
	le.PutUint16(to[30:], h.NumY)
	n := heightMapHeaderSize
	for _, z := range h.Points {
		le.PutUint32(to[n:], math.Float32bits(z))
		n += 4
	}
	return n, nil
}

func ReadHeightMap(from []byte) (HeightMap, int) {
	f := func(i int) float32 { return math.Float32frombits(le.Uint32(from[4*i:])) }
	h := HeightMap{
		XMin: f(0), XMax: f(1), XSpacing: f(2),
		YMin: f(3), YMax: f(4), YSpacing: f(5),
		Radius: f(6),
		NumX:   le.Uint16(from[28:]),
		NumY:   le.Uint16(from[30:]),
	}
	n := heightMapHeaderSize
	h.Points = make([]float32, int(h.NumX)*int(h.NumY))
	for i := range h.Points {
		h.Points[i] = math.Float32frombits(le.Uint32(from[n:]))
		n += 4
	}
	return h, n
}

// ChannelRequest is the payload of Locked, LockMovementAndWaitForStandstill
// and Unlock packets.
type ChannelRequest struct {
	Channel gcode.Channel
}

func WriteChannelRequest(to []byte, c ChannelRequest) int {
	to[0] = byte(c.Channel)
	to[1], to[2], to[3] = 0, 0, 0
	return 4
}

func ReadChannelRequest(from []byte) (ChannelRequest, int) {
	return ChannelRequest{Channel: gcode.Channel(from[0])}, 4
}

// FileChunkRequest asks the host for part of a file
type FileChunkRequest struct {
	Offset    uint32
	MaxLength uint32
	Filename  string
}

func (r FileChunkRequest) Size() int { return Pad(12 + len(r.Filename)) }

func WriteFileChunkRequest(to []byte, r FileChunkRequest) (int, error) {
	if r.Size() > len(to) {
		return 0, ErrPayloadTooLarge
	}
	le.PutUint32(to[0:], r.Offset)
	le.PutUint32(to[4:], r.MaxLength)
	le.PutUint32(to[8:], uint32(len(r.Filename)))
	n := 12 + copy(to[12:], r.Filename)
	return padZero(to, n), nil
}

func ReadFileChunkRequest(from []byte) (FileChunkRequest, int) {
	length := int(le.Uint32(from[8:]))
	return FileChunkRequest{
		Offset:    le.Uint32(from[0:]),
		MaxLength: le.Uint32(from[4:]),
		Filename:  string(from[12 : 12+length]),
	}, Pad(12 + length)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
