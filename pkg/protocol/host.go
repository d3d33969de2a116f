package protocol

import (
	"math"

	"dcs-spi-go/pkg/gcode"
)

// Payloads sent by the host.

// GetObjectModel requests one object model module
type GetObjectModel struct {
	Module uint8
}

func WriteGetObjectModel(to []byte, r GetObjectModel) int {
	to[0] = r.Module
	to[1], to[2], to[3] = 0, 0, 0
	return 4
}

func ReadGetObjectModel(from []byte) (GetObjectModel, int) {
	return GetObjectModel{Module: from[0]}, 4
}

// PrintStarted announces a new print with the metadata of its file
type PrintStarted struct {
	LastModified     uint64 // seconds since the Unix epoch
	FileSize         uint32
	PrintTime        uint32
	SimulatedTime    uint32
	FirstLayerHeight float32
	LayerHeight      float32
	ObjectHeight     float32
	Filament         []float32
	Filename         string
	GeneratedBy      string
}

const printStartedHeaderSize = 40

func (p PrintStarted) Size() int {
	return Pad(printStartedHeaderSize + 4*len(p.Filament) + len(p.Filename) + len(p.GeneratedBy))
}

//	0  LastModified u64
//	8  FileSize, PrintTime, SimulatedTime u32
//	20 FirstLayerHeight, LayerHeight, ObjectHeight f32
//	32 NumFilaments, FilenameLength, GeneratedByLength u16, pad u16
//	40 filament lengths f32[], filename, generatedBy, padding
func WritePrintStarted(to []byte, p PrintStarted) (int, error) {
	if p.Size() > len(to) || len(p.Filename) > math.MaxUint16 || len(p.GeneratedBy) > math.MaxUint16 {
		return 0, ErrPayloadTooLarge
	}
	le.PutUint64(to[0:], p.LastModified)
	le.PutUint32(to[8:], p.FileSize)
	le.PutUint32(to[12:], p.PrintTime)
	le.PutUint32(to[16:], p.SimulatedTime)
	le.PutUint32(to[20:], math.Float32bits(p.FirstLayerHeight))
	le.PutUint32(to[24:], math.Float32bits(p.LayerHeight))
	le.PutUint32(to[28:], math.Float32bits(p.ObjectHeight))
	le.PutUint16(to[32:], uint16(len(p.Filament)))
	le.PutUint16(to[34:], uint16(len(p.Filename)))
	le.PutUint16(to[36:], uint16(len(p.GeneratedBy)))
	le.PutUint16(to[38:], 0)
	n := printStartedHeaderSize
	for _, f := range p.Filament {
		le.PutUint32(to[n:], math.Float32bits(f))
		n += 4
	}
	n += copy(to[n:], p.Filename)
	n += copy(to[n:], p.GeneratedBy)
	return padZero(to, n), nil
}

func ReadPrintStarted(from []byte) (PrintStarted, int) {
	p := PrintStarted{
		LastModified:     le.Uint64(from[0:]),
		FileSize:         le.Uint32(from[8:]),
		PrintTime:        le.Uint32(from[12:]),
		SimulatedTime:    le.Uint32(from[16:]),
		FirstLayerHeight: math.Float32frombits(le.Uint32(from[20:])),
		LayerHeight:      math.Float32frombits(le.Uint32(from[24:])),
		ObjectHeight:     math.Float32frombits(le.Uint32(from[28:])),
	}
	numFilaments := int(le.Uint16(from[32:]))
	nameLen := int(le.Uint16(from[34:]))
	genLen := int(le.Uint16(from[36:]))
	n := printStartedHeaderSize
	if numFilaments > 0 {
		p.Filament = make([]float32, numFilaments)
		for i := range p.Filament {
			p.Filament[i] = math.Float32frombits(le.Uint32(from[n:]))
			n += 4
		}
	}
	p.Filename = string(from[n : n+nameLen])
	n += nameLen
	p.GeneratedBy = string(from[n : n+genLen])
	n += genLen
	return p, Pad(n)
}

// PrintStopped tells the firmware why the print ended
type PrintStopped struct {
	Reason PrintStoppedReason
}

func WritePrintStopped(to []byte, p PrintStopped) int {
	to[0] = byte(p.Reason)
	to[1], to[2], to[3] = 0, 0, 0
	return 4
}

func ReadPrintStopped(from []byte) (PrintStopped, int) {
	return PrintStopped{Reason: PrintStoppedReason(from[0])}, 4
}

// MacroCompleted acknowledges the end of a firmware-requested macro
type MacroCompleted struct {
	Channel gcode.Channel
	Error   bool
}

func WriteMacroCompleted(to []byte, m MacroCompleted) int {
	to[0] = byte(m.Channel)
	to[1] = boolByte(m.Error)
	to[2], to[3] = 0, 0
	return 4
}

func ReadMacroCompleted(from []byte) (MacroCompleted, int) {
	return MacroCompleted{Channel: gcode.Channel(from[0]), Error: from[1] != 0}, 4
}

// FileChunk answers a FileChunkRequest. A nil Data with Missing set is
// encoded as length -1.
type FileChunk struct {
	Data    []byte
	Missing bool
}

func (c FileChunk) Size() int { return Pad(4 + len(c.Data)) }

func WriteFileChunk(to []byte, c FileChunk) (int, error) {
	if c.Missing {
		le.PutUint32(to, math.MaxUint32)
		return 4, nil
	}
	if c.Size() > len(to) {
		return 0, ErrPayloadTooLarge
	}
	le.PutUint32(to, uint32(len(c.Data)))
	n := 4 + copy(to[4:], c.Data)
	return padZero(to, n), nil
}

func ReadFileChunk(from []byte) (FileChunk, int) {
	length := int32(le.Uint32(from))
	if length < 0 {
		return FileChunk{Missing: true}, 4
	}
	data := make([]byte, length)
	copy(data, from[4:4+int(length)])
	return FileChunk{Data: data}, Pad(4 + int(length))
}
