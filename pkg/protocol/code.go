package protocol

import (
	"errors"
	"fmt"
	"math"

	"dcs-spi-go/pkg/gcode"
)

var (
	// ErrPayloadTooLarge is returned when an encoded payload would not fit
	// into the buffer it is written to.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrUnsupportedType is returned for a parameter type tag this host
	// does not know, which means the firmware speaks another protocol version.
	ErrUnsupportedType = errors.New("unsupported parameter data type")
)

const (
	CodeHeaderSize     = 16
	CodeParameterSize  = 8
	maxCodeParameters  = math.MaxUint8
	extraDataValueSize = 4
)

// CodeSize returns the padded payload size of cmd
func CodeSize(cmd *gcode.Command) int {
	n := CodeHeaderSize + len(cmd.Params)*CodeParameterSize
	for _, p := range cmd.Params {
		n += extraDataSize(p.Value)
	}
	return Pad(n)
}

func extraDataSize(v gcode.Value) int {
	switch v.Kind {
	case gcode.KindIntArray, gcode.KindUIntArray, gcode.KindFloatArray:
		return v.Len() * extraDataValueSize
	case gcode.KindString, gcode.KindExpression:
		return len(v.Str)
	}
	return 0
}

func dataTypeOf(k gcode.Kind) (DataType, error) {
	switch k {
	case gcode.KindInt:
		return TypeInt, nil
	case gcode.KindUInt:
		return TypeUInt, nil
	case gcode.KindFloat:
		return TypeFloat, nil
	case gcode.KindIntArray:
		return TypeIntArray, nil
	case gcode.KindUIntArray:
		return TypeUIntArray, nil
	case gcode.KindFloatArray:
		return TypeFloatArray, nil
	case gcode.KindString:
		return TypeString, nil
	case gcode.KindExpression:
		return TypeExpression, nil
	}
	return 0, ErrUnsupportedType
}

// WriteCode encodes a code payload:
//
//	CodeHeader: Channel u8, Flags u8, NumParams u8, Letter u8,
//	            Major i32, Minor i32 (-1 if absent), FilePosition u32
//	NumParams descriptors: Letter u8, Type u8, pad u16, value/count i32
//	extra data for arrays and strings in parameter order, padded
//
// It returns ErrPayloadTooLarge if the code does not fit into to.
func WriteCode(to []byte, cmd *gcode.Command) (int, error) {
	if len(cmd.Params) > maxCodeParameters {
		return 0, fmt.Errorf("%w: %d parameters", ErrPayloadTooLarge, len(cmd.Params))
	}
	size := CodeSize(cmd)
	if size > len(to) {
		return 0, fmt.Errorf("%w: code needs %d bytes, %d available", ErrPayloadTooLarge, size, len(to))
	}

	var flags byte
	major, minor := int32(0), int32(-1)
	if cmd.HasMajor {
		flags |= CodeFlagHasMajorNumber
		major = cmd.Major
	}
	if cmd.HasMinor {
		flags |= CodeFlagHasMinorNumber
		minor = cmd.Minor
	}
	var filePos uint32
	if cmd.HasFilePosition {
		flags |= CodeFlagHasFilePosition
		filePos = cmd.FilePosition
	}
	if cmd.Flags&gcode.EnforceAbsolutePosition != 0 {
		flags |= CodeFlagEnforceAbsolutePosition
	}
	if cmd.Flags&gcode.FromMacro != 0 {
		flags |= CodeFlagFromMacro
	}

	to[0] = byte(cmd.Channel)
	to[1] = flags
	to[2] = byte(len(cmd.Params))
	to[3] = cmd.Letter
	le.PutUint32(to[4:], uint32(major))
	le.PutUint32(to[8:], uint32(minor))
	le.PutUint32(to[12:], filePos)
	n := CodeHeaderSize

	for _, p := range cmd.Params {
		dt, err := dataTypeOf(p.Value.Kind)
		if err != nil {
			return 0, err
		}
		to[n] = p.Letter
		to[n+1] = byte(dt)
		to[n+2], to[n+3] = 0, 0
		switch p.Value.Kind {
		case gcode.KindInt:
			le.PutUint32(to[n+4:], uint32(p.Value.Int))
		case gcode.KindUInt:
			le.PutUint32(to[n+4:], p.Value.UInt)
		case gcode.KindFloat:
			le.PutUint32(to[n+4:], math.Float32bits(p.Value.Float))
		default:
			le.PutUint32(to[n+4:], uint32(p.Value.Len()))
		}
		n += CodeParameterSize
	}

	for _, p := range cmd.Params {
		v := p.Value
		switch v.Kind {
		case gcode.KindIntArray:
			for _, x := range v.Ints {
				le.PutUint32(to[n:], uint32(x))
				n += 4
			}
		case gcode.KindUIntArray:
			for _, x := range v.UInts {
				le.PutUint32(to[n:], x)
				n += 4
			}
		case gcode.KindFloatArray:
			for _, x := range v.Floats {
				le.PutUint32(to[n:], math.Float32bits(x))
				n += 4
			}
		case gcode.KindString, gcode.KindExpression:
			n += copy(to[n:], v.Str)
		}
	}
	return padZero(to, n), nil
}

// padZero zero-fills up to the next 4-byte boundary and returns the new length
func padZero(to []byte, n int) int {
	end := Pad(n)
	for i := n; i < end; i++ {
		to[i] = 0
	}
	return end
}

// ReadCode decodes a code payload written by WriteCode. A from slice that is
// shorter than the lengths it declares is a caller bug and panics.
func ReadCode(from []byte) (*gcode.Command, int, error) {
	cmd := &gcode.Command{
		Channel: gcode.Channel(from[0]),
		Letter:  from[3],
	}
	flags := from[1]
	numParams := int(from[2])
	if flags&CodeFlagHasMajorNumber != 0 {
		cmd.Major, cmd.HasMajor = int32(le.Uint32(from[4:])), true
	}
	if flags&CodeFlagHasMinorNumber != 0 {
		cmd.Minor, cmd.HasMinor = int32(le.Uint32(from[8:])), true
	}
	if flags&CodeFlagHasFilePosition != 0 {
		cmd.FilePosition, cmd.HasFilePosition = le.Uint32(from[12:]), true
	}
	if flags&CodeFlagEnforceAbsolutePosition != 0 {
		cmd.Flags |= gcode.EnforceAbsolutePosition
	}
	if flags&CodeFlagFromMacro != 0 {
		cmd.Flags |= gcode.FromMacro
	}
	n := CodeHeaderSize

	type pending struct {
		index int
		count int
	}
	var extra []pending
	if numParams > 0 {
		cmd.Params = make([]gcode.Parameter, numParams)
	}
	for i := 0; i < numParams; i++ {
		d := from[n : n+CodeParameterSize]
		p := gcode.Parameter{Letter: d[0]}
		raw := le.Uint32(d[4:])
		switch DataType(d[1]) {
		case TypeInt:
			p.Value = gcode.IntValue(int32(raw))
		case TypeUInt:
			p.Value = gcode.UIntValue(raw)
		case TypeFloat:
			p.Value = gcode.FloatValue(math.Float32frombits(raw))
		case TypeIntArray:
			p.Value.Kind = gcode.KindIntArray
			extra = append(extra, pending{i, int(raw)})
		case TypeUIntArray:
			p.Value.Kind = gcode.KindUIntArray
			extra = append(extra, pending{i, int(raw)})
		case TypeFloatArray:
			p.Value.Kind = gcode.KindFloatArray
			extra = append(extra, pending{i, int(raw)})
		case TypeString:
			p.Value.Kind = gcode.KindString
			extra = append(extra, pending{i, int(raw)})
		case TypeExpression:
			p.Value.Kind = gcode.KindExpression
			extra = append(extra, pending{i, int(raw)})
		default:
			return nil, 0, fmt.Errorf("%w: tag %d for parameter %c", ErrUnsupportedType, d[1], d[0])
		}
		cmd.Params[i] = p
		n += CodeParameterSize
	}

	for _, e := range extra {
		v := &cmd.Params[e.index].Value
		switch v.Kind {
		case gcode.KindIntArray:
			v.Ints = make([]int32, e.count)
			for j := range v.Ints {
				v.Ints[j] = int32(le.Uint32(from[n:]))
				n += 4
			}
		case gcode.KindUIntArray:
			v.UInts = make([]uint32, e.count)
			for j := range v.UInts {
				v.UInts[j] = le.Uint32(from[n:])
				n += 4
			}
		case gcode.KindFloatArray:
			v.Floats = make([]float32, e.count)
			for j := range v.Floats {
				v.Floats[j] = math.Float32frombits(le.Uint32(from[n:]))
				n += 4
			}
		default:
			v.Str = string(from[n : n+e.count])
			n += e.count
		}
	}
	return cmd, Pad(n), nil
}
