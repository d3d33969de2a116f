// Package gcode turns text lines into structured codes for the firmware link.
package gcode

import (
	"strconv"
	"strings"
)

// Kind is the value type of a code parameter
type Kind uint8

const (
	KindInt Kind = iota
	KindUInt
	KindFloat
	KindIntArray
	KindUIntArray
	KindFloatArray
	KindString
	KindExpression
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindUInt:
		return "uint"
	case KindFloat:
		return "float"
	case KindIntArray:
		return "int[]"
	case KindUIntArray:
		return "uint[]"
	case KindFloatArray:
		return "float[]"
	case KindString:
		return "string"
	case KindExpression:
		return "expression"
	default:
		return "unknown"
	}
}

// IsArray reports whether values of this kind are stored in the extra data region
func (k Kind) IsArray() bool {
	return k == KindIntArray || k == KindUIntArray || k == KindFloatArray
}

// Value holds one parameter value. Only the field matching Kind is set.
type Value struct {
	Kind   Kind
	Int    int32
	UInt   uint32
	Float  float32
	Ints   []int32
	UInts  []uint32
	Floats []float32
	Str    string
}

func IntValue(v int32) Value        { return Value{Kind: KindInt, Int: v} }
func UIntValue(v uint32) Value      { return Value{Kind: KindUInt, UInt: v} }
func FloatValue(v float32) Value    { return Value{Kind: KindFloat, Float: v} }
func IntArray(v ...int32) Value     { return Value{Kind: KindIntArray, Ints: v} }
func UIntArray(v ...uint32) Value   { return Value{Kind: KindUIntArray, UInts: v} }
func FloatArray(v ...float32) Value { return Value{Kind: KindFloatArray, Floats: v} }

// StringValue returns a string value, or an expression if s contains a
// bracketed sub-expression.
func StringValue(s string) Value {
	if strings.Contains(s, "[") && strings.Contains(s, "]") {
		return Value{Kind: KindExpression, Str: s}
	}
	return Value{Kind: KindString, Str: s}
}

// Len is the element count of an array or the byte length of a string
func (v Value) Len() int {
	switch v.Kind {
	case KindIntArray:
		return len(v.Ints)
	case KindUIntArray:
		return len(v.UInts)
	case KindFloatArray:
		return len(v.Floats)
	case KindString, KindExpression:
		return len(v.Str)
	}
	return 0
}

func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(int64(v.Int), 10)
	case KindUInt:
		return strconv.FormatUint(uint64(v.UInt), 10)
	case KindFloat:
		return formatFloat(v.Float)
	case KindIntArray:
		parts := make([]string, len(v.Ints))
		for i, x := range v.Ints {
			parts[i] = strconv.FormatInt(int64(x), 10)
		}
		return strings.Join(parts, ":")
	case KindUIntArray:
		parts := make([]string, len(v.UInts))
		for i, x := range v.UInts {
			parts[i] = strconv.FormatUint(uint64(x), 10)
		}
		return strings.Join(parts, ":")
	case KindFloatArray:
		parts := make([]string, len(v.Floats))
		for i, x := range v.Floats {
			parts[i] = formatFloat(x)
		}
		return strings.Join(parts, ":")
	default:
		return `"` + strings.ReplaceAll(v.Str, `"`, `""`) + `"`
	}
}

func formatFloat(f float32) string {
	return strconv.FormatFloat(float64(f), 'f', -1, 32)
}

// Parameter is one letter/value pair of a code
type Parameter struct {
	Letter byte
	Value  Value
}

// Flags are host-side attributes of a code
type Flags uint8

const (
	// EnforceAbsolutePosition is set by a G53 prefix
	EnforceAbsolutePosition Flags = 1 << iota
	// FromMacro marks codes read from a macro file
	FromMacro
)

// Command is one parsed G, M or T code. It is not modified after parsing
// except for the fields set by its producer before it is queued (Channel,
// FilePosition, FromMacro).
type Command struct {
	Channel Channel
	Letter  byte

	Major    int32
	HasMajor bool
	Minor    int32
	HasMinor bool

	FilePosition    uint32
	HasFilePosition bool

	Flags  Flags
	Params []Parameter

	// Comment is the trailing comment, if any
	Comment string
}

// Param returns the parameter with the given letter
func (c *Command) Param(letter byte) (Value, bool) {
	letter = upper(letter)
	for _, p := range c.Params {
		if p.Letter == letter {
			return p.Value, true
		}
	}
	return Value{}, false
}

// Is reports whether c is the code letter+major, e.g. c.Is('M', 98)
func (c *Command) Is(letter byte, major int32) bool {
	return c.Letter == upper(letter) && c.HasMajor && c.Major == major
}

// MacroFile returns the file name of an M98 P"file" call
func (c *Command) MacroFile() (string, bool) {
	if !c.Is('M', 98) {
		return "", false
	}
	p, ok := c.Param('P')
	if !ok || (p.Kind != KindString && p.Kind != KindExpression) || p.Str == "" {
		return "", false
	}
	return p.Str, true
}

// String renders the code back into text form
func (c *Command) String() string {
	var sb strings.Builder
	if c.Flags&EnforceAbsolutePosition != 0 {
		sb.WriteString("G53 ")
	}
	sb.WriteByte(c.Letter)
	if c.HasMajor {
		sb.WriteString(strconv.FormatInt(int64(c.Major), 10))
		if c.HasMinor {
			sb.WriteByte('.')
			sb.WriteString(strconv.FormatInt(int64(c.Minor), 10))
		}
	}
	for _, p := range c.Params {
		sb.WriteByte(' ')
		if p.Letter != UnprecedentedLetter {
			sb.WriteByte(p.Letter)
			sb.WriteString(p.Value.String())
		} else {
			sb.WriteString(p.Value.Str)
		}
	}
	return sb.String()
}

func upper(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 'a' + 'A'
	}
	return b
}
