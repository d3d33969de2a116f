package gcode

import (
	"fmt"
	"strconv"
	"strings"
)

// UnprecedentedLetter carries the free-text argument of codes like M117
const UnprecedentedLetter = '@'

// freeTextCodes take the rest of the line as one string argument
var freeTextCodes = map[int32]bool{
	23: true, 28: true, 30: true, 32: true, 36: true, 117: true,
}

// ParseError reports a line that could not be tokenized
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse code %q: %s", e.Line, e.Reason)
}

// Parse tokenizes one line. It returns nil, nil for lines that hold only
// whitespace or comments.
func Parse(line string) (*Command, error) {
	body, comment := stripComments(line)
	body = stripLineNumber(body)
	if body == "" {
		return nil, nil
	}

	cmd := &Command{Comment: comment}
	rest := body
	for {
		letter, major, minor, hasMajor, hasMinor, tail, err := readCodeWord(rest)
		if err != nil {
			return nil, &ParseError{Line: line, Reason: err.Error()}
		}
		cmd.Letter = letter
		cmd.Major, cmd.HasMajor = major, hasMajor
		cmd.Minor, cmd.HasMinor = minor, hasMinor
		rest = strings.TrimLeft(tail, " \t")

		// G53 applies to the code that follows it on the same line
		if cmd.Is('G', 53) && !cmd.HasMinor && rest != "" && isCodeLetter(rest[0]) {
			cmd.Flags |= EnforceAbsolutePosition
			continue
		}
		break
	}

	if cmd.Letter == 'M' && cmd.HasMajor && freeTextCodes[cmd.Major] && rest != "" {
		text := strings.TrimSpace(rest)
		if len(text) >= 2 && text[0] == '"' && text[len(text)-1] == '"' {
			text = strings.ReplaceAll(text[1:len(text)-1], `""`, `"`)
		}
		cmd.Params = append(cmd.Params, Parameter{Letter: UnprecedentedLetter, Value: Value{Kind: KindString, Str: text}})
		return cmd, nil
	}

	params, err := readParameters(rest)
	if err != nil {
		return nil, &ParseError{Line: line, Reason: err.Error()}
	}
	cmd.Params = params
	return cmd, nil
}

// ParseCode is Parse for a code whose channel is already known
func ParseCode(channel Channel, line string) (*Command, error) {
	cmd, err := Parse(line)
	if cmd != nil {
		cmd.Channel = channel
	}
	return cmd, err
}

func isCodeLetter(b byte) bool {
	b = upper(b)
	return b == 'G' || b == 'M' || b == 'T'
}

// stripComments removes ';' and '(...)' comments outside quoted strings
func stripComments(line string) (body, comment string) {
	var sb strings.Builder
	inQuotes, inParen := false, false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case inParen:
			if c == ')' {
				inParen = false
				sb.WriteByte(' ')
			}
		case c == '"':
			inQuotes = !inQuotes
			sb.WriteByte(c)
		case !inQuotes && c == ';':
			return strings.TrimSpace(sb.String()), strings.TrimSpace(line[i+1:])
		case !inQuotes && c == '(':
			inParen = true
		default:
			sb.WriteByte(c)
		}
	}
	return strings.TrimSpace(sb.String()), ""
}

// stripLineNumber drops an "N123" prefix and a "*45" checksum suffix
func stripLineNumber(s string) string {
	if len(s) > 1 && upper(s[0]) == 'N' && s[1] >= '0' && s[1] <= '9' {
		i := 1
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		s = strings.TrimSpace(s[i:])
	}
	if idx := strings.LastIndexByte(s, '*'); idx >= 0 && !strings.Contains(s[idx:], `"`) {
		if _, err := strconv.Atoi(strings.TrimSpace(s[idx+1:])); err == nil {
			s = strings.TrimSpace(s[:idx])
		}
	}
	return s
}

func readCodeWord(s string) (letter byte, major, minor int32, hasMajor, hasMinor bool, tail string, err error) {
	if s == "" || !isCodeLetter(s[0]) {
		return 0, 0, 0, false, false, s, fmt.Errorf("expected G, M or T code")
	}
	letter = upper(s[0])
	i := 1
	for i < len(s) && (s[i] >= '0' && s[i] <= '9') {
		i++
	}
	if i > 1 {
		v, perr := strconv.ParseInt(s[1:i], 10, 32)
		if perr != nil {
			return 0, 0, 0, false, false, s, fmt.Errorf("invalid code number %q", s[1:i])
		}
		major, hasMajor = int32(v), true
		if i < len(s) && s[i] == '.' {
			j := i + 1
			for j < len(s) && s[j] >= '0' && s[j] <= '9' {
				j++
			}
			if j == i+1 {
				return 0, 0, 0, false, false, s, fmt.Errorf("missing minor number")
			}
			v, perr = strconv.ParseInt(s[i+1:j], 10, 32)
			if perr != nil {
				return 0, 0, 0, false, false, s, fmt.Errorf("invalid minor number %q", s[i+1:j])
			}
			minor, hasMinor = int32(v), true
			i = j
		}
	}
	if i < len(s) && s[i] != ' ' && s[i] != '\t' && s[i] != '"' && !isLetter(s[i]) {
		return 0, 0, 0, false, false, s, fmt.Errorf("unexpected character %q after code", s[i])
	}
	return letter, major, minor, hasMajor, hasMinor, s[i:], nil
}

func isLetter(b byte) bool {
	b = upper(b)
	return b >= 'A' && b <= 'Z'
}

func readParameters(s string) ([]Parameter, error) {
	var params []Parameter
	i := 0
	for i < len(s) {
		c := s[i]
		if c == ' ' || c == '\t' {
			i++
			continue
		}
		if !isLetter(c) {
			return nil, fmt.Errorf("unexpected character %q", c)
		}
		letter := upper(c)
		i++

		if i < len(s) && s[i] == '"' {
			str, n, err := readQuoted(s[i:])
			if err != nil {
				return nil, err
			}
			i += n
			params = append(params, Parameter{Letter: letter, Value: StringValue(str)})
			continue
		}

		start := i
		for i < len(s) && s[i] != ' ' && s[i] != '\t' {
			if s[i] == '"' {
				return nil, fmt.Errorf("unexpected quote in parameter %c", letter)
			}
			i++
		}
		params = append(params, Parameter{Letter: letter, Value: parseValue(s[start:i])})
	}
	return params, nil
}

// readQuoted reads a "..." string where "" stands for one quote character.
// It returns the decoded string and the number of input bytes consumed.
func readQuoted(s string) (string, int, error) {
	var sb strings.Builder
	for i := 1; i < len(s); i++ {
		if s[i] != '"' {
			sb.WriteByte(s[i])
			continue
		}
		if i+1 < len(s) && s[i+1] == '"' {
			sb.WriteByte('"')
			i++
			continue
		}
		return sb.String(), i + 1, nil
	}
	return "", 0, fmt.Errorf("unterminated string")
}

// parseValue infers the narrowest type for an unquoted value:
// int, then uint, then float, each optionally as a ':' separated array.
func parseValue(raw string) Value {
	if raw == "" {
		return Value{Kind: KindString}
	}
	if strings.Contains(raw, ":") {
		parts := strings.Split(raw, ":")
		if ints, ok := parseInts(parts); ok {
			return IntArray(ints...)
		}
		if uints, ok := parseUInts(parts); ok {
			return UIntArray(uints...)
		}
		if floats, ok := parseFloats(parts); ok {
			return FloatArray(floats...)
		}
		return StringValue(raw)
	}
	if v, err := strconv.ParseInt(raw, 10, 32); err == nil {
		return IntValue(int32(v))
	}
	if v, err := strconv.ParseUint(raw, 10, 32); err == nil {
		return UIntValue(uint32(v))
	}
	if v, err := strconv.ParseFloat(raw, 32); err == nil {
		return FloatValue(float32(v))
	}
	return StringValue(raw)
}

func parseInts(parts []string) ([]int32, bool) {
	out := make([]int32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseInt(p, 10, 32)
		if err != nil {
			return nil, false
		}
		out[i] = int32(v)
	}
	return out, true
}

func parseUInts(parts []string) ([]uint32, bool) {
	out := make([]uint32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, false
		}
		out[i] = uint32(v)
	}
	return out, true
}

func parseFloats(parts []string) ([]float32, bool) {
	out := make([]float32, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 32)
		if err != nil {
			return nil, false
		}
		out[i] = float32(v)
	}
	return out, true
}
