package protocol

import (
	"strings"

	"dcs-spi-go/pkg/gcode"
)

// MessageTypeFlags is the bitmask attached to every firmware message. Bits
// 0..9 address code channels, the high bits carry severity and framing.
type MessageTypeFlags uint32

const (
	HTTPMessage      MessageTypeFlags = 1 << gcode.HTTP
	TelnetMessage    MessageTypeFlags = 1 << gcode.Telnet
	FileMessage      MessageTypeFlags = 1 << gcode.File
	USBMessage       MessageTypeFlags = 1 << gcode.USB
	AuxMessage       MessageTypeFlags = 1 << gcode.Aux
	DaemonMessage    MessageTypeFlags = 1 << gcode.Daemon
	CodeQueueMessage MessageTypeFlags = 1 << gcode.CodeQueue
	LCDMessage       MessageTypeFlags = 1 << gcode.LCD
	SPIMessage       MessageTypeFlags = 1 << gcode.SPI
	AutoPauseMessage MessageTypeFlags = 1 << gcode.AutoPause

	BlockingUSBMessage  MessageTypeFlags = 0x10000
	ImmediateLCDMessage MessageTypeFlags = 0x20000

	ErrorMessageFlag    MessageTypeFlags = 0x1000000
	WarningMessageFlag  MessageTypeFlags = 0x2000000
	LogMessageFlag      MessageTypeFlags = 0x4000000
	RawMessageFlag      MessageTypeFlags = 0x8000000
	BinaryCodeReplyFlag MessageTypeFlags = 0x10000000
	PushFlag            MessageTypeFlags = 0x20000000
)

// ChannelFlag returns the routing bit of a channel
func ChannelFlag(c gcode.Channel) MessageTypeFlags {
	return 1 << c
}

// Severity classifies a firmware message
type Severity uint8

const (
	SeveritySuccess Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "success"
	}
}

// Severity decodes the severity bits; error wins over warning
func (f MessageTypeFlags) Severity() Severity {
	switch {
	case f&ErrorMessageFlag != 0:
		return SeverityError
	case f&WarningMessageFlag != 0:
		return SeverityWarning
	default:
		return SeveritySuccess
	}
}

// Incomplete reports whether more text for this message follows
func (f MessageTypeFlags) Incomplete() bool {
	return f&PushFlag != 0
}

func (f MessageTypeFlags) String() string {
	var parts []string
	for _, c := range gcode.Channels() {
		if f&ChannelFlag(c) != 0 {
			parts = append(parts, c.String())
		}
	}
	named := []struct {
		flag MessageTypeFlags
		name string
	}{
		{BlockingUSBMessage, "BlockingUsb"},
		{ImmediateLCDMessage, "ImmediateLcd"},
		{ErrorMessageFlag, "Error"},
		{WarningMessageFlag, "Warning"},
		{LogMessageFlag, "Log"},
		{RawMessageFlag, "Raw"},
		{BinaryCodeReplyFlag, "CodeReply"},
		{PushFlag, "Push"},
	}
	for _, n := range named {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// Destination is where a firmware message goes. It is one of
// ChannelDestination, SeverityDestination or PushDestination.
type Destination interface {
	destination()
}

// ChannelDestination delivers a code reply to the code awaiting it on Channel
type ChannelDestination struct {
	Channel  gcode.Channel
	Severity Severity
}

// SeverityDestination sends a message no channel claimed to the generic
// output at the given severity.
type SeverityDestination struct {
	Severity Severity
}

// PushDestination holds an unclaimed message until its continuation arrives
type PushDestination struct{}

func (ChannelDestination) destination()  {}
func (SeverityDestination) destination() {}
func (PushDestination) destination()     {}

// Route decodes the flags once. targets lists the channels a code reply is
// addressed to (empty unless the reply flag is set). fallback is used when
// targets is empty or one of the targets has no code waiting for a reply.
func (f MessageTypeFlags) Route() (targets []ChannelDestination, fallback Destination) {
	sev := f.Severity()
	if f&BinaryCodeReplyFlag != 0 {
		for _, c := range gcode.Channels() {
			if f&ChannelFlag(c) != 0 {
				targets = append(targets, ChannelDestination{Channel: c, Severity: sev})
			}
		}
	}
	if f.Incomplete() {
		return targets, PushDestination{}
	}
	return targets, SeverityDestination{Severity: sev}
}
