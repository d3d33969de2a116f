package gcode

import (
	"strconv"
	"strings"
)

// Channel identifies one logical source of codes. The numeric value is the
// channel id used on the wire and the bit index in reply routing masks.
type Channel uint8

const (
	HTTP Channel = iota
	Telnet
	File
	USB
	Aux
	Daemon
	CodeQueue
	LCD
	SPI
	AutoPause
)

// NumChannels is the number of code channels known to the firmware
const NumChannels = 10

var channelNames = [NumChannels]string{
	"HTTP", "Telnet", "File", "USB", "Aux", "Daemon", "CodeQueue", "LCD", "SPI", "AutoPause",
}

func (c Channel) String() string {
	if int(c) < NumChannels {
		return channelNames[c]
	}
	return "Channel(" + strconv.Itoa(int(c)) + ")"
}

// Valid reports whether c is a known channel
func (c Channel) Valid() bool {
	return int(c) < NumChannels
}

// ParseChannel looks up a channel by name, case-insensitively
func ParseChannel(s string) (Channel, bool) {
	for i, name := range channelNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return Channel(i), true
		}
	}
	return 0, false
}

// Channels returns every channel in ordinal order
func Channels() []Channel {
	out := make([]Channel, NumChannels)
	for i := range out {
		out[i] = Channel(i)
	}
	return out
}
