package link

import (
	"fmt"
	"math"

	"dcs-spi-go/pkg/errors"
	"dcs-spi-go/pkg/gcode"
	"dcs-spi-go/pkg/protocol"
)

// ReadPacket returns the next packet of the last received data region, or
// nil once it is exhausted. A packet whose declared length runs past the
// region ends the iteration with a PROTOCOL error.
func (l *Link) ReadPacket() (*Packet, error) {
	if l.rxPointer >= l.rxLength {
		return nil, nil
	}
	if l.rxPointer+protocol.PacketHeaderSize > l.rxLength {
		l.rxPointer = l.rxLength
		return nil, errors.ProtocolError("read packet", "truncated packet header")
	}
	h, n := protocol.ReadPacketHeader(l.rxBuffer[l.rxPointer:])
	start := l.rxPointer + n
	if start+int(h.Length) > l.rxLength {
		l.rxPointer = l.rxLength
		return nil, errors.ProtocolError("read packet",
			fmt.Sprintf("packet #%d (request %d) declares %d bytes, only %d left", h.ID, h.Request, h.Length, l.rxLength-start))
	}
	l.rxPointer = min(start+protocol.Pad(int(h.Length)), l.rxLength)
	return &Packet{Header: h, Data: l.rxBuffer[start : start+int(h.Length)]}, nil
}

// CanWritePacket reports whether a packet with dataLength payload bytes
// still fits into the current transfer
func (l *Link) CanWritePacket(dataLength int) bool {
	return l.txPointer+protocol.PacketSize(dataLength) <= protocol.BufferSize &&
		l.numPackets < math.MaxUint8
}

// writePacket appends a packet header and returns the payload region, or
// nil if the packet does not fit
func (l *Link) writePacket(request protocol.HostRequest, dataLength int) []byte {
	if !l.CanWritePacket(dataLength) {
		return nil
	}
	buf := l.txBuffers[l.txIndex]
	l.txPointer += protocol.WritePacketHeader(buf[l.txPointer:], protocol.PacketHeader{
		Request: uint16(request),
		ID:      l.packetID,
		Length:  uint16(dataLength),
	})
	l.packetID++
	l.numPackets++
	payload := buf[l.txPointer : l.txPointer+protocol.Pad(dataLength)]
	clear(payload)
	l.txPointer += len(payload)
	return payload[:dataLength]
}

// ResendPacket copies the packet the firmware asks for from the previous
// transfer into the current one. It returns false if there is no room
// left; an unknown packet id is reported as a PROTOCOL error.
func (l *Link) ResendPacket(request *Packet) (bool, error) {
	id := request.Header.ResendPacketID
	prev := l.txBuffers[l.txIndex^1][:l.prevLength]
	for offset := 0; offset+protocol.PacketHeaderSize <= len(prev); {
		h, n := protocol.ReadPacketHeader(prev[offset:])
		size := n + protocol.Pad(int(h.Length))
		if h.ID == id {
			if !l.CanWritePacket(int(h.Length)) {
				return false, nil
			}
			copy(l.txBuffers[l.txIndex][l.txPointer:], prev[offset:offset+size])
			l.txPointer += size
			l.numPackets++
			return true, nil
		}
		offset += size
	}
	return false, errors.ProtocolError("resend packet", fmt.Sprintf("firmware requested resend for invalid packet #%d", id))
}

func (l *Link) writeEmpty(request protocol.HostRequest) bool {
	return l.writePacket(request, 0) != nil
}

// WriteGetState asks for the busy channels
func (l *Link) WriteGetState() bool { return l.writeEmpty(protocol.HostGetState) }

// WriteEmergencyStop asks the firmware to halt immediately
func (l *Link) WriteEmergencyStop() bool { return l.writeEmpty(protocol.HostEmergencyStop) }

// WriteReset asks the firmware to reboot
func (l *Link) WriteReset() bool { return l.writeEmpty(protocol.HostReset) }

// WriteGetHeightMap asks for the current height map
func (l *Link) WriteGetHeightMap() bool { return l.writeEmpty(protocol.HostGetHeightMap) }

// writeEncoded appends a packet whose payload is produced by encode. A
// payload that can never fit one transfer yields protocol.ErrPayloadTooLarge;
// an encoding failure removes the packet again.
func (l *Link) writeEncoded(request protocol.HostRequest, size int, encode func([]byte) error) (bool, error) {
	if protocol.PacketSize(size) > protocol.BufferSize {
		return false, protocol.ErrPayloadTooLarge
	}
	pointer, id, count := l.txPointer, l.packetID, l.numPackets
	payload := l.writePacket(request, size)
	if payload == nil {
		return false, nil
	}
	if err := encode(payload); err != nil {
		l.txPointer, l.packetID, l.numPackets = pointer, id, count
		return false, err
	}
	return true, nil
}

// WriteCode serializes cmd into the current transfer. It returns false if
// the code does not fit this transfer, and protocol.ErrPayloadTooLarge if
// it can never fit into one.
func (l *Link) WriteCode(cmd *gcode.Command) (bool, error) {
	return l.writeEncoded(protocol.HostCode, protocol.CodeSize(cmd), func(to []byte) error {
		_, err := protocol.WriteCode(to, cmd)
		return err
	})
}

// WriteGetObjectModel asks for one module of the object model
func (l *Link) WriteGetObjectModel(module uint8) bool {
	payload := l.writePacket(protocol.HostGetObjectModel, 4)
	if payload == nil {
		return false
	}
	protocol.WriteGetObjectModel(payload, protocol.GetObjectModel{Module: module})
	return true
}

// WriteSetObjectModel sends a field assignment encoded as a JSON fragment
func (l *Link) WriteSetObjectModel(m protocol.ObjectModel) (bool, error) {
	return l.writeEncoded(protocol.HostSetObjectModel, m.Size(), func(to []byte) error {
		_, err := protocol.WriteObjectModel(to, m)
		return err
	})
}

// WritePrintStarted announces a new print
func (l *Link) WritePrintStarted(info protocol.PrintStarted) (bool, error) {
	return l.writeEncoded(protocol.HostPrintStarted, info.Size(), func(to []byte) error {
		_, err := protocol.WritePrintStarted(to, info)
		return err
	})
}

// WritePrintStopped announces the end of a print
func (l *Link) WritePrintStopped(reason protocol.PrintStoppedReason) bool {
	payload := l.writePacket(protocol.HostPrintStopped, 4)
	if payload == nil {
		return false
	}
	protocol.WritePrintStopped(payload, protocol.PrintStopped{Reason: reason})
	return true
}

// WriteMacroCompleted acknowledges the end of a firmware-requested macro
func (l *Link) WriteMacroCompleted(channel gcode.Channel, failed bool) bool {
	payload := l.writePacket(protocol.HostMacroCompleted, 4)
	if payload == nil {
		return false
	}
	protocol.WriteMacroCompleted(payload, protocol.MacroCompleted{Channel: channel, Error: failed})
	return true
}

// WriteLockMovementAndWaitForStandstill asks for the movement lock
func (l *Link) WriteLockMovementAndWaitForStandstill(channel gcode.Channel) bool {
	return l.writeChannel(protocol.HostLockMovementAndWaitForStandstill, channel)
}

// WriteUnlock releases all resources held by channel
func (l *Link) WriteUnlock(channel gcode.Channel) bool {
	return l.writeChannel(protocol.HostUnlock, channel)
}

func (l *Link) writeChannel(request protocol.HostRequest, channel gcode.Channel) bool {
	payload := l.writePacket(request, 4)
	if payload == nil {
		return false
	}
	protocol.WriteChannelRequest(payload, protocol.ChannelRequest{Channel: channel})
	return true
}

// WriteFileChunk answers a file chunk request
func (l *Link) WriteFileChunk(chunk protocol.FileChunk) (bool, error) {
	size := 4
	if !chunk.Missing {
		size = chunk.Size()
	}
	return l.writeEncoded(protocol.HostFileChunk, size, func(to []byte) error {
		_, err := protocol.WriteFileChunk(to, chunk)
		return err
	})
}

// Pending returns the number of bytes written into the current transfer
func (l *Link) Pending() int {
	return l.txPointer
}
