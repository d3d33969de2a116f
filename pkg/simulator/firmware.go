// Package simulator provides an in-process firmware peer for the transfer
// link. It implements the link's Device and ReadySignal so the host can run
// without SPI hardware, and it exposes fault injection for tests.
package simulator

import (
	"context"
	"sync"

	"dcs-spi-go/pkg/gcode"
	"dcs-spi-go/pkg/log"
	"dcs-spi-go/pkg/pool"
	"dcs-spi-go/pkg/protocol"
)

type phase int

const (
	phaseHeader phase = iota
	phaseResetAck
	phaseHeaderResponse
	phaseData
	phaseDataResponse
)

// HostPacket is a packet received from the host
type HostPacket struct {
	Request protocol.HostRequest
	ID      uint16
	Data    []byte
}

type outgoing struct {
	request protocol.FirmwareRequest
	resend  uint16
	payload []byte
}

// Firmware is a simulated firmware endpoint. All methods are safe for
// concurrent use.
type Firmware struct {
	mu     sync.Mutex
	logger *log.Logger

	phase      phase
	sequence   uint16
	hostHeader protocol.TransferHeader
	response   protocol.Response

	// data region of the transfer in progress
	region      *pool.ByteBuffer
	regionUsed  int
	regionCount int
	queue       []outgoing
	nextID      uint16
	pendingHost []byte

	// fault injection
	resetPending     bool
	badHeaderReplies int
	corruptData      int
	formatCode       byte
	protocolVersion  uint16

	readyMu  sync.Mutex
	notReady bool
	readyCh  chan struct{}

	state firmwareState

	received       []HostPacket
	headerSeqs     []uint16
	transfers      int
	resets         int
	rejected       []protocol.Response
	emergencyStops int
	codeHandler    CodeHandler
}

// New creates a simulated firmware in the idle state
func New() *Firmware {
	f := &Firmware{
		logger:          log.GetLogger("simulator"),
		formatCode:      protocol.FormatCode,
		protocolVersion: protocol.ProtocolVersion,
		nextID:          1,
		readyCh:         make(chan struct{}),
	}
	f.state.reset()
	return f
}

// WaitReady implements the ready signal. It returns at once unless the
// firmware was made unavailable with SetReady(false).
func (f *Firmware) WaitReady(ctx context.Context) error {
	f.readyMu.Lock()
	if !f.notReady {
		f.readyMu.Unlock()
		return ctx.Err()
	}
	ch := f.readyCh
	f.readyMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetReady makes the firmware answer (true) or time out (false). An
// unavailable firmware forgets any half-finished transfer.
func (f *Firmware) SetReady(ready bool) {
	if !ready {
		f.mu.Lock()
		f.phase = phaseHeader
		f.mu.Unlock()
	}
	f.readyMu.Lock()
	defer f.readyMu.Unlock()
	if ready && f.notReady {
		close(f.readyCh)
		f.readyCh = make(chan struct{})
	}
	f.notReady = !ready
}

// TransferFullDuplex implements one exchange of the link
func (f *Firmware) TransferFullDuplex(tx, rx []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.phase {
	case phaseHeader:
		f.exchangeHeader(tx, rx)
	case phaseResetAck:
		protocol.WriteResponse(rx, protocol.ResponseStateReset)
		f.phase = phaseHeader
	case phaseHeaderResponse:
		host := protocol.ReadResponse(tx)
		protocol.WriteResponse(rx, f.response)
		switch {
		case host != protocol.ResponseSuccess || f.response != protocol.ResponseSuccess:
			if host != protocol.ResponseSuccess && host != protocol.ResponseBadChecksum {
				f.rejected = append(f.rejected, host)
			}
			f.phase = phaseHeader
		case f.hostHeader.DataLength == 0 && f.regionUsed == 0:
			f.completeTransfer()
		default:
			f.phase = phaseData
		}
	case phaseData:
		f.exchangeData(tx, rx)
	case phaseDataResponse:
		host := protocol.ReadResponse(tx)
		protocol.WriteResponse(rx, f.response)
		if host == protocol.ResponseSuccess && f.response == protocol.ResponseSuccess {
			f.processHostData()
			f.completeTransfer()
		} else {
			f.phase = phaseData
		}
	}
	return nil
}

func (f *Firmware) exchangeHeader(tx, rx []byte) {
	if f.resetPending {
		clear(rx)
		protocol.WriteResponse(rx, protocol.ResponseStateReset)
		f.resetPending = false
		f.sequence = 0
		f.discardRegion()
		f.phase = phaseResetAck
		return
	}

	f.hostHeader, _ = protocol.ReadTransferHeader(tx)
	f.headerSeqs = append(f.headerSeqs, f.hostHeader.SequenceNumber)
	switch {
	case !protocol.HeaderChecksumValid(tx):
		f.response = protocol.ResponseBadChecksum
	case f.hostHeader.FormatCode != protocol.FormatCode:
		f.response = protocol.ResponseBadFormat
	case f.hostHeader.ProtocolVersion != protocol.ProtocolVersion:
		f.response = protocol.ResponseBadProtocolVersion
	case int(f.hostHeader.DataLength) > protocol.BufferSize:
		f.response = protocol.ResponseBadDataLength
	case f.badHeaderReplies > 0:
		f.badHeaderReplies--
		f.response = protocol.ResponseBadChecksum
	default:
		f.response = protocol.ResponseSuccess
	}

	f.buildRegion()
	data := f.region.Bytes()[:f.regionUsed]
	h := protocol.NewTransferHeader(f.sequence, uint8(min(f.regionCount, 255)), data)
	// an incompatible build is rejected before its checksum is looked at
	h.FormatCode = f.formatCode
	h.ProtocolVersion = f.protocolVersion
	protocol.WriteTransferHeader(rx, h)
	f.phase = phaseHeaderResponse
}

func (f *Firmware) exchangeData(tx, rx []byte) {
	clear(rx)
	copy(rx, f.region.Bytes()[:f.regionUsed])
	if f.corruptData > 0 && f.regionUsed > 0 {
		f.corruptData--
		rx[0] ^= 0xFF
	}

	hostLen := int(f.hostHeader.DataLength)
	f.response = protocol.ResponseSuccess
	if protocol.Checksum(tx[:hostLen]) != f.hostHeader.DataChecksum {
		f.response = protocol.ResponseBadChecksum
	} else {
		f.storeHostData(tx[:hostLen])
	}
	f.phase = phaseDataResponse
}

// storeHostData keeps a copy of the host region until both sides agreed
func (f *Firmware) storeHostData(data []byte) {
	f.pendingHost = append(f.pendingHost[:0], data...)
}

func (f *Firmware) completeTransfer() {
	f.transfers++
	f.sequence++
	f.discardRegion()
	f.phase = phaseHeader
}

// buildRegion assembles the data region from queued packets unless a
// region is already prepared for a repeated exchange
func (f *Firmware) buildRegion() {
	if f.region != nil {
		return
	}
	f.region = pool.GetByteBuffer()
	f.regionCount = 0
	for len(f.queue) > 0 {
		next := f.queue[0]
		size := protocol.PacketSize(len(next.payload))
		if f.region.Len()+size > protocol.BufferSize {
			break
		}
		hdr := f.region.Extend(size)
		n := protocol.WritePacketHeader(hdr, protocol.PacketHeader{
			Request:        uint16(next.request),
			ID:             f.nextID,
			Length:         uint16(len(next.payload)),
			ResendPacketID: next.resend,
		})
		copy(hdr[n:], next.payload)
		f.nextID++
		f.regionCount++
		f.queue = f.queue[1:]
	}
	f.regionUsed = f.region.Len()
}

func (f *Firmware) discardRegion() {
	if f.region != nil {
		pool.PutByteBuffer(f.region)
		f.region = nil
	}
	f.regionUsed = 0
	f.regionCount = 0
}

func (f *Firmware) enqueue(request protocol.FirmwareRequest, payload []byte) {
	f.queue = append(f.queue, outgoing{request: request, payload: payload})
}

// processHostData decodes the packets of a completed transfer
func (f *Firmware) processHostData() {
	data := f.pendingHost
	for offset := 0; offset+protocol.PacketHeaderSize <= len(data); {
		h, n := protocol.ReadPacketHeader(data[offset:])
		start := offset + n
		end := start + int(h.Length)
		if end > len(data) {
			f.logger.Error("Host packet #%d runs past the data region", h.ID)
			return
		}
		p := HostPacket{
			Request: protocol.HostRequest(h.Request),
			ID:      h.ID,
			Data:    append([]byte(nil), data[start:end]...),
		}
		f.received = append(f.received, p)
		f.handle(p)
		offset = start + protocol.Pad(int(h.Length))
	}
	f.pendingHost = f.pendingHost[:0]
}

// Fault injection and queueing helpers

// RequestReset makes the next header exchange carry the reset sentinel
func (f *Firmware) RequestReset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduleReset()
}

func (f *Firmware) scheduleReset() {
	f.resetPending = true
	f.resets++
	f.queue = nil
	f.state.reset()
}

// RejectHeaders answers the next n header exchanges with BadChecksum
func (f *Firmware) RejectHeaders(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.badHeaderReplies += n
}

// CorruptData damages the firmware's data region in the next n exchanges
func (f *Firmware) CorruptData(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corruptData += n
}

// SetFormat makes the firmware announce another format code and protocol
// version, as an incompatible build would
func (f *Firmware) SetFormat(formatCode byte, version uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.formatCode = formatCode
	f.protocolVersion = version
}

// QueueMacro asks the host to run a macro file on channel
func (f *Firmware) QueueMacro(channel gcode.Channel, filename string, reportMissing bool) {
	m := protocol.MacroRequest{Channel: channel, ReportMissing: reportMissing, Filename: filename}
	buf := make([]byte, m.Size())
	protocol.WriteMacroRequest(buf, m)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.macroDepth[channel]++
	f.enqueue(protocol.FirmwareExecuteMacro, buf)
}

// QueueAbortFile asks the host to close the innermost file on channel, or
// every file when abortAll is set
func (f *Firmware) QueueAbortFile(channel gcode.Channel, abortAll bool) {
	buf := make([]byte, 4)
	protocol.WriteAbortFile(buf, protocol.AbortFile{Channel: channel, AbortAll: abortAll})
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueue(protocol.FirmwareAbortFile, buf)
}

// QueuePrintPaused reports a pause at the given file position
func (f *Firmware) QueuePrintPaused(position uint32, reason protocol.PrintPausedReason) {
	buf := make([]byte, 8)
	protocol.WritePrintPaused(buf, protocol.PrintPaused{FilePosition: position, Reason: reason})
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.status = "paused"
	f.enqueue(protocol.FirmwarePrintPaused, buf)
}

// QueueStackEvent reports a stack change on a channel
func (f *Firmware) QueueStackEvent(e protocol.StackEvent) {
	buf := make([]byte, 8)
	protocol.WriteStackEvent(buf, e)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueue(protocol.FirmwareStackEvent, buf)
}

// QueueReply sends a message with arbitrary flags
func (f *Firmware) QueueReply(flags protocol.MessageTypeFlags, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueReply(protocol.CodeReply{Flags: flags, Text: text})
}

func (f *Firmware) queueReply(r protocol.CodeReply) {
	buf := make([]byte, r.Size())
	if _, err := protocol.WriteCodeReply(buf, r); err != nil {
		f.logger.Error("Cannot encode reply: %v", err)
		return
	}
	f.enqueue(protocol.FirmwareCodeReply, buf)
}

// QueueResend asks the host to repeat one of its packets from the
// previous transfer
func (f *Firmware) QueueResend(packetID uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, outgoing{request: protocol.FirmwareResendPacket, resend: packetID})
}

// QueueFileChunkRequest asks the host for part of a file
func (f *Firmware) QueueFileChunkRequest(filename string, offset, maxLength uint32) {
	r := protocol.FileChunkRequest{Offset: offset, MaxLength: maxLength, Filename: filename}
	buf := make([]byte, r.Size())
	protocol.WriteFileChunkRequest(buf, r)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueue(protocol.FirmwareFileChunk, buf)
}

// SetStatus changes the machine status reported in the object model
func (f *Firmware) SetStatus(status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.status = status
}

// Inspection

// Received returns the packets decoded so far
func (f *Firmware) Received() []HostPacket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]HostPacket(nil), f.received...)
}

// ReceivedOf returns the packets of one request kind
func (f *Firmware) ReceivedOf(request protocol.HostRequest) []HostPacket {
	var out []HostPacket
	for _, p := range f.Received() {
		if p.Request == request {
			out = append(out, p)
		}
	}
	return out
}

// Codes returns the codes received so far, in order
func (f *Firmware) Codes() []*gcode.Command {
	var out []*gcode.Command
	for _, p := range f.ReceivedOf(protocol.HostCode) {
		cmd, _, err := protocol.ReadCode(p.Data)
		if err == nil {
			out = append(out, cmd)
		}
	}
	return out
}

// HeaderSequences returns the host sequence number of every header exchange
func (f *Firmware) HeaderSequences() []uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint16(nil), f.headerSeqs...)
}

// Transfers returns the number of completed transfers
func (f *Firmware) Transfers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transfers
}

// Rejections returns the negative responses the host sent for headers
func (f *Firmware) Rejections() []protocol.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Response(nil), f.rejected...)
}
