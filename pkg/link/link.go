// Package link implements the transfer layer between the host and the
// firmware: one full transfer is a header exchange followed by an optional
// data exchange, each acknowledged with a 32-bit response code.
package link

import (
	"context"
	stderrors "errors"
	"time"

	"dcs-spi-go/pkg/errors"
	"dcs-spi-go/pkg/log"
	"dcs-spi-go/pkg/metrics"
	"dcs-spi-go/pkg/protocol"
)

// Common errors
var (
	ErrNotReady = stderrors.New("link: transfer ready timeout")
)

// Device performs one full-duplex exchange. tx and rx always have the
// same length.
type Device interface {
	TransferFullDuplex(tx, rx []byte) error
}

// ReadySignal blocks until the firmware asserts its transfer-ready line
type ReadySignal interface {
	WaitReady(ctx context.Context) error
}

// Config holds link settings
type Config struct {
	// ReadyTimeout bounds every wait for the ready signal (default: 500ms)
	ReadyTimeout time.Duration

	// Metrics receives transfer counters; may be nil
	Metrics *metrics.ConnectorMetrics

	// Logger defaults to the "link" logger
	Logger *log.Logger
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{ReadyTimeout: 500 * time.Millisecond}
}

// Packet is one packet of the received data region
type Packet struct {
	Header protocol.PacketHeader
	Data   []byte
}

// Request returns the firmware request kind of the packet
func (p *Packet) Request() protocol.FirmwareRequest {
	return protocol.FirmwareRequest(p.Header.Request)
}

// Link owns the physical exchange and the transfer buffers. It is not safe
// for concurrent use; the scheduler loop is its only caller.
type Link struct {
	dev     Device
	ready   ReadySignal
	timeout time.Duration
	metrics *metrics.ConnectorMetrics
	logger  *log.Logger

	sequence     uint16
	lastPeerSeq  uint16
	havePeerSeq  bool
	rxHeader     protocol.TransferHeader
	txHeaderBuf  [protocol.TransferHeaderSize]byte
	rxHeaderBuf  [protocol.TransferHeaderSize]byte
	txRespBuf    [protocol.ResponseSize]byte
	rxRespBuf    [protocol.ResponseSize]byte
	hadReset     bool
	connected    bool
	everSeenPeer bool

	// Two TX buffers so the previous transfer can serve resend requests
	txBuffers  [2][]byte
	txIndex    int
	txPointer  int
	prevLength int
	packetID   uint16
	numPackets uint8

	rxBuffer  []byte
	rxLength  int
	rxPointer int
}

// New creates a link over dev, waiting on ready before every exchange
func New(dev Device, ready ReadySignal, cfg Config) *Link {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultConfig().ReadyTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.GetLogger("link")
	}
	return &Link{
		dev:       dev,
		ready:     ready,
		timeout:   cfg.ReadyTimeout,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		txBuffers: [2][]byte{make([]byte, protocol.BufferSize), make([]byte, protocol.BufferSize)},
		rxBuffer:  make([]byte, protocol.BufferSize),
		packetID:  1,
	}
}

// Connected reports whether the last transfer completed
func (l *Link) Connected() bool {
	return l.connected
}

// Sequence returns the sequence number the next transfer will carry
func (l *Link) Sequence() uint16 {
	return l.sequence
}

// HadReset reports whether the firmware was reset since the last call
func (l *Link) HadReset() bool {
	r := l.hadReset
	l.hadReset = false
	return r
}

// PerformFullTransfer exchanges headers and, if either side has data, the
// data regions. A ready timeout is not an error: it marks the link as
// disconnected and leaves the pending output for the next attempt.
// Incompatible peers are reported as TRANSPORT_FATAL errors.
func (l *Link) PerformFullTransfer(ctx context.Context) error {
	start := time.Now()
	err := l.exchangeHeader(ctx)
	if err == nil {
		err = l.exchangeData(ctx)
	}

	switch {
	case err == nil:
	case stderrors.Is(err, ErrNotReady):
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.connected || !l.everSeenPeer {
			l.logger.Warn("Lost connection to firmware")
			l.everSeenPeer = true
		}
		l.connected = false
		l.metrics.SetConnected(false)
		return nil
	default:
		return err
	}

	if !l.connected {
		l.logger.Info("Connection to firmware established")
		l.connected = true
		l.everSeenPeer = true
		l.metrics.SetConnected(true)
	}
	l.metrics.ObserveTransfer(start)
	return nil
}

func (l *Link) waitReady(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.ready.WaitReady(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if waitCtx.Err() != nil {
			return ErrNotReady
		}
		return errors.Wrap(err, errors.ErrTransportIO, "ready signal failed").SetOp("wait ready")
	}
	return nil
}

func (l *Link) exchange(ctx context.Context, op string, tx, rx []byte) error {
	if err := l.waitReady(ctx); err != nil {
		return err
	}
	if err := l.dev.TransferFullDuplex(tx, rx); err != nil {
		return errors.TransportIO(op, err)
	}
	return nil
}

func (l *Link) exchangeResponse(ctx context.Context, r protocol.Response) (protocol.Response, error) {
	protocol.WriteResponse(l.txRespBuf[:], r)
	if err := l.exchange(ctx, "response exchange", l.txRespBuf[:], l.rxRespBuf[:]); err != nil {
		return 0, err
	}
	return protocol.ReadResponse(l.rxRespBuf[:]), nil
}

func (l *Link) prepareHeader() {
	h := protocol.NewTransferHeader(l.sequence, l.numPackets, l.txBuffers[l.txIndex][:l.txPointer])
	protocol.WriteTransferHeader(l.txHeaderBuf[:], h)
}

func (l *Link) resetDetected() {
	l.logger.Warn("Firmware requested a state reset")
	l.hadReset = true
	l.sequence = 0
	l.havePeerSeq = false
	l.metrics.FirmwareReset()

	// Nothing written so far is meaningful to the restarted firmware
	l.txPointer = 0
	l.numPackets = 0
	l.packetID = 1
	l.prevLength = 0
}

// exchangeHeader repeats the header exchange until both sides accept it.
// Cancellation is checked between attempts only, so an exchange that has
// started is always completed.
func (l *Link) exchangeHeader(ctx context.Context) error {
	stop := ctx
	ctx = context.WithoutCancel(ctx)
	for attempt := 0; ; attempt++ {
		if attempt > 0 && stop.Err() != nil {
			return stop.Err()
		}
		l.prepareHeader()
		clear(l.rxHeaderBuf[:])
		if err := l.exchange(ctx, "header exchange", l.txHeaderBuf[:], l.rxHeaderBuf[:]); err != nil {
			return err
		}

		// A rebooted firmware sends the reset sentinel in place of a header
		for protocol.ReadResponse(l.rxHeaderBuf[:]) == protocol.ResponseStateReset {
			if _, err := l.exchangeResponse(ctx, protocol.ResponseStateReset); err != nil {
				return err
			}
			l.resetDetected()
			l.prepareHeader()
			if err := l.exchange(ctx, "header exchange", l.txHeaderBuf[:], l.rxHeaderBuf[:]); err != nil {
				return err
			}
		}

		h, _ := protocol.ReadTransferHeader(l.rxHeaderBuf[:])
		if h.FormatCode != protocol.FormatCode {
			_, _ = l.exchangeResponse(ctx, protocol.ResponseBadFormat)
			return errors.IncompatiblePeer("format code", uint32(h.FormatCode), uint32(protocol.FormatCode))
		}
		if h.ProtocolVersion != protocol.ProtocolVersion {
			_, _ = l.exchangeResponse(ctx, protocol.ResponseBadProtocolVersion)
			return errors.IncompatiblePeer("protocol version", uint32(h.ProtocolVersion), uint32(protocol.ProtocolVersion))
		}
		if int(h.DataLength) > protocol.BufferSize {
			_, _ = l.exchangeResponse(ctx, protocol.ResponseBadDataLength)
			return errors.IncompatiblePeer("data length", uint32(h.DataLength), protocol.BufferSize)
		}
		if !protocol.HeaderChecksumValid(l.rxHeaderBuf[:]) {
			l.logger.Debug("Bad header checksum, repeating header exchange (seq %d)", l.sequence)
			l.metrics.ChecksumRetry("header")
			if _, err := l.exchangeResponse(ctx, protocol.ResponseBadChecksum); err != nil {
				return err
			}
			continue
		}

		response, err := l.exchangeResponse(ctx, protocol.ResponseSuccess)
		if err != nil {
			return err
		}
		switch response {
		case protocol.ResponseSuccess:
			l.rxHeader = h
			return nil
		case protocol.ResponseBadFormat:
			return errors.New(errors.ErrTransportFatal, "firmware refused message format").SetOp("header exchange")
		case protocol.ResponseBadProtocolVersion:
			return errors.New(errors.ErrTransportFatal, "firmware refused protocol version").SetOp("header exchange")
		case protocol.ResponseBadDataLength:
			return errors.New(errors.ErrTransportFatal, "firmware refused data length").SetOp("header exchange")
		case protocol.ResponseStateReset:
			l.resetDetected()
		case protocol.ResponseBadChecksum:
			l.logger.Debug("Firmware reported bad header checksum (seq %d)", l.sequence)
			l.metrics.ChecksumRetry("header")
		default:
			l.logger.Warn("Unexpected header response %s", response)
		}
	}
}

func (l *Link) exchangeData(ctx context.Context) error {
	peerSeq := l.rxHeader.SequenceNumber
	if l.havePeerSeq && int16(peerSeq-l.lastPeerSeq) < 0 {
		l.logger.Warn("Firmware sequence number went back from %d to %d", l.lastPeerSeq, peerSeq)
		l.hadReset = true
		l.metrics.FirmwareReset()
	}
	l.lastPeerSeq, l.havePeerSeq = peerSeq, true

	rxLength := int(l.rxHeader.DataLength)
	size := max(rxLength, l.txPointer)
	l.rxLength, l.rxPointer = 0, 0
	if size == 0 {
		l.sequence++
		return nil
	}

	tx := l.txBuffers[l.txIndex][:size]
	clear(tx[l.txPointer:])
	rx := l.rxBuffer[:size]
	stop := ctx
	ctx = context.WithoutCancel(ctx)
	for attempt := 0; ; attempt++ {
		if attempt > 0 && stop.Err() != nil {
			return stop.Err()
		}
		if err := l.exchange(ctx, "data exchange", tx, rx); err != nil {
			return err
		}
		own := protocol.ResponseSuccess
		if protocol.Checksum(rx[:rxLength]) != l.rxHeader.DataChecksum {
			own = protocol.ResponseBadChecksum
		}
		response, err := l.exchangeResponse(ctx, own)
		if err != nil {
			return err
		}

		switch {
		case own == protocol.ResponseSuccess && response == protocol.ResponseSuccess:
			l.rxLength = rxLength
			l.prevLength = l.txPointer
			l.txIndex ^= 1
			l.txPointer = 0
			l.numPackets = 0
			l.sequence++
			return nil
		case response == protocol.ResponseStateReset:
			l.resetDetected()
			return nil
		case own == protocol.ResponseBadChecksum || response == protocol.ResponseBadChecksum:
			l.logger.Debug("Bad data checksum (host %s, firmware %s), repeating data exchange", own, response)
			l.metrics.ChecksumRetry("data")
		default:
			return errors.ProtocolError("data exchange", "unexpected response "+response.String())
		}
	}
}
