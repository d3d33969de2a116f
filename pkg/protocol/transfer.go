package protocol

import (
	"encoding/binary"
	"hash/crc32"
)

var le = binary.LittleEndian

// Checksum is the CRC-32 (IEEE) used for transfer headers and data regions
func Checksum(buf []byte) uint32 {
	return crc32.ChecksumIEEE(buf)
}

// TransferHeader precedes every full transfer.
//
//	0  FormatCode      u8
//	1  NumPackets      u8
//	2  ProtocolVersion u16
//	4  SequenceNumber  u16
//	6  DataLength      u16
//	8  DataChecksum    u32
//	12 HeaderChecksum  u32 (over bytes 0..11)
type TransferHeader struct {
	FormatCode      byte
	NumPackets      uint8
	ProtocolVersion uint16
	SequenceNumber  uint16
	DataLength      uint16
	DataChecksum    uint32
	HeaderChecksum  uint32
}

// NewTransferHeader fills in the agreed constants and both checksums
func NewTransferHeader(seq uint16, numPackets uint8, data []byte) TransferHeader {
	h := TransferHeader{
		FormatCode:      FormatCode,
		NumPackets:      numPackets,
		ProtocolVersion: ProtocolVersion,
		SequenceNumber:  seq,
		DataLength:      uint16(len(data)),
		DataChecksum:    Checksum(data),
	}
	var buf [TransferHeaderSize]byte
	h.write(buf[:])
	h.HeaderChecksum = Checksum(buf[:12])
	return h
}

func (h TransferHeader) write(to []byte) {
	to[0] = h.FormatCode
	to[1] = h.NumPackets
	le.PutUint16(to[2:], h.ProtocolVersion)
	le.PutUint16(to[4:], h.SequenceNumber)
	le.PutUint16(to[6:], h.DataLength)
	le.PutUint32(to[8:], h.DataChecksum)
}

// WriteTransferHeader encodes h into to and returns the bytes written
func WriteTransferHeader(to []byte, h TransferHeader) int {
	h.write(to)
	le.PutUint32(to[12:], h.HeaderChecksum)
	return TransferHeaderSize
}

// ReadTransferHeader decodes a transfer header
func ReadTransferHeader(from []byte) (TransferHeader, int) {
	_ = from[TransferHeaderSize-1]
	return TransferHeader{
		FormatCode:      from[0],
		NumPackets:      from[1],
		ProtocolVersion: le.Uint16(from[2:]),
		SequenceNumber:  le.Uint16(from[4:]),
		DataLength:      le.Uint16(from[6:]),
		DataChecksum:    le.Uint32(from[8:]),
		HeaderChecksum:  le.Uint32(from[12:]),
	}, TransferHeaderSize
}

// HeaderChecksumValid verifies the checksum of a raw header
func HeaderChecksumValid(raw []byte) bool {
	return Checksum(raw[:12]) == le.Uint32(raw[12:16])
}

// WriteResponse encodes an acknowledgement code
func WriteResponse(to []byte, r Response) int {
	le.PutUint32(to, uint32(r))
	return ResponseSize
}

// ReadResponse decodes an acknowledgement code
func ReadResponse(from []byte) Response {
	return Response(le.Uint32(from))
}

// PacketHeader precedes every packet in the data region
type PacketHeader struct {
	Request        uint16
	ID             uint16
	Length         uint16
	ResendPacketID uint16
}

// WritePacketHeader encodes a packet header
func WritePacketHeader(to []byte, h PacketHeader) int {
	le.PutUint16(to[0:], h.Request)
	le.PutUint16(to[2:], h.ID)
	le.PutUint16(to[4:], h.Length)
	le.PutUint16(to[6:], h.ResendPacketID)
	return PacketHeaderSize
}

// ReadPacketHeader decodes a packet header
func ReadPacketHeader(from []byte) (PacketHeader, int) {
	_ = from[PacketHeaderSize-1]
	return PacketHeader{
		Request:        le.Uint16(from[0:]),
		ID:             le.Uint16(from[2:]),
		Length:         le.Uint16(from[4:]),
		ResendPacketID: le.Uint16(from[6:]),
	}, PacketHeaderSize
}

// PacketSize is the space a packet with the given payload length occupies
func PacketSize(payloadLength int) int {
	return PacketHeaderSize + Pad(payloadLength)
}
