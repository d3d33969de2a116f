// Package protocol implements the binary framing exchanged with the firmware
// over SPI: the transfer header, packet headers and every request payload.
// All integers are little-endian and every variable-length block is padded
// to a 4-byte boundary.
package protocol

import "strconv"

const (
	// FormatCode is the first byte of every transfer header
	FormatCode byte = 0x5F

	// ProtocolVersion must match the firmware exactly
	ProtocolVersion uint16 = 1

	// BufferSize is the capacity of one transfer's data region
	BufferSize = 8192

	TransferHeaderSize = 16
	PacketHeaderSize   = 8
	ResponseSize       = 4
)

// Response is the 32-bit acknowledgement exchanged after each transfer phase
type Response uint32

const (
	ResponseSuccess            Response = 1
	ResponseBadFormat          Response = 2
	ResponseBadProtocolVersion Response = 3
	ResponseBadChecksum        Response = 4
	ResponseBadDataLength      Response = 5

	// ResponseStateReset is sent by a firmware that has rebooted and wants
	// both sides to restart their sequence numbers.
	ResponseStateReset Response = 0xF0F0F0F0
)

func (r Response) String() string {
	switch r {
	case ResponseSuccess:
		return "Success"
	case ResponseBadFormat:
		return "BadFormat"
	case ResponseBadProtocolVersion:
		return "BadProtocolVersion"
	case ResponseBadChecksum:
		return "BadChecksum"
	case ResponseBadDataLength:
		return "BadDataLength"
	case ResponseStateReset:
		return "RequestStateReset"
	default:
		return "Response(" + hex32(uint32(r)) + ")"
	}
}

// HostRequest is the request kind of a packet sent to the firmware
type HostRequest uint16

const (
	HostEmergencyStop HostRequest = iota
	HostReset
	HostCode
	HostGetObjectModel
	HostSetObjectModel
	HostPrintStarted
	HostPrintStopped
	HostMacroCompleted
	HostGetHeightMap
	HostLockMovementAndWaitForStandstill
	HostUnlock
	HostWriteIap
	HostStartIap
	HostAssignFilament
	HostFileChunk
	HostGetState
)

var hostRequestNames = [...]string{
	"EmergencyStop", "Reset", "Code", "GetObjectModel", "SetObjectModel",
	"PrintStarted", "PrintStopped", "MacroCompleted", "GetHeightMap",
	"LockMovementAndWaitForStandstill", "Unlock", "WriteIap", "StartIap",
	"AssignFilament", "FileChunk", "GetState",
}

func (r HostRequest) String() string {
	if int(r) < len(hostRequestNames) {
		return hostRequestNames[r]
	}
	return "HostRequest(" + hex32(uint32(r)) + ")"
}

// FirmwareRequest is the request kind of a packet received from the firmware
type FirmwareRequest uint16

const (
	FirmwareResendPacket FirmwareRequest = iota
	FirmwareObjectModel
	FirmwareReportState
	FirmwareCodeReply
	FirmwareExecuteMacro
	FirmwareAbortFile
	FirmwareStackEvent
	FirmwarePrintPaused
	FirmwareHeightMap
	FirmwareLocked
	FirmwareFileChunk
)

var firmwareRequestNames = [...]string{
	"ResendPacket", "ObjectModel", "ReportState", "CodeReply", "ExecuteMacro",
	"AbortFile", "StackEvent", "PrintPaused", "HeightMap", "Locked", "FileChunk",
}

func (r FirmwareRequest) String() string {
	if int(r) < len(firmwareRequestNames) {
		return firmwareRequestNames[r]
	}
	return "FirmwareRequest(" + hex32(uint32(r)) + ")"
}

// DataType is the wire tag of a code parameter
type DataType uint8

const (
	TypeInt DataType = iota
	TypeUInt
	TypeFloat
	TypeIntArray
	TypeUIntArray
	TypeFloatArray
	TypeString
	TypeExpression
)

// Code header flag bits
const (
	CodeFlagHasMajorNumber          byte = 1 << 0
	CodeFlagHasMinorNumber          byte = 1 << 1
	CodeFlagHasFilePosition         byte = 1 << 2
	CodeFlagEnforceAbsolutePosition byte = 1 << 3
	CodeFlagFromMacro               byte = 1 << 4
)

// PrintStoppedReason is sent with a print-stopped notice
type PrintStoppedReason uint8

const (
	PrintStoppedNormalCompletion PrintStoppedReason = iota
	PrintStoppedUserCancelled
	PrintStoppedAbort
)

func (r PrintStoppedReason) String() string {
	switch r {
	case PrintStoppedNormalCompletion:
		return "normal completion"
	case PrintStoppedUserCancelled:
		return "user cancelled"
	case PrintStoppedAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// PrintPausedReason is reported by the firmware with a print-paused packet
type PrintPausedReason uint8

const (
	PausedUser PrintPausedReason = iota + 1
	PausedGCode
	PausedFilament
	PausedTrigger
	PausedHeaterFault
	PausedFilamentError
	PausedStall
	PausedLowVoltage
)

// StackFlags describe the state of a channel's G-code stack
type StackFlags uint16

const (
	StackDrivesRelative StackFlags = 1 << 0
	StackAxesRelative   StackFlags = 1 << 1
	StackUsingInches    StackFlags = 1 << 2
)

func hex32(v uint32) string {
	return "0x" + strconv.FormatUint(uint64(v), 16)
}

// Pad rounds n up to the next multiple of four
func Pad(n int) int {
	return (n + 3) &^ 3
}
