// Unified error handling for the SPI connector
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Transport errors
	ErrTransportFatal   ErrorCode = "TRANSPORT_FATAL"
	ErrTransportTimeout ErrorCode = "TRANSPORT_TIMEOUT"
	ErrTransportIO      ErrorCode = "TRANSPORT_IO"

	// Malformed or unsupported data received from the firmware
	ErrProtocol ErrorCode = "PROTOCOL"

	// Command-level errors, reported to a single completion handle
	ErrCommand      ErrorCode = "COMMAND"
	ErrMacroMissing ErrorCode = "MACRO_MISSING"

	// Pending work abandoned by a reset, emergency stop or shutdown
	ErrCancelled ErrorCode = "CANCELLED"

	ErrConfig  ErrorCode = "CONFIG"
	ErrRuntime ErrorCode = "RUNTIME"
)

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Op names the operation that failed (e.g. "header exchange")
	Op string

	// Channel is the code channel the error belongs to, if any
	Channel string

	// Err wraps the underlying error
	Err error

	// Context provides additional context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *HostError) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Channel != "" {
		msg = fmt.Sprintf("[%s:%s] %s", e.Code, e.Channel, msg)
	} else {
		msg = fmt.Sprintf("[%s] %s", e.Code, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetOp sets the failed operation
func (e *HostError) SetOp(op string) *HostError {
	e.Op = op
	return e
}

// SetChannel sets the code channel
func (e *HostError) SetChannel(channel string) *HostError {
	e.Channel = channel
	return e
}

// SetContext adds additional context
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// Transport errors

// IncompatiblePeer reports a format, version or length mismatch in a
// transfer header. The link cannot be used until both sides are rebuilt.
func IncompatiblePeer(what string, got, want uint32) *HostError {
	return New(ErrTransportFatal, fmt.Sprintf("invalid %s 0x%x (expected 0x%x)", what, got, want)).
		SetOp("header exchange").
		SetContext("got", got).
		SetContext("want", want)
}

// TransportTimeout reports that the transfer-ready signal was not asserted
func TransportTimeout(op string) *HostError {
	return New(ErrTransportTimeout, "timeout while waiting for transfer ready pin").SetOp(op)
}

// TransportIO wraps a failure of the physical exchange
func TransportIO(op string, err error) *HostError {
	return Wrap(err, ErrTransportIO, "duplex exchange failed").SetOp(op)
}

// ProtocolError reports a malformed packet received from the firmware
func ProtocolError(op string, reason string) *HostError {
	return New(ErrProtocol, reason).SetOp(op)
}

// Command errors

// CommandError creates an error bound to a single code on a channel
func CommandError(channel string, err error) *HostError {
	return Wrap(err, ErrCommand, "code rejected").SetChannel(channel)
}

// MacroMissingError reports a macro file that could not be found
func MacroMissingError(channel, filename string) *HostError {
	return New(ErrMacroMissing, fmt.Sprintf("macro file %s not found", filename)).
		SetChannel(channel).
		SetContext("file", filename)
}

// Cancelled creates the error handed to pending work abandoned by the host
func Cancelled(reason string) *HostError {
	return New(ErrCancelled, reason)
}

// ConfigError wraps a configuration load failure
func ConfigError(path string, err error) *HostError {
	return Wrap(err, ErrConfig, "failed to load configuration").SetContext("config_path", path)
}

// RuntimeError creates a general runtime error
func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// FromPanic converts a recovered panic value into a HostError. It must be
// given the result of recover() from the deferred function itself.
func FromPanic(r interface{}) *HostError {
	if r == nil {
		return nil
	}
	switch x := r.(type) {
	case string:
		return RuntimeError(fmt.Sprintf("panic: %s", x))
	case runtime.Error:
		return Wrap(x, ErrRuntime, "panic")
	case error:
		return Wrap(x, ErrRuntime, "panic")
	default:
		return RuntimeError(fmt.Sprintf("panic: %v", x))
	}
}

// Is checks if any error in the chain is a HostError with the given code
func Is(err error, code ErrorCode) bool {
	var hostErr *HostError
	for err != nil {
		if !stderrors.As(err, &hostErr) {
			return false
		}
		if hostErr.Code == code {
			return true
		}
		err = hostErr.Err
	}
	return false
}

// IsFatal reports whether err must stop the daemon
func IsFatal(err error) bool {
	return Is(err, ErrTransportFatal) || Is(err, ErrConfig)
}

// IsCancelled checks if error was caused by a reset, emergency stop or shutdown
func IsCancelled(err error) bool {
	return Is(err, ErrCancelled)
}
