// Buffer pools for the transfer hot path
//
// Provides reusable byte storage for:
// - file chunks read for the firmware until they are placed in a transfer
// - frames built by the firmware simulator
//
// Usage:
//
//	buf := pool.GetBytes(512)
//	defer pool.PutBytes(buf)
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package pool

import (
	"sync"
)

// size classes for GetBytes; the largest matches one transfer data region
var sizeClasses = [...]int{256, 1024, 8192}

var bytePools [len(sizeClasses)]sync.Pool

func init() {
	for i, size := range sizeClasses {
		s := size // capture for closure
		bytePools[i].New = func() any {
			b := make([]byte, s)
			return &b
		}
	}
}

// classIndex returns the smallest class holding size bytes, or -1
func classIndex(size int) int {
	for i, c := range sizeClasses {
		if size <= c {
			return i
		}
	}
	return -1
}

// GetBytes returns a zeroed slice of length size. Sizes above the largest
// class are allocated directly.
func GetBytes(size int) []byte {
	idx := classIndex(size)
	if idx < 0 {
		return make([]byte, size)
	}
	b := (*bytePools[idx].Get().(*[]byte))[:size]
	clear(b)
	return b
}

// PutBytes returns a slice obtained from GetBytes
func PutBytes(b []byte) {
	if b == nil {
		return
	}
	b = b[:cap(b)]
	for i, c := range sizeClasses {
		if len(b) == c {
			bytePools[i].Put(&b)
			return
		}
	}
	// foreign capacity, let the GC have it
}

// ByteBuffer is an append-only buffer used to assemble frames
type ByteBuffer struct {
	buf []byte
}

var byteBufferPool = sync.Pool{
	New: func() any {
		return &ByteBuffer{buf: make([]byte, 0, 512)}
	},
}

// GetByteBuffer gets an empty byte buffer from the pool
func GetByteBuffer() *ByteBuffer {
	b := byteBufferPool.Get().(*ByteBuffer)
	b.buf = b.buf[:0]
	return b
}

// PutByteBuffer returns a byte buffer to the pool
func PutByteBuffer(b *ByteBuffer) {
	if b == nil {
		return
	}
	// Don't keep buffers that grew past one transfer
	if cap(b.buf) > sizeClasses[len(sizeClasses)-1] {
		return
	}
	byteBufferPool.Put(b)
}

// Bytes returns the buffer's contents
func (b *ByteBuffer) Bytes() []byte {
	return b.buf
}

// Write appends bytes to the buffer
func (b *ByteBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Extend grows the buffer by n zero bytes and returns the new region
func (b *ByteBuffer) Extend(n int) []byte {
	start := len(b.buf)
	b.buf = append(b.buf, make([]byte, n)...)
	return b.buf[start:]
}

// Len returns the buffer length
func (b *ByteBuffer) Len() int {
	return len(b.buf)
}

// Reset clears the buffer
func (b *ByteBuffer) Reset() {
	b.buf = b.buf[:0]
}
