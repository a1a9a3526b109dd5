// SPDX-FileCopyrightText: 2022 Alvar Penning
// SPDX-FileCopyrightText: 2022, 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"errors"
)

// ErrEncoderFull is returned when a write would exceed the Encoder's budget.
var ErrEncoderFull = errors.New("wire: encoder buffer is full")

// Encoder serializes records into a fixed-size buffer, typically one network
// packet. Writes past the budget fail with ErrEncoderFull and leave the
// buffer untouched, so a caller can pack records until no more fit.
type Encoder struct {
	buf []byte
	off int
}

// NewEncoder creates an Encoder over buf, writing from its start.
func NewEncoder(buf []byte) *Encoder {
	return &Encoder{buf: buf}
}

// Remaining returns the amount of bytes still writable.
func (enc *Encoder) Remaining() int {
	return len(enc.buf) - enc.off
}

// Len returns the amount of bytes written so far.
func (enc *Encoder) Len() int {
	return enc.off
}

// Bytes returns the written prefix of the underlying buffer.
func (enc *Encoder) Bytes() []byte {
	return enc.buf[:enc.off]
}

// Write implements io.Writer against the remaining budget.
func (enc *Encoder) Write(p []byte) (int, error) {
	if len(p) > enc.Remaining() {
		return 0, ErrEncoderFull
	}
	copy(enc.buf[enc.off:], p)
	enc.off += len(p)
	return len(p), nil
}

// WriteUint8 appends a single byte.
func (enc *Encoder) WriteUint8(v uint8) error {
	if enc.Remaining() < 1 {
		return ErrEncoderFull
	}
	enc.buf[enc.off] = v
	enc.off++
	return nil
}

// WriteUint16 appends v in little-endian byte order.
func (enc *Encoder) WriteUint16(v uint16) error {
	if enc.Remaining() < 2 {
		return ErrEncoderFull
	}
	enc.buf[enc.off] = byte(v)
	enc.buf[enc.off+1] = byte(v >> 8)
	enc.off += 2
	return nil
}

// WriteUint32 appends v in little-endian byte order.
func (enc *Encoder) WriteUint32(v uint32) error {
	if enc.Remaining() < 4 {
		return ErrEncoderFull
	}
	enc.buf[enc.off] = byte(v)
	enc.buf[enc.off+1] = byte(v >> 8)
	enc.buf[enc.off+2] = byte(v >> 16)
	enc.buf[enc.off+3] = byte(v >> 24)
	enc.off += 4
	return nil
}
