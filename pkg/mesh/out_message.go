// SPDX-FileCopyrightText: 2022 Alvar Penning
// SPDX-FileCopyrightText: 2022, 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mesh

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/dtn7/mesh7-go/pkg/wire"
)

// OutMessage is one outbound payload, shared by every relay currently
// queuing it. The core's message table observes it without owning it: each
// relay holds a share, and when the last share is dropped the core's release
// path retires the table entry.
//
// Targets holds the peers still owed delivery. Acknowledgments erase peers
// from it; an OutMessage with an empty Targets set is a retirement
// candidate.
type OutMessage struct {
	Source         uuid.UUID
	Reliable       bool
	Type           wire.MessageType
	SequenceNumber wire.SequenceNumber
	Targets        map[uuid.UUID]struct{}

	payload []byte
	shares  int

	// A forwarded message carries somebody else's chunk; its record must
	// reproduce the original coverage instead of describing payload as a
	// whole message.
	originalSize uint32
	chunkStart   uint32
}

// NewOutMessage creates an OutMessage without any relay shares.
func NewOutMessage(source uuid.UUID, targets map[uuid.UUID]struct{}, reliable bool,
	msgType wire.MessageType, sn wire.SequenceNumber, payload []byte) *OutMessage {

	return &OutMessage{
		Source:         source,
		Reliable:       reliable,
		Type:           msgType,
		SequenceNumber: sn,
		Targets:        targets,
		payload:        payload,
		originalSize:   uint32(len(payload)),
	}
}

// forwardOutMessage wraps a received part for onward relaying, preserving
// the original source, type and chunk coverage.
func forwardOutMessage(part *InMessagePart, targets map[uuid.UUID]struct{}, payload []byte) *OutMessage {
	return &OutMessage{
		Source:         part.Source,
		Reliable:       false,
		Type:           part.Type,
		SequenceNumber: part.SequenceNumber,
		Targets:        targets,
		payload:        payload,
		originalSize:   part.OriginalSize,
		chunkStart:     part.ChunkStart,
	}
}

// Payload returns the current payload bytes.
func (m *OutMessage) Payload() []byte {
	return m.payload
}

// ResetPayload replaces the payload. Used for unreliable broadcasts whose
// user identity is re-sent while the previous payload is still queued:
// newest wins.
func (m *OutMessage) ResetPayload(payload []byte) {
	m.payload = payload
	m.originalSize = uint32(len(payload))
	m.chunkStart = 0
}

// Record builds the wire record for the payload bytes
// [start, start+length) of this message's buffer.
func (m *OutMessage) Record(start, length uint32) wire.PayloadRecord {
	return wire.PayloadRecord{
		Source:         m.Source,
		Type:           m.Type,
		SequenceNumber: m.SequenceNumber,
		OriginalSize:   m.originalSize,
		ChunkStart:     m.chunkStart + start,
		Payload:        m.payload[start : start+length],
	}
}

func (m *OutMessage) String() string {
	return fmt.Sprintf("OutMessage(%v, %v, sn %d, %d bytes, %d targets)",
		m.Source, m.Type, m.SequenceNumber, len(m.payload), len(m.Targets))
}
