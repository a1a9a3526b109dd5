// SPDX-FileCopyrightText: 2022 Alvar Penning
// SPDX-FileCopyrightText: 2022, 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mesh

import (
	"github.com/google/uuid"

	"github.com/dtn7/mesh7-go/pkg/wire"
)

// interval is a half-open byte range [start, end) of received payload.
type interval struct {
	start uint32
	end   uint32
}

// PendingMessage accumulates the fragments of one inbound sequence number
// until the whole payload is covered. Overlapping fragments are tolerated;
// identical bytes are assumed for overlapping ranges.
type PendingMessage struct {
	Source         uuid.UUID
	Type           wire.MessageType
	SequenceNumber wire.SequenceNumber

	payload  []byte
	covered  []interval
	complete bool
}

// NewPendingMessageFromPart starts reassembly from a partial fragment.
func NewPendingMessageFromPart(part *InMessagePart) *PendingMessage {
	pm := &PendingMessage{
		Source:         part.Source,
		Type:           part.Type,
		SequenceNumber: part.SequenceNumber,
		payload:        make([]byte, part.OriginalSize),
	}
	pm.UpdatePayload(part.ChunkStart, part.Payload)
	return pm
}

// NewPendingMessageFromFull wraps an already complete message, as buffered
// for out-of-order delivery.
func NewPendingMessageFromFull(msg *InMessageFull) *PendingMessage {
	pm := &PendingMessage{
		Source:         msg.Source,
		Type:           msg.Type,
		SequenceNumber: msg.SequenceNumber,
		payload:        make([]byte, len(msg.Payload)),
	}
	pm.UpdatePayload(0, msg.Payload)
	return pm
}

// UpdatePayload writes chunk at offset and unions the covered interval.
// Chunks reaching beyond the original size are ignored.
func (pm *PendingMessage) UpdatePayload(offset uint32, chunk []byte) {
	if len(pm.payload) == 0 {
		pm.complete = true
		return
	}

	end := uint64(offset) + uint64(len(chunk))
	if len(chunk) == 0 || end > uint64(len(pm.payload)) {
		return
	}

	copy(pm.payload[offset:], chunk)
	pm.cover(interval{start: offset, end: uint32(end)})
}

// cover merges iv into the sorted, disjoint run-list of received ranges.
func (pm *PendingMessage) cover(iv interval) {
	merged := make([]interval, 0, len(pm.covered)+1)

	i, n := 0, len(pm.covered)
	for i < n && pm.covered[i].end < iv.start {
		merged = append(merged, pm.covered[i])
		i++
	}
	for i < n && pm.covered[i].start <= iv.end {
		if pm.covered[i].start < iv.start {
			iv.start = pm.covered[i].start
		}
		if pm.covered[i].end > iv.end {
			iv.end = pm.covered[i].end
		}
		i++
	}
	merged = append(merged, iv)
	merged = append(merged, pm.covered[i:]...)

	pm.covered = merged
	pm.complete = len(merged) == 1 &&
		merged[0].start == 0 && merged[0].end == uint32(len(pm.payload))
}

// FullMessage returns the reassembled message once coverage is total.
func (pm *PendingMessage) FullMessage() (InMessageFull, bool) {
	if !pm.complete {
		return InMessageFull{}, false
	}

	return InMessageFull{
		Source:         pm.Source,
		Type:           pm.Type,
		SequenceNumber: pm.SequenceNumber,
		Payload:        pm.payload,
	}, true
}
