// SPDX-FileCopyrightText: 2022 Alvar Penning
// SPDX-FileCopyrightText: 2022, 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mesh

import (
	"github.com/google/uuid"

	"github.com/dtn7/mesh7-go/pkg/wire"
)

// ackKey addresses one acknowledgment window: the node the window has to
// reach and whose messages it covers, the node that received those messages,
// and the stream kind.
type ackKey struct {
	destination uuid.UUID
	source      uuid.UUID
	kind        wire.AckKind
}

// OutboundAcks aggregates the acknowledgments this node owes. One AckSet is
// kept per (destination, source, kind) channel, so memory stays bounded by
// the number of active channels instead of the ack history. EncodeFew packs
// entries into outgoing packets, rotating for fair coverage.
type OutboundAcks struct {
	ourID   uuid.UUID
	sets    map[ackKey]*wire.AckSet
	queue   []ackKey
	version uint64
}

// NewOutboundAcks creates an empty aggregate for the node ourID.
func NewOutboundAcks(ourID uuid.UUID) *OutboundAcks {
	return &OutboundAcks{
		ourID: ourID,
		sets:  make(map[ackKey]*wire.AckSet),
	}
}

// Acknowledge records that a message of source's kind stream with the given
// sequence number was received here. The resulting entry is addressed back
// to source.
func (oa *OutboundAcks) Acknowledge(source uuid.UUID, kind wire.AckKind, sn wire.SequenceNumber) {
	key := ackKey{destination: source, source: oa.ourID, kind: kind}

	set, ok := oa.sets[key]
	if !ok {
		newSet := wire.NewAckSet(kind, sn)
		oa.sets[key] = &newSet
		oa.queue = append(oa.queue, key)
		oa.version++
		return
	}

	if set.TryAdd(sn) {
		oa.version++
	}
}

// AddAckEntry stores an externally supplied entry, i.e., an acknowledgment
// relayed on behalf of another node. The entry replaces a previous window of
// the same channel.
func (oa *OutboundAcks) AddAckEntry(entry wire.AckEntry) {
	key := ackKey{destination: entry.Destination, source: entry.Source, kind: entry.Acks.Kind}

	acks := entry.Acks
	if _, ok := oa.sets[key]; !ok {
		oa.queue = append(oa.queue, key)
	}
	oa.sets[key] = &acks
	oa.version++
}

// Version increments on every acknowledgment a window accepts and on every
// stored entry, including a repeated acknowledgment that leaves the window
// as it was. Relays compare it to decide whether an ack-only packet is worth
// sending.
func (oa *OutboundAcks) Version() uint64 {
	return oa.version
}

// EncodeFew writes entries whose destination is in targets until the
// encoder's budget is exhausted, and returns the amount written. The queue
// is rotated so that repeated calls cover all channels fairly. Entries stay
// stored and are re-sent on later packets.
func (oa *OutboundAcks) EncodeFew(enc *wire.Encoder, targets map[uuid.UUID]struct{}) uint8 {
	var written uint8

	for i := 0; i < len(oa.queue); i++ {
		key := oa.queue[0]

		if _, ok := targets[key.destination]; !ok {
			oa.queue = append(oa.queue[1:], key)
			continue
		}

		entry := wire.AckEntry{
			Destination: key.destination,
			Source:      key.source,
			Acks:        *oa.sets[key],
		}
		if entry.EncodedLen() > enc.Remaining() || written == 255 {
			// Stays at the front for the next packet.
			break
		}
		if err := entry.Marshal(enc); err != nil {
			break
		}

		oa.queue = append(oa.queue[1:], key)
		written++
	}

	return written
}
