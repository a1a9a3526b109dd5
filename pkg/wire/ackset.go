// SPDX-FileCopyrightText: 2022 Alvar Penning
// SPDX-FileCopyrightText: 2022, 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"fmt"

	"github.com/google/uuid"
)

// AckKind discriminates the two reliable stream kinds an AckSet can
// summarize.
type AckKind uint8

const (
	// AckBroadcast acknowledges a source's reliable broadcast stream.
	AckBroadcast AckKind = 1

	// AckUnicast acknowledges reliable unicasts, i.e., syn messages.
	AckUnicast AckKind = 2
)

func (ak AckKind) String() string {
	switch ak {
	case AckBroadcast:
		return "broadcast"
	case AckUnicast:
		return "unicast"
	default:
		return "INVALID"
	}
}

// IsValid checks if this AckKind represents a known value.
func (ak AckKind) IsValid() bool {
	return ak.String() != "INVALID"
}

// ackWindow is the amount of predecessors of HighestSn an AckSet covers.
const ackWindow = 32

// AckSet is a compact summary of recently received sequence numbers for one
// (source, kind) channel: the highest received number plus a bitmap of its
// 32 predecessors. Bit i of the bitmap marks HighestSn-1-i as received.
//
// The zero value is an empty set which adopts the first added number.
type AckSet struct {
	Kind         AckKind
	HighestSn    SequenceNumber
	Predecessors uint32

	populated bool
}

// NewAckSet creates an AckSet of the given kind with sn as its only member.
func NewAckSet(kind AckKind, sn SequenceNumber) AckSet {
	return AckSet{
		Kind:      kind,
		HighestSn: sn,
		populated: true,
	}
}

// CanAdd checks whether TryAdd would accept sn, without mutating the set.
func (as *AckSet) CanAdd(sn SequenceNumber) bool {
	if !as.populated || sn >= as.HighestSn {
		return true
	}
	return as.HighestSn-sn <= ackWindow
}

// TryAdd marks sn as received. Numbers beyond the current highest shift the
// window forward; numbers within the window set their bit. Numbers older
// than the window are refused. TryAdd is idempotent.
func (as *AckSet) TryAdd(sn SequenceNumber) bool {
	if !as.populated {
		as.populated = true
		as.HighestSn = sn
		as.Predecessors = 0
		return true
	}

	if sn > as.HighestSn {
		d := uint32(sn - as.HighestSn)
		if d > ackWindow {
			as.Predecessors = 0
		} else {
			as.Predecessors = as.Predecessors<<d | 1<<(d-1)
		}
		as.HighestSn = sn
		return true
	}

	if sn == as.HighestSn {
		return true
	}

	d := uint32(as.HighestSn - sn)
	if d > ackWindow {
		return false
	}
	as.Predecessors |= 1 << (d - 1)
	return true
}

// Sequences returns the marked sequence numbers in ascending order.
func (as *AckSet) Sequences() []SequenceNumber {
	if !as.populated {
		return nil
	}

	sns := make([]SequenceNumber, 0, ackWindow+1)
	for i := ackWindow - 1; i >= 0; i-- {
		if as.Predecessors&(1<<uint(i)) != 0 {
			sns = append(sns, as.HighestSn-1-SequenceNumber(i))
		}
	}
	return append(sns, as.HighestSn)
}

func (as AckSet) String() string {
	return fmt.Sprintf("AckSet(%v, %d, %032b)", as.Kind, as.HighestSn, as.Predecessors)
}

// AckEntry is one routable acknowledgment record: the summarized window of
// Destination's messages as received by Source, the acknowledging node,
// addressed to Destination. Entries whose Destination is not the local node are carried
// on behalf of other relay hops.
type AckEntry struct {
	Destination uuid.UUID
	Source      uuid.UUID
	Acks        AckSet
}

func (ae AckEntry) String() string {
	return fmt.Sprintf("AckEntry(%v <- %v, %v)", ae.Destination, ae.Source, ae.Acks)
}
