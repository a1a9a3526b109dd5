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

// UnreliableId is the user-supplied identity of an unreliable broadcast.
// Re-broadcasting under the same UnreliableId while the previous payload is
// still queued replaces that payload in flight.
type UnreliableId uint64

// idKind discriminates the MessageId variants.
type idKind uint8

const (
	idReliableBroadcast idKind = iota + 1
	idReliableUnicast
	idUnreliableBroadcast
	idForward
)

// MessageId keys the outbound message table. It is a tagged union over the
// four traffic classes; unused fields stay at their zero value so that
// MessageId is comparable and usable as a map key.
type MessageId struct {
	kind   idKind
	peer   uuid.UUID
	sn     wire.SequenceNumber
	userId UnreliableId
}

// ReliableBroadcastId keys a message of this node's reliable broadcast
// stream.
func ReliableBroadcastId(sn wire.SequenceNumber) MessageId {
	return MessageId{kind: idReliableBroadcast, sn: sn}
}

// ReliableUnicastId keys a syn directed at peer.
func ReliableUnicastId(peer uuid.UUID, sn wire.SequenceNumber) MessageId {
	return MessageId{kind: idReliableUnicast, peer: peer, sn: sn}
}

// UnreliableBroadcastId keys an unreliable broadcast by its user-supplied
// identity.
func UnreliableBroadcastId(userId UnreliableId) MessageId {
	return MessageId{kind: idUnreliableBroadcast, userId: userId}
}

// ForwardId is the shared bucket for relayed opaque traffic. Forwards are
// not deduplicated.
func ForwardId() MessageId {
	return MessageId{kind: idForward}
}

func (mid MessageId) String() string {
	switch mid.kind {
	case idReliableBroadcast:
		return fmt.Sprintf("ReliableBroadcastId(%d)", mid.sn)
	case idReliableUnicast:
		return fmt.Sprintf("ReliableUnicastId(%v, %d)", mid.peer, mid.sn)
	case idUnreliableBroadcast:
		return fmt.Sprintf("UnreliableBroadcastId(%d)", mid.userId)
	case idForward:
		return "ForwardId"
	default:
		return "INVALID"
	}
}
