// SPDX-FileCopyrightText: 2022 Alvar Penning
// SPDX-FileCopyrightText: 2022, 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mesh

import (
	"github.com/google/uuid"
)

// Relay is a one-hop transmitter towards a direct neighbor, driven by the
// Core. Implementations own the actual I/O, framing, fragmentation and
// retransmission; the Core only assigns targets and hands over messages.
//
// A Relay holds one share per inserted OutMessage. Once it has delivered to
// all of its responsible targets, or the message's target set became empty,
// it must drop the share through Core.Release. While any queued or in-flight
// work remains, IsSending must report true; after draining, the Relay should
// poke Core.TryFlush.
//
// All Relay methods are invoked on the Core's goroutine. Implementations
// doing parallel I/O must marshal their upcalls onto that goroutine
// themselves.
type Relay interface {
	// RelayID is the identifier of the directly connected neighbor.
	RelayID() uuid.UUID

	// AddTarget includes id in the set of remote nodes reached through this
	// Relay. It reports whether the target was newly added here.
	AddTarget(id uuid.UUID) bool

	// ClearTargets empties the target set, as done on a topology reset.
	ClearTargets()

	// Targets returns the remote nodes currently reached through this Relay.
	Targets() []uuid.UUID

	// InsertMessage enqueues msg for transmission under the given id.
	InsertMessage(id MessageId, msg *OutMessage)

	// IsSending reports whether any queued or in-flight work remains.
	IsSending() bool
}
