// SPDX-FileCopyrightText: 2022 Alvar Penning
// SPDX-FileCopyrightText: 2022, 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mesh

import (
	"bytes"

	"github.com/google/uuid"

	"github.com/dtn7/mesh7-go/pkg/wire"
)

// queuedEntry is one inserted message inside a mockRelay.
type queuedEntry struct {
	id        MessageId
	msg       *OutMessage
	delivered bool
}

// mockRelay queues inserted messages without any I/O. Tests drive delivery
// explicitly through the testNode helpers.
type mockRelay struct {
	owner   *Core
	relayID uuid.UUID
	targets map[uuid.UUID]struct{}
	queue   []*queuedEntry
}

func newMockRelay(owner *Core, relayID uuid.UUID) *mockRelay {
	return &mockRelay{
		owner:   owner,
		relayID: relayID,
		targets: make(map[uuid.UUID]struct{}),
	}
}

func (r *mockRelay) RelayID() uuid.UUID {
	return r.relayID
}

func (r *mockRelay) AddTarget(id uuid.UUID) bool {
	if _, ok := r.targets[id]; ok {
		return false
	}
	r.targets[id] = struct{}{}
	return true
}

func (r *mockRelay) ClearTargets() {
	r.targets = make(map[uuid.UUID]struct{})
}

func (r *mockRelay) Targets() []uuid.UUID {
	targets := make([]uuid.UUID, 0, len(r.targets))
	for id := range r.targets {
		targets = append(targets, id)
	}
	return targets
}

func (r *mockRelay) InsertMessage(id MessageId, msg *OutMessage) {
	r.queue = append(r.queue, &queuedEntry{id: id, msg: msg})
}

func (r *mockRelay) IsSending() bool {
	return len(r.queue) > 0
}

// hasTarget checks the relay's own target set.
func (r *mockRelay) hasTarget(id uuid.UUID) bool {
	_, ok := r.targets[id]
	return ok
}

// responsible intersects msg's owed targets with the relay's own.
func (r *mockRelay) responsible(msg *OutMessage) map[uuid.UUID]struct{} {
	res := make(map[uuid.UUID]struct{})
	for id := range msg.Targets {
		if _, ok := r.targets[id]; ok {
			res[id] = struct{}{}
		}
	}
	return res
}

// prune drops entries this relay is done with: unreliable messages already
// delivered, and messages without responsible targets left. Afterwards the
// core is poked, matching a real relay's drain notification.
func (r *mockRelay) prune() {
	kept := r.queue[:0]
	for _, entry := range r.queue {
		if len(r.responsible(entry.msg)) == 0 || (!entry.msg.Reliable && entry.delivered) {
			r.owner.Release(entry.id, entry.msg)
			continue
		}
		kept = append(kept, entry)
	}
	r.queue = kept
	r.owner.TryFlush()
}

// received is one user-level delivery.
type received struct {
	source  uuid.UUID
	payload []byte
}

// testNode bundles a Core with its mock relays, keyed by neighbor.
type testNode struct {
	id       uuid.UUID
	core     *Core
	relays   map[uuid.UUID]*mockRelay
	received []received
}

func newTestNode(id uuid.UUID, neighbors ...uuid.UUID) *testNode {
	n := &testNode{id: id, relays: make(map[uuid.UUID]*mockRelay)}
	n.core = NewCore(id, func(source uuid.UUID, payload []byte) {
		n.received = append(n.received, received{source: source, payload: payload})
	})

	for _, neighbor := range neighbors {
		r := newMockRelay(n.core, neighbor)
		n.relays[neighbor] = r
		n.core.RegisterRelay(r)
	}
	return n
}

// testMesh is a set of testNodes, keyed by identifier.
type testMesh map[uuid.UUID]*testNode

// deliver hands every undelivered queued message of n's relays to the
// respective neighbor as a complete message.
func (m testMesh) deliver(n *testNode) {
	for neighborId := range n.relays {
		m.deliverVia(n, neighborId)
	}
}

// deliverVia delivers n's queue towards a single neighbor.
func (m testMesh) deliverVia(n *testNode, neighborId uuid.UUID) {
	r := n.relays[neighborId]
	neighbor, ok := m[neighborId]
	if r == nil || !ok {
		return
	}

	for _, entry := range r.queue {
		if entry.delivered {
			continue
		}
		responsible := r.responsible(entry.msg)
		if len(responsible) == 0 {
			continue
		}
		entry.delivered = true

		onward := make(map[uuid.UUID]struct{})
		for id := range responsible {
			if id != neighborId {
				onward[id] = struct{}{}
			}
		}

		record := entry.msg.Record(0, uint32(len(entry.msg.Payload())))
		part := InMessagePart{
			Source:         record.Source,
			Type:           record.Type,
			SequenceNumber: record.SequenceNumber,
			OriginalSize:   record.OriginalSize,
			ChunkStart:     record.ChunkStart,
			Payload:        record.Payload,
			Targets:        onward,
		}

		if _, forUs := responsible[neighborId]; forUs {
			neighbor.core.OnReceivePart(part)
		}
		if len(onward) > 0 {
			neighbor.core.ForwardMessage(part)
		}
	}
}

// exchangeAcks moves the acknowledgments from owed to to, through the wire
// codec.
func (m testMesh) exchangeAcks(from, to *testNode) {
	enc := wire.NewEncoder(make([]byte, 4096))
	count := from.core.EncodeAcks(enc, map[uuid.UUID]struct{}{to.id: {}})

	r := bytes.NewReader(enc.Bytes())
	for i := 0; i < int(count); i++ {
		var entry wire.AckEntry
		if err := entry.Unmarshal(r); err != nil {
			panic(err)
		}

		if entry.Destination == to.id {
			to.core.OnReceiveAcks(entry.Source, entry.Acks)
		} else {
			to.core.AddAckEntry(entry)
		}
	}
}

// settle runs a few full exchange rounds: deliver everything, swap acks
// between all neighbor pairs, and let the relays drop finished work.
func (m testMesh) settle(rounds int) {
	for i := 0; i < rounds; i++ {
		for _, n := range m {
			m.deliver(n)
		}
		for _, n := range m {
			for neighborId := range n.relays {
				if neighbor, ok := m[neighborId]; ok {
					m.exchangeAcks(neighbor, n)
				}
			}
		}
		for _, n := range m {
			for _, r := range n.relays {
				r.prune()
			}
		}
	}
}
