// SPDX-FileCopyrightText: 2022 Alvar Penning
// SPDX-FileCopyrightText: 2022, 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package mesh implements the transport core of a peer-to-peer group
// communication mesh: outbound message bookkeeping, per-source reassembly
// and in-order reliable delivery, acknowledgment aggregation, and the
// topology-driven assignment of targets to relays.
//
// The Core is confined to a single goroutine. Relays running parallel I/O
// must post their upcalls onto that goroutine; the Core itself never blocks
// and takes no locks.
package mesh

import (
	log "github.com/sirupsen/logrus"

	"github.com/google/uuid"

	"github.com/dtn7/mesh7-go/pkg/topology"
	"github.com/dtn7/mesh7-go/pkg/wire"
)

// ReceiveFunc is the user's delivery callback. It is invoked once per
// reliable broadcast per source, in strictly ascending sequence order, and
// once per received unreliable broadcast. The callback may Close the Core.
type ReceiveFunc func(source uuid.UUID, payload []byte)

// targetSync is the reliable receive channel from one source, established by
// its syn.
type targetSync struct {
	lastExecuted wire.SequenceNumber
	acks         wire.AckSet
}

// target is the per-peer inbound state. sync stays nil until the peer's syn
// arrived; pending buffers out-of-order or partial reliable arrivals. No
// pending key is ever ≤ sync.lastExecuted once replayed.
type target struct {
	sync    *targetSync
	pending map[wire.SequenceNumber]*PendingMessage
}

// Core is the per-node transport object. It multiplexes reliable and
// unreliable broadcasts over the registered relays, reassembles and orders
// inbound traffic per source, and retires outbound messages as
// acknowledgments arrive.
type Core struct {
	ourID     uuid.UUID
	onReceive ReceiveFunc

	nextReliableBroadcastNumber wire.SequenceNumber
	nextMessageNumber           wire.SequenceNumber

	relays   map[Relay]struct{}
	messages map[MessageId]*OutMessage
	onFlush  func()

	targets      map[uuid.UUID]*target
	outboundAcks *OutboundAcks

	// destroyed is sampled around every user upcall; the callback may Close
	// the Core, and the remainder of the calling routine must then stop.
	destroyed *bool
}

// NewCore creates a Core for the node ourID, delivering inbound payloads
// through onReceive.
func NewCore(ourID uuid.UUID, onReceive ReceiveFunc) *Core {
	return &Core{
		ourID:     ourID,
		onReceive: onReceive,

		// Streams start at one: a syn peeking the first number leaves the
		// receiver's window at zero instead of wrapping below it.
		nextReliableBroadcastNumber: 1,
		nextMessageNumber:           1,

		relays:       make(map[Relay]struct{}),
		messages:     make(map[MessageId]*OutMessage),
		targets:      make(map[uuid.UUID]*target),
		outboundAcks: NewOutboundAcks(ourID),
		destroyed:    new(bool),
	}
}

// ID returns this node's identifier.
func (c *Core) ID() uuid.UUID {
	return c.ourID
}

// Close marks the Core as destroyed. Paths currently holding the Core on
// their stack notice and abort; no further upcalls are delivered.
func (c *Core) Close() {
	*c.destroyed = true
}

// RegisterRelay adds a relay to the set the Core transmits through.
func (c *Core) RegisterRelay(r Relay) {
	c.relays[r] = struct{}{}
}

// UnregisterRelay removes a relay again.
func (c *Core) UnregisterRelay(r Relay) {
	delete(c.relays, r)
}

// OutstandingMessages returns the amount of outbound messages not yet
// retired.
func (c *Core) OutstandingMessages() int {
	return len(c.messages)
}

// targetKeys returns the current target set as a fresh map.
func (c *Core) targetKeys() map[uuid.UUID]struct{} {
	keys := make(map[uuid.UUID]struct{}, len(c.targets))
	for id := range c.targets {
		keys[id] = struct{}{}
	}
	return keys
}

// dispatch hands msg to every registered relay, granting each a share.
func (c *Core) dispatch(id MessageId, msg *OutMessage) {
	for r := range c.relays {
		msg.shares++
		r.InsertMessage(id, msg)
	}
}

// BroadcastReliable sends data to all current targets, in-order and exactly
// once per receiver.
func (c *Core) BroadcastReliable(data []byte) {
	sn := c.nextReliableBroadcastNumber
	c.nextReliableBroadcastNumber++

	msg := NewOutMessage(c.ourID, c.targetKeys(), true, wire.ReliableBroadcast, sn, data)
	id := ReliableBroadcastId(sn)

	log.WithFields(log.Fields{
		"node":    c.ourID,
		"sn":      sn,
		"size":    len(data),
		"targets": len(msg.Targets),
	}).Debug("Broadcasting reliable message")

	c.messages[id] = msg
	c.dispatch(id, msg)
}

// BroadcastUnreliable sends data to all current targets without ordering or
// delivery guarantees. If a previous broadcast under the same userId is
// still queued, its payload is replaced in place: newest wins.
func (c *Core) BroadcastUnreliable(userId UnreliableId, data []byte) {
	c.broadcastUnreliable(userId, data, c.targetKeys())
}

// BroadcastUnreliableTo is BroadcastUnreliable restricted to an explicit
// target set.
func (c *Core) BroadcastUnreliableTo(userId UnreliableId, data []byte, targets map[uuid.UUID]struct{}) {
	c.broadcastUnreliable(userId, data, targets)
}

func (c *Core) broadcastUnreliable(userId UnreliableId, data []byte, targets map[uuid.UUID]struct{}) {
	id := UnreliableBroadcastId(userId)

	if msg, ok := c.messages[id]; ok {
		msg.ResetPayload(data)

		log.WithFields(log.Fields{
			"node": c.ourID,
			"id":   userId,
		}).Debug("Replaced queued unreliable payload in flight")
		return
	}

	sn := c.nextMessageNumber
	c.nextMessageNumber++

	msg := NewOutMessage(c.ourID, targets, false, wire.UnreliableBroadcast, sn, data)

	c.messages[id] = msg
	c.dispatch(id, msg)
}

// ResetTopology reassigns every target to the relay leading to its first-hop
// neighbor on a shortest path through graph. Targets without a matching
// relay or without a path stay known but receive no new traffic.
func (c *Core) ResetTopology(graph *topology.Graph) {
	for r := range c.relays {
		r.ClearTargets()
	}

	hops := topology.FirstHops(c.ourID, graph)

	findRelay := func(id uuid.UUID) Relay {
		for r := range c.relays {
			if r.RelayID() == id {
				return r
			}
		}
		return nil
	}

	for _, node := range graph.Nodes() {
		hop, ok := hops[node]
		if !ok {
			continue
		}

		relay := findRelay(hop)
		if relay == nil {
			log.WithFields(log.Fields{
				"node":   c.ourID,
				"target": node,
				"hop":    hop,
			}).Debug("No relay for first hop, target stays unreachable")
			continue
		}

		c.addTargetToRelay(relay, node)
	}
}

// addTargetToRelay installs newTarget on relay. A target seen for the first
// time gets a syn establishing the reliable channel; a target moving over
// from another relay gets every live outbound message still owed to it
// replayed into the new relay, so delivery is not stranded across a topology
// change.
func (c *Core) addTargetToRelay(relay Relay, newTarget uuid.UUID) {
	if !relay.AddTarget(newTarget) {
		return
	}

	if _, ok := c.targets[newTarget]; !ok {
		c.targets[newTarget] = &target{
			pending: make(map[wire.SequenceNumber]*PendingMessage),
		}

		// The syn peeks the next reliable broadcast number without
		// consuming it; the receiver initializes its window one below so
		// the first real broadcast continues the stream seamlessly.
		sn := c.nextReliableBroadcastNumber

		msg := NewOutMessage(c.ourID, map[uuid.UUID]struct{}{newTarget: {}},
			true, wire.Syn, sn, nil)
		id := ReliableUnicastId(newTarget, sn)

		log.WithFields(log.Fields{
			"node":   c.ourID,
			"target": newTarget,
			"sn":     sn,
		}).Debug("Sending syn to new target")

		c.messages[id] = msg
		c.dispatch(id, msg)
	} else {
		for id, msg := range c.messages {
			if _, ok := msg.Targets[newTarget]; ok {
				msg.shares++
				relay.InsertMessage(id, msg)
			}
		}
	}
}

// ForwardMessage relays a received part onward on behalf of its original
// source. The copy is unreliable from this node's perspective; end-to-end
// reliability stays with the source.
func (c *Core) ForwardMessage(part InMessagePart) {
	targets := make(map[uuid.UUID]struct{}, len(part.Targets))
	for id := range part.Targets {
		targets[id] = struct{}{}
	}

	payload := make([]byte, len(part.Payload))
	copy(payload, part.Payload)

	msg := forwardOutMessage(&part, targets, payload)
	c.dispatch(ForwardId(), msg)
}

// EncodeAcks writes up to the encoder's budget of acknowledgments addressed
// to targets, returning the amount written. Relays call this while
// assembling each outgoing packet.
func (c *Core) EncodeAcks(enc *wire.Encoder, targets map[uuid.UUID]struct{}) uint8 {
	return c.outboundAcks.EncodeFew(enc, targets)
}

// AddAckEntry stores an acknowledgment relayed on behalf of another node.
func (c *Core) AddAckEntry(entry wire.AckEntry) {
	c.outboundAcks.AddAckEntry(entry)
}

// AcksVersion changes whenever an outbound acknowledgment is recorded,
// including a repeated one. Relays use it to decide whether an ack-only
// packet is due.
func (c *Core) AcksVersion() uint64 {
	return c.outboundAcks.Version()
}

// acknowledge records an outbound ack for a received message.
func (c *Core) acknowledge(msg *InMessageFull) {
	var kind wire.AckKind

	switch msg.Type {
	case wire.ReliableBroadcast:
		kind = wire.AckBroadcast
	case wire.Syn:
		kind = wire.AckUnicast
	default:
		log.WithFields(log.Fields{
			"node": c.ourID,
			"type": msg.Type,
		}).Error("Refusing to acknowledge unexpected message type")
		return
	}

	c.outboundAcks.Acknowledge(msg.Source, kind, msg.SequenceNumber)
}

// OnReceiveAcks retires the acknowledged sequence numbers from peer: the
// peer is erased from each message's target set, and fully acknowledged
// messages leave the table.
func (c *Core) OnReceiveAcks(peer uuid.UUID, acks wire.AckSet) {
	ackedSome := false

	for _, sn := range acks.Sequences() {
		var id MessageId

		switch acks.Kind {
		case wire.AckUnicast:
			id = ReliableUnicastId(peer, sn)
		case wire.AckBroadcast:
			id = ReliableBroadcastId(sn)
		default:
			log.WithFields(log.Fields{
				"node": c.ourID,
				"kind": acks.Kind,
			}).Error("Refusing ack set of unknown kind")
			return
		}

		msg, ok := c.messages[id]
		if !ok {
			continue
		}

		delete(msg.Targets, peer)
		if len(msg.Targets) == 0 {
			delete(c.messages, id)
		}
		ackedSome = true
	}

	if ackedSome {
		c.TryFlush()
	}
}

// addPartToPending merges part into the source's pending buffer, creating
// the entry if necessary.
func (c *Core) addPartToPending(t *target, part *InMessagePart) *PendingMessage {
	pm, ok := t.pending[part.SequenceNumber]
	if !ok {
		pm = NewPendingMessageFromPart(part)
		t.pending[part.SequenceNumber] = pm
		return pm
	}

	pm.UpdatePayload(part.ChunkStart, part.Payload)
	return pm
}

// addFullToPending buffers an already complete message for later in-order
// replay.
func (c *Core) addFullToPending(t *target, msg *InMessageFull) {
	pm, ok := t.pending[msg.SequenceNumber]
	if !ok {
		t.pending[msg.SequenceNumber] = NewPendingMessageFromFull(msg)
		return
	}

	pm.UpdatePayload(0, msg.Payload)
}

// OnReceivePart is a relay's upcall for one received payload chunk. A chunk
// covering its whole message is dispatched directly; otherwise only synced
// broadcast traffic within the receive window is buffered for reassembly.
func (c *Core) OnReceivePart(part InMessagePart) {
	if part.IsFull() {
		c.OnReceiveFull(part.Full())
		return
	}

	if part.Type != wire.ReliableBroadcast && part.Type != wire.UnreliableBroadcast {
		return
	}

	t, ok := c.targets[part.Source]
	if !ok {
		// We have not attempted to peer with this source.
		return
	}
	if t.sync == nil {
		return
	}
	if !t.sync.acks.CanAdd(part.SequenceNumber) {
		return
	}

	pm := c.addPartToPending(t, &part)

	if full, ok := pm.FullMessage(); ok {
		wasDestroyed := c.destroyed

		c.OnReceiveFull(full)
		if *wasDestroyed {
			return
		}

		// Unreliable sequence numbers come from a different counter and
		// would never be swept by the reliable replay.
		if part.Type == wire.UnreliableBroadcast {
			delete(t.pending, part.SequenceNumber)
		}
	}
}

// OnReceiveFull is a relay's upcall for one completely received message.
func (c *Core) OnReceiveFull(msg InMessageFull) {
	t, ok := c.targets[msg.Source]
	if !ok {
		// We have not attempted to peer with this source.
		return
	}

	switch msg.Type {
	case wire.ReliableBroadcast:
		if t.sync == nil {
			// No syn yet, the channel is not established.
			return
		}

		if !t.sync.acks.TryAdd(msg.SequenceNumber) {
			// Outside the receive window; no ack, the sender retries.
			return
		}

		c.acknowledge(&msg)

		if msg.SequenceNumber == t.sync.lastExecuted+1 {
			wasDestroyed := c.destroyed

			t.sync.lastExecuted = msg.SequenceNumber
			c.onReceive(msg.Source, msg.Payload)
			if *wasDestroyed {
				return
			}

			c.replayPendingMessages(t)
		} else if msg.SequenceNumber > t.sync.lastExecuted+1 {
			c.addFullToPending(t, &msg)
		}
		// Anything below was already executed: the ack above suffices.

	case wire.UnreliableBroadcast:
		if t.sync == nil {
			return
		}

		c.onReceive(msg.Source, msg.Payload)

	case wire.Syn:
		c.acknowledge(&msg)

		if t.sync == nil {
			acks := wire.NewAckSet(wire.AckBroadcast, msg.SequenceNumber-1)
			t.sync = &targetSync{
				lastExecuted: msg.SequenceNumber - 1,
				acks:         acks,
			}

			log.WithFields(log.Fields{
				"node":   c.ourID,
				"source": msg.Source,
				"sn":     msg.SequenceNumber,
			}).Debug("Established reliable channel from syn")
		}
		// A repeated syn is re-acknowledged, but never resets the channel.

	default:
		log.WithFields(log.Fields{
			"node":   c.ourID,
			"source": msg.Source,
			"type":   msg.Type,
		}).Error("Refusing message of unknown type")
	}
}

// replayPendingMessages delivers buffered messages while the next expected
// sequence number is complete, sweeping stragglers from already executed
// ranges on the way. It stops at the first gap or incomplete buffer.
func (c *Core) replayPendingMessages(t *target) {
	wasDestroyed := c.destroyed

	for {
		sn, pm, ok := minPending(t)
		if !ok {
			return
		}

		if sn <= t.sync.lastExecuted {
			delete(t.pending, sn)
			continue
		}

		if sn != t.sync.lastExecuted+1 {
			return
		}

		full, complete := pm.FullMessage()
		if !complete {
			return
		}

		c.acknowledge(&full)
		c.onReceive(full.Source, full.Payload)
		if *wasDestroyed {
			return
		}

		t.sync.lastExecuted = sn
		delete(t.pending, sn)
	}
}

// minPending finds the smallest buffered sequence number of t.
func minPending(t *target) (wire.SequenceNumber, *PendingMessage, bool) {
	var (
		minSn wire.SequenceNumber
		pm    *PendingMessage
		found bool
	)
	for sn, p := range t.pending {
		if !found || sn < minSn {
			minSn, pm, found = sn, p, true
		}
	}
	return minSn, pm, found
}

// Release is a relay's notice that it dropped its share of msg. When the
// last share is gone, the table entry of a message originating here is
// erased. A reliable message still holding targets at that point was owed to
// peers that left the network; it is dropped.
func (c *Core) Release(id MessageId, msg *OutMessage) {
	if msg.shares > 0 {
		msg.shares--
	}
	if msg.shares > 0 {
		return
	}

	// Relayed traffic is not kept in the table.
	if msg.Source != c.ourID {
		return
	}

	// The table may already point at a successor under the same identity.
	if current, ok := c.messages[id]; !ok || current != msg {
		return
	}

	if msg.Reliable && len(msg.Targets) > 0 {
		log.WithFields(log.Fields{
			"node":    c.ourID,
			"id":      id,
			"targets": len(msg.Targets),
		}).Debug("Dropping reliable message still owed to departed targets")
	}

	delete(c.messages, id)
	c.TryFlush()
}

// Flush arms the one-shot continuation onFlush. It fires once everything
// outbound was released by every relay, or immediately if that already
// holds.
func (c *Core) Flush(onFlush func()) {
	c.onFlush = onFlush
	c.TryFlush()
}

// TryFlush fires the armed flush continuation iff the message table is
// empty and no relay reports in-flight work. It fires at most once per
// arming.
func (c *Core) TryFlush() {
	if c.onFlush == nil {
		return
	}

	if len(c.messages) != 0 {
		return
	}

	for r := range c.relays {
		if r.IsSending() {
			return
		}
	}

	onFlush := c.onFlush
	c.onFlush = nil
	onFlush()
}
