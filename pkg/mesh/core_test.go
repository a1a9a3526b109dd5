// SPDX-FileCopyrightText: 2022 Alvar Penning
// SPDX-FileCopyrightText: 2022, 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mesh

import (
	"bytes"
	"testing"

	"github.com/google/uuid"

	"github.com/dtn7/mesh7-go/pkg/topology"
	"github.com/dtn7/mesh7-go/pkg/wire"
)

// uid builds a node identifier with b as its last byte.
func uid(b byte) uuid.UUID {
	return uuid.UUID{15: b}
}

func TestTwoNodeReliableEcho(t *testing.T) {
	a := newTestNode(uid(1), uid(2))
	b := newTestNode(uid(2), uid(1))
	m := testMesh{a.id: a, b.id: b}

	graph := topology.NewGraph()
	graph.AddEdge(a.id, b.id)

	a.core.ResetTopology(graph)
	b.core.ResetTopology(graph)
	m.settle(3)

	a.core.BroadcastReliable([]byte{0xDE, 0xAD})
	b.core.BroadcastReliable([]byte{0xBE, 0xEF})
	m.settle(3)

	if len(a.received) != 1 || a.received[0].source != b.id ||
		!bytes.Equal(a.received[0].payload, []byte{0xBE, 0xEF}) {
		t.Fatalf("A received: %v", a.received)
	}
	if len(b.received) != 1 || b.received[0].source != a.id ||
		!bytes.Equal(b.received[0].payload, []byte{0xDE, 0xAD}) {
		t.Fatalf("B received: %v", b.received)
	}

	for _, n := range []*testNode{a, b} {
		if outstanding := n.core.OutstandingMessages(); outstanding != 0 {
			t.Fatalf("%v still holds %d outstanding messages", n.id, outstanding)
		}

		fired := 0
		n.core.Flush(func() { fired++ })
		if fired != 1 {
			t.Fatalf("%v: flush fired %d times", n.id, fired)
		}
	}
}

// synFrom establishes a reliable channel from source on n, expecting the
// stream to continue at sn.
func synFrom(n *testNode, source uuid.UUID, sn wire.SequenceNumber) {
	n.core.OnReceiveFull(InMessageFull{
		Source:         source,
		Type:           wire.Syn,
		SequenceNumber: sn,
	})
}

// reliableFrom is a complete single-fragment reliable broadcast.
func reliableFrom(source uuid.UUID, sn wire.SequenceNumber, payload []byte) InMessageFull {
	return InMessageFull{
		Source:         source,
		Type:           wire.ReliableBroadcast,
		SequenceNumber: sn,
		Payload:        payload,
	}
}

func TestOutOfOrderReliable(t *testing.T) {
	b := newTestNode(uid(2), uid(1))

	graph := topology.NewGraph()
	graph.AddEdge(uid(1), uid(2))
	b.core.ResetTopology(graph)

	synFrom(b, uid(1), 1)

	b.core.OnReceiveFull(reliableFrom(uid(1), 2, []byte("two")))
	b.core.OnReceiveFull(reliableFrom(uid(1), 3, []byte("three")))

	if len(b.received) != 0 {
		t.Fatalf("delivery before the gap closed: %v", b.received)
	}

	b.core.OnReceiveFull(reliableFrom(uid(1), 1, []byte("one")))

	expected := []string{"one", "two", "three"}
	if len(b.received) != len(expected) {
		t.Fatalf("expected %d deliveries, got: %d", len(expected), len(b.received))
	}
	for i, want := range expected {
		if string(b.received[i].payload) != want {
			t.Fatalf("delivery %d: expected %q, got: %q", i, want, b.received[i].payload)
		}
	}
}

func TestFragmentedReassemblyDelivery(t *testing.T) {
	b := newTestNode(uid(2), uid(1))

	graph := topology.NewGraph()
	graph.AddEdge(uid(1), uid(2))
	b.core.ResetTopology(graph)

	synFrom(b, uid(1), 1)

	payload := testPayload(1000)

	// mid, tail, head
	for _, chunk := range [][2]uint32{{400, 700}, {700, 1000}, {0, 400}} {
		b.core.OnReceivePart(InMessagePart{
			Source:         uid(1),
			Type:           wire.ReliableBroadcast,
			SequenceNumber: 1,
			OriginalSize:   uint32(len(payload)),
			ChunkStart:     chunk[0],
			Payload:        payload[chunk[0]:chunk[1]],
		})
	}

	if len(b.received) != 1 {
		t.Fatalf("expected a single delivery, got: %d", len(b.received))
	}
	if !bytes.Equal(b.received[0].payload, payload) {
		t.Fatal("reassembled payload differs")
	}
}

func TestUnreliableCoalescing(t *testing.T) {
	a := newTestNode(uid(1), uid(2))
	b := newTestNode(uid(2), uid(1))
	m := testMesh{a.id: a, b.id: b}

	graph := topology.NewGraph()
	graph.AddEdge(a.id, b.id)
	a.core.ResetTopology(graph)
	b.core.ResetTopology(graph)
	m.settle(3)

	a.core.BroadcastUnreliable(7, []byte{0xAA})
	a.core.BroadcastUnreliable(7, []byte{0xBB})

	unreliable := 0
	for _, entry := range a.relays[b.id].queue {
		if !entry.msg.Reliable {
			unreliable++
			if !bytes.Equal(entry.msg.Payload(), []byte{0xBB}) {
				t.Fatalf("queued payload: %x", entry.msg.Payload())
			}
		}
	}
	if unreliable != 1 {
		t.Fatalf("expected one queued unreliable message, got: %d", unreliable)
	}

	m.settle(3)

	if len(b.received) != 1 || !bytes.Equal(b.received[0].payload, []byte{0xBB}) {
		t.Fatalf("B received: %v", b.received)
	}
	if outstanding := a.core.OutstandingMessages(); outstanding != 0 {
		t.Fatalf("unreliable message was not retired: %d outstanding", outstanding)
	}
}

func TestTopologyReroute(t *testing.T) {
	a := newTestNode(uid(1), uid(2), uid(3))
	b := newTestNode(uid(2), uid(1), uid(3))
	c := newTestNode(uid(3), uid(1), uid(2))
	m := testMesh{a.id: a, b.id: b, c.id: c}

	star := topology.NewGraph()
	star.AddEdge(a.id, b.id)
	star.AddEdge(a.id, c.id)
	for _, n := range []*testNode{a, b, c} {
		n.core.ResetTopology(star)
	}
	m.settle(3)

	payload := []byte{0xF0, 0x0D}
	a.core.BroadcastReliable(payload)

	// Only B hears about it before the topology changes.
	m.deliverVia(a, b.id)
	m.exchangeAcks(b, a)

	line := topology.NewGraph()
	line.AddEdge(a.id, b.id)
	line.AddEdge(b.id, c.id)
	for _, n := range []*testNode{a, b, c} {
		n.core.ResetTopology(line)
	}

	if a.relays[c.id].hasTarget(c.id) {
		t.Fatal("C still assigned to the direct relay")
	}
	if !a.relays[b.id].hasTarget(c.id) {
		t.Fatal("C not assigned to the relay towards B")
	}

	// The broadcast still owed to C was replayed into the B relay.
	replayed := false
	for _, entry := range a.relays[b.id].queue {
		if entry.id == ReliableBroadcastId(1) {
			if _, ok := entry.msg.Targets[c.id]; ok {
				replayed = true
			}
		}
	}
	if !replayed {
		t.Fatal("pending broadcast missing from the B relay queue")
	}

	m.settle(4)

	if len(c.received) != 1 || !bytes.Equal(c.received[0].payload, payload) {
		t.Fatalf("C received: %v", c.received)
	}
	if outstanding := a.core.OutstandingMessages(); outstanding != 0 {
		t.Fatalf("broadcast was not retired: %d outstanding", outstanding)
	}
}

func TestAckRetiresMessage(t *testing.T) {
	a := newTestNode(uid(1), uid(2), uid(3))

	graph := topology.NewGraph()
	graph.AddEdge(a.id, uid(2))
	graph.AddEdge(a.id, uid(3))
	a.core.ResetTopology(graph)

	// Retire both syns first.
	a.core.OnReceiveAcks(uid(2), wire.NewAckSet(wire.AckUnicast, 1))
	a.core.OnReceiveAcks(uid(3), wire.NewAckSet(wire.AckUnicast, 1))
	if outstanding := a.core.OutstandingMessages(); outstanding != 0 {
		t.Fatalf("syns not retired: %d outstanding", outstanding)
	}

	a.core.BroadcastReliable([]byte{0x01})

	a.core.OnReceiveAcks(uid(2), wire.NewAckSet(wire.AckBroadcast, 1))

	var msg *OutMessage
	for _, entry := range a.relays[uid(2)].queue {
		if entry.id == ReliableBroadcastId(1) {
			msg = entry.msg
		}
	}
	if msg == nil {
		t.Fatal("broadcast missing from the relay queue")
	}
	if len(msg.Targets) != 1 {
		t.Fatalf("expected one remaining target, got: %d", len(msg.Targets))
	}
	if _, ok := msg.Targets[uid(3)]; !ok {
		t.Fatal("C missing from the remaining targets")
	}

	fired := 0
	a.core.Flush(func() { fired++ })
	if fired != 0 {
		t.Fatal("flush fired with outstanding traffic")
	}

	a.core.OnReceiveAcks(uid(3), wire.NewAckSet(wire.AckBroadcast, 1))
	if outstanding := a.core.OutstandingMessages(); outstanding != 0 {
		t.Fatalf("broadcast not retired: %d outstanding", outstanding)
	}

	for _, r := range a.relays {
		r.prune()
	}
	if fired != 1 {
		t.Fatalf("flush fired %d times", fired)
	}
}

func TestDuplicateRedelivery(t *testing.T) {
	b := newTestNode(uid(2), uid(1))

	graph := topology.NewGraph()
	graph.AddEdge(uid(1), uid(2))
	b.core.ResetTopology(graph)

	synFrom(b, uid(1), 1)

	b.core.OnReceiveFull(reliableFrom(uid(1), 1, []byte("once")))
	if len(b.received) != 1 {
		t.Fatalf("expected one delivery, got: %d", len(b.received))
	}

	version := b.core.AcksVersion()
	b.core.OnReceiveFull(reliableFrom(uid(1), 1, []byte("once")))

	if len(b.received) != 1 {
		t.Fatalf("duplicate was delivered again: %d deliveries", len(b.received))
	}
	if b.core.AcksVersion() == version {
		t.Fatal("duplicate did not trigger a fresh acknowledgment")
	}
}

func TestUnknownSourceDropped(t *testing.T) {
	b := newTestNode(uid(2), uid(1))

	// No topology, no targets: everything from the stranger is dropped.
	synFrom(b, uid(9), 1)
	b.core.OnReceiveFull(reliableFrom(uid(9), 1, []byte("ignored")))

	if len(b.received) != 0 {
		t.Fatalf("delivery from an unknown source: %v", b.received)
	}
}

func TestCallbackDestroysCore(t *testing.T) {
	deliveries := 0

	var core *Core
	core = NewCore(uid(2), func(source uuid.UUID, payload []byte) {
		deliveries++
		core.Close()
	})
	core.RegisterRelay(newMockRelay(core, uid(1)))

	graph := topology.NewGraph()
	graph.AddEdge(uid(1), uid(2))
	core.ResetTopology(graph)

	core.OnReceiveFull(InMessageFull{Source: uid(1), Type: wire.Syn, SequenceNumber: 1})

	core.OnReceiveFull(reliableFrom(uid(1), 2, []byte("late")))
	core.OnReceiveFull(reliableFrom(uid(1), 3, []byte("later")))

	// Delivering sn 1 runs the callback, which destroys the core; the
	// replay of the buffered messages must stop right there.
	core.OnReceiveFull(reliableFrom(uid(1), 1, []byte("first")))

	if deliveries != 1 {
		t.Fatalf("expected a single delivery, got: %d", deliveries)
	}
}

func TestFlushWaitsForRelays(t *testing.T) {
	a := newTestNode(uid(1), uid(2))

	graph := topology.NewGraph()
	graph.AddEdge(uid(1), uid(2))
	a.core.ResetTopology(graph)

	// Table empties, but the relay still queues the syn.
	a.core.OnReceiveAcks(uid(2), wire.NewAckSet(wire.AckUnicast, 1))

	fired := 0
	a.core.Flush(func() { fired++ })
	if fired != 0 {
		t.Fatal("flush fired while a relay was sending")
	}

	a.relays[uid(2)].prune()
	if fired != 1 {
		t.Fatalf("flush fired %d times", fired)
	}

	// Re-arming fires immediately on the idle core.
	a.core.Flush(func() { fired++ })
	if fired != 2 {
		t.Fatalf("re-armed flush fired %d times in total", fired)
	}
}
