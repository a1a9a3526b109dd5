// SPDX-FileCopyrightText: 2022 Alvar Penning
// SPDX-FileCopyrightText: 2022, 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package mudp provides a minimal UDP relay: one Relay per direct neighbor,
// over its own socket or a Listener's shared one, carrying the mesh's payload and acknowledgment records in
// checksummed datagrams. Payloads are fragmented to the MTU, reliable
// messages are periodically re-sent until acknowledged away, and every
// outgoing datagram piggybacks pending acknowledgments.
//
// The relay's state lives on the transport core's goroutine: the reader and
// the resend ticker only decode respectively wake up, and post the actual
// work through the configured Post function.
package mudp

import (
	"fmt"
	"net"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/dtn7/mesh7-go/pkg/mesh"
	"github.com/dtn7/mesh7-go/pkg/topology"
	"github.com/dtn7/mesh7-go/pkg/wire"
)

const (
	defaultMTU            = 1400
	defaultResendInterval = 250 * time.Millisecond
)

// Config parameterizes a Relay.
type Config struct {
	// RelayID is the neighbor's node identifier.
	RelayID uuid.UUID

	// ListenAddress is the local UDP address to bind.
	ListenAddress string

	// RemoteAddress is the neighbor's UDP address.
	RemoteAddress string

	// MTU bounds a datagram's size; defaults to 1400 bytes.
	MTU int

	// ResendInterval paces retransmission of unacknowledged reliable
	// messages; defaults to 250 ms.
	ResendInterval time.Duration
}

// queuedMessage is one outbound message with its relay share.
type queuedMessage struct {
	id       mesh.MessageId
	msg      *mesh.OutMessage
	sentOnce bool
}

// Relay is a mesh.Relay over one UDP socket, either its own or a Listener's
// shared one.
type Relay struct {
	core *mesh.Core
	post func(func())

	relayID  uuid.UUID
	conn     *net.UDPConn
	remote   *net.UDPAddr
	listener *Listener

	mtu            int
	resendInterval time.Duration

	targets map[uuid.UUID]struct{}
	queue   []*queuedMessage
	queued  map[mesh.MessageId]*queuedMessage

	sentAcksVersion uint64
	acksEverSent    bool
	closed          bool
	stopChan        chan struct{}
}

// NewRelay binds its own local socket and starts the reader and resend
// loops. All upcalls into core are marshalled through post onto the core's
// goroutine; Close and the mesh.Relay methods must be called there as well.
// Several relays sharing one local port use a Listener instead.
func NewRelay(core *mesh.Core, post func(func()), config Config) (*Relay, error) {
	localAddr, err := net.ResolveUDPAddr("udp", config.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("mudp: resolving listen address failed: %v", err)
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("mudp: binding %v failed: %v", localAddr, err)
	}

	r, err := newRelay(core, post, config, conn, nil)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	go r.reader()
	return r, nil
}

// newRelay wires a Relay onto an existing socket and starts its resend loop.
func newRelay(core *mesh.Core, post func(func()), config Config,
	conn *net.UDPConn, listener *Listener) (*Relay, error) {

	if config.MTU == 0 {
		config.MTU = defaultMTU
	}
	if config.ResendInterval == 0 {
		config.ResendInterval = defaultResendInterval
	}

	remoteAddr, err := net.ResolveUDPAddr("udp", config.RemoteAddress)
	if err != nil {
		return nil, fmt.Errorf("mudp: resolving remote address failed: %v", err)
	}

	r := &Relay{
		core:           core,
		post:           post,
		relayID:        config.RelayID,
		conn:           conn,
		remote:         remoteAddr,
		listener:       listener,
		mtu:            config.MTU,
		resendInterval: config.ResendInterval,
		targets:        make(map[uuid.UUID]struct{}),
		queued:         make(map[mesh.MessageId]*queuedMessage),
		stopChan:       make(chan struct{}),
	}

	go r.ticker()

	log.WithFields(log.Fields{
		"relay":  r.relayID,
		"listen": conn.LocalAddr(),
		"remote": remoteAddr,
	}).Info("Started mudp relay")

	return r, nil
}

// RelayID returns the neighbor's node identifier.
func (r *Relay) RelayID() uuid.UUID {
	return r.relayID
}

// AddTarget includes id in the targets reached through this relay.
func (r *Relay) AddTarget(id uuid.UUID) bool {
	if _, ok := r.targets[id]; ok {
		return false
	}
	r.targets[id] = struct{}{}
	return true
}

// ClearTargets empties the target set.
func (r *Relay) ClearTargets() {
	r.targets = make(map[uuid.UUID]struct{})
}

// Targets returns the current target set, sorted by identifier.
func (r *Relay) Targets() []uuid.UUID {
	targets := make([]uuid.UUID, 0, len(r.targets))
	for id := range r.targets {
		targets = append(targets, id)
	}
	sort.Slice(targets, func(i, j int) bool { return topology.Less(targets[i], targets[j]) })
	return targets
}

// InsertMessage enqueues msg for transmission. A message already queued
// under the same identity gives its extra share right back.
func (r *Relay) InsertMessage(id mesh.MessageId, msg *mesh.OutMessage) {
	if r.closed {
		r.core.Release(id, msg)
		return
	}

	// Forwards share one identity and are never coalesced.
	if id != mesh.ForwardId() {
		if prev, ok := r.queued[id]; ok && prev.msg == msg {
			r.core.Release(id, msg)
			return
		}
	}

	qm := &queuedMessage{id: id, msg: msg}
	r.queue = append(r.queue, qm)
	if id != mesh.ForwardId() {
		r.queued[id] = qm
	}

	r.post(r.pump)
}

// IsSending reports whether queued work remains.
func (r *Relay) IsSending() bool {
	return len(r.queue) > 0
}

// responsibleTargets intersects msg's owed targets with this relay's own.
func (r *Relay) responsibleTargets(msg *mesh.OutMessage) map[uuid.UUID]struct{} {
	responsible := make(map[uuid.UUID]struct{})
	for id := range msg.Targets {
		if _, ok := r.targets[id]; ok {
			responsible[id] = struct{}{}
		}
	}
	return responsible
}

// dropQueued releases qm's share back to the core.
func (r *Relay) dropQueued(qm *queuedMessage) {
	if r.queued[qm.id] == qm {
		delete(r.queued, qm.id)
	}
	r.core.Release(qm.id, qm.msg)
}

// pump runs one send cycle on the core's goroutine: prune dead queue
// entries, emit every live message once, piggyback acknowledgments, and
// notify the core when the queue drained.
func (r *Relay) pump() {
	if r.closed {
		return
	}

	live := r.queue[:0]
	dropped := false
	for _, qm := range r.queue {
		responsible := r.responsibleTargets(qm.msg)
		if len(responsible) == 0 || (!qm.msg.Reliable && qm.sentOnce) {
			r.dropQueued(qm)
			dropped = true
			continue
		}
		live = append(live, qm)
	}
	r.queue = live

	acksDue := !r.acksEverSent || r.sentAcksVersion != r.core.AcksVersion()

	if len(r.queue) > 0 || acksDue {
		r.emit()
	}

	if dropped || len(r.queue) == 0 {
		r.core.TryFlush()
	}
}

// emit builds and sends as many datagrams as the queue needs. The first
// datagram piggybacks the pending acknowledgments addressed through this
// relay.
func (r *Relay) emit() {
	ackVersion := r.core.AcksVersion()

	pb := newPacketBuilder(r.mtu)
	pb.fillAcks(func(enc *wire.Encoder) uint8 { return r.core.EncodeAcks(enc, r.targets) })

	flush := func() {
		if pb.empty() {
			return
		}
		packet := pb.finish()
		if _, err := r.conn.WriteToUDP(packet, r.remote); err != nil {
			log.WithError(err).WithField("relay", r.relayID).Warn("Sending datagram failed")
		}
	}

	for _, qm := range r.queue {
		responsible := r.responsibleTargets(qm.msg)
		if len(responsible) == 0 {
			continue
		}

		payload := qm.msg.Payload()
		headerLen := payloadItemLen(len(responsible), 0)

		offset, fresh := 0, false
		for offset < len(payload) || offset == 0 {
			space := pb.remainingPayload() - headerLen
			remaining := len(payload) - offset

			needed := 1
			if remaining == 0 {
				needed = 0
			}
			if space < needed || pb.payloadCount == 255 {
				if fresh {
					log.WithFields(log.Fields{
						"relay":   r.relayID,
						"message": qm.id,
						"targets": len(responsible),
					}).Error("Payload item cannot fit an empty datagram, dropping")
					break
				}

				// Roll over to a fresh datagram.
				flush()
				pb = newPacketBuilder(r.mtu)
				pb.fillAcks(func(enc *wire.Encoder) uint8 { return 0 })
				fresh = true
				continue
			}
			fresh = false

			chunk := remaining
			if chunk > space {
				chunk = space
			}

			item := payloadItem{
				targets: responsible,
				record:  qm.msg.Record(uint32(offset), uint32(chunk)),
			}
			if err := pb.addPayload(&item); err != nil {
				log.WithError(err).WithField("relay", r.relayID).Error("Encoding payload item failed")
				break
			}

			offset += chunk
			if chunk == 0 {
				break
			}
		}

		qm.sentOnce = true
	}

	flush()

	r.sentAcksVersion = ackVersion
	r.acksEverSent = true
}

// reader decodes inbound datagrams and posts them onto the core's
// goroutine.
func (r *Relay) reader() {
	buf := make([]byte, 65536)

	for {
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.stopChan:
				return
			default:
			}
			log.WithError(err).WithField("relay", r.relayID).Warn("Reading datagram failed")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		acks, payloads, err := parsePacket(data)
		if err != nil {
			log.WithError(err).WithField("relay", r.relayID).Debug("Discarding broken datagram")
			continue
		}

		r.post(func() { r.deliver(acks, payloads) })
	}
}

// deliver hands one parsed datagram to the core.
func (r *Relay) deliver(acks []wire.AckEntry, payloads []payloadItem) {
	ourID := r.core.ID()

	for _, entry := range acks {
		if entry.Destination == ourID {
			r.core.OnReceiveAcks(entry.Source, entry.Acks)
		} else {
			r.core.AddAckEntry(entry)
		}
	}

	for _, item := range payloads {
		_, forUs := item.targets[ourID]

		onward := make(map[uuid.UUID]struct{}, len(item.targets))
		for id := range item.targets {
			if id != ourID {
				onward[id] = struct{}{}
			}
		}

		part := mesh.InMessagePart{
			Source:         item.record.Source,
			Type:           item.record.Type,
			SequenceNumber: item.record.SequenceNumber,
			OriginalSize:   item.record.OriginalSize,
			ChunkStart:     item.record.ChunkStart,
			Payload:        item.record.Payload,
			Targets:        onward,
		}

		if forUs {
			r.core.OnReceivePart(part)
		}
		if len(onward) > 0 {
			r.core.ForwardMessage(part)
		}
	}

	// Fresh acknowledgments may be ready for piggybacking right away.
	r.post(r.pump)
}

// ticker paces retransmission; each tick runs one pump on the core's
// goroutine.
func (r *Relay) ticker() {
	ticker := time.NewTicker(r.resendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.post(r.pump)
		}
	}
}

// Close stops the loops, releases all queued shares, and closes an owned
// socket respectively detaches from the shared Listener. Like the other
// methods, it must run on the core's goroutine.
func (r *Relay) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.stopChan)

	var errs *multierror.Error

	for _, qm := range r.queue {
		r.dropQueued(qm)
	}
	r.queue = nil

	if r.listener != nil {
		r.listener.detach(r)
	} else if err := r.conn.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}

	r.core.TryFlush()
	return errs.ErrorOrNil()
}
