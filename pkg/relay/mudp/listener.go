// SPDX-FileCopyrightText: 2022 Alvar Penning
// SPDX-FileCopyrightText: 2022, 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mudp

import (
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/google/uuid"

	"github.com/dtn7/mesh7-go/pkg/mesh"
)

// Listener serves several Relays from one shared UDP socket, so that a node
// exposes a single port to all of its neighbors. Inbound datagrams are
// demultiplexed by their sender's address.
type Listener struct {
	core *mesh.Core
	post func(func())

	conn *net.UDPConn

	relaysMutex sync.Mutex
	relays      map[string]*Relay

	closed   bool
	stopChan chan struct{}
}

// NewListener binds listenAddress and starts reading. Relays towards the
// individual neighbors are created with Dial.
func NewListener(core *mesh.Core, post func(func()), listenAddress string) (*Listener, error) {
	localAddr, err := net.ResolveUDPAddr("udp", listenAddress)
	if err != nil {
		return nil, fmt.Errorf("mudp: resolving listen address failed: %v", err)
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("mudp: binding %v failed: %v", localAddr, err)
	}

	l := &Listener{
		core:     core,
		post:     post,
		conn:     conn,
		relays:   make(map[string]*Relay),
		stopChan: make(chan struct{}),
	}

	go l.reader()

	log.WithField("listen", conn.LocalAddr()).Info("Started mudp listener")
	return l, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Dial creates a Relay towards the neighbor relayID at remoteAddress,
// sending and receiving through the shared socket.
func (l *Listener) Dial(relayID uuid.UUID, remoteAddress string,
	resendInterval time.Duration) (*Relay, error) {

	l.relaysMutex.Lock()
	defer l.relaysMutex.Unlock()

	if l.closed {
		return nil, fmt.Errorf("mudp: listener is closed")
	}

	r, err := newRelay(l.core, l.post, Config{
		RelayID:        relayID,
		RemoteAddress:  remoteAddress,
		ResendInterval: resendInterval,
	}, l.conn, l)
	if err != nil {
		return nil, err
	}

	if _, ok := l.relays[r.remote.String()]; ok {
		close(r.stopChan)
		return nil, fmt.Errorf("mudp: a relay for %v already exists", r.remote)
	}
	l.relays[r.remote.String()] = r

	return r, nil
}

// detach removes a closing Relay from the demultiplexing table.
func (l *Listener) detach(r *Relay) {
	l.relaysMutex.Lock()
	defer l.relaysMutex.Unlock()

	if l.relays[r.remote.String()] == r {
		delete(l.relays, r.remote.String())
	}
}

// reader decodes inbound datagrams and routes them to the dialed Relay of
// their sender.
func (l *Listener) reader() {
	buf := make([]byte, 65536)

	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.stopChan:
				return
			default:
			}
			log.WithError(err).Warn("Reading datagram failed")
			continue
		}

		l.relaysMutex.Lock()
		r := l.relays[addr.String()]
		l.relaysMutex.Unlock()

		if r == nil {
			log.WithField("peer", addr).Debug("Discarding datagram from an unknown peer")
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		acks, payloads, err := parsePacket(data)
		if err != nil {
			log.WithError(err).WithField("peer", addr).Debug("Discarding broken datagram")
			continue
		}

		l.post(func() { r.deliver(acks, payloads) })
	}
}

// Close stops reading and closes the shared socket. The individual Relays
// are closed by their owner beforehand.
func (l *Listener) Close() error {
	l.relaysMutex.Lock()
	defer l.relaysMutex.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	close(l.stopChan)

	return l.conn.Close()
}
