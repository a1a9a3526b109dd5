// SPDX-FileCopyrightText: 2022 Alvar Penning
// SPDX-FileCopyrightText: 2022, 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/google/uuid"
	"github.com/schollz/peerdiscovery"
)

const (
	address4 = "239.23.7.7"
	port     = 37007
)

// NotifyFunc is called for every discovered peer: its node identifier and
// the UDP endpoint it announced.
type NotifyFunc func(nodeId uuid.UUID, endpoint string)

// Manager publishes and receives Announcements.
type Manager struct {
	NodeId uuid.UUID
	Notify NotifyFunc

	stopChan chan struct{}
}

// NewManager for Announcements will be created and started. Every peer
// found on the local segment is reported through notify; the own
// announcement names relayPort as this node's mudp endpoint.
func NewManager(nodeId uuid.UUID, relayPort uint, notify NotifyFunc,
	announcementInterval time.Duration) (*Manager, error) {

	manager := &Manager{
		NodeId:   nodeId,
		Notify:   notify,
		stopChan: make(chan struct{}),
	}

	log.WithFields(log.Fields{
		"node":     nodeId,
		"port":     relayPort,
		"interval": announcementInterval,
	}).Info("Starting discovery manager")

	msg, err := MarshalAnnouncement(Announcement{NodeId: nodeId, Port: relayPort})
	if err != nil {
		return nil, err
	}

	settings := peerdiscovery.Settings{
		Limit:            -1,
		Port:             fmt.Sprintf("%d", port),
		MulticastAddress: address4,
		Payload:          msg,
		Delay:            announcementInterval,
		TimeLimit:        -1,
		StopChan:         manager.stopChan,
		AllowSelf:        true,
		IPVersion:        peerdiscovery.IPv4,
		Notify:           manager.notify,
	}

	discoverErrChan := make(chan error)
	go func() {
		_, discoverErr := peerdiscovery.Discover(settings)
		discoverErrChan <- discoverErr
	}()

	select {
	case discoverErr := <-discoverErrChan:
		if discoverErr != nil {
			return nil, discoverErr
		}

	case <-time.After(time.Second):
		break
	}

	return manager, nil
}

func (manager *Manager) notify(discovered peerdiscovery.Discovered) {
	announcement, err := UnmarshalAnnouncement(discovered.Payload)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"peer": discovered.Address,
		}).Warn("Discarding broken announcement")
		return
	}

	if announcement.NodeId == manager.NodeId {
		return
	}

	log.WithFields(log.Fields{
		"peer":    announcement.NodeId,
		"address": discovered.Address,
		"port":    announcement.Port,
	}).Debug("Discovered peer")

	manager.Notify(announcement.NodeId,
		fmt.Sprintf("%s:%d", discovered.Address, announcement.Port))
}

// Close this Manager and stop the announcements.
func (manager *Manager) Close() {
	close(manager.stopChan)
}
