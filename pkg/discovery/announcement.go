// SPDX-FileCopyrightText: 2022 Alvar Penning
// SPDX-FileCopyrightText: 2022, 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package discovery publishes and receives LAN announcements so that nodes
// on the same network segment find each other without static configuration.
package discovery

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
	"github.com/google/uuid"
)

// Announcement of one node's relay endpoint.
type Announcement struct {
	NodeId uuid.UUID
	Port   uint
}

func (announcement Announcement) String() string {
	return fmt.Sprintf("Announcement(%v, port %d)", announcement.NodeId, announcement.Port)
}

// MarshalCbor creates a CBOR representation for an Announcement.
func (announcement *Announcement) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}

	if err := cboring.WriteByteString(announcement.NodeId[:], w); err != nil {
		return fmt.Errorf("marshalling node id failed: %v", err)
	}
	if err := cboring.WriteUInt(uint64(announcement.Port), w); err != nil {
		return err
	}

	return nil
}

// UnmarshalCbor creates an Announcement from its CBOR representation.
func (announcement *Announcement) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 2 {
		return fmt.Errorf("wrong array length: %d instead of 2", l)
	}

	if data, err := cboring.ReadByteString(r); err != nil {
		return err
	} else if len(data) != 16 {
		return fmt.Errorf("wrong node id length: %d instead of 16", len(data))
	} else {
		copy(announcement.NodeId[:], data)
	}

	if port, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		announcement.Port = uint(port)
	}

	return nil
}

// MarshalAnnouncement into a CBOR byte string.
func MarshalAnnouncement(announcement Announcement) (data []byte, err error) {
	buff := new(bytes.Buffer)

	if cErr := cboring.Marshal(&announcement, buff); cErr != nil {
		err = fmt.Errorf("marshalling Announcement (%v) failed: %v", announcement, cErr)
		return
	}

	data = buff.Bytes()
	return
}

// UnmarshalAnnouncement creates an Announcement based on a CBOR byte string.
func UnmarshalAnnouncement(data []byte) (announcement Announcement, err error) {
	err = cboring.Unmarshal(&announcement, bytes.NewBuffer(data))
	return
}
