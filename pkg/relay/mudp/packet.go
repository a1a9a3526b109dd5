// SPDX-FileCopyrightText: 2022 Alvar Penning
// SPDX-FileCopyrightText: 2022, 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mudp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/howeyc/crc16"

	"github.com/dtn7/mesh7-go/pkg/wire"
)

// packetMagic prefixes every mudp datagram.
const packetMagic uint16 = 0x6D37

// crcTable is shared by all packet checksums.
var crcTable = crc16.MakeTable(crc16.CCITT)

// A packet is one datagram:
//
//	magic (u16) | ack count (u8) | ack entries |
//	payload count (u8) | payload items | crc16 CCITT (u16)
//
// A payload item prefixes its wire record with the targets the record is
// addressed to:
//
//	target count (u8) | targets (16 bytes each) | payload record
//
// All integers are little-endian; the checksum covers everything before it.

// payloadItem is one addressed payload record of a packet.
type payloadItem struct {
	targets map[uuid.UUID]struct{}
	record  wire.PayloadRecord
}

// payloadItemLen is the marshalled size of a payload item with the given
// target and chunk sizes.
func payloadItemLen(targets, chunk int) int {
	return 1 + 16*targets + 33 + chunk
}

func marshalPayloadItem(enc *wire.Encoder, item *payloadItem) error {
	if len(item.targets) > 255 {
		return fmt.Errorf("mudp: %d targets exceed a payload item's capacity", len(item.targets))
	}

	if err := enc.WriteUint8(uint8(len(item.targets))); err != nil {
		return err
	}
	for target := range item.targets {
		if _, err := enc.Write(target[:]); err != nil {
			return err
		}
	}

	return item.record.Marshal(enc)
}

func unmarshalPayloadItem(r *bytes.Reader) (item payloadItem, err error) {
	count, err := r.ReadByte()
	if err != nil {
		return
	}

	item.targets = make(map[uuid.UUID]struct{}, count)
	for i := 0; i < int(count); i++ {
		var target uuid.UUID
		if _, err = io.ReadFull(r, target[:]); err != nil {
			return
		}
		item.targets[target] = struct{}{}
	}

	err = item.record.Unmarshal(r)
	return
}

// parsePacket verifies data's framing and checksum and splits it into its
// records.
func parsePacket(data []byte) (acks []wire.AckEntry, payloads []payloadItem, err error) {
	if len(data) < 6 {
		err = fmt.Errorf("mudp: packet of %d bytes is too short", len(data))
		return
	}

	if m := binary.LittleEndian.Uint16(data); m != packetMagic {
		err = fmt.Errorf("mudp: packet magic %#04x is unknown", m)
		return
	}

	body, sum := data[:len(data)-2], binary.LittleEndian.Uint16(data[len(data)-2:])
	if c := crc16.Checksum(body, crcTable); c != sum {
		err = fmt.Errorf("mudp: packet checksum %#04x does not match %#04x", c, sum)
		return
	}

	r := bytes.NewReader(body[2:])

	ackCount, err := r.ReadByte()
	if err != nil {
		return
	}
	for i := 0; i < int(ackCount); i++ {
		var entry wire.AckEntry
		if err = entry.Unmarshal(r); err != nil {
			return
		}
		acks = append(acks, entry)
	}

	payloadCount, err := r.ReadByte()
	if err != nil {
		return
	}
	for i := 0; i < int(payloadCount); i++ {
		var item payloadItem
		if item, err = unmarshalPayloadItem(r); err != nil {
			return
		}
		payloads = append(payloads, item)
	}

	if r.Len() != 0 {
		err = fmt.Errorf("mudp: packet has %d trailing bytes", r.Len())
	}
	return
}

// packetBuilder assembles one outgoing datagram within an MTU budget.
type packetBuilder struct {
	buf []byte
	enc *wire.Encoder

	ackCount        uint8
	payloadCountOff int
	payloadCount    uint8
}

// newPacketBuilder starts a packet in a fresh buffer of mtu bytes. The acks
// written by fillAcks come first; payload items follow.
func newPacketBuilder(mtu int) *packetBuilder {
	buf := make([]byte, mtu)
	pb := &packetBuilder{
		buf: buf,
		// The trailing two bytes stay reserved for the checksum.
		enc: wire.NewEncoder(buf[:mtu-2]),
	}

	_ = pb.enc.WriteUint16(packetMagic)
	_ = pb.enc.WriteUint8(0)
	return pb
}

// fillAcks lets fn write ack entries into the remaining budget, leaving room
// for the payload section's count byte. fn returns the amount of entries it
// wrote.
func (pb *packetBuilder) fillAcks(fn func(enc *wire.Encoder) uint8) {
	budget := pb.enc.Remaining() - 1
	if budget < 0 {
		budget = 0
	}

	sub := wire.NewEncoder(make([]byte, budget))
	pb.ackCount = fn(sub)
	_, _ = pb.enc.Write(sub.Bytes())

	pb.payloadCountOff = pb.enc.Len()
	_ = pb.enc.WriteUint8(0)
}

// remainingPayload returns the budget left for one more payload item.
func (pb *packetBuilder) remainingPayload() int {
	return pb.enc.Remaining()
}

// addPayload appends one payload item; it must fit the remaining budget.
func (pb *packetBuilder) addPayload(item *payloadItem) error {
	if pb.payloadCount == 255 {
		return fmt.Errorf("mudp: packet payload count is exhausted")
	}
	if err := marshalPayloadItem(pb.enc, item); err != nil {
		return err
	}
	pb.payloadCount++
	return nil
}

// empty reports whether neither acks nor payloads were added.
func (pb *packetBuilder) empty() bool {
	return pb.ackCount == 0 && pb.payloadCount == 0
}

// finish backfills the record counts, appends the checksum, and returns the
// datagram.
func (pb *packetBuilder) finish() []byte {
	pb.buf[2] = pb.ackCount
	pb.buf[pb.payloadCountOff] = pb.payloadCount

	body := pb.enc.Bytes()
	packet := pb.buf[:len(body)+2]
	binary.LittleEndian.PutUint16(packet[len(body):], crc16.Checksum(body, crcTable))
	return packet
}
