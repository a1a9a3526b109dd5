// SPDX-FileCopyrightText: 2022 Alvar Penning
// SPDX-FileCopyrightText: 2022, 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// PayloadRecord is the framing of one payload chunk, as carried inside a
// relay's network packets. A record covers Payload bytes starting at
// ChunkStart of a message of OriginalSize total bytes; a record with
// ChunkStart zero and a full-length Payload carries the whole message.
type PayloadRecord struct {
	Source         uuid.UUID
	Type           MessageType
	SequenceNumber SequenceNumber
	OriginalSize   uint32
	ChunkStart     uint32
	Payload        []byte
}

// EncodedLen returns the marshalled size of this PayloadRecord in bytes.
func (pr *PayloadRecord) EncodedLen() int {
	return 16 + 1 + 4 + 4 + 4 + 4 + len(pr.Payload)
}

// Marshal writes this PayloadRecord in its little-endian wire form.
func (pr *PayloadRecord) Marshal(w io.Writer) error {
	if _, err := w.Write(pr.Source[:]); err != nil {
		return err
	}

	fields := []interface{}{
		uint8(pr.Type),
		uint32(pr.SequenceNumber),
		pr.OriginalSize,
		pr.ChunkStart,
		uint32(len(pr.Payload)),
	}
	for _, field := range fields {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return err
		}
	}

	_, err := w.Write(pr.Payload)
	return err
}

// Unmarshal reads a PayloadRecord from its little-endian wire form.
func (pr *PayloadRecord) Unmarshal(r io.Reader) error {
	if _, err := io.ReadFull(r, pr.Source[:]); err != nil {
		return err
	}

	var msgType uint8
	if err := binary.Read(r, binary.LittleEndian, &msgType); err != nil {
		return err
	} else if !MessageType(msgType).IsValid() {
		return fmt.Errorf("payload record's message type %d is invalid", msgType)
	}
	pr.Type = MessageType(msgType)

	var sn uint32
	if err := binary.Read(r, binary.LittleEndian, &sn); err != nil {
		return err
	}
	pr.SequenceNumber = SequenceNumber(sn)

	if err := binary.Read(r, binary.LittleEndian, &pr.OriginalSize); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &pr.ChunkStart); err != nil {
		return err
	}

	var chunkLen uint32
	if err := binary.Read(r, binary.LittleEndian, &chunkLen); err != nil {
		return err
	}
	if chunkLen > pr.OriginalSize {
		return fmt.Errorf("payload record's chunk length %d exceeds its original size %d",
			chunkLen, pr.OriginalSize)
	}
	if uint64(pr.ChunkStart)+uint64(chunkLen) > uint64(pr.OriginalSize) {
		return fmt.Errorf("payload record's chunk [%d,%d) exceeds its original size %d",
			pr.ChunkStart, pr.ChunkStart+chunkLen, pr.OriginalSize)
	}

	pr.Payload = make([]byte, chunkLen)
	_, err := io.ReadFull(r, pr.Payload)
	return err
}

func (pr PayloadRecord) String() string {
	return fmt.Sprintf("PayloadRecord(%v, %v, sn %d, chunk [%d,%d) of %d)",
		pr.Source, pr.Type, pr.SequenceNumber,
		pr.ChunkStart, pr.ChunkStart+uint32(len(pr.Payload)), pr.OriginalSize)
}

// ackEntryLen is the marshalled size of an AckEntry in bytes.
const ackEntryLen = 16 + 16 + 1 + 4 + 4

// EncodedLen returns the marshalled size of this AckEntry in bytes.
func (ae *AckEntry) EncodedLen() int {
	return ackEntryLen
}

// Marshal writes this AckEntry in its little-endian wire form.
func (ae *AckEntry) Marshal(w io.Writer) error {
	if _, err := w.Write(ae.Destination[:]); err != nil {
		return err
	}
	if _, err := w.Write(ae.Source[:]); err != nil {
		return err
	}

	fields := []interface{}{
		uint8(ae.Acks.Kind),
		uint32(ae.Acks.HighestSn),
		ae.Acks.Predecessors,
	}
	for _, field := range fields {
		if err := binary.Write(w, binary.LittleEndian, field); err != nil {
			return err
		}
	}

	return nil
}

// Unmarshal reads an AckEntry from its little-endian wire form.
func (ae *AckEntry) Unmarshal(r io.Reader) error {
	if _, err := io.ReadFull(r, ae.Destination[:]); err != nil {
		return err
	}
	if _, err := io.ReadFull(r, ae.Source[:]); err != nil {
		return err
	}

	var kind uint8
	if err := binary.Read(r, binary.LittleEndian, &kind); err != nil {
		return err
	} else if !AckKind(kind).IsValid() {
		return fmt.Errorf("ack entry's kind %d is invalid", kind)
	}

	var highest uint32
	if err := binary.Read(r, binary.LittleEndian, &highest); err != nil {
		return err
	}

	var predecessors uint32
	if err := binary.Read(r, binary.LittleEndian, &predecessors); err != nil {
		return err
	}

	ae.Acks = AckSet{
		Kind:         AckKind(kind),
		HighestSn:    SequenceNumber(highest),
		Predecessors: predecessors,
		populated:    true,
	}
	return nil
}
