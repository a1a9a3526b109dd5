// SPDX-FileCopyrightText: 2022 Alvar Penning
// SPDX-FileCopyrightText: 2022, 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package mesh

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/dtn7/mesh7-go/pkg/wire"
)

// InMessagePart is one received payload chunk, handed up by a relay. The
// Targets set is supplied by the relay from its own framing and is only
// consulted when the part has to be forwarded onward; the core never fills
// it.
type InMessagePart struct {
	Source         uuid.UUID
	Type           wire.MessageType
	SequenceNumber wire.SequenceNumber
	OriginalSize   uint32
	ChunkStart     uint32
	Payload        []byte

	Targets map[uuid.UUID]struct{}
}

// IsFull checks whether this part alone covers the whole message.
func (part *InMessagePart) IsFull() bool {
	return part.ChunkStart == 0 && uint32(len(part.Payload)) == part.OriginalSize
}

// Full converts a part for which IsFull holds into an InMessageFull.
func (part *InMessagePart) Full() InMessageFull {
	return InMessageFull{
		Source:         part.Source,
		Type:           part.Type,
		SequenceNumber: part.SequenceNumber,
		Payload:        part.Payload,
	}
}

func (part InMessagePart) String() string {
	return fmt.Sprintf("InMessagePart(%v, %v, sn %d, chunk [%d,%d) of %d)",
		part.Source, part.Type, part.SequenceNumber,
		part.ChunkStart, part.ChunkStart+uint32(len(part.Payload)), part.OriginalSize)
}

// InMessageFull is one completely received message.
type InMessageFull struct {
	Source         uuid.UUID
	Type           wire.MessageType
	SequenceNumber wire.SequenceNumber
	Payload        []byte
}

func (msg InMessageFull) String() string {
	return fmt.Sprintf("InMessageFull(%v, %v, sn %d, %d bytes)",
		msg.Source, msg.Type, msg.SequenceNumber, len(msg.Payload))
}
