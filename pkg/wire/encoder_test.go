// SPDX-FileCopyrightText: 2022 Alvar Penning
// SPDX-FileCopyrightText: 2022, 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"bytes"
	"testing"
)

func TestEncoderBudget(t *testing.T) {
	enc := NewEncoder(make([]byte, 8))

	if err := enc.WriteUint16(0x2211); err != nil {
		t.Fatal(err)
	}
	if err := enc.WriteUint32(0x66554433); err != nil {
		t.Fatal(err)
	}

	if remaining := enc.Remaining(); remaining != 2 {
		t.Fatalf("expected remaining 2, got: %d", remaining)
	}

	// A four byte write must not fit anymore and must not alter the buffer.
	if err := enc.WriteUint32(0xFFFFFFFF); err != ErrEncoderFull {
		t.Fatalf("expected ErrEncoderFull, got: %v", err)
	}
	if err := enc.WriteUint8(0x77); err != nil {
		t.Fatal(err)
	}

	expected := []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77}
	if !bytes.Equal(enc.Bytes(), expected) {
		t.Fatalf("expected: %x, got: %x", expected, enc.Bytes())
	}
}
