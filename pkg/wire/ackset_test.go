// SPDX-FileCopyrightText: 2022 Alvar Penning
// SPDX-FileCopyrightText: 2022, 2023 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"reflect"
	"testing"
)

func TestAckSetAdopt(t *testing.T) {
	var as AckSet

	if !as.CanAdd(7) {
		t.Fatal("empty AckSet refused its first number")
	}
	if !as.TryAdd(7) {
		t.Fatal("empty AckSet failed to adopt its first number")
	}

	if sns := as.Sequences(); !reflect.DeepEqual(sns, []SequenceNumber{7}) {
		t.Fatalf("expected: [7], got: %v", sns)
	}
}

func TestAckSetShift(t *testing.T) {
	as := NewAckSet(AckBroadcast, 5)

	for _, sn := range []SequenceNumber{6, 8} {
		if !as.TryAdd(sn) {
			t.Fatalf("TryAdd(%d) failed", sn)
		}
	}

	expected := []SequenceNumber{5, 6, 8}
	if sns := as.Sequences(); !reflect.DeepEqual(sns, expected) {
		t.Fatalf("expected: %v, got: %v", expected, sns)
	}

	// Fill the gap afterwards.
	if !as.TryAdd(7) {
		t.Fatal("TryAdd(7) failed")
	}

	expected = []SequenceNumber{5, 6, 7, 8}
	if sns := as.Sequences(); !reflect.DeepEqual(sns, expected) {
		t.Fatalf("expected: %v, got: %v", expected, sns)
	}
}

func TestAckSetIdempotent(t *testing.T) {
	as := NewAckSet(AckBroadcast, 10)
	_ = as.TryAdd(12)

	before := as
	for i := 0; i < 3; i++ {
		if !as.TryAdd(12) {
			t.Fatal("repeated TryAdd(12) failed")
		}
	}

	if as != before {
		t.Fatalf("repeated TryAdd changed the set: %v instead of %v", as, before)
	}
}

func TestAckSetWindow(t *testing.T) {
	as := NewAckSet(AckBroadcast, 100)

	if as.CanAdd(60) {
		t.Fatal("CanAdd accepted a number below the window")
	}
	if as.TryAdd(60) {
		t.Fatal("TryAdd accepted a number below the window")
	}

	// The oldest window position is still fine.
	if !as.TryAdd(68) {
		t.Fatal("TryAdd refused the window's oldest position")
	}

	expected := []SequenceNumber{68, 100}
	if sns := as.Sequences(); !reflect.DeepEqual(sns, expected) {
		t.Fatalf("expected: %v, got: %v", expected, sns)
	}
}

func TestAckSetLongJump(t *testing.T) {
	as := NewAckSet(AckBroadcast, 0)

	if !as.TryAdd(50) {
		t.Fatal("TryAdd(50) failed")
	}

	// The old window scrolled out entirely.
	if sns := as.Sequences(); !reflect.DeepEqual(sns, []SequenceNumber{50}) {
		t.Fatalf("expected: [50], got: %v", sns)
	}
}
