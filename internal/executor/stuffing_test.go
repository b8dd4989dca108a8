package executor

import (
	"testing"

	"github.com/gotsp/tsp/internal/ring"
	"github.com/gotsp/tsp/internal/tspacket"
)

func newTestRing(t *testing.T, n int) *ring.Buffer {
	t.Helper()
	b, err := ring.New(n, nil)
	if err != nil {
		t.Fatalf("ring.New: %v", err)
	}
	return b
}

func realPacket(pid uint16) tspacket.Slot {
	var s tspacket.Slot
	s[0] = 0x47
	s[1] = byte(pid >> 8)
	s[2] = byte(pid)
	s[3] = 0x10
	return s
}

func TestStufferPluginBudgetNoStuffing(t *testing.T) {
	t.Parallel()
	s := NewStuffer(0, 0, 0, 0)
	if got := s.PluginBudget(100); got != 100 {
		t.Fatalf("got %d, want 100", got)
	}
}

func TestStufferPluginBudgetWithRatio(t *testing.T) {
	t.Parallel()
	s := NewStuffer(0, 1, 9, 0) // 1 null per 9 real
	got := s.PluginBudget(100)
	if got <= 0 || got >= 100 {
		t.Fatalf("expected budget strictly between 0 and 100, got %d", got)
	}
}

func TestStufferPluginBudgetZeroDuringStartStuffing(t *testing.T) {
	t.Parallel()
	s := NewStuffer(5, 0, 0, 0)
	if got := s.PluginBudget(100); got != 0 {
		t.Fatalf("got %d, want 0 while start stuffing is pending", got)
	}
}

func TestStufferApplyStartStuffing(t *testing.T) {
	t.Parallel()
	buf := newTestRing(t, 20)
	s := NewStuffer(3, 0, 0, 0)

	produced := s.Apply(buf, 0, 10, nil, 0, false)
	if produced != 3 {
		t.Fatalf("got %d, want 3 start-stuffing packets", produced)
	}
	for i := 0; i < 3; i++ {
		if !isNullPacket(buf.Packet(i)) {
			t.Fatalf("slot %d expected to be a null packet", i)
		}
	}
	if s.startRemaining != 0 {
		t.Fatalf("expected startRemaining to reach 0, got %d", s.startRemaining)
	}
}

func TestStufferApplyNoStuffingPassesRealThrough(t *testing.T) {
	t.Parallel()
	buf := newTestRing(t, 20)
	s := NewStuffer(0, 0, 0, 0)
	real := []tspacket.Slot{realPacket(0x100), realPacket(0x200)}

	produced := s.Apply(buf, 0, 10, real, 2, false)
	if produced != 2 {
		t.Fatalf("got %d, want 2", produced)
	}
	if isNullPacket(buf.Packet(0)) || isNullPacket(buf.Packet(1)) {
		t.Fatal("expected real packets to pass through unmodified")
	}
}

func TestStufferApplyInterleavesAtRatio(t *testing.T) {
	t.Parallel()
	buf := newTestRing(t, 20)
	s := NewStuffer(0, 1, 2, 0) // 1 null per 2 real
	real := []tspacket.Slot{realPacket(1), realPacket(2), realPacket(3), realPacket(4)}

	produced := s.Apply(buf, 0, 20, real, 4, false)
	// Expect: real, real, null, real, real, null = 6 slots
	if produced != 6 {
		t.Fatalf("got %d produced, want 6", produced)
	}
	wantNull := map[int]bool{2: true, 5: true}
	for i := 0; i < produced; i++ {
		if isNullPacket(buf.Packet(i)) != wantNull[i] {
			t.Fatalf("slot %d: got null=%v, want %v", i, isNullPacket(buf.Packet(i)), wantNull[i])
		}
	}
}

func TestStufferApplyStopStuffing(t *testing.T) {
	t.Parallel()
	buf := newTestRing(t, 20)
	s := NewStuffer(0, 0, 0, 2)
	real := []tspacket.Slot{realPacket(1)}

	produced := s.Apply(buf, 0, 20, real, 1, true)
	if produced != 3 {
		t.Fatalf("got %d, want 1 real + 2 stop-stuffing", produced)
	}
	if isNullPacket(buf.Packet(0)) {
		t.Fatal("slot 0 should be the real packet")
	}
	if !isNullPacket(buf.Packet(1)) || !isNullPacket(buf.Packet(2)) {
		t.Fatal("slots 1,2 should be stop-stuffing nulls")
	}
	if s.stopRemaining != 0 {
		t.Fatalf("expected stopRemaining to reach 0, got %d", s.stopRemaining)
	}
}

func TestStufferApplyRespectsWindowCapacity(t *testing.T) {
	t.Parallel()
	buf := newTestRing(t, 20)
	s := NewStuffer(0, 1, 1, 0) // 1-for-1 interleaving
	real := []tspacket.Slot{realPacket(1), realPacket(2), realPacket(3)}

	produced := s.Apply(buf, 0, 4, real, 3, false)
	if produced > 4 {
		t.Fatalf("produced %d exceeds window capacity 4", produced)
	}
}

func isNullPacket(s *tspacket.Slot) bool {
	pid := (uint16(s[1]&0x1F) << 8) | uint16(s[2])
	return s[0] == 0x47 && pid == tspacket.NullPID
}
