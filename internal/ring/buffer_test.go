package ring

import (
	"log/slog"
	"testing"

	"github.com/gotsp/tsp/internal/tspacket"
)

func TestSlotsForSizeMB(t *testing.T) {
	t.Parallel()
	got := SlotsForSizeMB(16)
	want := 16 * bytesPerMB / tspacket.Size
	if got != want {
		t.Errorf("SlotsForSizeMB(16) = %d, want %d", got, want)
	}
	if SlotsForSizeMB(0) != SlotsForSizeMB(DefaultSizeMB) {
		t.Error("SlotsForSizeMB(0) should fall back to the default size")
	}
}

func TestBufferPacketAndMetadataAccess(t *testing.T) {
	t.Parallel()
	b, err := New(8, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if b.Count() != 8 {
		t.Fatalf("Count() = %d, want 8", b.Count())
	}

	p := b.Packet(2)
	p[0] = 0x47
	if b.Packet(2)[0] != 0x47 {
		t.Error("Packet(i) should return a stable pointer into the ring")
	}

	// Modular wrap: index 10 aliases index 2 in an 8-slot ring.
	if b.Packet(10) != b.Packet(2) {
		t.Error("Packet(i) should wrap modulo Count()")
	}

	md := b.Metadata(2)
	md.SetLabel(5)
	if !b.Metadata(2).HasLabel(5) {
		t.Error("Metadata(i) should return a stable pointer into the ring")
	}
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	t.Parallel()
	if _, err := New(0, slog.Default()); err == nil {
		t.Error("expected error for zero-size buffer")
	}
}
