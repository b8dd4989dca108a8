// Package ring implements the Resident Packet Buffer: a fixed-size,
// best-effort page-locked circular array of packet slots with a
// parallel metadata array. It provides raw indexed access only — all
// synchronization of ownership across stages is the ledger package's
// job, not this one's.
package ring

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/gotsp/tsp/internal/tspacket"
)

// DefaultSizeMB is the default ring size in megabytes (16 MiB), per the
// --buffer-size-mb default.
const DefaultSizeMB = 16

// bytesPerMB is the binary megabyte (MiB) used to convert
// --buffer-size-mb.
const bytesPerMB = 1 << 20

// Buffer is the resident packet buffer: N_slots packet slots and N_slots
// metadata records, backed by one contiguous, best-effort page-locked
// allocation.
type Buffer struct {
	packets  []tspacket.Slot
	metadata []tspacket.Metadata
	locked   bool
}

// SlotsForSizeMB returns the number of packet slots a buffer of the
// given megabyte size holds (size_mb*1,048,576 / 188, rounded down).
func SlotsForSizeMB(sizeMB float64) int {
	if sizeMB <= 0 {
		sizeMB = DefaultSizeMB
	}
	n := int(sizeMB * bytesPerMB / tspacket.Size)
	if n < 1 {
		n = 1
	}
	return n
}

// New allocates a buffer of n packet slots and attempts to page-lock the
// backing memory. If page-locking fails (e.g. the host denies
// CAP_IPC_LOCK, or GOOS doesn't support mlock), it logs a warning and
// falls back to ordinary, pageable memory: the core remains correct,
// only its real-time latency guarantee weakens.
func New(n int, log *slog.Logger) (*Buffer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("ring: invalid slot count %d", n)
	}
	if log == nil {
		log = slog.Default()
	}

	b := &Buffer{
		packets:  make([]tspacket.Slot, n),
		metadata: make([]tspacket.Metadata, n),
	}

	if err := b.lock(); err != nil {
		log.Warn("failed to page-lock resident buffer, continuing unlocked",
			"slots", n, "error", err)
	} else {
		b.locked = true
		log.Debug("page-locked resident buffer", "slots", n)
	}

	return b, nil
}

// lock attempts to mlock the packet and metadata backing arrays.
func (b *Buffer) lock() error {
	if err := unix.Mlock(sliceBytes(b.packets)); err != nil {
		return fmt.Errorf("mlock packets: %w", err)
	}
	if err := unix.Mlock(metadataBytes(b.metadata)); err != nil {
		_ = unix.Munlock(sliceBytes(b.packets))
		return fmt.Errorf("mlock metadata: %w", err)
	}
	return nil
}

// Close releases the page lock, if any was acquired. It does not zero
// or free the backing arrays; the garbage collector reclaims them once
// unreferenced.
func (b *Buffer) Close() error {
	if !b.locked {
		return nil
	}
	b.locked = false
	if err := unix.Munlock(sliceBytes(b.packets)); err != nil {
		return err
	}
	return unix.Munlock(metadataBytes(b.metadata))
}

// Count returns the number of slots in the ring (N_slots).
func (b *Buffer) Count() int {
	return len(b.packets)
}

// Locked reports whether the backing memory is currently page-locked.
func (b *Buffer) Locked() bool {
	return b.locked
}

// Packet returns a pointer to the packet slot at index i (mod Count()).
func (b *Buffer) Packet(i int) *tspacket.Slot {
	return &b.packets[i%len(b.packets)]
}

// Metadata returns a pointer to the metadata record at index i (mod
// Count()), parallel to Packet(i).
func (b *Buffer) Metadata(i int) *tspacket.Metadata {
	return &b.metadata[i%len(b.metadata)]
}
