package tspacket

// MaxLabels is the number of distinct label bits a packet can carry.
const MaxLabels = 32

// Metadata is the parallel record carried alongside every packet slot. It
// is preserved across stages until the packet leaves the buffer: a
// processor plugin receives it by reference and may mutate labels or the
// bitrate-changed hint, but the core never re-derives it from the packet
// bytes.
type Metadata struct {
	// InputTimestamp is the 64-bit time (nanoseconds on the monotonic
	// clock, counted from process start) at which the packet was
	// admitted, stamped by the input executor when the admitting batch
	// is released. Input plugins have no way to report their own value.
	InputTimestamp int64

	labels uint32

	// BitrateChanged is a hint a processor plugin may set on a packet.
	// The core does not read it: setting it triggers no recomputation of
	// the declared bitrate.
	BitrateChanged bool

	// Flush is an advisory flag a plugin may set on a packet. The core
	// does not read it; a stage's early wake of the next stage comes
	// only from a STALL verdict.
	Flush bool

	// FreshFromInput is true for packets that came directly from the
	// input plugin in the current batch, false for synthesized stuffing.
	FreshFromInput bool
}

// Reset clears all fields, preparing the metadata slot to be reused by a
// new packet admitted at the same ring position.
func (m *Metadata) Reset() {
	*m = Metadata{}
}

// HasLabel reports whether label n (0..31) is set.
func (m *Metadata) HasLabel(n int) bool {
	if n < 0 || n >= MaxLabels {
		return false
	}
	return m.labels&(1<<uint(n)) != 0
}

// SetLabel sets label n (0..31). Out-of-range labels are ignored.
func (m *Metadata) SetLabel(n int) {
	if n < 0 || n >= MaxLabels {
		return
	}
	m.labels |= 1 << uint(n)
}

// ClearLabel clears label n (0..31).
func (m *Metadata) ClearLabel(n int) {
	if n < 0 || n >= MaxLabels {
		return
	}
	m.labels &^= 1 << uint(n)
}

// Labels returns the raw 32-bit label bitset.
func (m *Metadata) Labels() uint32 {
	return m.labels
}
