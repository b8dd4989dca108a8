package executor

import (
	"github.com/gotsp/tsp/internal/ring"
	"github.com/gotsp/tsp/internal/tspacket"
)

// Stuffer implements the Stuffing & Timestamp Injector (C5) as a
// pre-filter run by the input executor before a batch is admitted to
// the ring: add_start_stuffing nulls precede any plugin packet,
// add_input_stuffing interleaves nulls at a fixed ratio, and
// add_stop_stuffing nulls are appended once the input plugin reports
// end-of-stream.
type Stuffer struct {
	startRemaining int
	nullPerRatio   int
	inPerRatio     int
	stopRemaining  int
}

// NewStuffer builds a Stuffer from the configured ratios. A zero
// nullpkt/inpkt pair disables interleaved stuffing entirely.
func NewStuffer(startCount, nullpkt, inpkt, stopCount int) *Stuffer {
	return &Stuffer{
		startRemaining: startCount,
		nullPerRatio:   nullpkt,
		inPerRatio:     inpkt,
		stopRemaining:  stopCount,
	}
}

// PluginBudget returns how many of a windowLen-sized claimed window
// the input executor should ask the plugin to fill; the remainder is
// reserved for synthetic nulls. While add_start_stuffing packets
// remain, the budget is 0: this pass is pure stuffing, no plugin call
// is made at all.
func (s *Stuffer) PluginBudget(windowLen int) int {
	if windowLen <= 0 {
		return 0
	}
	if s.startRemaining > 0 {
		return 0
	}
	if s.nullPerRatio <= 0 || s.inPerRatio <= 0 {
		return windowLen
	}
	budget := windowLen * s.inPerRatio / (s.inPerRatio + s.nullPerRatio)
	if budget < 1 {
		budget = 1
	}
	if budget > windowLen {
		budget = windowLen
	}
	return budget
}

// Apply lays real[:realCount] out into the ring starting at start,
// interleaving synthetic null packets evenly among them (or, while
// add_start_stuffing packets remain, writing pure nulls instead of
// consuming real at all), then appends add_stop_stuffing nulls if eof
// is set and capacity within windowLen remains. It returns the total
// number of ring slots filled, always <= windowLen.
func (s *Stuffer) Apply(buf *ring.Buffer, start, windowLen int, real []tspacket.Slot, realCount int, eof bool) int {
	pos := 0

	if s.startRemaining > 0 {
		n := s.startRemaining
		if n > windowLen {
			n = windowLen
		}
		for i := 0; i < n; i++ {
			writeNull(buf, start+pos)
			pos++
		}
		s.startRemaining -= n
		return pos
	}

	if s.nullPerRatio > 0 && s.inPerRatio > 0 {
		for i := 0; i < realCount && pos < windowLen; i++ {
			writeSlot(buf, start+pos, real[i])
			pos++
			if (i+1)%s.inPerRatio == 0 {
				for j := 0; j < s.nullPerRatio && pos < windowLen; j++ {
					writeNull(buf, start+pos)
					pos++
				}
			}
		}
	} else {
		for i := 0; i < realCount && pos < windowLen; i++ {
			writeSlot(buf, start+pos, real[i])
			pos++
		}
	}

	if eof && s.stopRemaining > 0 {
		for pos < windowLen && s.stopRemaining > 0 {
			writeNull(buf, start+pos)
			pos++
			s.stopRemaining--
		}
	}

	return pos
}

func writeSlot(buf *ring.Buffer, index int, slot tspacket.Slot) {
	*buf.Packet(index) = slot
	meta := buf.Metadata(index)
	meta.FreshFromInput = true
}

func writeNull(buf *ring.Buffer, index int) {
	tspacket.MakeNull(buf.Packet(index))
	meta := buf.Metadata(index)
	meta.Reset()
}
