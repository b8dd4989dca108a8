// Package bitrate implements the Bitrate Propagator (C4): a lock-free
// declared bitrate value, sourced in priority order from a fixed
// --bitrate override, the input plugin's own report, PCR slope
// analysis, and a DTS slope fallback, published to every stage on a
// release-store so downstream reads need no barrier.
package bitrate

import (
	"sync/atomic"
	"time"

	"github.com/gotsp/tsp/internal/plugin"
)

// Value is a (bitrate, confidence) pair. Declared publishes the same
// pair packed into one atomic.Int64, so a single load/store keeps the
// two consistent without a separate lock.
type Value struct {
	bitsPerSecond int64
	confidence    plugin.BitrateConfidence
}

// Declared is the lock-free, shared declared-bitrate cell every stage
// reads from. Only the input executor publishes to it; processors do
// not store into it.
type Declared struct {
	packed atomic.Int64
}

// pack/unpack fold (bitrate, confidence) into/out of one int64: the low
// 2 bits hold the confidence, the rest holds the bitrate, which comfortably
// fits real-world transport stream rates (max ~2.3 Eb/s headroom).
func pack(bps int64, conf plugin.BitrateConfidence) int64 {
	return bps<<2 | int64(conf&0x3)
}

func unpack(v int64) (int64, plugin.BitrateConfidence) {
	return v >> 2, plugin.BitrateConfidence(v & 0x3)
}

// Store publishes a new declared bitrate with release-store semantics
// (atomic.Int64.Store already provides this on every Go-supported arch).
func (d *Declared) Store(bitsPerSecond int64, confidence plugin.BitrateConfidence) {
	d.packed.Store(pack(bitsPerSecond, confidence))
}

// Load reads the current declared bitrate without blocking.
func (d *Declared) Load() (bitsPerSecond int64, confidence plugin.BitrateConfidence) {
	return unpack(d.packed.Load())
}

// AdjustInterval is the --bitrate-adjust-interval default, 5 seconds.
// No component schedules adjustment ticks from it: the input executor
// re-resolves the declared bitrate after every batch it admits.
const AdjustInterval = 5 * time.Second

// Source computes the declared bitrate for the input stage, honoring
// the priority chain from spec.md §4.4: fixed override, then
// plugin-reported, then PCR analysis, then DTS analysis fallback.
type Source struct {
	fixed       int64 // 0 if no --bitrate override
	instuffNull int
	instuffIn   int

	pcr *PCRAnalyzer
	dts *DTSAnalyzer

	useDTS bool
}

// NewSource builds a Source. fixedBitsPerSecond is the --bitrate
// override (0 = none); instuffNullpkt/instuffInpkt are the
// --add-input-stuffing ratio (0/0 = no stuffing), used to scale a
// plugin- or PCR-derived bitrate up to account for injected stuffing.
func NewSource(fixedBitsPerSecond int64, instuffNullpkt, instuffInpkt int) *Source {
	return &Source{
		fixed:       fixedBitsPerSecond,
		instuffNull: instuffNullpkt,
		instuffIn:   instuffInpkt,
		pcr:         NewPCRAnalyzer(),
		dts:         NewDTSAnalyzer(),
	}
}

// FeedPacket offers one raw input packet to the PCR/DTS analyzers; call
// this for every packet as it is admitted, before any stuffing is
// interleaved (synthetic stuffing carries no timing information).
func (s *Source) FeedPacket(pid uint16, hasPCR bool, pcr uint64, pusi bool, payload []byte) {
	if hasPCR {
		s.pcr.Feed(pcr)
	}
	if pusi {
		if dts, ok := extractDTS(payload); ok {
			s.dts.Feed(dts)
		}
	}
}

// Resolve returns the current declared bitrate per the priority chain.
// pluginBitrate/pluginConfidence is what the input plugin itself
// reported (0, Low if the plugin doesn't implement BitrateReporting).
func (s *Source) Resolve(pluginBitrate int64, pluginConfidence plugin.BitrateConfidence) (int64, plugin.BitrateConfidence) {
	if s.fixed > 0 {
		return s.scaleForStuffing(s.fixed), plugin.Override
	}
	if pluginBitrate > 0 {
		return s.scaleForStuffing(pluginBitrate), pluginConfidence
	}
	if !s.useDTS && s.pcr.Valid() {
		return s.pcr.BitrateAt188(), plugin.PCRContinuous
	}
	if s.dts.Valid() {
		s.useDTS = true
	}
	if s.useDTS {
		return s.dts.BitrateAt188(), plugin.PCRContinuous
	}
	return 0, plugin.Low
}

// scaleForStuffing inflates a plugin-/PCR-reported bitrate to account
// for synthetic input stuffing, matching TSDuck's getBitrate(): the
// true stream rate is higher than the real input device's rate once
// --add-input-stuffing nullpkt/inpkt is in effect.
func (s *Source) scaleForStuffing(bps int64) int64 {
	if s.instuffIn == 0 {
		return bps
	}
	return bps * int64(s.instuffNull+s.instuffIn) / int64(s.instuffIn)
}
