package bitrate

// dtsHz is the MPEG clock frequency used for PTS/DTS timestamps
// (90 kHz).
const dtsHz = 90_000

// minDTSSamples is the minimum number of DTS values observed before
// falling back to this estimator, matching TSDuck's MIN_ANALYZE_DTS.
const minDTSSamples = 32

// DTSAnalyzer is the last-resort bitrate estimator, used only when the
// slice produced by the input plugin carries no PCR at all within the
// initial window (spec.md §4.4 source 4).
type DTSAnalyzer struct {
	packetsSinceFirst int64
	first, last       int64
	samples           int
}

// NewDTSAnalyzer creates an empty analyzer.
func NewDTSAnalyzer() *DTSAnalyzer {
	return &DTSAnalyzer{}
}

// Feed offers one 90 kHz DTS value extracted from a PES header.
func (a *DTSAnalyzer) Feed(dts int64) {
	if a.samples == 0 {
		a.first = dts
	} else if dts < a.last {
		a.first = dts
		a.packetsSinceFirst = 0
		a.samples = 0
	}
	a.last = dts
	a.samples++
	a.packetsSinceFirst++
}

// Valid reports whether enough DTS samples have accumulated.
func (a *DTSAnalyzer) Valid() bool {
	return a.samples >= minDTSSamples && a.last > a.first
}

// BitrateAt188 returns the estimated bitrate in bits/second from the
// DTS slope, assuming 188-byte packets.
func (a *DTSAnalyzer) BitrateAt188() int64 {
	if !a.Valid() {
		return 0
	}
	elapsedTicks := a.last - a.first
	if elapsedTicks == 0 {
		return 0
	}
	bits := a.packetsSinceFirst * 188 * 8
	return bits * dtsHz / elapsedTicks
}

// extractDTS pulls a 33-bit DTS (falling back to PTS if no DTS field is
// present) out of a PES payload beginning at a payload-unit-start
// packet. It returns ok=false if the payload isn't a parseable PES
// header with a timestamp.
//
// Grounded on internal/mpegts/pes.go's parsePES/parsePTSOrDTS: the
// optional-header PTS_DTS_indicator and 5-byte timestamp layout are
// reused verbatim, trimmed to only what bitrate estimation needs.
func extractDTS(payload []byte) (int64, bool) {
	if len(payload) < 9 || payload[0] != 0x00 || payload[1] != 0x00 || payload[2] != 0x01 {
		return 0, false
	}
	ptsDTSIndicator := (payload[7] >> 6) & 0x03
	switch ptsDTSIndicator {
	case 2: // PTS only
		if len(payload) >= 14 {
			return parseTimestamp(payload[9:14]), true
		}
	case 3: // PTS + DTS
		if len(payload) >= 19 {
			return parseTimestamp(payload[14:19]), true
		}
	}
	return 0, false
}

// parseTimestamp extracts a 33-bit PTS/DTS value from 5 PES timestamp
// bytes.
func parseTimestamp(b []byte) int64 {
	return int64(b[0]>>1&0x07)<<30 |
		int64(b[1])<<22 |
		int64(b[2]>>1&0x7F)<<15 |
		int64(b[3])<<7 |
		int64(b[4]>>1&0x7F)
}
