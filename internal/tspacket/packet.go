// Package tspacket defines the 188-byte packet slot and its parallel
// metadata slot shared by every stage of the processing chain. Decoding
// functions in this package read fields out of the existing bytes, they
// never allocate a parsed replacement. A Slot stays at its ring position
// while it is admitted, but the output executor hands the output plugin
// copies of the slots it sends.
package tspacket

import (
	"fmt"

	"github.com/Comcast/gots/packet"
)

// Size is the fixed length of one transport stream packet.
const Size = packet.PacketSize

// NullPID is the PID reserved for stuffing (null) packets.
const NullPID = 0x1FFF

// Slot is one packet-sized storage unit in the ring. Byte 0 is the sync
// byte; per the core's only representation of "dropped", byte 0 == 0x00
// marks the slot as dropped and downstream stages skip it without
// invoking their plugin.
type Slot = packet.Packet

// IsDropped reports whether s has been marked dropped (sync byte zeroed).
func IsDropped(s *Slot) bool {
	return s[0] == 0x00
}

// Drop marks s as dropped by zeroing its sync byte. No other field is
// touched; downstream stages recognize the slot by this byte alone.
func Drop(s *Slot) {
	s[0] = 0x00
}

// MakeNull overwrites s in place with a stuffing (null) packet: PID
// 0x1FFF, no adaptation field, payload filled with 0xFF.
func MakeNull(s *Slot) {
	s[0] = syncByte
	s[1] = byte(NullPID >> 8 & 0x1F)
	s[2] = byte(NullPID & 0xFF)
	s[3] = 0x10 // no adaptation field, has payload, CC = 0
	for i := 4; i < Size; i++ {
		s[i] = 0xFF
	}
}

// Null returns a freshly built stuffing packet.
func Null() Slot {
	var s Slot
	MakeNull(&s)
	return s
}

const syncByte = 0x47

// Header holds the decoded fields of a packet slot's fixed 4-byte header
// and, when present, its adaptation field flags. Decoding is read-only:
// it never mutates or copies the slot.
type Header struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
	HasPCR                    bool
	PCR                       uint64 // 27 MHz-scaled base*300+extension, valid only if HasPCR
	payloadOffset             int
}

// DecodeHeader parses the header of s. It returns an error only for a
// structurally invalid packet (wrong sync byte); adaptation-field length
// overruns are clamped rather than treated as fatal, matching how real
// streams occasionally carry slightly malformed padding.
func DecodeHeader(s *Slot) (Header, error) {
	if s[0] != syncByte {
		return Header{}, fmt.Errorf("tspacket: invalid sync byte 0x%02X", s[0])
	}

	var h Header
	h.TransportErrorIndicator = s[1]&0x80 != 0
	h.PayloadUnitStartIndicator = s[1]&0x40 != 0
	h.PID = uint16(s[1]&0x1F)<<8 | uint16(s[2])
	h.HasAdaptationField = s[3]&0x20 != 0
	h.HasPayload = s[3]&0x10 != 0
	h.ContinuityCounter = s[3] & 0x0F

	offset := 4
	if h.HasAdaptationField {
		if offset >= Size {
			return h, nil
		}
		afLen := int(s[offset])
		if afLen > 0 && offset+1 < Size {
			h.DiscontinuityIndicator = s[offset+1]&0x80 != 0
			if s[offset+1]&0x10 != 0 && offset+7 < Size {
				h.HasPCR = true
				h.PCR = decodePCR(s[offset+2 : offset+8])
			}
		}
		offset += 1 + afLen
		if offset > Size {
			offset = Size
		}
	}
	h.payloadOffset = offset
	return h, nil
}

// Payload returns the payload slice of s given its already-decoded
// header, or nil if the packet carries no payload. The returned slice
// aliases s; callers must not retain it past s's lifetime in the ring.
func Payload(s *Slot, h Header) []byte {
	if !h.HasPayload || h.payloadOffset >= Size {
		return nil
	}
	return s[h.payloadOffset:]
}

// decodePCR extracts the 42-bit PCR (33-bit base, 9-bit extension,
// 27 MHz total) from a 6-byte adaptation field PCR field.
func decodePCR(b []byte) uint64 {
	base := uint64(b[0])<<25 | uint64(b[1])<<17 | uint64(b[2])<<9 | uint64(b[3])<<1 | uint64(b[4])>>7
	ext := uint64(b[4]&0x01)<<8 | uint64(b[5])
	return base*300 + ext
}
