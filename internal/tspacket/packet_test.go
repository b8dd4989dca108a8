package tspacket

import "testing"

func makeSlot(pid uint16, cc uint8, pusi bool, payload []byte) Slot {
	var s Slot
	s[0] = syncByte
	s[1] = byte(pid>>8) & 0x1F
	s[2] = byte(pid)
	s[3] = 0x10 | (cc & 0x0F)
	if pusi {
		s[1] |= 0x40
	}
	copy(s[4:], payload)
	return s
}

func TestDecodeHeader_Normal(t *testing.T) {
	t.Parallel()
	s := makeSlot(0x100, 5, false, []byte{0x01, 0x02, 0x03})

	h, err := DecodeHeader(&s)
	if err != nil {
		t.Fatal(err)
	}
	if h.PID != 0x100 {
		t.Errorf("PID = %d, want %d", h.PID, 0x100)
	}
	if h.ContinuityCounter != 5 {
		t.Errorf("CC = %d, want 5", h.ContinuityCounter)
	}
	if h.PayloadUnitStartIndicator {
		t.Error("PUSI should be false")
	}
	if !h.HasPayload || h.HasAdaptationField {
		t.Error("expected payload-only packet")
	}

	payload := Payload(&s, h)
	if len(payload) != Size-4 {
		t.Errorf("payload length = %d, want %d", len(payload), Size-4)
	}
	if payload[0] != 0x01 || payload[1] != 0x02 || payload[2] != 0x03 {
		t.Error("payload content mismatch")
	}
}

func TestDecodeHeader_BadSyncByte(t *testing.T) {
	t.Parallel()
	var s Slot
	_, err := DecodeHeader(&s)
	if err == nil {
		t.Error("expected error for zero sync byte")
	}
}

func TestIsDroppedAndDrop(t *testing.T) {
	t.Parallel()
	s := makeSlot(0x100, 0, false, nil)
	if IsDropped(&s) {
		t.Fatal("fresh packet should not be dropped")
	}
	Drop(&s)
	if !IsDropped(&s) {
		t.Fatal("Drop should zero the sync byte")
	}
}

func TestMakeNull(t *testing.T) {
	t.Parallel()
	s := makeSlot(0x100, 3, true, []byte{0xAA})
	MakeNull(&s)

	h, err := DecodeHeader(&s)
	if err != nil {
		t.Fatal(err)
	}
	if h.PID != NullPID {
		t.Errorf("PID = 0x%X, want 0x%X", h.PID, NullPID)
	}
	if h.HasAdaptationField {
		t.Error("null packet should have no adaptation field")
	}
	if IsDropped(&s) {
		t.Error("null packet is not a dropped slot")
	}
}

func TestDecodeHeader_AdaptationFieldWithPCR(t *testing.T) {
	t.Parallel()
	var s Slot
	s[0] = syncByte
	s[1] = 0x01 // PID high bits
	s[2] = 0x00
	s[3] = 0x30 // adaptation field + payload
	s[4] = 7    // adaptation field length
	s[5] = 0x10 // PCR flag set
	// 6 bytes of PCR: base=0, extension=0
	for i := 6; i < 12; i++ {
		s[i] = 0
	}

	h, err := DecodeHeader(&s)
	if err != nil {
		t.Fatal(err)
	}
	if !h.HasAdaptationField {
		t.Fatal("expected adaptation field")
	}
	if !h.HasPCR {
		t.Fatal("expected PCR present")
	}
	if h.PCR != 0 {
		t.Errorf("PCR = %d, want 0", h.PCR)
	}
}

func TestMetadataLabels(t *testing.T) {
	t.Parallel()
	var m Metadata
	m.SetLabel(3)
	m.SetLabel(31)
	if !m.HasLabel(3) || !m.HasLabel(31) {
		t.Fatal("expected labels 3 and 31 set")
	}
	if m.HasLabel(4) {
		t.Fatal("label 4 should not be set")
	}
	m.ClearLabel(3)
	if m.HasLabel(3) {
		t.Fatal("label 3 should be cleared")
	}
	m.Reset()
	if m.Labels() != 0 || m.HasLabel(31) {
		t.Fatal("Reset should clear all labels")
	}
}
