package executor

import (
	"context"
	"testing"
	"time"

	"github.com/gotsp/tsp/internal/ledger"
	"github.com/gotsp/tsp/internal/tspacket"
)

type fakeOutputPlugin struct {
	sent   [][]tspacket.Slot
	accept bool
}

func (f *fakeOutputPlugin) Start() error { return nil }
func (f *fakeOutputPlugin) Stop() error  { return nil }
func (f *fakeOutputPlugin) Send(slots []tspacket.Slot) bool {
	cp := make([]tspacket.Slot, len(slots))
	copy(cp, slots)
	f.sent = append(f.sent, cp)
	return f.accept
}

func TestOutputExecutorSendsAndReleases(t *testing.T) {
	t.Parallel()
	led, buf, arb, declared := newTestStack(t, 10)

	for i := 0; i < 2; i++ {
		*buf.Packet(i) = realPacket(uint16(0x200 + i))
	}
	led.Release(0, 2, false) // input -> processor
	led.Release(1, 2, false) // processor -> output

	fop := &fakeOutputPlugin{accept: true}
	e := New(2, "out", ledger.Output, led, buf, arb, declared, nil, nil, Limits{})
	oe := NewOutputExecutor(e, fop)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- oe.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	led.SetInputEnd(2)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("output executor did not exit")
	}

	if len(fop.sent) != 1 || len(fop.sent[0]) != 2 {
		t.Fatalf("expected one send of 2 packets, got %v", fop.sent)
	}
	select {
	case <-arb.Done():
	case <-time.After(time.Second):
		t.Fatal("expected arbiter to fire NaturalEOS once the output stage drains")
	}
}

func TestOutputExecutorExcludesDroppedSlotsFromSend(t *testing.T) {
	t.Parallel()
	led, buf, arb, declared := newTestStack(t, 10)

	*buf.Packet(0) = realPacket(0x100)
	tspacket.Drop(buf.Packet(1))
	*buf.Packet(2) = realPacket(0x102)
	led.Release(0, 3, false) // input -> processor
	led.Release(1, 3, false) // processor -> output

	fop := &fakeOutputPlugin{accept: true}
	e := New(2, "out", ledger.Output, led, buf, arb, declared, nil, nil, Limits{})
	oe := NewOutputExecutor(e, fop)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- oe.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	led.SetInputEnd(2)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("output executor did not exit")
	}

	if len(fop.sent) != 1 || len(fop.sent[0]) != 2 {
		t.Fatalf("expected one send of 2 surviving packets, got %v", fop.sent)
	}
	if fop.sent[0][0] != realPacket(0x100) || fop.sent[0][1] != realPacket(0x102) {
		t.Fatal("dropped slot leaked into the sent batch")
	}
}

func TestOutputExecutorAbortOnRejectedSend(t *testing.T) {
	t.Parallel()
	led, buf, arb, declared := newTestStack(t, 10)
	*buf.Packet(0) = realPacket(0x100)
	led.Release(0, 1, false)
	led.Release(1, 1, false)

	fop := &fakeOutputPlugin{accept: false}
	e := New(2, "out", ledger.Output, led, buf, arb, declared, nil, nil, Limits{})
	oe := NewOutputExecutor(e, fop)

	done := make(chan error, 1)
	go func() { done <- oe.Run(context.Background()) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("output executor did not exit after rejected send")
	}
	if !led.Snapshot(1).Aborted {
		t.Fatal("expected processor stage to be marked aborted after output rejects a send")
	}
	select {
	case <-arb.Done():
	case <-time.After(time.Second):
		t.Fatal("expected arbiter to fire on rejected send")
	}
}
