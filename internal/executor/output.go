package executor

import (
	"context"

	"github.com/gotsp/tsp/internal/ledger"
	"github.com/gotsp/tsp/internal/plugin"
	"github.com/gotsp/tsp/internal/tspacket"
)

// OutputExecutor drives the output stage: it sends its read window to
// the output plugin, excluding dropped slots from the emitted stream
// entirely (spec.md P5), and releases consumed slots back to the input
// stage for reuse.
type OutputExecutor struct {
	*Executor
	plug plugin.Output
}

// NewOutputExecutor wraps an Executor with output-stage behavior.
func NewOutputExecutor(e *Executor, plug plugin.Output) *OutputExecutor {
	oe := &OutputExecutor{Executor: e, plug: plug}
	e.setRestarter(func() error {
		if err := plug.Stop(); err != nil {
			return err
		}
		return plug.Start()
	})
	return oe
}

// Run executes the output loop until input_end drains, abort, or ctx
// cancellation.
func (oe *OutputExecutor) Run(ctx context.Context) error {
	if err := oe.plug.Start(); err != nil {
		oe.led.Abort(oe.StageIndex)
		oe.cascadeAbort()
		oe.arb.NotifyAborted()
		return err
	}
	defer oe.plug.Stop()

	for {
		if err := oe.suspend.wait(ctx); err != nil {
			return nil
		}
		oe.pollRestart()

		max := oe.maxOutputCap()
		win := oe.led.RequestReadWindow(oe.StageIndex, max)
		if win.Aborted {
			oe.cascadeAbort()
			return nil
		}
		if win.Len == 0 {
			if win.InputEnd {
				// Nothing left to drain: natural end of the whole
				// pipeline. The input stage already exited; there is
				// no next stage to notify.
				oe.arb.NotifyDrained()
				return nil
			}
			continue
		}

		slots := make([]tspacket.Slot, 0, win.Len)
		for i := 0; i < win.Len; i++ {
			slot := oe.buf.Packet(win.Start + i)
			if tspacket.IsDropped(slot) {
				continue
			}
			slots = append(slots, *slot)
		}

		if len(slots) > 0 && !oe.plug.Send(slots) {
			oe.log.Error("output plugin rejected a send batch")
			oe.led.Abort(oe.StageIndex)
			oe.led.PropagateTermination(oe.StageIndex, ledger.Abort)
			oe.arb.NotifyAborted()
			return nil
		}

		oe.led.Release(oe.StageIndex, win.Len, false)
	}
}
