package executor

import (
	"context"

	"github.com/gotsp/tsp/internal/ledger"
	"github.com/gotsp/tsp/internal/plugin"
	"github.com/gotsp/tsp/internal/tspacket"
)

// ProcessorExecutor drives one processing stage: for each packet in
// its read window it skips dropped/label-filtered slots untouched and
// otherwise invokes the plugin, applying its verdict. A plugin that
// opted into joint termination may vote itself done mid-stream via the
// JointDone verdict; once every opted-in stage has voted, the stage
// that completes the quorum aborts the whole pipeline (spec.md §4.6
// rule 3).
type ProcessorExecutor struct {
	*Executor
	plug plugin.Processor
}

// NewProcessorExecutor wraps an Executor with processor-stage behavior.
func NewProcessorExecutor(e *Executor, plug plugin.Processor) *ProcessorExecutor {
	pe := &ProcessorExecutor{Executor: e, plug: plug}
	e.setRestarter(func() error {
		if err := plug.Stop(); err != nil {
			return err
		}
		return plug.Start()
	})
	return pe
}

// Run executes the processor loop until input_end drains, abort, or
// ctx cancellation.
func (pe *ProcessorExecutor) Run(ctx context.Context) error {
	if err := pe.plug.Start(); err != nil {
		pe.led.Abort(pe.StageIndex)
		pe.cascadeAbort()
		pe.arb.NotifyAborted()
		return err
	}
	defer pe.plug.Stop()

	if jt, ok := pe.plug.(plugin.JointTerminable); ok && jt.JointTermination() {
		pe.led.SetJointOptIn(pe.StageIndex)
	}
	onlyLabel, filtered := pe.onlyLabel, pe.onlyLabelSet
	if lf, ok := pe.plug.(plugin.LabelFiltered); ok {
		if l, enabled := lf.OnlyLabel(); enabled {
			onlyLabel, filtered = l, true
		}
	}

	for {
		if err := pe.suspend.wait(ctx); err != nil {
			return nil
		}
		pe.pollRestart()

		win := pe.led.RequestReadWindow(pe.StageIndex, pe.flushedCap())
		if win.Aborted {
			pe.cascadeAbort()
			return nil
		}
		if win.Len == 0 {
			if win.InputEnd {
				pe.led.PropagateTermination(pe.StageIndex, ledger.EndOfInput)
				return nil
			}
			continue
		}

		released := 0
		stalled := false
	packets:
		for i := 0; i < win.Len; i++ {
			idx := win.Start + i
			slot := pe.buf.Packet(idx)
			meta := pe.buf.Metadata(idx)

			if tspacket.IsDropped(slot) {
				released++
				continue
			}
			if filtered && !meta.HasLabel(onlyLabel) {
				released++
				continue
			}

			switch pe.plug.ProcessPacket(slot, meta) {
			case plugin.OK:
				released++
			case plugin.Null:
				tspacket.MakeNull(slot)
				released++
			case plugin.Drop:
				tspacket.Drop(slot)
				released++
			case plugin.JointDone:
				released++
				pe.led.SetJointDone(pe.StageIndex)
				if pe.arb.CheckJointQuorum() {
					pe.led.Release(pe.StageIndex, released, true)
					for si := 0; si < pe.led.StageCount(); si++ {
						pe.led.Abort(si)
					}
					return nil
				}
			case plugin.Stall:
				// Re-present this same packet on the next wake-up
				// (open question resolved in favor of "same packet
				// re-presented"): release everything processed so
				// far with a forced flush and stop this batch,
				// leaving the stalling packet at the head of the
				// stage's window.
				stalled = true
				break packets
			case plugin.End:
				released++
				pe.led.Release(pe.StageIndex, released, true)
				pe.led.PropagateTermination(pe.StageIndex, ledger.EndOfInput)
				pe.arb.NotifyUnilateral()
				return nil
			case plugin.Abort:
				pe.led.Release(pe.StageIndex, released, true)
				pe.led.Abort(pe.StageIndex)
				pe.cascadeAbort()
				pe.arb.NotifyAborted()
				return nil
			}
		}

		pe.led.Release(pe.StageIndex, released, stalled)
	}
}
