package executor

import (
	"context"
	"errors"
	"time"

	"github.com/gotsp/tsp/internal/bitrate"
	"github.com/gotsp/tsp/internal/ledger"
	"github.com/gotsp/tsp/internal/plugin"
	"github.com/gotsp/tsp/internal/tspacket"
)

// errReceiveTimeout is returned when an input plugin's Receive call
// exceeds receive_timeout_ms and the plugin offers no Abortable
// escape hatch.
var errReceiveTimeout = errors.New("executor: input plugin receive timed out")

// monotonicBase anchors input timestamps: time.Since reads Go's monotonic
// clock, so stamps do not jump when the wall clock is adjusted.
var monotonicBase = time.Now()

// InputExecutor drives the input stage: it claims free ring slots,
// asks the Stuffer how many of them the plugin should fill, calls the
// input plugin's Receive, stamps timestamps, feeds the bitrate
// source, interleaves synthetic nulls, and releases the batch to the
// first downstream stage.
type InputExecutor struct {
	*Executor
	plug    plugin.Input
	source  *bitrate.Source
	stuffer *Stuffer
}

// NewInputExecutor wraps an Executor with input-stage behavior.
func NewInputExecutor(e *Executor, plug plugin.Input, source *bitrate.Source, stuffer *Stuffer) *InputExecutor {
	ie := &InputExecutor{Executor: e, plug: plug, source: source, stuffer: stuffer}
	e.setRestarter(func() error {
		if err := plug.Stop(); err != nil {
			return err
		}
		return plug.Start()
	})
	return ie
}

// Run executes the input loop until input_end, abort, or ctx
// cancellation. It returns nil on a clean natural-EOS exit.
func (ie *InputExecutor) Run(ctx context.Context) error {
	if err := ie.plug.Start(); err != nil {
		ie.led.Abort(ie.StageIndex)
		ie.cascadeAbort()
		ie.arb.NotifyAborted()
		return err
	}
	defer ie.plug.Stop()

	for {
		if err := ie.suspend.wait(ctx); err != nil {
			return nil
		}
		ie.pollRestart()

		max := ie.limits.MaxInputPackets
		if max <= 0 {
			max = ie.buf.Count()
		}
		win := ie.led.RequestWriteWindow(ie.StageIndex, max)
		if win.Aborted {
			return nil
		}
		if win.Len == 0 {
			if win.InputEnd {
				return nil
			}
			continue
		}

		budget := ie.stuffer.PluginBudget(win.Len)

		var real []tspacket.Slot
		var count int
		var eof bool

		if budget > 0 {
			real = make([]tspacket.Slot, budget)
			var err error
			count, eof, err = ie.receiveWithTimeout(real)
			if err != nil {
				ie.log.Error("input plugin receive failed", "error", err)
				ie.led.Abort(ie.StageIndex)
				ie.cascadeAbort()
				ie.arb.NotifyAborted()
				return err
			}

			for i := 0; i < count; i++ {
				hdr, herr := tspacket.DecodeHeader(&real[i])
				if herr == nil {
					ie.source.FeedPacket(hdr.PID, hdr.HasPCR, hdr.PCR, hdr.PayloadUnitStartIndicator, tspacket.Payload(&real[i], hdr))
				}
			}
		}

		produced := ie.stuffer.Apply(ie.buf, win.Start, win.Len, real, count, eof)

		// The plugin contract has no channel for per-packet reported
		// timestamps, so every admitted packet gets the same
		// monotonic stamp at the moment its batch is admitted
		// (spec.md §4.5).
		now := time.Since(monotonicBase).Nanoseconds()
		for i := 0; i < produced; i++ {
			ie.buf.Metadata(win.Start + i).InputTimestamp = now
		}

		var pluginBPS int64
		pluginConf := plugin.Low
		if br, ok := ie.plug.(plugin.BitrateReporting); ok {
			pluginBPS, pluginConf = br.GetBitrate()
		}
		if bps, conf := ie.source.Resolve(pluginBPS, pluginConf); bps > 0 {
			ie.declared.Store(bps, conf)
		}

		ie.led.Release(ie.StageIndex, produced, false)

		if eof && count == 0 && produced == 0 {
			ie.led.PropagateTermination(ie.StageIndex, ledger.EndOfInput)
			ie.arb.NotifyInputExhausted()
			return nil
		}
	}
}

// receiveWithTimeout calls the plugin's Receive, enforcing
// limits.ReceiveTimeout (spec.md §5's receive_timeout_ms). On timeout
// it asks an Abortable plugin to cancel its pending call, otherwise it
// reports the stage as aborted itself.
func (ie *InputExecutor) receiveWithTimeout(slots []tspacket.Slot) (int, bool, error) {
	if ie.limits.ReceiveTimeout <= 0 {
		return ie.plug.Receive(slots)
	}

	type result struct {
		count int
		eof   bool
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		count, eof, err := ie.plug.Receive(slots)
		ch <- result{count, eof, err}
	}()

	select {
	case r := <-ch:
		return r.count, r.eof, r.err
	case <-time.After(ie.limits.ReceiveTimeout):
		if abortable, ok := ie.plug.(plugin.Abortable); ok {
			abortable.AbortInput()
			r := <-ch
			return r.count, r.eof, r.err
		}
		return 0, false, errReceiveTimeout
	}
}
