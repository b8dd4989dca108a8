// Package executor implements the Plugin Executor (C3) and the
// Stuffing & Timestamp Injector (C5). One executor runs per stage
// (input, processor, or output); each shares the same wait/acquire/
// invoke/release loop skeleton and specializes only the plugin
// invocation and termination handling.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gotsp/tsp/internal/bitrate"
	"github.com/gotsp/tsp/internal/ledger"
	"github.com/gotsp/tsp/internal/plugin"
	"github.com/gotsp/tsp/internal/ring"
	"github.com/gotsp/tsp/internal/termination"
)

// Limits bounds batch sizes and timing per spec.md §6.1 and §4.3.
type Limits struct {
	MaxInputPackets     int
	MaxFlushedPackets   int
	MaxOutputPackets    int
	InitialInputPackets int
	ReceiveTimeout      time.Duration
}

// DefaultOfflineLimits matches spec.md §4.3's offline tuning regime.
func DefaultOfflineLimits(ringSlots int) Limits {
	return Limits{
		MaxInputPackets:     0, // 0 means "as many as the window allows"
		MaxFlushedPackets:   10_000,
		InitialInputPackets: ringSlots / 2,
	}
}

// DefaultRealTimeLimits matches spec.md §4.3's real-time tuning regime.
func DefaultRealTimeLimits(ringSlots int) Limits {
	return Limits{
		MaxInputPackets:     1_000,
		MaxFlushedPackets:   1_000,
		InitialInputPackets: ringSlots / 2,
	}
}

// Suspendable lets the control channel pause a stage between batches
// without tearing down its goroutine.
type Suspendable struct {
	resume chan struct{}
}

func newSuspendable() *Suspendable {
	s := &Suspendable{resume: make(chan struct{}, 1)}
	s.resume <- struct{}{} // starts running
	return s
}

// Suspend blocks the stage before its next window request.
func (s *Suspendable) Suspend() {
	select {
	case <-s.resume:
	default:
	}
}

// Resume lets a suspended stage proceed.
func (s *Suspendable) Resume() {
	select {
	case s.resume <- struct{}{}:
	default:
	}
}

func (s *Suspendable) wait(ctx context.Context) error {
	select {
	case <-s.resume:
		s.resume <- struct{}{}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Executor drives one stage's goroutine.
type Executor struct {
	StageIndex int
	Name       string
	Kind       ledger.Kind

	led     *ledger.Ledger
	buf     *ring.Buffer
	arb     *termination.Arbiter
	declared *bitrate.Declared
	report  plugin.Report
	log     *slog.Logger
	limits  Limits
	suspend *Suspendable

	onlyLabel    int
	onlyLabelSet bool

	logPluginIndex bool

	restarter func() error
	restartCh chan chan error
}

// Option configures an Executor at construction.
type Option func(*Executor)

// WithOnlyLabel restricts a processor executor to invoking its plugin
// only on packets carrying the given label (spec.md P6).
func WithOnlyLabel(label int) Option {
	return func(e *Executor) {
		e.onlyLabel = label
		e.onlyLabelSet = true
	}
}

// WithLogPluginIndex prefixes this stage's log lines with its index
// (the log_plugin_index global option).
func WithLogPluginIndex() Option {
	return func(e *Executor) { e.logPluginIndex = true }
}

// New builds an Executor for one stage.
func New(stageIndex int, name string, kind ledger.Kind, led *ledger.Ledger, buf *ring.Buffer, arb *termination.Arbiter, declared *bitrate.Declared, report plugin.Report, log *slog.Logger, limits Limits, opts ...Option) *Executor {
	if log == nil {
		log = slog.Default()
	}
	e := &Executor{
		StageIndex: stageIndex,
		Name:       name,
		Kind:       kind,
		led:        led,
		buf:        buf,
		arb:        arb,
		declared:   declared,
		report:     report,
		limits:     limits,
		suspend:    newSuspendable(),
		restartCh:  make(chan chan error, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	prefix := name
	if e.logPluginIndex {
		prefix = fmt.Sprintf("[%d] %s", stageIndex, name)
	}
	e.log = log.With("stage", prefix)
	return e
}

// Suspend pauses this stage's loop before its next window request.
func (e *Executor) Suspend() { e.suspend.Suspend() }

// Resume lets a suspended stage continue.
func (e *Executor) Resume() { e.suspend.Resume() }

// setRestarter installs the stop/start round-trip a restart request
// runs, called once by each specialized NewXExecutor constructor.
func (e *Executor) setRestarter(fn func() error) {
	e.restarter = fn
}

// Restart asks this stage to stop and restart its plugin, blocking
// until the round trip finishes. The actual Stop/Start call happens on
// the stage's own goroutine via pollRestart, picked up at the top of
// its loop, never run directly on the caller's goroutine: a plugin's
// Stop/Start are not guaranteed safe to call concurrently with its own
// in-flight Receive/ProcessPacket/Send.
func (e *Executor) Restart() error {
	if e.restarter == nil {
		return fmt.Errorf("executor: stage %q does not support restart", e.Name)
	}
	done := make(chan error, 1)
	select {
	case e.restartCh <- done:
	default:
		return fmt.Errorf("executor: stage %q already has a restart pending", e.Name)
	}
	return <-done
}

// pollRestart runs one pending restart request, if any, and must only
// be called from the stage's own Run loop.
func (e *Executor) pollRestart() {
	select {
	case done := <-e.restartCh:
		done <- e.restarter()
	default:
	}
}

// flushedCap returns the per-wake batch cap, falling back to the ring
// size when unset.
func (e *Executor) flushedCap() int {
	if e.limits.MaxFlushedPackets > 0 {
		return e.limits.MaxFlushedPackets
	}
	return e.buf.Count()
}

// maxOutputCap returns the output stage's per-send cap.
func (e *Executor) maxOutputCap() int {
	if e.limits.MaxOutputPackets > 0 {
		return e.limits.MaxOutputPackets
	}
	return e.buf.Count()
}

// cascadeAbort marks this stage aborted both ways: backward so the
// previous stage stops feeding a consumer that can no longer accept
// data, and forward so the next stage wakes up, observes input_end,
// and drains rather than blocking forever on a producer that will
// never release again. The input stage has no upstream to notify.
func (e *Executor) cascadeAbort() {
	if e.StageIndex != 0 {
		e.led.PropagateTermination(e.StageIndex, ledger.Abort)
	}
	e.led.PropagateTermination(e.StageIndex, ledger.EndOfInput)
}
