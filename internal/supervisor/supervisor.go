// Package supervisor implements the Supervisor (C8): it resolves
// parsed options into a concrete stage chain, allocates the Resident
// Packet Buffer and Window Ledger, starts one executor goroutine per
// stage plus the optional Control Channel through an errgroup.Group,
// and tears everything down once the Termination Arbiter decides the
// run is over. Grounded on cmd/prism/main.go's errgroup-based startup
// (SRT/API/distribution goroutines, first-error propagation via
// g.Wait()) — the same pattern drives stage goroutines here instead of
// network servers.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gotsp/tsp/internal/bitrate"
	"github.com/gotsp/tsp/internal/builtin"
	"github.com/gotsp/tsp/internal/control"
	"github.com/gotsp/tsp/internal/executor"
	"github.com/gotsp/tsp/internal/ledger"
	"github.com/gotsp/tsp/internal/plugin"
	"github.com/gotsp/tsp/internal/ring"
	"github.com/gotsp/tsp/internal/termination"
	"github.com/gotsp/tsp/internal/tsconfig"
)

// Supervisor owns the three plugin registries (input/processor/output)
// and drives one pipeline run per call to Run.
type Supervisor struct {
	opts *tsconfig.Options
	log  *slog.Logger

	inputReg *plugin.Registry
	procReg  *plugin.Registry
	outReg   *plugin.Registry

	controlAddr atomic.Value // string, set once the control channel binds
}

// ControlAddr returns the control channel's bound address for the most
// recent Run call, or "" if no control channel was configured or none
// has bound yet. Mainly useful in tests that pass ControlPort: 0 and
// need the OS-assigned ephemeral port.
func (s *Supervisor) ControlAddr() string {
	v, _ := s.controlAddr.Load().(string)
	return v
}

// New builds a Supervisor for opts. The built-in "file" input/output
// plugin is always registered, matching spec.md §6.1's zero-config
// default chain; callers add concrete processor (and any additional
// input/output) plugins with Register* before calling Run.
func New(opts *tsconfig.Options, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		opts:     opts,
		log:      log,
		inputReg: plugin.NewRegistry(),
		procReg:  plugin.NewRegistry(),
		outReg:   plugin.NewRegistry(),
	}
	builtin.RegisterInput(s.inputReg)
	builtin.RegisterOutput(s.outReg)
	return s
}

// RegisterInput adds an additional named input plugin factory.
func (s *Supervisor) RegisterInput(name string, f plugin.Factory) { s.inputReg.Register(name, f) }

// RegisterProcessor adds a named processor plugin factory. Concrete
// processor plugins are explicitly out of this core's scope
// (spec.md §1); callers supply their own.
func (s *Supervisor) RegisterProcessor(name string, f plugin.Factory) { s.procReg.Register(name, f) }

// RegisterOutput adds an additional named output plugin factory.
func (s *Supervisor) RegisterOutput(name string, f plugin.Factory) { s.outReg.Register(name, f) }

// stageLog bundles one stage's logger with the mutable level backing
// it, so the Control Channel's "loglevel" command can change verbosity
// without rebuilding the stage.
type stageLog struct {
	level  *slog.LevelVar
	logger *slog.Logger
}

func newStageLog() *stageLog {
	lv := &slog.LevelVar{}
	return &stageLog{
		level:  lv,
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})),
	}
}

// stageController implements control.StageController over the
// executors and loggers a single Run call built.
type stageController struct {
	execs map[string]*executor.Executor
	logs  map[string]*stageLog
}

func (c *stageController) Suspend(name string) error {
	e, ok := c.execs[name]
	if !ok {
		return fmt.Errorf("supervisor: no such stage %q", name)
	}
	e.Suspend()
	return nil
}

func (c *stageController) Resume(name string) error {
	e, ok := c.execs[name]
	if !ok {
		return fmt.Errorf("supervisor: no such stage %q", name)
	}
	e.Resume()
	return nil
}

func (c *stageController) Restart(name string) error {
	e, ok := c.execs[name]
	if !ok {
		return fmt.Errorf("supervisor: no such stage %q", name)
	}
	return e.Restart()
}

func (c *stageController) SetLogLevel(name string, level string) error {
	l, ok := c.logs[name]
	if !ok {
		return fmt.Errorf("supervisor: no such stage %q", name)
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("supervisor: invalid log level %q: %w", level, err)
	}
	l.level.Set(lvl)
	return nil
}

// Run builds the pipeline described by the Supervisor's options and
// blocks until it terminates. It returns the reason the Termination
// Arbiter recorded and the first error any stage or the control
// channel reported, which the caller uses to pick a process exit
// status (spec.md §6.4).
func (s *Supervisor) Run(ctx context.Context) (termination.Reason, error) {
	opts := s.opts

	ringSlots := ring.SlotsForSizeMB(opts.BufferSizeMB)
	buf, err := ring.New(ringSlots, s.log)
	if err != nil {
		return termination.None, fmt.Errorf("supervisor: allocating ring: %w", err)
	}
	defer buf.Close()

	names := uniqueStageNames(opts)
	kinds := make([]ledger.Kind, len(names))
	kinds[0] = ledger.Input
	for i := 1; i < len(names)-1; i++ {
		kinds[i] = ledger.Processor
	}
	kinds[len(names)-1] = ledger.Output

	led, err := ledger.New(names, kinds, ringSlots, opts.IgnoreJointTermination)
	if err != nil {
		return termination.None, fmt.Errorf("supervisor: building ledger: %w", err)
	}

	arb := termination.New(led)
	var declared bitrate.Declared
	source := bitrate.NewSource(opts.Bitrate, opts.AddInputStuffingNull, opts.AddInputStuffingIn)
	stuffer := executor.NewStuffer(opts.AddStartStuffing, opts.AddInputStuffingNull, opts.AddInputStuffingIn, opts.AddStopStuffing)

	ctrl := &stageController{execs: map[string]*executor.Executor{}, logs: map[string]*stageLog{}}
	reports := make([]*plugin.AsyncReport, len(names))

	buildReport := func(idx int) *plugin.AsyncReport {
		sl := newStageLog()
		ctrl.logs[names[idx]] = sl
		prefix := ""
		if opts.LogPluginIndex {
			prefix = fmt.Sprintf("[%d]", idx)
		}
		r := plugin.NewAsyncReport(sl.logger, prefix)
		reports[idx] = r
		return r
	}

	inReport := buildReport(0)
	inputInst, err := s.inputReg.Build(orDefault(opts.Input.Name, builtin.Name), tsconfig.ParsePluginOptions(opts.Input.Args), inReport)
	if err != nil {
		return termination.None, fmt.Errorf("supervisor: building input plugin: %w", err)
	}
	inputPlug, ok := inputInst.(plugin.Input)
	if !ok {
		return termination.None, fmt.Errorf("supervisor: %q does not implement the input plugin contract", opts.Input.Name)
	}

	procPlugs := make([]plugin.Processor, len(opts.Processors))
	for i, spec := range opts.Processors {
		idx := i + 1
		r := buildReport(idx)
		inst, err := s.procReg.Build(spec.Name, tsconfig.ParsePluginOptions(spec.Args), r)
		if err != nil {
			return termination.None, fmt.Errorf("supervisor: building processor %q: %w", spec.Name, err)
		}
		pp, ok := inst.(plugin.Processor)
		if !ok {
			return termination.None, fmt.Errorf("supervisor: %q does not implement the processor plugin contract", spec.Name)
		}
		procPlugs[i] = pp
	}

	outIdx := len(names) - 1
	outReport := buildReport(outIdx)
	outputInst, err := s.outReg.Build(orDefault(opts.Output.Name, builtin.Name), tsconfig.ParsePluginOptions(opts.Output.Args), outReport)
	if err != nil {
		return termination.None, fmt.Errorf("supervisor: building output plugin: %w", err)
	}
	outputPlug, ok := outputInst.(plugin.Output)
	if !ok {
		return termination.None, fmt.Errorf("supervisor: %q does not implement the output plugin contract", opts.Output.Name)
	}

	realtime := s.resolveRealtime(inputPlug, procPlugs, outputPlug)
	limits := opts.DefaultLimits(realtime, ringSlots)

	var execOpts []executor.Option
	if opts.LogPluginIndex {
		execOpts = append(execOpts, executor.WithLogPluginIndex())
	}

	inputExec := executor.New(0, names[0], ledger.Input, led, buf, arb, &declared, inReport, ctrl.logs[names[0]].logger, limits, execOpts...)
	ctrl.execs[names[0]] = inputExec
	ie := executor.NewInputExecutor(inputExec, inputPlug, source, stuffer)

	processorExecs := make([]*executor.ProcessorExecutor, len(procPlugs))
	for i, pp := range procPlugs {
		idx := i + 1
		pe := executor.New(idx, names[idx], ledger.Processor, led, buf, arb, &declared, reports[idx], ctrl.logs[names[idx]].logger, limits, execOpts...)
		ctrl.execs[names[idx]] = pe
		processorExecs[i] = executor.NewProcessorExecutor(pe, pp)
	}

	outputExec := executor.New(outIdx, names[outIdx], ledger.Output, led, buf, arb, &declared, outReport, ctrl.logs[names[outIdx]].logger, limits, execOpts...)
	ctrl.execs[names[outIdx]] = outputExec
	oe := executor.NewOutputExecutor(outputExec, outputPlug)

	var ctl *control.Channel
	if opts.ControlPort > 0 {
		disp := control.NewCommandDispatcher(led, &declared, arb, ctrl)
		ctl = control.New(control.Config{
			Port:           opts.ControlPort,
			Local:          opts.ControlLocal,
			Sources:        opts.ControlSources,
			ReusePort:      opts.ControlReusePort,
			SessionTimeout: opts.ControlTimeout,
		}, led, disp, s.log)
		if err := ctl.Listen(); err != nil {
			return termination.None, fmt.Errorf("supervisor: starting control channel: %w", err)
		}
		s.controlAddr.Store(ctl.Addr())
	}

	g, gctx := errgroup.WithContext(ctx)
	sg, sctx := errgroup.WithContext(gctx)
	sg.Go(func() error { return ie.Run(sctx) })
	for _, pe := range processorExecs {
		pe := pe
		sg.Go(func() error { return pe.Run(sctx) })
	}
	sg.Go(func() error { return oe.Run(sctx) })
	g.Go(func() error {
		// Closing the listener once every stage has returned ends Serve.
		err := sg.Wait()
		if ctl != nil {
			ctl.Close()
		}
		return err
	})
	if ctl != nil {
		g.Go(func() error {
			err := ctl.Serve()
			if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		s.watchDrainDeadline(gctx, led, arb)
		return nil
	})

	runErr := g.Wait()
	if ctl != nil {
		ctl.Close()
	}
	for _, r := range reports {
		r.Close()
	}

	return arb.Reason(), runErr
}

// watchDrainDeadline waits for the input stage to report exhaustion,
// then bounds how long downstream stages get to drain naturally
// before the Supervisor force-aborts every stage (spec.md §4.6's
// final_wait_ms). A natural drain or an externally cancelled ctx both
// return without forcing anything. This duplicates arb.WaitForDrain's
// deadline logic rather than calling it directly, since that method
// has no way to also wake up on ctx cancellation and a final_wait_ms
// of 0 (wait forever) would otherwise hang this goroutine, and the
// errgroup waiting on it, past the caller's own shutdown signal.
func (s *Supervisor) watchDrainDeadline(ctx context.Context, led *ledger.Ledger, arb *termination.Arbiter) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-arb.Done():
			return
		case <-ticker.C:
			if !arb.InputExhausted() {
				continue
			}
			var deadline <-chan time.Time
			if s.opts.FinalWait > 0 {
				timer := time.NewTimer(s.opts.FinalWait)
				defer timer.Stop()
				deadline = timer.C
			}
			select {
			case <-arb.Done():
			case <-ctx.Done():
			case <-deadline:
				s.log.Warn("final_wait_ms elapsed before the pipeline drained, force-terminating")
				for i := 0; i < led.StageCount(); i++ {
					led.Abort(i)
				}
				arb.NotifyAborted()
			}
			return
		}
	}
}

// resolveRealtime implements spec.md §4.8's auto tri-state: an
// explicit on/off always wins; auto is resolved by asking every built
// plugin whether it requires the real-time regime.
func (s *Supervisor) resolveRealtime(in plugin.Input, procs []plugin.Processor, out plugin.Output) bool {
	switch s.opts.Realtime {
	case "on":
		return true
	case "off":
		return false
	}
	if rt, ok := in.(plugin.RealTimeAware); ok && rt.IsRealTime() {
		return true
	}
	for _, p := range procs {
		if rt, ok := p.(plugin.RealTimeAware); ok && rt.IsRealTime() {
			return true
		}
	}
	if rt, ok := out.(plugin.RealTimeAware); ok && rt.IsRealTime() {
		return true
	}
	return false
}

// uniqueStageNames derives a display/control name per stage from the
// plugin chain, disambiguating repeated plugin names (e.g. two "drop"
// processors) with a numeric suffix so control-channel stage lookups
// stay unambiguous.
func uniqueStageNames(opts *tsconfig.Options) []string {
	used := make(map[string]int)
	add := func(base string) string {
		used[base]++
		if used[base] == 1 {
			return base
		}
		return fmt.Sprintf("%s-%d", base, used[base])
	}

	names := make([]string, 0, len(opts.Processors)+2)
	names = append(names, add(orDefault(opts.Input.Name, "input")))
	for _, p := range opts.Processors {
		names = append(names, add(orDefault(p.Name, "processor")))
	}
	names = append(names, add(orDefault(opts.Output.Name, "output")))
	return names
}

func orDefault(name, def string) string {
	if name == "" {
		return def
	}
	return name
}
