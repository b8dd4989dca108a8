package control

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gotsp/tsp/internal/bitrate"
	"github.com/gotsp/tsp/internal/ledger"
	"github.com/gotsp/tsp/internal/termination"
)

// StageController lets the dispatcher suspend/resume/restart a named
// stage and change its log verbosity without reaching into executor
// internals.
type StageController interface {
	Suspend(name string) error
	Resume(name string) error
	Restart(name string) error
	SetLogLevel(name string, level string) error
}

// CommandDispatcher implements Dispatcher for the command set named in
// spec.md §4.7: list plugins, show bitrate, suspend/resume/restart a
// stage, set per-stage log verbosity, request an orderly exit.
type CommandDispatcher struct {
	led      *ledger.Ledger
	declared *bitrate.Declared
	arbiter  *termination.Arbiter
	stages   StageController
}

// NewCommandDispatcher builds a CommandDispatcher.
func NewCommandDispatcher(led *ledger.Ledger, declared *bitrate.Declared, arbiter *termination.Arbiter, stages StageController) *CommandDispatcher {
	return &CommandDispatcher{led: led, declared: declared, arbiter: arbiter, stages: stages}
}

// Dispatch parses and executes one command line, returning the textual
// reply to write back to the session.
func (d *CommandDispatcher) Dispatch(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "error: empty command"
	}
	switch strings.ToLower(fields[0]) {
	case "list":
		return d.list()
	case "bitrate":
		return d.bitrate()
	case "suspend":
		return d.stageCommand(fields, d.stages.Suspend)
	case "resume":
		return d.stageCommand(fields, d.stages.Resume)
	case "restart":
		return d.stageCommand(fields, d.stages.Restart)
	case "loglevel":
		return d.logLevel(fields)
	case "exit":
		d.arbiter.NotifyUnilateral()
		// Stages block on the ledger's condition variables, not on the
		// arbiter, so firing it alone leaves every Run() loop parked.
		// Abort each stage so they wake, see win.Aborted, and unwind.
		for i := 0; i < d.led.StageCount(); i++ {
			d.led.Abort(i)
		}
		return "ok: exit requested"
	default:
		return fmt.Sprintf("error: unknown command %q", fields[0])
	}
}

func (d *CommandDispatcher) list() string {
	var b strings.Builder
	for i := 0; i < d.led.StageCount(); i++ {
		s := d.led.Snapshot(i)
		fmt.Fprintf(&b, "%d\t%s\t%s\tfirst=%d count=%d input_end=%t aborted=%t\n",
			i, s.Name, s.Kind, s.First, s.Count, s.InputEnd, s.Aborted)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *CommandDispatcher) bitrate() string {
	bps, conf := d.declared.Load()
	return fmt.Sprintf("bitrate=%d confidence=%s", bps, conf)
}

func (d *CommandDispatcher) stageCommand(fields []string, action func(name string) error) string {
	if len(fields) != 2 {
		return "error: expected <command> <stage-name>"
	}
	if err := action(fields[1]); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return "ok"
}

func (d *CommandDispatcher) logLevel(fields []string) string {
	if len(fields) != 3 {
		return "error: expected loglevel <stage-name> <level>"
	}
	if err := d.stages.SetLogLevel(fields[1], fields[2]); err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return "ok"
}

// parseStageIndex is a small helper for commands that may eventually
// accept a numeric stage index instead of a name.
func parseStageIndex(s string) (int, error) {
	return strconv.Atoi(s)
}
