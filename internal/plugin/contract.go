// Package plugin defines the narrow contract the core uses to talk to
// input, processor, and output plugins (spec.md §6.2), plus the
// name-to-factory registry (§6.3) and the async report sink every
// plugin receives at construction (§9).
package plugin

import "github.com/gotsp/tsp/internal/tspacket"

// Verdict is a processor plugin's disposition for one packet.
type Verdict int

const (
	// OK: the packet is unchanged, or was mutated in place.
	OK Verdict = iota
	// Null: replace the packet with a null (stuffing) packet.
	Null
	// Drop: zero the sync byte; the packet flows through as dropped.
	Drop
	// Stall: the plugin isn't ready for this packet; force a flush and
	// re-present the same packet at the next wake-up.
	Stall
	// End: treat this as end-of-input at this stage; drain downstream.
	End
	// Abort: fatal; propagate abort upstream and stop the pipeline
	// with a non-zero exit status.
	Abort
	// JointDone: this packet is unchanged, but the plugin has finished
	// its own work and votes to end jointly (spec.md §4.6 rule 3). The
	// packet keeps flowing, and so do all later ones, until every other
	// opted-in stage also votes done.
	JointDone
)

func (v Verdict) String() string {
	switch v {
	case OK:
		return "OK"
	case Null:
		return "NULL"
	case Drop:
		return "DROP"
	case Stall:
		return "STALL"
	case End:
		return "END"
	case Abort:
		return "ABORT"
	case JointDone:
		return "JOINT_DONE"
	default:
		return "UNKNOWN"
	}
}

// BitrateConfidence classifies how trustworthy a declared bitrate is.
type BitrateConfidence int

const (
	// Low confidence: no solid source, e.g. a fallback guess.
	Low BitrateConfidence = iota
	// PCRContinuous: continuously re-evaluated from PCR/DTS analysis.
	PCRContinuous
	// Override: fixed externally (--bitrate), never recomputed.
	Override
)

func (c BitrateConfidence) String() string {
	switch c {
	case Low:
		return "low"
	case PCRContinuous:
		return "pcr-continuous"
	case Override:
		return "override"
	default:
		return "unknown"
	}
}

// Severity is the log level a plugin reports at via Report.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityVerbose
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityFatal
)

// Report is the thread-safe, non-blocking log sink handed to every
// plugin at construction (spec.md §9 "Async logging"). Implementations
// must be safe to call from any goroutine and must never block the
// caller on I/O.
type Report interface {
	Report(severity Severity, message string)
}

// Options is the opaque, plugin-specific option bag produced by parsing
// a plugin's own command-line arguments once at construction. The core
// never interprets it.
type Options map[string]string

// Base is embedded by every plugin capability interface: construction
// semantics shared across input/processor/output plugins.
type Base interface {
	// Start prepares the plugin to run (open files, allocate state).
	Start() error
	// Stop releases resources acquired by Start.
	Stop() error
}

// RealTimeAware is optionally implemented by any plugin kind to declare
// whether it requires the real-time tuning regime (spec.md §4.8).
type RealTimeAware interface {
	IsRealTime() bool
}

// JointTerminable is optionally implemented by a processor plugin to
// opt into joint termination (spec.md §4.6): rather than ending the
// pipeline itself, it marks itself "jointly done" and keeps passing
// packets until every other opted-in plugin also declares done. The
// core calls JointTermination() once at stage startup to register the
// opt-in; the plugin later declares itself done mid-stream by
// returning JointDone from ProcessPacket on the packet where it
// decides its own work is finished (it need not return JointDone
// again afterward).
type JointTerminable interface {
	JointTermination() bool
}

// LabelFiltered is optionally implemented by a processor plugin to
// restrict invocation to packets carrying a specific label (the
// --only-label filter is otherwise applied by the core without
// consulting the plugin at all).
type LabelFiltered interface {
	OnlyLabel() (label int, enabled bool)
}

// Abortable is optionally implemented by an input plugin to support
// being asked to abandon a pending receive, used by the receive
// watchdog (spec.md §5 "Cancellation").
type Abortable interface {
	AbortInput()
}

// Input is the capability set of an input plugin (spec.md §6.2).
type Input interface {
	Base
	// Receive fills up to len(slots) packet slots and returns how many
	// were filled; a zero count together with eof=true signals natural
	// end-of-stream.
	Receive(slots []tspacket.Slot) (count int, eof bool, err error)
}

// BitrateReporting is optionally implemented by an input plugin that
// can report its own bitrate (e.g. a hardware tuner), taking priority
// over PCR/DTS analysis (spec.md §4.4).
type BitrateReporting interface {
	GetBitrate() (bitsPerSecond int64, confidence BitrateConfidence)
}

// Processor is the capability set of a processor plugin.
type Processor interface {
	Base
	// ProcessPacket is invoked for one packet+metadata pair; the core
	// only calls this for slots that are not dropped and that pass the
	// --only-label filter (spec.md §4.3, P5, P6).
	ProcessPacket(slot *tspacket.Slot, meta *tspacket.Metadata) Verdict
}

// Output is the capability set of an output plugin.
type Output interface {
	Base
	// Send writes the given contiguous run of slots; ok=false is a
	// fatal send error.
	Send(slots []tspacket.Slot) (ok bool)
}
