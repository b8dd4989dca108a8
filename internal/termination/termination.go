// Package termination implements the Termination Arbiter (C6): the
// three ways a pipeline run ends (natural end-of-stream, unilateral
// OR, joint-termination AND quorum) and the post-input drain deadline
// that bounds how long the supervisor waits for downstream stages to
// empty once the input stage has nothing left to give them.
package termination

import (
	"sync"
	"time"

	"github.com/gotsp/tsp/internal/ledger"
)

// Reason identifies why a run is ending, surfaced to the supervisor so
// it can choose an exit status (spec.md §6.4).
type Reason int

const (
	// None means the pipeline has not yet decided to terminate.
	None Reason = iota
	// NaturalEOS means the input stage ran out of packets and every
	// stage downstream has drained.
	NaturalEOS
	// Unilateral means some plugin returned END or otherwise asked to
	// stop; this is not an error.
	Unilateral
	// JointQuorum means every opted-in stage declared itself done.
	JointQuorum
	// Aborted means a plugin failed; this is an error condition.
	Aborted
)

func (r Reason) String() string {
	switch r {
	case None:
		return "none"
	case NaturalEOS:
		return "natural-eos"
	case Unilateral:
		return "unilateral"
	case JointQuorum:
		return "joint-quorum"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Arbiter watches a Ledger's termination flags and joint-termination
// quorum and decides when the whole pipeline should stop. Its own mutex
// guards only the recorded reason and the input-exhausted flag; the
// stage and joint-termination state it reads lives in the Ledger, which
// serializes access through its own mutex.
type Arbiter struct {
	led *ledger.Ledger

	mu             sync.Mutex
	reason         Reason
	done           chan struct{}
	doneOnce       sync.Once
	inputExhausted bool
}

// New builds an Arbiter over led.
func New(led *ledger.Ledger) *Arbiter {
	return &Arbiter{
		led:  led,
		done: make(chan struct{}),
	}
}

// Done returns a channel that closes once the arbiter has decided the
// pipeline should terminate.
func (a *Arbiter) Done() <-chan struct{} {
	return a.done
}

// Reason reports why the pipeline terminated; None until Done() closes.
func (a *Arbiter) Reason() Reason {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason
}

// InputExhausted reports whether NotifyInputExhausted has fired yet.
func (a *Arbiter) InputExhausted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inputExhausted
}

// fire records reason (first writer wins: natural EOS racing with an
// unrelated abort should not overwrite a more specific cause observed
// first) and closes done exactly once.
func (a *Arbiter) fire(reason Reason) {
	a.mu.Lock()
	if a.reason == None {
		a.reason = reason
	}
	a.mu.Unlock()
	a.doneOnce.Do(func() { close(a.done) })
}

// NotifyAborted is called by an executor when its own plugin fails
// (start failure, receive or send error, ABORT verdict), and by the
// supervisor when the drain deadline expires. A stage that only
// observes an abort propagated from a neighbour does not call it, and a
// buffer allocation failure ends Supervisor.Run before any stage starts,
// with reason None. A plain END return reaches the arbiter as
// Unilateral via NotifyUnilateral instead.
func (a *Arbiter) NotifyAborted() {
	a.fire(Aborted)
}

// NotifyUnilateral is called when a plugin returns END or otherwise
// requests a stop that is not itself a failure: OR across stages,
// spec.md §4.6 rule 2.
func (a *Arbiter) NotifyUnilateral() {
	a.fire(Unilateral)
}

// NotifyInputExhausted is called by the input executor once its
// plugin reports eof and its own window has drained into the next
// stage. It does not by itself terminate the pipeline: downstream
// stages may still be holding packets. The supervisor's drain-deadline
// watcher then bounds how long it waits for NotifyDrained before giving
// up.
func (a *Arbiter) NotifyInputExhausted() {
	a.mu.Lock()
	a.inputExhausted = true
	a.mu.Unlock()
}

// NotifyDrained is called by the output executor once its own window
// has emptied after observing input_end: every stage has forwarded
// its last packet and the pipeline has nothing left to do.
func (a *Arbiter) NotifyDrained() {
	a.fire(NaturalEOS)
}

// CheckJointQuorum re-evaluates the joint-termination AND-gate and
// fires JointQuorum if every opted-in stage has declared done. Callers
// invoke this after SetJointDone; it is a no-op (and always false) if
// --ignore-joint-termination is set or no stage opted in.
func (a *Arbiter) CheckJointQuorum() bool {
	if a.led.IgnoreJointTermination() {
		return false
	}
	optedIn, done := a.led.JointQuorum()
	if optedIn == 0 || done < optedIn {
		return false
	}
	a.fire(JointQuorum)
	return true
}

// WaitForDrain blocks until either the arbiter's done channel closes
// on its own (every stage drained naturally) or finalWait elapses
// after it is called, whichever comes first. finalWait == 0 means wait
// forever (spec.md §4.6's final_wait_ms=0 case); WaitForDrain then
// simply blocks on Done() with no timer at all, so a pipeline with a
// stalled downstream stage never reports a spurious deadline.
//
// Returns true if the arbiter reached Done() on its own, false if the
// deadline expired first.
func (a *Arbiter) WaitForDrain(finalWait time.Duration) bool {
	if finalWait <= 0 {
		<-a.done
		return true
	}
	timer := time.NewTimer(finalWait)
	defer timer.Stop()
	select {
	case <-a.done:
		return true
	case <-timer.C:
		return false
	}
}
