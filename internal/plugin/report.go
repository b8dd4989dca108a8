package plugin

import (
	"log/slog"
)

// record is one buffered log line waiting to be drained.
type record struct {
	severity Severity
	prefix   string
	message  string
}

// AsyncReport is the core's Report implementation: plugins call
// Report() from whatever goroutine they run on, and a single internal
// goroutine drains the buffered records into the underlying slog
// logger. This guarantees report() never blocks a plugin thread on I/O,
// per spec.md §9.
//
// Grounded on internal/pipeline.Pipeline.Run's single-goroutine,
// multi-producer drain loop (there applied to demuxed frame channels,
// here to log records).
type AsyncReport struct {
	log    *slog.Logger
	prefix string
	ch     chan record
	done   chan struct{}
}

// NewAsyncReport starts the draining goroutine and returns a Report
// bound to log, with every message optionally prefixed (e.g. "[2]" when
// --log-plugin-index is set).
func NewAsyncReport(log *slog.Logger, prefix string) *AsyncReport {
	if log == nil {
		log = slog.Default()
	}
	r := &AsyncReport{
		log:    log,
		prefix: prefix,
		ch:     make(chan record, 256),
		done:   make(chan struct{}),
	}
	go r.drain()
	return r
}

func (r *AsyncReport) drain() {
	defer close(r.done)
	for rec := range r.ch {
		msg := rec.message
		if rec.prefix != "" {
			msg = rec.prefix + " " + msg
		}
		switch rec.severity {
		case SeverityDebug, SeverityVerbose:
			r.log.Debug(msg)
		case SeverityInfo:
			r.log.Info(msg)
		case SeverityWarning:
			r.log.Warn(msg)
		case SeverityError, SeverityFatal:
			r.log.Error(msg)
		}
	}
}

// Report buffers a log line for asynchronous delivery. If the buffer is
// full, the record is dropped rather than blocking the caller — a
// saturated log is a better failure mode than a stalled plugin thread.
func (r *AsyncReport) Report(severity Severity, message string) {
	select {
	case r.ch <- record{severity: severity, prefix: r.prefix, message: message}:
	default:
	}
}

// Close stops accepting new records and waits for the drain goroutine
// to flush whatever is already buffered.
func (r *AsyncReport) Close() {
	close(r.ch)
	<-r.done
}
