package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gotsp/tsp/internal/plugin"
	"github.com/gotsp/tsp/internal/termination"
	"github.com/gotsp/tsp/internal/tsconfig"
	"github.com/gotsp/tsp/internal/tspacket"
)

func packetStream(n int) []byte {
	buf := make([]byte, 0, n*tspacket.Size)
	for i := 0; i < n; i++ {
		p := make([]byte, tspacket.Size)
		p[0] = 0x47
		p[1] = byte(i >> 8)
		p[2] = byte(i)
		p[3] = 0x10
		p[4] = byte(i + 1) // a distinguishing payload byte
		buf = append(buf, p...)
	}
	return buf
}

func baseOptions(t *testing.T, inPath, outPath string) *tsconfig.Options {
	t.Helper()
	return &tsconfig.Options{
		BufferSizeMB: 1,
		Realtime:     "auto",
		Input:        tsconfig.PluginSpec{Name: "file", Args: []string{"--path", inPath}},
		Output:       tsconfig.PluginSpec{Name: "file", Args: []string{"--path", outPath}},
	}
}

func runSupervisor(t *testing.T, sup *Supervisor) (termination.Reason, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		reason termination.Reason
		err    error
	}
	done := make(chan result, 1)
	go func() {
		reason, err := sup.Run(ctx)
		done <- result{reason, err}
	}()

	select {
	case r := <-done:
		return r.reason, r.err
	case <-ctx.Done():
		t.Fatal("supervisor did not terminate before the test deadline")
		return termination.None, nil
	}
}

func TestSupervisorRunsDefaultFileChain(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.ts")
	outPath := filepath.Join(dir, "out.ts")

	data := packetStream(6)
	if err := os.WriteFile(inPath, data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	sup := New(baseOptions(t, inPath, outPath), nil)
	reason, err := runSupervisor(t, sup)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != termination.NaturalEOS {
		t.Fatalf("got reason %v, want NaturalEOS", reason)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("output file does not match input: got %d bytes, want %d", len(got), len(data))
	}
}

// dropEveryOther drops every second packet it sees, leaving the rest
// untouched, to exercise a wired processor stage end to end.
type dropEveryOther struct{ seen int }

func (p *dropEveryOther) Start() error { return nil }
func (p *dropEveryOther) Stop() error  { return nil }
func (p *dropEveryOther) ProcessPacket(slot *tspacket.Slot, meta *tspacket.Metadata) plugin.Verdict {
	p.seen++
	if p.seen%2 == 0 {
		return plugin.Drop
	}
	return plugin.OK
}

func TestSupervisorAppliesProcessorChain(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.ts")
	outPath := filepath.Join(dir, "out.ts")

	data := packetStream(4)
	if err := os.WriteFile(inPath, data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	opts := baseOptions(t, inPath, outPath)
	opts.Processors = []tsconfig.PluginSpec{{Name: "drop-every-other"}}

	sup := New(opts, nil)
	sup.RegisterProcessor("drop-every-other", func(plugin.Options, plugin.Report) (any, error) {
		return &dropEveryOther{}, nil
	})

	reason, err := runSupervisor(t, sup)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != termination.NaturalEOS {
		t.Fatalf("got reason %v, want NaturalEOS", reason)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	// Dropped packets (the 2nd and 4th seen) are excluded from the
	// output stream entirely, not kept in place zeroed (spec.md P5).
	wantLen := len(data) - 2*tspacket.Size
	if len(got) != wantLen {
		t.Fatalf("got %d bytes, want %d (dropped packets excluded)", len(got), wantLen)
	}
	survivors := [][]byte{data[0*tspacket.Size : 1*tspacket.Size], data[2*tspacket.Size : 3*tspacket.Size]}
	for i, want := range survivors {
		off := i * tspacket.Size
		if !bytes.Equal(got[off:off+tspacket.Size], want) {
			t.Fatalf("surviving packet %d: bytes changed", i)
		}
	}
}

// failingProcessor always fails to start, to exercise the abort path.
type failingProcessor struct{}

func (failingProcessor) Start() error { return os.ErrInvalid }
func (failingProcessor) Stop() error  { return nil }
func (failingProcessor) ProcessPacket(*tspacket.Slot, *tspacket.Metadata) plugin.Verdict {
	return plugin.OK
}

func TestSupervisorAbortsOnProcessorStartFailure(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	inPath := filepath.Join(dir, "in.ts")
	outPath := filepath.Join(dir, "out.ts")

	if err := os.WriteFile(inPath, packetStream(2), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	opts := baseOptions(t, inPath, outPath)
	opts.Processors = []tsconfig.PluginSpec{{Name: "failing"}}

	sup := New(opts, nil)
	sup.RegisterProcessor("failing", func(plugin.Options, plugin.Report) (any, error) {
		return failingProcessor{}, nil
	})

	reason, err := runSupervisor(t, sup)
	if err == nil {
		t.Fatal("expected Run to return the processor's start error")
	}
	if reason != termination.Aborted {
		t.Fatalf("got reason %v, want Aborted", reason)
	}
}

// trickleInput emits one packet per Receive call with a small delay, so
// a control-channel command has time to reach a live input stage before
// the pipeline races to natural EOS. It counts Start/Stop calls to let
// a test observe a restart's Stop/Start round trip.
type trickleInput struct {
	total int
	delay time.Duration

	sent   int32
	starts int32
	stops  int32
}

func (p *trickleInput) Start() error { atomic.AddInt32(&p.starts, 1); return nil }
func (p *trickleInput) Stop() error  { atomic.AddInt32(&p.stops, 1); return nil }
func (p *trickleInput) Receive(slots []tspacket.Slot) (int, bool, error) {
	n := atomic.AddInt32(&p.sent, 1)
	if int(n) > p.total {
		return 0, true, nil
	}
	time.Sleep(p.delay)
	var s tspacket.Slot
	s[0] = 0x47
	s[1] = byte(n >> 8)
	s[2] = byte(n)
	s[3] = 0x10
	slots[0] = s
	return 1, false, nil
}

// freeTCPPort asks the OS for an ephemeral loopback port, then releases
// it immediately. There is a narrow window where another process could
// grab it before the Supervisor binds, but that race is the standard
// way to hand a test-owned server a concrete port number up front.
func freeTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestSupervisorRestartCommandStopsAndStartsInputPlugin(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.ts")

	opts := &tsconfig.Options{
		BufferSizeMB: 1,
		Realtime:     "auto",
		Input:        tsconfig.PluginSpec{Name: "trickle"},
		Output:       tsconfig.PluginSpec{Name: "file", Args: []string{"--path", outPath}},
		ControlPort:  freeTCPPort(t),
		ControlLocal: true,
	}

	sup := New(opts, nil)
	tp := &trickleInput{total: 6, delay: 20 * time.Millisecond}
	sup.RegisterInput("trickle", func(plugin.Options, plugin.Report) (any, error) {
		return tp, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		reason termination.Reason
		err    error
	}
	done := make(chan result, 1)
	go func() {
		reason, err := sup.Run(ctx)
		done <- result{reason, err}
	}()

	// Poll for the control channel's listener to come up, then ask the
	// input stage to restart mid-run.
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", sup.ControlAddr())
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial control channel: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("restart trickle\n")); err != nil {
		t.Fatalf("write restart command: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read restart reply: %v", err)
	}
	if reply != "ok\n" {
		t.Fatalf("got reply %q, want \"ok\\n\"", reply)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Run: %v", r.err)
		}
		if r.reason != termination.NaturalEOS {
			t.Fatalf("got reason %v, want NaturalEOS", r.reason)
		}
	case <-ctx.Done():
		t.Fatal("supervisor did not terminate before the test deadline")
	}

	if atomic.LoadInt32(&tp.starts) != 2 || atomic.LoadInt32(&tp.stops) != 1 {
		t.Fatalf("got starts=%d stops=%d, want 2,1", tp.starts, tp.stops)
	}
}

func TestSupervisorRejectsUnknownPluginName(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	opts := baseOptions(t, filepath.Join(dir, "in.ts"), filepath.Join(dir, "out.ts"))
	opts.Processors = []tsconfig.PluginSpec{{Name: "does-not-exist"}}

	// The input file must exist for Build to get far enough to reach
	// the unknown processor lookup, since stages build input-first.
	if err := os.WriteFile(opts.Input.Args[1], packetStream(1), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	sup := New(opts, nil)
	_, err := sup.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error for an unregistered processor plugin")
	}
}
