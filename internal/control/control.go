// Package control implements the Control Channel (C7): an optional TCP
// listener accepting textual line commands from allow-listed source
// addresses, each connection tracked as a Session with its own
// per-line timeout. Commands that read or change window state (list,
// exit) go through the same Ledger mutex the executors already use;
// suspend, resume and restart are handed to the executor and take effect
// at the head of its loop, so none of them can race a packet release.
package control

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gotsp/tsp/internal/ledger"
)

// Config holds the control channel's listener options (spec.md §6.1).
type Config struct {
	Port         int
	Local        bool          // control_local: bind to loopback only
	Sources      []string      // control_source: additional allowed CIDRs/addrs
	ReusePort    bool          // control_reuse_port
	SessionTimeout time.Duration // control_timeout_ms, default 5s
}

// DefaultSessionTimeout is used when Config.SessionTimeout is zero.
const DefaultSessionTimeout = 5 * time.Second

// SessionStats captures per-connection counters, readable through
// Channel.Sessions for diagnostics.
type SessionStats struct {
	RemoteAddr    string
	ConnectedAt   time.Time
	CommandsRead  int64
	BytesRead     int64
}

// Session represents one accepted control connection, coupling the
// socket with lifecycle signaling and counters. Adapted from the
// connection-registry pattern used elsewhere in this codebase for
// tracking live I/O endpoints by key.
type Session struct {
	ID         string
	conn       net.Conn
	startedAt  time.Time
	done       chan struct{}

	commandsRead atomic.Int64
	bytesRead    atomic.Int64
}

// Stats returns a snapshot of this session's counters.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		RemoteAddr:   s.conn.RemoteAddr().String(),
		ConnectedAt:  s.startedAt,
		CommandsRead: s.commandsRead.Load(),
		BytesRead:    s.bytesRead.Load(),
	}
}

// Dispatcher handles one decoded command line and writes a textual
// reply. Supervisor wires this to the ledger, bitrate cell, and
// per-stage log-level controls.
type Dispatcher interface {
	Dispatch(line string) string
}

// Channel is the control channel: a TCP listener plus the set of
// currently connected sessions.
type Channel struct {
	cfg  Config
	log  *slog.Logger
	led  *ledger.Ledger
	disp Dispatcher

	ln net.Listener

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New builds a Channel bound to cfg but does not yet listen.
func New(cfg Config, led *ledger.Ledger, disp Dispatcher, log *slog.Logger) *Channel {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Channel{
		cfg:      cfg,
		log:      log.With("component", "control"),
		led:      led,
		disp:     disp,
		sessions: make(map[string]*Session),
	}
}

// Listen opens the TCP listener. Callers run Serve in a goroutine
// afterward; separating the two lets the supervisor report a bind
// failure before committing to the accept loop.
func (c *Channel) Listen() error {
	addr := fmt.Sprintf(":%d", c.cfg.Port)
	if c.cfg.Local {
		addr = fmt.Sprintf("127.0.0.1:%d", c.cfg.Port)
	}
	lc := net.ListenConfig{}
	if c.cfg.ReusePort {
		lc.Control = reusePortControl
	}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", addr, err)
	}
	c.ln = ln
	c.log.Info("control channel listening", "addr", addr)
	return nil
}

// Serve runs the accept loop until the listener is closed. It never
// returns nil; net.Listener.Accept returning an error after Close is
// the expected shutdown path and is swallowed by the caller checking
// against net.ErrClosed.
func (c *Channel) Serve() error {
	for {
		conn, err := c.ln.Accept()
		if err != nil {
			return err
		}
		if !c.allowed(conn.RemoteAddr()) {
			c.log.Warn("rejecting control connection from disallowed source", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}
		go c.handle(conn)
	}
}

// Close stops accepting new connections and closes all live sessions.
func (c *Channel) Close() error {
	var err error
	if c.ln != nil {
		err = c.ln.Close()
	}
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()
	for _, s := range sessions {
		s.conn.Close()
	}
	return err
}

// allowed reports whether remote is permitted to connect: loopback is
// always allowed, otherwise remote's IP must match one of
// cfg.Sources.
func (c *Channel) allowed(remote net.Addr) bool {
	host, _, err := net.SplitHostPort(remote.String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	if c.cfg.Local {
		return false
	}
	// Non-loopback remotes need an explicit --control-source entry;
	// the allow-list defaults to loopback-only.
	for _, src := range c.cfg.Sources {
		if _, cidr, err := net.ParseCIDR(src); err == nil {
			if cidr.Contains(ip) {
				return true
			}
		} else if src == host {
			return true
		}
	}
	return false
}

// handle services one accepted connection until it closes or its
// per-line timeout expires.
func (c *Channel) handle(conn net.Conn) {
	sess := &Session{
		ID:        uuid.NewString(),
		conn:      conn,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	c.mu.Lock()
	c.sessions[sess.ID] = sess
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.sessions, sess.ID)
		c.mu.Unlock()
		close(sess.done)
		conn.Close()
	}()

	c.log.Debug("control session opened", "id", sess.ID, "remote", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	for {
		conn.SetReadDeadline(time.Now().Add(c.cfg.SessionTimeout))
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		sess.commandsRead.Add(1)
		sess.bytesRead.Add(int64(len(line)))
		if line == "" {
			continue
		}
		reply := c.disp.Dispatch(line)
		if _, err := fmt.Fprintln(conn, reply); err != nil {
			return
		}
	}
}

// Addr returns the listener's bound address, useful when Config.Port
// is 0 and the OS picks an ephemeral port. It returns "" before Listen
// succeeds.
func (c *Channel) Addr() string {
	if c.ln == nil {
		return ""
	}
	return c.ln.Addr().String()
}

// Sessions returns a snapshot of all currently connected sessions'
// stats.
func (c *Channel) Sessions() []SessionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SessionStats, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s.Stats())
	}
	return out
}
