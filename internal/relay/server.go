// Package relay implements a single-threaded TCP chat relay. Every byte span
// read from one client is written to all other connected clients. One
// goroutine drives the whole relay through Tick or Run; no call blocks on a
// peer and no locks are taken.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/gochat/internal/metrics"
	"github.com/Tyrowin/gochat/internal/poller"
	"github.com/Tyrowin/gochat/internal/socket"
)

const (
	DefaultAddr            = "0.0.0.0:4040"
	DefaultBufferSize      = 4096
	DefaultMaxPendingBytes = 1 << 20
	DefaultPollTimeout     = 50 * time.Millisecond
)

// RateLimit throttles messages per connection. A zero Burst disables it.
type RateLimit struct {
	Burst    int
	Interval time.Duration
}

// Options configures a Server. Zero values select the defaults.
type Options struct {
	Addr string
	// BufferSize bounds a single read, and therefore a single message.
	BufferSize int
	// MaxPendingBytes caps the output queued for a slow client before its
	// writes are treated as failed.
	MaxPendingBytes int
	// MaxConnections rejects new clients beyond this count. Zero means no
	// limit.
	MaxConnections int
	// PollTimeout is how long Run waits for readiness when nothing is ready.
	PollTimeout time.Duration
	RateLimit   RateLimit

	Logger  *slog.Logger
	Metrics *metrics.RelayMetrics
	Clock   clockwork.Clock
}

// Server is the relay. Apart from IsRunning and ConnectionCount, its
// methods must be called from the single goroutine driving it.
type Server struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.RelayMetrics
	clock   clockwork.Clock

	listener *socket.Listener
	poller   poller.Poller
	registry *Registry
	addr     net.Addr
	buf      []byte

	// Descriptors reported ready by the last wait; reused across ticks.
	readable []int
	writable []int

	running atomic.Bool
	conns   atomic.Int64
}

// NewServer creates a stopped relay.
func NewServer(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.MaxPendingBytes <= 0 {
		opts.MaxPendingBytes = DefaultMaxPendingBytes
	}
	if opts.MaxConnections < 0 {
		opts.MaxConnections = 0
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.RateLimit.Burst > 0 && opts.RateLimit.Interval <= 0 {
		opts.RateLimit.Interval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	return &Server{
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		registry: NewRegistry(),
		buf:      make([]byte, opts.BufferSize),
	}
}

// Start binds the listener and marks the server running. On failure the
// server stays stopped and a *BindError is returned.
func (s *Server) Start() error {
	if s.running.Load() {
		return ErrAlreadyRunning
	}

	l, err := socket.Listen(s.opts.Addr)
	if err != nil {
		s.logger.Error("failed to start server", "addr", s.opts.Addr, "error", err)
		return &BindError{Addr: s.opts.Addr, Err: err}
	}

	p, err := poller.New()
	if err != nil {
		_ = l.Close()
		return fmt.Errorf("relay: create poller: %w", err)
	}
	if err := p.Add(l.Fd()); err != nil {
		_ = p.Close()
		_ = l.Close()
		return fmt.Errorf("relay: watch listener: %w", err)
	}

	s.listener = l
	s.poller = p
	s.addr = l.Addr()
	s.registry = NewRegistry()
	s.conns.Store(0)
	s.running.Store(true)

	s.logger.Info("server listening", "addr", s.addr.String())
	return nil
}

// IsRunning reports whether the server is between Start and Stop. It is
// safe to call from any goroutine.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// ConnectionCount returns the number of registered clients. It is safe to
// call from any goroutine.
func (s *Server) ConnectionCount() int {
	return int(s.conns.Load())
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Tick runs one non-blocking iteration: accept at most one client, then
// read from every ready client and relay what it sent. It is a no-op when
// the server is not running.
func (s *Server) Tick() {
	s.tick(0)
}

// Run ticks until ctx is cancelled or the server is stopped, then stops the
// server. Between events it waits up to the configured poll timeout.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.Load() {
		return ErrNotRunning
	}

	for s.running.Load() {
		if ctx.Err() != nil {
			return s.Stop()
		}
		s.tick(s.opts.PollTimeout)
	}
	return nil
}

// Stop closes every client and the listener. Ticks after Stop do nothing.
// Stopping a stopped server is a no-op.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	count := s.registry.Len()
	for _, conn := range s.registry.Snapshot() {
		_ = s.poller.Remove(conn.Fd())
	}

	errs := []error{s.registry.Clear()}
	errs = append(errs, s.poller.Close(), s.listener.Close())

	s.conns.Store(0)
	s.metrics.Reset()
	s.logger.Info("server stopped", "closed_clients", count)

	return errors.Join(errs...)
}

func (s *Server) tick(timeout time.Duration) {
	if !s.running.Load() {
		return
	}

	events, err := s.poller.Wait(timeout)
	if err != nil {
		s.logger.Error("poll failed", "error", err)
		return
	}

	s.readable = s.readable[:0]
	s.writable = s.writable[:0]
	acceptReady := false
	for _, ev := range events {
		if ev.Fd == s.listener.Fd() {
			acceptReady = acceptReady || ev.Readable
			continue
		}
		if ev.Readable {
			s.readable = append(s.readable, ev.Fd)
		}
		if ev.Writable {
			s.writable = append(s.writable, ev.Fd)
		}
	}

	// Resolve before accepting so a client accepted this tick is first
	// serviced on the next one.
	ready := s.registry.Resolve(s.readable)

	if acceptReady {
		s.accept()
	}

	removals := make(map[ConnID]string)

	if len(s.writable) > 0 {
		for _, c := range s.registry.Resolve(s.writable) {
			s.flush(c, removals)
		}
		s.reap(removals)
	}

	// Only ready connections are visited, in registration order.
	for _, c := range ready {
		// Reaped earlier in this tick.
		if !s.registry.Contains(c.id) {
			continue
		}

		s.service(c, removals)
		s.reap(removals)
		clear(s.buf)
	}
}

func (s *Server) accept() {
	stream, err := s.listener.Accept(s.opts.MaxPendingBytes)
	if errors.Is(err, socket.ErrWouldBlock) {
		return
	}
	if err != nil {
		s.logger.Warn("accept failed", "error", err)
		return
	}

	if s.opts.MaxConnections > 0 && s.registry.Len() >= s.opts.MaxConnections {
		s.logger.Warn("connection limit reached, rejecting client",
			"remote", stream.RemoteAddr(), "limit", s.opts.MaxConnections)
		_ = stream.Close()
		s.metrics.Rejected()
		return
	}

	conn, err := s.registry.Add(stream, stream.RemoteAddr())
	if err != nil {
		s.logger.Error("failed to register client", "remote", stream.RemoteAddr(), "error", err)
		_ = stream.Close()
		return
	}

	if err := s.poller.Add(stream.Fd()); err != nil {
		s.logger.Error("failed to watch client", "conn", conn.id, "remote", conn.remote, "error", err)
		_, _ = s.registry.Remove(conn.id)
		return
	}

	if rl := s.opts.RateLimit; rl.Burst > 0 {
		conn.limiter = rate.NewLimiter(rate.Limit(float64(rl.Burst)/rl.Interval.Seconds()), rl.Burst)
	}

	s.conns.Store(int64(s.registry.Len()))
	s.metrics.Accepted()
	s.logger.Info("client connected", "conn", conn.id, "remote", conn.remote, "clients", s.registry.Len())
}

// service reads once from c and relays the result. Failures are recorded in
// removals; they never abort the tick.
func (s *Server) service(c *Conn, removals map[ConnID]string) {
	n, err := c.stream.Read(s.buf)
	switch {
	case errors.Is(err, socket.ErrWouldBlock):
		return
	case errors.Is(err, io.EOF), err == nil && n == 0:
		s.logger.Info("client disconnected", "conn", c.id, "remote", c.remote)
		markRemoval(removals, c.id, metrics.ReasonClosed)
		return
	case err != nil:
		s.logger.Warn("read failed", "conn", c.id, "remote", c.remote, "error", err)
		markRemoval(removals, c.id, metrics.ReasonReadError)
		return
	}

	msg := s.buf[:n]
	s.metrics.Received(n)
	s.logger.Info("message received", "conn", c.id, "remote", c.remote, "bytes", n, "message", string(msg))

	if c.limiter != nil && !c.limiter.AllowN(s.clock.Now(), 1) {
		s.logger.Warn("rate limit exceeded, discarding message", "conn", c.id, "remote", c.remote,
			"burst", s.opts.RateLimit.Burst, "interval", s.opts.RateLimit.Interval)
		s.metrics.Throttled()
		return
	}

	// The origin's writability gates the fan-out; destinations are judged
	// only by their own write results.
	writable, err := poller.Ready(c.Fd(), poller.Writable)
	if err != nil {
		s.logger.Warn("readiness check failed", "conn", c.id, "remote", c.remote, "error", err)
		markRemoval(removals, c.id, metrics.ReasonReadError)
		return
	}
	if !writable {
		s.logger.Debug("origin not writable, message not relayed", "conn", c.id, "remote", c.remote)
		return
	}

	out := broadcast(s.registry, c.id, msg, s.logger)
	s.logger.Debug("message relayed", "conn", c.id, "recipients", out.delivered, "failed", len(out.failed))
	for _, id := range out.failed {
		markRemoval(removals, id, metrics.ReasonWriteError)
	}
	for _, id := range out.backlogged {
		if target, ok := s.registry.Get(id); ok {
			s.setWriteInterest(target, true)
		}
	}
	s.metrics.Relayed()
}

func (s *Server) flush(c *Conn, removals map[ConnID]string) {
	if err := c.stream.Flush(); err != nil {
		s.logger.Warn("write failed", "conn", c.id, "remote", c.remote, "error", err)
		markRemoval(removals, c.id, metrics.ReasonWriteError)
		return
	}
	if c.stream.Buffered() == 0 {
		s.setWriteInterest(c, false)
	}
}

func (s *Server) setWriteInterest(c *Conn, on bool) {
	if c.wantWrite == on {
		return
	}
	if err := s.poller.SetWriteInterest(c.Fd(), on); err != nil {
		s.logger.Warn("failed to update write interest", "conn", c.id, "remote", c.remote, "error", err)
		return
	}
	c.wantWrite = on
}

// reap removes every connection in removals and empties it.
func (s *Server) reap(removals map[ConnID]string) {
	for id, reason := range removals {
		delete(removals, id)

		conn, ok := s.registry.Get(id)
		if !ok {
			continue
		}

		s.logger.Info("removing client", "conn", id, "remote", conn.remote, "reason", reason)
		if err := s.poller.Remove(conn.Fd()); err != nil {
			s.logger.Debug("failed to unwatch client", "conn", id, "error", err)
		}
		if _, err := s.registry.Remove(id); err != nil {
			s.logger.Warn("error closing client", "conn", id, "remote", conn.remote, "error", err)
		}

		s.metrics.Reaped(reason)
		s.conns.Store(int64(s.registry.Len()))
	}
}

// markRemoval records id for reaping, keeping the first reason seen.
func markRemoval(removals map[ConnID]string, id ConnID, reason string) {
	if _, exists := removals[id]; !exists {
		removals[id] = reason
	}
}
