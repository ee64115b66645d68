package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/Tyrowin/gochat/internal/metrics"
)

const testTimeout = 2 * time.Second

func startTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}

	s := NewServer(opts)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

// tickUntil drives the relay until cond holds.
func tickUntil(t *testing.T, s *Server, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		s.Tick()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

// connect dials the relay and ticks until the client is registered.
func connect(t *testing.T, s *Server) net.Conn {
	t.Helper()
	want := s.registry.Len() + 1

	c, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	tickUntil(t, s, func() bool { return s.registry.Len() == want }, "client registered")
	return c
}

// tryRead does a short non-waiting read on a client socket.
func tryRead(t *testing.T, c net.Conn, buf []byte) (int, error) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Millisecond)))
	n, err := c.Read(buf)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return n, nil
	}
	return n, err
}

// receive ticks the relay while collecting bytes on c until want has
// arrived.
func receive(t *testing.T, s *Server, c net.Conn, want string) {
	t.Helper()
	var got bytes.Buffer
	buf := make([]byte, 1024)
	tickUntil(t, s, func() bool {
		n, err := tryRead(t, c, buf)
		require.NoError(t, err)
		got.Write(buf[:n])
		return got.Len() >= len(want)
	}, "message "+want+" delivered")
	assert.Equal(t, want, got.String())
}

// expectSilence ticks for d and fails if c receives anything.
func expectSilence(t *testing.T, s *Server, c net.Conn, d time.Duration) {
	t.Helper()
	buf := make([]byte, 1024)
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		s.Tick()
		n, err := tryRead(t, c, buf)
		require.NoError(t, err)
		if n > 0 {
			t.Fatalf("unexpected data: %q", buf[:n])
		}
	}
}

func send(t *testing.T, c net.Conn, msg string) {
	t.Helper()
	_, err := c.Write([]byte(msg))
	require.NoError(t, err)
}

// drain reads everything currently available on c.
func drain(t *testing.T, c net.Conn, buf []byte) int {
	t.Helper()
	total := 0
	for {
		n, err := tryRead(t, c, buf)
		require.NoError(t, err)
		if n == 0 {
			return total
		}
		total += n
	}
}

// connectSlow connects a client whose kernel buffers on both ends are
// shrunk, so output to it backs up in the relay after a few KiB.
func connectSlow(t *testing.T, s *Server) (net.Conn, *Conn) {
	t.Helper()
	c := connect(t, s)

	snapshot := s.registry.Snapshot()
	peer := snapshot[len(snapshot)-1]
	require.NoError(t, unix.SetsockoptInt(peer.Fd(), unix.SOL_SOCKET, unix.SO_SNDBUF, 4096))
	require.NoError(t, c.(*net.TCPConn).SetReadBuffer(4096))
	return c, peer
}

// floodUntil writes chunk from c and ticks until cond holds.
func floodUntil(t *testing.T, s *Server, c net.Conn, chunk []byte, cond func() bool, msg string) int {
	t.Helper()
	sent := 0
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not met: %s", msg)
		require.NoError(t, c.SetWriteDeadline(time.Now().Add(testTimeout)))
		n, err := c.Write(chunk)
		require.NoError(t, err)
		sent += n
		s.Tick()
	}
	return sent
}

func TestRelayDeliversToOthersOnly(t *testing.T) {
	s := startTestServer(t, Options{})

	a := connect(t, s)
	b := connect(t, s)
	c := connect(t, s)

	send(t, a, "hello")
	receive(t, s, b, "hello")
	receive(t, s, c, "hello")
	expectSilence(t, s, a, 50*time.Millisecond)
}

func TestRelayAfterDisconnect(t *testing.T) {
	s := startTestServer(t, Options{})

	a := connect(t, s)
	b := connect(t, s)
	c := connect(t, s)

	require.NoError(t, b.Close())
	tickUntil(t, s, func() bool { return s.ConnectionCount() == 2 }, "closed client reaped")

	send(t, a, "ping")
	receive(t, s, c, "ping")
	assert.Equal(t, 2, s.registry.Len())
	assert.Equal(t, 2, s.ConnectionCount())
}

func TestRelayEveryClientCanSend(t *testing.T) {
	s := startTestServer(t, Options{})

	clients := []net.Conn{connect(t, s), connect(t, s), connect(t, s), connect(t, s)}

	for i, sender := range clients {
		msg := string(rune('A' + i))
		send(t, sender, msg)
		for j, other := range clients {
			if j != i {
				receive(t, s, other, msg)
			}
		}
	}
}

func TestRelayWriteFailureReapsOnlyFailingPeer(t *testing.T) {
	s := startTestServer(t, Options{})

	a := connect(t, s)
	c := connect(t, s)

	broken := newFakeStream(1 << 20)
	broken.writeErr = errBrokenPipe
	brokenConn, err := s.registry.Add(broken, "broken")
	require.NoError(t, err)

	send(t, a, "first")
	receive(t, s, c, "first")

	assert.False(t, s.registry.Contains(brokenConn.ID()))
	assert.True(t, broken.closed)
	assert.Equal(t, 2, s.registry.Len())

	// Later broadcasts do not reach the reaped peer.
	broken.writeErr = nil
	send(t, a, "second")
	receive(t, s, c, "second")
	assert.Empty(t, broken.out.String())
}

func TestRelayFragmentsLargeMessages(t *testing.T) {
	s := startTestServer(t, Options{BufferSize: 8})

	a := connect(t, s)
	b := connect(t, s)

	send(t, a, "0123456789abcdefXYZ")
	receive(t, s, b, "0123456789abcdefXYZ")

	send(t, a, "ok")
	receive(t, s, b, "ok")
}

func TestStopClosesClientsAndDisablesTick(t *testing.T) {
	s := startTestServer(t, Options{})

	a := connect(t, s)
	b := connect(t, s)

	require.NoError(t, s.Stop())

	assert.False(t, s.IsRunning())
	assert.Zero(t, s.ConnectionCount())
	assert.Zero(t, s.registry.Len())

	for _, c := range []net.Conn{a, b} {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(testTimeout)))
		_, err := c.Read(make([]byte, 8))
		assert.Error(t, err, "server side closed")
	}

	assert.NotPanics(t, func() {
		s.Tick()
		s.Tick()
	})
	assert.NoError(t, s.Stop(), "second stop is a no-op")

	_, err := net.DialTimeout("tcp", s.Addr().String(), 100*time.Millisecond)
	assert.Error(t, err, "listener closed")
}

func TestTickBeforeStartIsNoop(t *testing.T) {
	s := NewServer(Options{Logger: discardLogger()})

	assert.False(t, s.IsRunning())
	assert.NotPanics(t, s.Tick)
	assert.Nil(t, s.Addr())
	assert.NoError(t, s.Stop())
}

func TestStartBindFailure(t *testing.T) {
	first := startTestServer(t, Options{})

	second := NewServer(Options{Addr: first.Addr().String(), Logger: discardLogger()})
	err := second.Start()

	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, first.Addr().String(), bindErr.Addr)
	assert.False(t, second.IsRunning(), "failed start leaves the server stopped")
	assert.ErrorIs(t, second.Run(context.Background()), ErrNotRunning)
}

func TestStartTwice(t *testing.T) {
	s := startTestServer(t, Options{})

	assert.ErrorIs(t, s.Start(), ErrAlreadyRunning)
}

func TestRestartAfterStop(t *testing.T) {
	s := startTestServer(t, Options{})
	require.NoError(t, s.Stop())

	require.NoError(t, s.Start())
	a := connect(t, s)
	b := connect(t, s)
	send(t, a, "again")
	receive(t, s, b, "again")
}

func TestMaxConnectionsRejectsExtraClients(t *testing.T) {
	m := metrics.NewRelayMetrics(prometheus.NewRegistry())
	s := startTestServer(t, Options{MaxConnections: 1, Metrics: m})

	connect(t, s)

	extra, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer extra.Close()

	tickUntil(t, s, func() bool { return testutil.ToFloat64(m.ConnectionsRejected) == 1 }, "extra client rejected")
	assert.Equal(t, 1, s.ConnectionCount())

	require.NoError(t, extra.SetReadDeadline(time.Now().Add(testTimeout)))
	_, err = extra.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestRateLimitDropsExcessMessages(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := metrics.NewRelayMetrics(prometheus.NewRegistry())
	s := startTestServer(t, Options{
		RateLimit: RateLimit{Burst: 1, Interval: time.Minute},
		Clock:     clock,
		Metrics:   m,
	})

	a := connect(t, s)
	b := connect(t, s)

	send(t, a, "one")
	receive(t, s, b, "one")

	send(t, a, "two")
	tickUntil(t, s, func() bool { return testutil.ToFloat64(m.MessagesThrottled) == 1 }, "second message throttled")
	expectSilence(t, s, b, 50*time.Millisecond)
	assert.Equal(t, 2, s.ConnectionCount(), "throttled clients stay connected")

	clock.Advance(time.Minute)
	send(t, a, "three")
	receive(t, s, b, "three")
}

func TestMetricsTrackLifecycle(t *testing.T) {
	m := metrics.NewRelayMetrics(prometheus.NewRegistry())
	s := startTestServer(t, Options{Metrics: m})

	a := connect(t, s)
	b := connect(t, s)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveConnections))

	send(t, a, "abc")
	receive(t, s, b, "abc")
	assert.Equal(t, 3.0, testutil.ToFloat64(m.BytesReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesRelayed))

	require.NoError(t, a.Close())
	tickUntil(t, s, func() bool {
		return testutil.ToFloat64(m.ConnectionsReaped.WithLabelValues(metrics.ReasonClosed)) == 1
	}, "closed client counted")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveConnections))

	require.NoError(t, s.Stop())
	assert.Zero(t, testutil.ToFloat64(m.ActiveConnections))
}

func TestDiagnosticsLines(t *testing.T) {
	var out bytes.Buffer
	s := startTestServer(t, Options{Logger: slog.New(slog.NewTextHandler(&out, nil))})

	a := connect(t, s)
	b := connect(t, s)
	send(t, a, "hi")
	receive(t, s, b, "hi")
	require.NoError(t, a.Close())
	tickUntil(t, s, func() bool { return s.ConnectionCount() == 1 }, "client reaped")

	logs := out.String()
	for _, line := range []string{"server listening", "client connected", "message received", "client disconnected", "removing client"} {
		assert.Contains(t, logs, line)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := NewServer(Options{Addr: "127.0.0.1:0", Logger: discardLogger(), PollTimeout: 5 * time.Millisecond})
	require.NoError(t, s.Start())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	a, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer a.Close()
	b, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer b.Close()

	require.Eventually(t, func() bool { return s.ConnectionCount() == 2 }, testTimeout, time.Millisecond)

	send(t, a, "via run")
	require.NoError(t, b.SetReadDeadline(time.Now().Add(testTimeout)))
	got := make([]byte, len("via run"))
	_, err = io.ReadFull(b, got)
	require.NoError(t, err)
	assert.Equal(t, "via run", string(got))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, s.IsRunning())
	assert.Zero(t, s.ConnectionCount())
}

func TestNewServerDefaults(t *testing.T) {
	s := NewServer(Options{})

	assert.Equal(t, DefaultAddr, s.opts.Addr)
	assert.Len(t, s.buf, DefaultBufferSize)
	assert.Equal(t, DefaultMaxPendingBytes, s.opts.MaxPendingBytes)
	assert.Equal(t, DefaultPollTimeout, s.opts.PollTimeout)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.clock)
}

func TestTickAcceptsOneClientPerTick(t *testing.T) {
	s := startTestServer(t, Options{})

	for i := 0; i < 3; i++ {
		c, err := net.Dial("tcp", s.Addr().String())
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
	}

	for want := 1; want <= 3; want++ {
		s.Tick()
		assert.Equal(t, want, s.ConnectionCount())
	}
	s.Tick()
	assert.Equal(t, 3, s.ConnectionCount())
}

func TestSlowConsumerReapedOnBacklogOverflow(t *testing.T) {
	m := metrics.NewRelayMetrics(prometheus.NewRegistry())
	s := startTestServer(t, Options{BufferSize: 16 << 10, MaxPendingBytes: 64 << 10, Metrics: m})

	a := connect(t, s)
	_, slow := connectSlow(t, s)
	c := connect(t, s)

	buf := make([]byte, 64<<10)
	chunk := bytes.Repeat([]byte("x"), 16<<10)
	reaped := func() bool {
		// c keeps reading throughout, so only the slow peer can overflow.
		drain(t, c, buf)
		return testutil.ToFloat64(m.ConnectionsReaped.WithLabelValues(metrics.ReasonWriteError)) == 1
	}
	floodUntil(t, s, a, chunk, reaped, "slow consumer reaped")

	assert.False(t, s.registry.Contains(slow.ID()))
	assert.Equal(t, 2, s.ConnectionCount())

	send(t, a, "after")
	var got strings.Builder
	tickUntil(t, s, func() bool {
		n, err := tryRead(t, c, buf)
		require.NoError(t, err)
		got.Write(buf[:n])
		return strings.HasSuffix(got.String(), "after")
	}, "remaining client still receives")
}

func TestBackloggedPeerCatchesUp(t *testing.T) {
	s := startTestServer(t, Options{BufferSize: 16 << 10})

	a := connect(t, s)
	b, peer := connectSlow(t, s)

	chunk := bytes.Repeat([]byte("y"), 16<<10)
	sent := floodUntil(t, s, a, chunk, func() bool {
		return peer.wantWrite && peer.stream.Buffered() > 0
	}, "output to b backlogged")

	buf := make([]byte, 64<<10)
	received := 0
	tickUntil(t, s, func() bool {
		received += drain(t, b, buf)
		return received == sent
	}, "backlog flushed to b")

	assert.Zero(t, peer.stream.Buffered())
	assert.False(t, peer.wantWrite, "write interest dropped once the backlog is empty")
	assert.True(t, s.registry.Contains(peer.ID()))
}

func TestUnwritableOriginIsNotRelayed(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s := startTestServer(t, Options{BufferSize: 16 << 10, Logger: logger})

	a, origin := connectSlow(t, s)
	b := connect(t, s)

	// Fill the path to a until its socket stops accepting writes.
	chunk := bytes.Repeat([]byte("z"), 16<<10)
	flooded := floodUntil(t, s, b, chunk, func() bool {
		return origin.wantWrite && origin.stream.Buffered() > 0
	}, "output to a backlogged")

	send(t, a, "gated")
	tickUntil(t, s, func() bool {
		return strings.Contains(logs.String(), "origin not writable")
	}, "gate closed")
	expectSilence(t, s, b, 50*time.Millisecond)

	// Once a reads everything b sent the gate opens again.
	buf := make([]byte, 64<<10)
	received := 0
	tickUntil(t, s, func() bool {
		received += drain(t, a, buf)
		return received == flooded
	}, "backlog to a flushed")
	assert.False(t, origin.wantWrite)

	send(t, a, "open")
	receive(t, s, b, "open")
	assert.Contains(t, logs.String(), "msg=\"message relayed\"")
	assert.Contains(t, logs.String(), "recipients=1")
}
