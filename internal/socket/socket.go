// Package socket wraps raw non-blocking TCP file descriptors so the relay can
// drive them from a single readiness loop without involving the Go netpoller.
package socket

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned when an operation cannot complete without
	// waiting for the kernel.
	ErrWouldBlock = errors.New("socket: operation would block")

	// ErrBacklogFull is returned by Write when the peer is not draining its
	// output fast enough and the pending buffer would exceed its cap.
	ErrBacklogFull = errors.New("socket: output backlog full")

	// ErrClosed is returned by operations on a closed socket.
	ErrClosed = errors.New("socket: use of closed socket")
)

// Listener is a bound, listening, non-blocking TCP socket.
type Listener struct {
	fd     int
	addr   *net.TCPAddr
	closed bool
}

// Listen creates a TCP socket, binds it to addr and starts listening.
// The returned listener never blocks on Accept.
func Listen(addr string) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}

	family, sa, err := sockaddr(tcpAddr)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("create socket: %w", err)
	}
	unix.CloseOnExec(fd)

	fail := func(step string, err error) (*Listener, error) {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%s: %w", step, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("set SO_REUSEADDR", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail("set non-blocking", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fail("listen", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}

	return &Listener{fd: fd, addr: tcpAddrOf(bound)}, nil
}

// Fd returns the listener's file descriptor.
func (l *Listener) Fd() int {
	return l.fd
}

// Addr returns the address the listener is bound to.
func (l *Listener) Addr() net.Addr {
	return l.addr
}

// Accept takes one pending connection off the queue. It returns
// ErrWouldBlock when no connection is waiting.
func (l *Listener) Accept(maxPending int) (*Stream, error) {
	if l.closed {
		return nil, ErrClosed
	}

	for {
		fd, sa, err := unix.Accept(l.fd)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, ErrWouldBlock
		}
		if err != nil {
			return nil, err
		}

		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("set non-blocking: %w", err)
		}

		return newStream(fd, remoteString(sa), maxPending), nil
	}
}

// Close closes the listening socket. Calling Close more than once is a no-op.
func (l *Listener) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	return unix.Close(l.fd)
}

func (l *Listener) String() string {
	return strconv.Itoa(l.fd)
}

// Stream is a non-blocking connected TCP socket with an output backlog for
// bytes the kernel could not take immediately.
type Stream struct {
	fd         int
	remote     string
	pending    []byte
	maxPending int
	closed     bool
}

func newStream(fd int, remote string, maxPending int) *Stream {
	return &Stream{fd: fd, remote: remote, maxPending: maxPending}
}

// Fd returns the stream's file descriptor.
func (s *Stream) Fd() int {
	return s.fd
}

// RemoteAddr returns the peer address as a display string.
func (s *Stream) RemoteAddr() string {
	return s.remote
}

// Read performs a single non-blocking read. A zero-byte read means the peer
// closed its side and is reported as io.EOF.
func (s *Stream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}

	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write hands p to the kernel without blocking. Whatever the kernel does not
// accept is queued and sent by later Flush calls. Write reports the whole of
// p as written unless the queue would grow past its cap.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}

	if len(s.pending) > 0 {
		if err := s.enqueue(p); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	n, err := s.write(p)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		if err := s.enqueue(p[n:]); err != nil {
			return n, err
		}
	}
	return len(p), nil
}

// Flush sends as much of the queued output as the kernel accepts.
func (s *Stream) Flush() error {
	if s.closed {
		return ErrClosed
	}
	if len(s.pending) == 0 {
		return nil
	}

	n, err := s.write(s.pending)
	if err != nil {
		return err
	}
	s.pending = s.pending[n:]
	if len(s.pending) == 0 {
		s.pending = nil
	}
	return nil
}

// Buffered returns the number of queued bytes not yet handed to the kernel.
func (s *Stream) Buffered() int {
	return len(s.pending)
}

// Close closes the socket and drops any queued output. Calling Close more
// than once is a no-op.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.pending = nil
	return unix.Close(s.fd)
}

func (s *Stream) String() string {
	return strconv.Itoa(s.fd)
}

// write loops until the kernel stops accepting bytes. Would-block is not an
// error here; the caller sees a short count.
func (s *Stream) write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Write(s.fd, p[written:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return written, nil
		}
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

func (s *Stream) enqueue(p []byte) error {
	if s.maxPending > 0 && len(s.pending)+len(p) > s.maxPending {
		return ErrBacklogFull
	}
	s.pending = append(s.pending, p...)
	return nil
}

func sockaddr(addr *net.TCPAddr) (int, unix.Sockaddr, error) {
	if addr.IP == nil || addr.IP.To4() != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if addr.IP != nil {
			copy(sa.Addr[:], addr.IP.To4())
		}
		return unix.AF_INET, sa, nil
	}

	ip := addr.IP.To16()
	if ip == nil {
		return 0, nil, fmt.Errorf("unsupported address %s", addr)
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], ip)
	if addr.Zone != "" {
		zone, err := zoneIndex(addr.Zone)
		if err != nil {
			return 0, nil, err
		}
		sa.ZoneId = zone
	}
	return unix.AF_INET6, sa, nil
}

// zoneIndex maps an IPv6 zone, an interface name or a numeric index, to the
// interface index the kernel expects in sin6_scope_id.
func zoneIndex(zone string) (uint32, error) {
	if ifi, err := net.InterfaceByName(zone); err == nil {
		return uint32(ifi.Index), nil
	}
	n, err := strconv.ParseUint(zone, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("unknown zone %q", zone)
	}
	return uint32(n), nil
}

func zoneName(index uint32) string {
	if index == 0 {
		return ""
	}
	if ifi, err := net.InterfaceByIndex(int(index)); err == nil {
		return ifi.Name
	}
	return strconv.FormatUint(uint64(index), 10)
}

func tcpAddrOf(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port, Zone: zoneName(a.ZoneId)}
	default:
		return &net.TCPAddr{}
	}
}

func remoteString(sa unix.Sockaddr) string {
	addr := tcpAddrOf(sa)
	if addr.IP == nil {
		return "unknown"
	}
	return addr.String()
}
