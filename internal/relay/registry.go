package relay

import (
	"cmp"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"golang.org/x/time/rate"
)

// Stream is the byte stream behind a client connection. *socket.Stream is
// the production implementation.
type Stream interface {
	io.ReadWriteCloser
	// Fd returns the descriptor used for readiness polling.
	Fd() int
	// Flush retries output the kernel could not take earlier.
	Flush() error
	// Buffered returns the number of bytes still waiting to be written.
	Buffered() int
}

// ConnID identifies a registered connection. The generation makes an ID
// stale once its slot is reused, so a removed connection can never be
// mistaken for a newer one.
type ConnID struct {
	index uint32
	gen   uint32
}

func (id ConnID) String() string {
	return fmt.Sprintf("%d.%d", id.index, id.gen)
}

// LogValue implements slog.LogValuer.
func (id ConnID) LogValue() slog.Value {
	return slog.StringValue(id.String())
}

// Conn is a registered client connection.
type Conn struct {
	id     ConnID
	stream Stream
	remote string
	// seq orders connections by registration.
	seq uint64

	// limiter is nil when rate limiting is off.
	limiter *rate.Limiter
	// wantWrite mirrors whether write interest is set in the poller.
	wantWrite bool
}

// ID returns the connection's registry identity.
func (c *Conn) ID() ConnID {
	return c.id
}

// Fd returns the connection's descriptor.
func (c *Conn) Fd() int {
	return c.stream.Fd()
}

type slot struct {
	conn *Conn
	gen  uint32
}

// Registry owns the live client connections. Connections live in a slot
// table indexed by ConnID; freed slots are reused with a bumped generation.
// Registry is not safe for concurrent use.
type Registry struct {
	slots []slot
	free  []uint32
	byFd  map[int]ConnID
	order []ConnID
	seq   uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byFd: make(map[int]ConnID)}
}

// Add registers a newly accepted stream and returns its connection.
func (r *Registry) Add(stream Stream, remote string) (*Conn, error) {
	fd := stream.Fd()
	if _, exists := r.byFd[fd]; exists {
		return nil, fmt.Errorf("%w: fd %d", ErrDuplicateConn, fd)
	}

	var index uint32
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		index = uint32(len(r.slots))
		r.slots = append(r.slots, slot{})
	}

	s := &r.slots[index]
	conn := &Conn{
		id:     ConnID{index: index, gen: s.gen},
		stream: stream,
		remote: remote,
		seq:    r.seq,
	}
	r.seq++
	s.conn = conn

	r.byFd[fd] = conn.id
	r.order = append(r.order, conn.id)
	return conn, nil
}

// Get returns the live connection for id.
func (r *Registry) Get(id ConnID) (*Conn, bool) {
	if int(id.index) >= len(r.slots) {
		return nil, false
	}
	s := r.slots[id.index]
	if s.conn == nil || s.gen != id.gen {
		return nil, false
	}
	return s.conn, true
}

// Contains reports whether id is still registered.
func (r *Registry) Contains(id ConnID) bool {
	_, ok := r.Get(id)
	return ok
}

// Lookup returns the live connection using descriptor fd.
func (r *Registry) Lookup(fd int) (*Conn, bool) {
	id, ok := r.byFd[fd]
	if !ok {
		return nil, false
	}
	return r.Get(id)
}

// Resolve returns the live connections behind fds in registration order.
// Descriptors that are no longer registered are skipped.
func (r *Registry) Resolve(fds []int) []*Conn {
	conns := make([]*Conn, 0, len(fds))
	for _, fd := range fds {
		if conn, ok := r.Lookup(fd); ok {
			conns = append(conns, conn)
		}
	}
	slices.SortFunc(conns, func(a, b *Conn) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return conns
}

// Remove closes the connection's stream and drops it from the registry.
// Removing an unknown or already removed id is a no-op.
func (r *Registry) Remove(id ConnID) (*Conn, error) {
	conn, ok := r.Get(id)
	if !ok {
		return nil, nil
	}

	s := &r.slots[id.index]
	s.conn = nil
	s.gen++
	r.free = append(r.free, id.index)
	delete(r.byFd, conn.stream.Fd())

	return conn, conn.stream.Close()
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	return len(r.byFd)
}

// Snapshot returns the live connections in insertion order. The slice is a
// copy; removals made while iterating it do not affect it.
func (r *Registry) Snapshot() []*Conn {
	live := r.order[:0]
	conns := make([]*Conn, 0, r.Len())
	for _, id := range r.order {
		if conn, ok := r.Get(id); ok {
			live = append(live, id)
			conns = append(conns, conn)
		}
	}
	r.order = live
	return conns
}

// Each calls fn for every live connection in insertion order.
func (r *Registry) Each(fn func(*Conn)) {
	for _, id := range r.order {
		if conn, ok := r.Get(id); ok {
			fn(conn)
		}
	}
}

// Clear closes and removes every connection. It returns the first close
// error encountered.
func (r *Registry) Clear() error {
	var firstErr error
	for _, conn := range r.Snapshot() {
		if _, err := r.Remove(conn.id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.order = nil
	return firstErr
}
