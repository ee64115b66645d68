// Package poller reports socket readiness without blocking. It offers a
// one-shot probe for a single descriptor and an event queue (epoll on Linux,
// poll(2) elsewhere) for watching many descriptors at once.
package poller

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// Direction selects which readiness Ready checks for.
type Direction int

const (
	// Readable means a read (or accept) would return immediately.
	Readable Direction = iota + 1
	// Writable means a write would not block.
	Writable
)

func (d Direction) String() string {
	switch d {
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	default:
		return "unknown"
	}
}

// ErrUnknownFd is returned when changing interest on a descriptor that was
// never added.
var ErrUnknownFd = errors.New("poller: descriptor not registered")

// Event describes the readiness of one descriptor. Hang-ups and socket
// errors are folded into Readable so the next read surfaces them.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
}

// Poller watches a set of descriptors. Every descriptor is watched for
// reads; write interest is opt-in per descriptor.
type Poller interface {
	Add(fd int) error
	SetWriteInterest(fd int, on bool) error
	Remove(fd int) error
	// Wait returns ready descriptors, waiting at most timeout. A zero
	// timeout never blocks.
	Wait(timeout time.Duration) ([]Event, error)
	Close() error
}

// Ready probes fd with a zero-timeout poll(2) and reports whether it is
// ready in the given direction.
func Ready(fd int, dir Direction) (bool, error) {
	var events int16
	switch dir {
	case Readable:
		events = unix.POLLIN
	case Writable:
		events = unix.POLLOUT
	default:
		return false, errors.New("poller: invalid direction")
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, err := unix.Poll(fds, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		break
	}

	revents := fds[0].Revents
	if revents&unix.POLLNVAL != 0 {
		return false, unix.EBADF
	}
	return revents&(events|unix.POLLHUP|unix.POLLERR) != 0, nil
}

func timeoutMillis(timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	ms := int(timeout / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return ms
}
