//go:build linux

package poller

import (
	"time"

	"golang.org/x/sys/unix"
)

const (
	readEvents      = unix.EPOLLIN | unix.EPOLLRDHUP
	readWriteEvents = readEvents | unix.EPOLLOUT
	initialEvents   = 128
)

// epoll is a level-triggered epoll set. It keeps track of the interest
// registered for every descriptor.
type epoll struct {
	fd       int
	interest map[int]uint32
	events   []unix.EpollEvent
}

// New creates the platform poller.
func New() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epoll{
		fd:       fd,
		interest: make(map[int]uint32),
		events:   make([]unix.EpollEvent, initialEvents),
	}, nil
}

func (p *epoll) Add(fd int) error {
	if _, ok := p.interest[fd]; ok {
		return p.ctl(unix.EPOLL_CTL_MOD, fd, readEvents)
	}
	return p.ctl(unix.EPOLL_CTL_ADD, fd, readEvents)
}

func (p *epoll) SetWriteInterest(fd int, on bool) error {
	current, ok := p.interest[fd]
	if !ok {
		return ErrUnknownFd
	}

	want := uint32(readEvents)
	if on {
		want = readWriteEvents
	}
	if current == want {
		return nil
	}
	return p.ctl(unix.EPOLL_CTL_MOD, fd, want)
}

func (p *epoll) Remove(fd int) error {
	if _, ok := p.interest[fd]; !ok {
		return nil
	}
	delete(p.interest, fd)
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.EBADF && err != unix.ENOENT {
		return err
	}
	return nil
}

func (p *epoll) Wait(timeout time.Duration) ([]Event, error) {
	n, err := unix.EpollWait(p.fd, p.events, timeoutMillis(timeout))
	if err == unix.EINTR {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ready := make([]Event, 0, n)
	for _, ev := range p.events[:n] {
		ready = append(ready, Event{
			Fd:       int(ev.Fd),
			Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
		})
	}

	// Level-triggered: anything that did not fit is reported next time, but
	// grow so a busy set is drained in fewer calls.
	if n == len(p.events) {
		p.events = make([]unix.EpollEvent, 2*len(p.events))
	}
	return ready, nil
}

func (p *epoll) Close() error {
	p.interest = make(map[int]uint32)
	return unix.Close(p.fd)
}

func (p *epoll) ctl(op, fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, op, fd, &ev); err != nil {
		return err
	}
	p.interest[fd] = events
	return nil
}
