//go:build unix && !linux

package poller

import (
	"time"

	"golang.org/x/sys/unix"
)

// pollSet rebuilds a poll(2) vector on every Wait. It is linear in the number
// of descriptors and only used where epoll is unavailable.
type pollSet struct {
	interest map[int]int16
	order    []int
}

// New creates the platform poller.
func New() (Poller, error) {
	return &pollSet{interest: make(map[int]int16)}, nil
}

func (p *pollSet) Add(fd int) error {
	if _, ok := p.interest[fd]; !ok {
		p.order = append(p.order, fd)
	}
	p.interest[fd] = unix.POLLIN
	return nil
}

func (p *pollSet) SetWriteInterest(fd int, on bool) error {
	if _, ok := p.interest[fd]; !ok {
		return ErrUnknownFd
	}
	if on {
		p.interest[fd] = unix.POLLIN | unix.POLLOUT
	} else {
		p.interest[fd] = unix.POLLIN
	}
	return nil
}

func (p *pollSet) Remove(fd int) error {
	if _, ok := p.interest[fd]; !ok {
		return nil
	}
	delete(p.interest, fd)
	for i, v := range p.order {
		if v == fd {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return nil
}

func (p *pollSet) Wait(timeout time.Duration) ([]Event, error) {
	fds := make([]unix.PollFd, 0, len(p.order))
	for _, fd := range p.order {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: p.interest[fd]})
	}

	n, err := unix.Poll(fds, timeoutMillis(timeout))
	if err == unix.EINTR {
		return nil, nil
	}
	if err != nil || n == 0 {
		return nil, err
	}

	ready := make([]Event, 0, n)
	for _, pfd := range fds {
		if pfd.Revents == 0 {
			continue
		}
		ready = append(ready, Event{
			Fd:       int(pfd.Fd),
			Readable: pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0,
			Writable: pfd.Revents&unix.POLLOUT != 0,
		})
	}
	return ready, nil
}

func (p *pollSet) Close() error {
	p.interest = make(map[int]int16)
	p.order = nil
	return nil
}
