// Package admin coordinates observer registration, diagnostics fan-out, and
// connection cleanup for the diagnostics feed via the Hub type.
package admin

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Hub fans diagnostic lines out to every connected observer. It implements
// io.Writer so it can be attached to the logger; Write never blocks.
type Hub struct {
	observers  map[*Observer]bool
	lines      chan []byte
	register   chan *Observer
	unregister chan *Observer
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates and initializes a new Hub instance. Run must be started
// before observers can register.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		observers:  make(map[*Observer]bool),
		lines:      make(chan []byte, 256),
		register:   make(chan *Observer),
		unregister: make(chan *Observer),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Write queues one diagnostic line for delivery. Lines are dropped when the
// hub is not keeping up, so a slow observer can never stall the caller.
func (h *Hub) Write(p []byte) (int, error) {
	line := append([]byte(nil), p...)
	select {
	case h.lines <- line:
	default:
	}
	return len(p), nil
}

// ObserverCount returns the number of registered observers.
func (h *Hub) ObserverCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.observers)
}

func (h *Hub) safeSend(observer *Observer, line []byte) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	_, exists := h.observers[observer]
	if !exists || observer.closed {
		return false
	}

	select {
	case observer.send <- line:
		return true
	default:
		return false
	}
}

// Run starts the hub's main event loop, handling observer registration,
// unregistration, and line fan-out. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownObservers()
			return

		case observer := <-h.register:
			if observer == nil {
				continue
			}

			h.mutex.Lock()
			h.observers[observer] = true
			count := len(h.observers)
			h.mutex.Unlock()
			slog.Info("diagnostics observer registered", "remote", observer.addr, "observers", count)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				observer.writePump()
			}()
			go func() {
				defer h.wg.Done()
				observer.readPump()
			}()

		case observer := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.observers[observer]; ok {
				delete(h.observers, observer)
				observer.closed = true
				count := len(h.observers)
				h.mutex.Unlock()
				close(observer.send)
				slog.Info("diagnostics observer unregistered", "remote", observer.addr, "observers", count)
			} else {
				h.mutex.Unlock()
			}

		case line := <-h.lines:
			h.handleLine(line)
		}
	}
}

// handleLine sends a line to every observer and drops observers whose
// queue is full.
func (h *Hub) handleLine(line []byte) {
	var failed []*Observer
	for _, observer := range h.getObserverSnapshot() {
		if !h.safeSend(observer, line) {
			failed = append(failed, observer)
		}
	}
	h.removeFailedObservers(failed)
}

func (h *Hub) getObserverSnapshot() []*Observer {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	observers := make([]*Observer, 0, len(h.observers))
	for observer := range h.observers {
		observers = append(observers, observer)
	}
	return observers
}

func (h *Hub) removeFailedObservers(failed []*Observer) {
	if len(failed) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, observer := range failed {
		if _, exists := h.observers[observer]; exists {
			delete(h.observers, observer)
			observer.closed = true
			channelsToClose = append(channelsToClose, observer.send)
			slog.Warn("diagnostics observer removed due to full send buffer", "remote", observer.addr)
		}
	}
	h.mutex.Unlock()

	for _, ch := range channelsToClose {
		close(ch)
	}
}

func (h *Hub) shutdownObservers() {
	h.mutex.Lock()
	observers := make([]*Observer, 0, len(h.observers))
	for observer := range h.observers {
		observers = append(observers, observer)
	}
	h.mutex.Unlock()

	for _, observer := range observers {
		if observer.conn != nil {
			if err := observer.conn.Close(); err != nil && !isExpectedCloseError(err) {
				slog.Warn("error closing diagnostics observer", "remote", observer.addr, "error", err)
			}
		}
	}
}

// Shutdown stops the hub and waits for observer goroutines to finish, or
// until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return context.DeadlineExceeded
	}
}
