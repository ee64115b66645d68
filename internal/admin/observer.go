// Package admin manages individual diagnostics observers, handling read/write
// pumps and lifecycle control for each WebSocket connection.
package admin

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxControlSize = 512
)

// Observer is a WebSocket client watching the diagnostics feed. Observers
// only receive; anything they send is discarded.
type Observer struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	addr   string
	closed bool
}

// NewObserver creates an Observer for conn. The send channel is buffered so
// bursts of log lines do not immediately drop the observer.
func NewObserver(conn *websocket.Conn, hub *Hub, addr string) *Observer {
	if conn != nil {
		conn.SetReadLimit(maxControlSize)
	}
	return &Observer{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  hub,
		addr: addr,
	}
}

// GetSendChan returns the observer's send channel for reading outgoing lines.
func (o *Observer) GetSendChan() <-chan []byte {
	return o.send
}

func (o *Observer) setupReadConnection() {
	if err := o.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		slog.Debug("error setting initial read deadline", "remote", o.addr, "error", err)
	}
	o.conn.SetPongHandler(func(string) error {
		return o.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// handleReadError logs the read error at a level matching how expected it
// is. Every read error ends the read loop.
func (o *Observer) handleReadError(err error) {
	switch {
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		slog.Debug("diagnostics observer disconnected", "remote", o.addr, "error", err)
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		slog.Debug("diagnostics observer connection closed", "remote", o.addr, "error", err)
	case errors.Is(err, websocket.ErrReadLimit):
		slog.Warn("diagnostics observer sent an oversized frame", "remote", o.addr, "limit", maxControlSize)
	default:
		slog.Warn("diagnostics observer read error", "remote", o.addr, "error", err)
	}
}

func (o *Observer) readPump() {
	defer func() {
		select {
		case o.hub.unregister <- o:
		case <-o.hub.ctx.Done():
		}
		o.closeConnection()
	}()

	o.setupReadConnection()

	for {
		if _, _, err := o.conn.ReadMessage(); err != nil {
			o.handleReadError(err)
			return
		}
	}
}

func (o *Observer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		o.closeConnection()
	}()

	for o.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when
// the pump should stop.
func (o *Observer) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case line, ok := <-o.send:
		return o.handleLine(line, ok)
	case <-ticker.C:
		return o.handlePing()
	case <-o.hub.ctx.Done():
		return false
	}
}

func (o *Observer) closeConnection() {
	if err := o.conn.Close(); err != nil && !isExpectedCloseError(err) {
		slog.Debug("error closing diagnostics observer", "remote", o.addr, "error", err)
	}
}

func (o *Observer) handleLine(line []byte, ok bool) bool {
	if err := o.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}

	if !ok {
		_ = o.conn.WriteMessage(websocket.CloseMessage, []byte{})
		return false
	}

	return o.writeTextMessage(line)
}

// writeTextMessage writes line and any lines already queued behind it as a
// single frame. Lines carry their own trailing newline.
func (o *Observer) writeTextMessage(line []byte) bool {
	w, err := o.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return false
	}

	if _, err := w.Write(line); err != nil {
		return false
	}

	n := len(o.send)
	for i := 0; i < n; i++ {
		queued, ok := <-o.send
		if !ok {
			break
		}
		if _, err := w.Write(queued); err != nil {
			return false
		}
	}

	return w.Close() == nil
}

func (o *Observer) handlePing() bool {
	if err := o.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	return o.conn.WriteMessage(websocket.PingMessage, nil) == nil
}
