package relay

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
)

var errBrokenPipe = errors.New("broken pipe")

// fakeStream is an in-memory Stream. Writes land in out unless writeErr is
// set; backlog simulates output the kernel refused.
type fakeStream struct {
	fd       int
	out      bytes.Buffer
	writeErr error
	backlog  int
	closed   bool
	closes   int
}

func newFakeStream(fd int) *fakeStream {
	return &fakeStream{fd: fd}
}

func (f *fakeStream) Read(_ []byte) (int, error) {
	return 0, io.EOF
}

func (f *fakeStream) Write(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return f.out.Write(p)
}

func (f *fakeStream) Close() error {
	f.closes++
	f.closed = true
	return nil
}

func (f *fakeStream) Fd() int {
	return f.fd
}

func (f *fakeStream) Flush() error {
	f.backlog = 0
	return nil
}

func (f *fakeStream) Buffered() int {
	return f.backlog
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
