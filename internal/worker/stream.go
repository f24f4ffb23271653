package worker

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/mcerruti/jobwatchd/internal/wire"
)

// streamConn speaks newline-delimited JSON over a byte stream pair, one
// request object per line out, one frame object per line in. A single pump
// goroutine owns the read side; the frames channel closes when the stream
// ends for any reason, which the dispatcher treats as worker death.
type streamConn struct {
	mu     sync.Mutex
	w      io.WriteCloser
	frames chan wire.Frame
	closed bool

	// closeHook runs once after the write side is closed; process-backed
	// connections use it to reap the child.
	closeHook func() error
}

func newStreamConn(r io.Reader, w io.WriteCloser) *streamConn {
	c := &streamConn{
		w:      w,
		frames: make(chan wire.Frame, 256),
	}
	go c.pump(r)
	return c
}

func (c *streamConn) pump(r io.Reader) {
	defer close(c.frames)
	dec := json.NewDecoder(r)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return
		}
		frame, err := wire.ParseFrame(raw)
		if err != nil {
			// A malformed line is the worker's bug, not a transport loss.
			// Skip it; the correlated request will settle by timeout.
			continue
		}
		c.frames <- frame
	}
}

func (c *streamConn) Send(req wire.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	b = append(b, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	if _, err := c.w.Write(b); err != nil {
		return fmt.Errorf("write request: %w", err)
	}
	return nil
}

func (c *streamConn) Frames() <-chan wire.Frame { return c.frames }

func (c *streamConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	w := c.w
	hook := c.closeHook
	c.mu.Unlock()

	err := w.Close()
	if hook != nil {
		if herr := hook(); err == nil {
			err = herr
		}
	}
	return err
}
