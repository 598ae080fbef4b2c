// Package transporttest provides in-memory Dialer and Conn doubles for
// tests of socket-driven components.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/huddle/internal/protocol"
	"github.com/haasonsaas/huddle/internal/transport"
)

// DeliverTimeout bounds how long Deliver waits for a frame to be handled.
var DeliverTimeout = 5 * time.Second

// Dialer is a transport.Dialer that hands out Conns and records every dial.
type Dialer struct {
	mu    sync.Mutex
	conns []*Conn
	dials map[transport.Key]int
	fail  map[transport.Kind]error
	gates map[transport.Kind]chan struct{}
}

// NewDialer creates a Dialer.
func NewDialer() *Dialer {
	return &Dialer{
		dials: make(map[transport.Key]int),
		fail:  make(map[transport.Kind]error),
		gates: make(map[transport.Kind]chan struct{}),
	}
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, key transport.Key) (transport.Conn, error) {
	d.mu.Lock()
	d.dials[key]++
	gate := d.gates[key.Kind]
	err := d.fail[key.Kind]
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	conn := NewConn(key)
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

// FailWith makes dials for kind fail with err until cleared with nil.
func (d *Dialer) FailWith(kind transport.Kind, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.fail, kind)
		return
	}
	d.fail[kind] = err
}

// Hold blocks dials for kind until the returned release func is called.
func (d *Dialer) Hold(kind transport.Kind) (release func()) {
	gate := make(chan struct{})
	d.mu.Lock()
	d.gates[kind] = gate
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if d.gates[kind] == gate {
				delete(d.gates, kind)
			}
			d.mu.Unlock()
			close(gate)
		})
	}
}

// DialCount returns how many times key was dialed.
func (d *Dialer) DialCount(key transport.Key) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[key]
}

// Conns returns every successfully dialed Conn of kind, oldest first.
func (d *Dialer) Conns(kind transport.Kind) []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*Conn
	for _, c := range d.conns {
		if c.Key.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// Last returns the most recent Conn of kind, or nil.
func (d *Dialer) Last(kind transport.Kind) *Conn {
	conns := d.Conns(kind)
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// OpenCount returns how many Conns of kind are not closed.
func (d *Dialer) OpenCount(kind transport.Kind) int {
	count := 0
	for _, c := range d.Conns(kind) {
		if !c.Closed() {
			count++
		}
	}
	return count
}

// Conn is an in-memory transport.Conn. Frames written by the client are
// recorded; frames from the "server" are injected with Deliver.
type Conn struct {
	Key transport.Key

	mu        sync.Mutex
	cond      *sync.Cond
	queue     [][]byte
	reads     int
	taken     int
	closed    bool
	closeErr  error
	writes    [][]byte
	failWrite error
}

// NewConn creates a Conn for key.
func NewConn(key transport.Key) *Conn {
	c := &Conn{Key: key}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// ReadFrame implements transport.Conn.
func (c *Conn) ReadFrame() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	c.cond.Broadcast()
	for len(c.queue) == 0 && !c.closed {
		c.cond.Wait()
	}
	if c.closed {
		return nil, c.closeErr
	}
	frame := c.queue[0]
	c.queue = c.queue[1:]
	c.taken++
	return frame, nil
}

// WriteFrame implements transport.Conn.
func (c *Conn) WriteFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if c.failWrite != nil {
		return c.failWrite
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.closeWith(transport.ErrClosed)
	return nil
}

// CloseRemote simulates the server dropping the connection with err.
func (c *Conn) CloseRemote(err error) {
	if err == nil {
		err = errors.New("connection reset by peer")
	}
	c.closeWith(err)
}

func (c *Conn) closeWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeErr = err
	c.cond.Broadcast()
}

// FailWrites makes subsequent writes return err.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWrite = err
}

// Closed reports whether the Conn has been closed by either side.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Deliver injects a server frame and waits until the read loop has handled
// it. v may be []byte, string or any JSON-encodable value. Frames delivered
// to a closed Conn are discarded.
func (c *Conn) Deliver(v any) error {
	var data []byte
	switch typed := v.(type) {
	case []byte:
		data = typed
	case string:
		data = []byte(typed)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		data = encoded
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.queue = append(c.queue, data)
	target := c.taken + len(c.queue)
	c.cond.Broadcast()

	timedOut := false
	timer := time.AfterFunc(DeliverTimeout, func() {
		c.mu.Lock()
		timedOut = true
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer timer.Stop()

	// Handled once the loop has taken the frame and asked for the next one.
	for !c.closed && !(c.taken >= target && c.reads > target) {
		if timedOut {
			return fmt.Errorf("frame not handled within %v", DeliverTimeout)
		}
		c.cond.Wait()
	}
	return nil
}

// Writes returns a copy of every frame written so far.
func (c *Conn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// Types returns the type (or action) of every frame written so far.
func (c *Conn) Types() []string {
	writes := c.Writes()
	types := make([]string, 0, len(writes))
	for _, w := range writes {
		header, err := protocol.DecodeHeader(w)
		if err != nil {
			types = append(types, "invalid")
			continue
		}
		types = append(types, header.Kind())
	}
	return types
}

// WritesOfType decodes every written frame of kind into a generic map.
func (c *Conn) WritesOfType(kind string) []map[string]any {
	var out []map[string]any
	for _, w := range c.Writes() {
		header, err := protocol.DecodeHeader(w)
		if err != nil || header.Kind() != kind {
			continue
		}
		var frame map[string]any
		if err := json.Unmarshal(w, &frame); err == nil {
			out = append(out, frame)
		}
	}
	return out
}

// Count returns how many frames of kind were written.
func (c *Conn) Count(kind string) int {
	return len(c.WritesOfType(kind))
}

// Reset forgets recorded writes.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = nil
}
