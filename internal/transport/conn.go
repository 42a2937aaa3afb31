package transport

import (
	"io"
	"net"
	"sync"
)

// Conn is one participant connection: an inbound frame source and an
// outbound frame sink over any byte transport. A single goroutine reads;
// writes may come from several and are serialized internally.
type Conn struct {
	name string

	r Reader

	wmu sync.Mutex
	w   Writer

	closeOnce sync.Once
	closeErr  error
	closers   []io.Closer
}

// Socket wraps a full-duplex network connection.
func Socket(c net.Conn, codec Codec) (*Conn, error) {
	return newConn(c.RemoteAddr().String(), c, c, codec, c)
}

// Pipe wraps a half-duplex inbound/outbound stream pair, as used for
// locally spawned subprocesses attached over stdio.
func Pipe(name string, in io.Reader, out io.Writer, codec Codec) (*Conn, error) {
	var closers []io.Closer
	if c, ok := in.(io.Closer); ok {
		closers = append(closers, c)
	}
	if c, ok := out.(io.Closer); ok && any(out) != any(in) {
		closers = append(closers, c)
	}
	return newConn(name, in, out, codec, closers...)
}

// Loopback returns two connected in-process connections framed with codec:
// the gateway side and the client side. Used by embedded spaces and tests.
func Loopback(codec Codec) (gateway, client *Conn, err error) {
	g, c := net.Pipe()
	gateway, err = newConn("loopback", g, g, codec, g)
	if err != nil {
		g.Close()
		c.Close()
		return nil, nil, err
	}
	client, err = newConn("loopback", c, c, codec, c)
	if err != nil {
		g.Close()
		c.Close()
		return nil, nil, err
	}
	return gateway, client, nil
}

func newConn(name string, in io.Reader, out io.Writer, codec Codec, closers ...io.Closer) (*Conn, error) {
	r, err := NewReader(in, codec)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(out, codec)
	if err != nil {
		return nil, err
	}
	return &Conn{name: name, r: r, w: w, closers: closers}, nil
}

// Name identifies the connection in logs.
func (c *Conn) Name() string {
	return c.name
}

// ReadFrame returns the next inbound frame.
func (c *Conn) ReadFrame() (*Frame, error) {
	return c.r.ReadFrame()
}

// WriteFrame sends one frame. Safe for concurrent use.
func (c *Conn) WriteFrame(f *Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.w.WriteFrame(f)
}

// Close tears the underlying transport down, unblocking any pending read.
// Idempotent.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		for _, cl := range c.closers {
			if err := cl.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}
