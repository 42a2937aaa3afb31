// Package client is the participant-side library for a space: it dials or
// attaches a transport, performs the token handshake, and exposes the
// connection as a welcome snapshot, an inbound envelope channel, a stream
// frame channel, and typed send helpers with request/response correlation.
//
// The client never interprets capability rules; the gateway is the
// authority and reflects violations as system/error envelopes.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mewproto/mew/internal/envelope"
	"github.com/mewproto/mew/internal/transport"
)

// ErrClosed reports that the client was shut down by Close rather than by
// a transport failure.
var ErrClosed = errors.New("client closed")

// Options configures a connection.
type Options struct {
	// Participant and Token authenticate the handshake.
	Participant string
	Token       string
	// Codec selects the wire framing for Dial. Defaults to the JSON
	// codec; Attach keeps whatever the connection already uses.
	Codec transport.Codec
	// Buffer sizes the inbound envelope and frame channels (default 64).
	Buffer int
	Log    *logrus.Entry
}

func (o Options) buffer() int {
	if o.Buffer > 0 {
		return o.Buffer
	}
	return 64
}

func (o Options) logger() *logrus.Entry {
	if o.Log != nil {
		return o.Log.WithField("participant", o.Participant)
	}
	return logrus.NewEntry(logrus.StandardLogger()).WithField("participant", o.Participant)
}

// Client is one authenticated participant connection.
type Client struct {
	conn *transport.Conn
	id   string
	log  *logrus.Entry

	welcome Welcome

	envelopes chan *Envelope
	frames    chan StreamFrame

	mu      sync.Mutex
	pending map[string]chan *Envelope
	err     error

	done chan struct{}
	once sync.Once
}

// Dial connects to a gateway over TCP and performs the handshake.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	codec := opts.Codec
	if codec == "" {
		codec = transport.CodecJSON
	}
	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway: %w", err)
	}
	conn, err := transport.Socket(netConn, codec)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	return Attach(conn, opts)
}

// Stdio attaches over the process's own stdin/stdout, as spawned
// pipe-transport participants run. Identity and token default from the
// MEW_PARTICIPANT and MEW_TOKEN environment the gateway set.
func Stdio(opts Options) (*Client, error) {
	if opts.Participant == "" {
		opts.Participant = os.Getenv("MEW_PARTICIPANT")
	}
	if opts.Token == "" {
		opts.Token = os.Getenv("MEW_TOKEN")
	}
	conn, err := transport.Pipe("stdio", os.Stdin, os.Stdout, transport.CodecJSON)
	if err != nil {
		return nil, err
	}
	return Attach(conn, opts)
}

// Attach performs the handshake over an existing connection and starts the
// read loop. On a refusal the returned error is the gateway's Problem.
func Attach(conn *transport.Conn, opts Options) (*Client, error) {
	if err := conn.WriteFrame(transport.HelloFrame(opts.Participant, opts.Token)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send handshake: %w", err)
	}
	f, err := conn.ReadFrame()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("connection closed during handshake: %w", err)
	}
	if f.Type != transport.FrameEnvelope || f.Envelope == nil {
		conn.Close()
		return nil, fmt.Errorf("unexpected frame during handshake")
	}
	switch f.Envelope.Kind {
	case envelope.KindSystemWelcome:
	case envelope.KindSystemError:
		var prob Problem
		if err := f.Envelope.UnmarshalPayload(&prob); err == nil {
			conn.Close()
			return nil, &prob
		}
		conn.Close()
		return nil, fmt.Errorf("connection refused")
	default:
		conn.Close()
		return nil, fmt.Errorf("expected a welcome, got %s", f.Envelope.Kind)
	}

	c := &Client{
		conn:      conn,
		id:        opts.Participant,
		log:       opts.logger(),
		envelopes: make(chan *Envelope, opts.buffer()),
		frames:    make(chan StreamFrame, opts.buffer()),
		pending:   make(map[string]chan *Envelope),
		done:      make(chan struct{}),
	}
	if err := f.Envelope.UnmarshalPayload(&c.welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("malformed welcome: %w", err)
	}
	go c.readLoop()
	return c, nil
}

// ID returns the authenticated participant id.
func (c *Client) ID() string {
	return c.id
}

// Welcome returns the connection snapshot received during the handshake.
func (c *Client) Welcome() Welcome {
	return c.welcome
}

// Envelopes is the inbound envelope stream. Envelopes that resolve a
// pending Call are consumed by the caller instead and never appear here.
// The reader blocks when the channel is full, so consumers must drain it.
// Closed when the connection ends.
func (c *Client) Envelopes() <-chan *Envelope {
	return c.envelopes
}

// Frames is the inbound stream-frame channel. Closed when the connection
// ends.
func (c *Client) Frames() <-chan StreamFrame {
	return c.frames
}

// Done is closed when the connection ends for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended: ErrClosed after Close, the
// transport error otherwise, nil while the client is live.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	return nil
}

func (c *Client) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.conn.Close()
		close(c.done)
	})
}

func (c *Client) readLoop() {
	defer close(c.envelopes)
	defer close(c.frames)
	for {
		f, err := c.conn.ReadFrame()
		if err != nil {
			c.fail(err)
			return
		}
		switch f.Type {
		case transport.FrameEnvelope:
			if f.Envelope == nil {
				continue
			}
			if c.resolve(f.Envelope) {
				continue
			}
			select {
			case c.envelopes <- f.Envelope:
			case <-c.done:
				return
			}
		case transport.FrameStream:
			select {
			case c.frames <- StreamFrame{StreamID: f.StreamID, Data: f.Data}:
			case <-c.done:
				return
			}
		}
	}
}

// resolve hands env to a pending Call when its correlation chain names
// one.
func (c *Client) resolve(env *Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cid := range env.CorrelationID {
		if ch, ok := c.pending[cid]; ok {
			delete(c.pending, cid)
			ch <- env
			return true
		}
	}
	return false
}

// Send transmits a pre-built envelope. An empty From is stamped with the
// client's id.
func (c *Client) Send(env *Envelope) error {
	if env.From == "" {
		env.From = c.id
	}
	select {
	case <-c.done:
		return c.Err()
	default:
	}
	if err := c.conn.WriteFrame(transport.EnvelopeFrame(env)); err != nil {
		return fmt.Errorf("failed to send %s: %w", env.Kind, err)
	}
	return nil
}

// Call sends env and waits for the first envelope correlated to it: the
// response, the broadcast it provoked, or the gateway's system/error,
// which comes back as a *Problem error.
func (c *Client) Call(ctx context.Context, env *Envelope) (*Envelope, error) {
	ch := make(chan *Envelope, 1)
	c.mu.Lock()
	c.pending[env.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}()

	if err := c.Send(env); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		if reply.Kind == envelope.KindSystemError {
			var prob Problem
			if err := reply.UnmarshalPayload(&prob); err == nil {
				return nil, &prob
			}
			return nil, fmt.Errorf("%s failed", env.Kind)
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.Err()
	}
}

// build assembles an outbound envelope.
func (c *Client) build(kind string, to []string, payload interface{}) (*Envelope, error) {
	env, err := envelope.New(c.id, kind, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	env.To = to
	return env, nil
}
