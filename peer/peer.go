// Package peer implements the direct client-to-client connection: a HELLO
// handshake followed by chat text and single-frame file transfers.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"chtbx/protocol"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnexpectedMessage  = errors.New("peer: unexpected message")
	ErrSizeMismatch       = errors.New("peer: file size does not match offer")
	ErrTransferInProgress = errors.New("peer: transfer already in progress")
	ErrTransferTooLarge   = errors.New("peer: transfer exceeds size limit")
	ErrNoTransfer         = errors.New("peer: no transfer in that state")
)

type Option func(*options)

type options struct {
	log         zerolog.Logger
	maxTransfer int64
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMaxTransferSize bounds both offers and received FILE_SEND chunks.
func WithMaxTransferSize(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxTransfer = n
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{log: zerolog.Nop(), maxTransfer: protocol.DefaultMaxChunk}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Conn is an established peer connection. Send and the file operations may
// be called while another goroutine runs Recv or Serve.
type Conn struct {
	conn   net.Conn
	dec    *protocol.Decoder
	enc    *protocol.Encoder
	log    zerolog.Logger
	local  string
	remote string

	maxTransfer int64

	mu       sync.Mutex
	outgoing *Transfer
	incoming *Transfer
}

func newConn(conn net.Conn, username string, o options) *Conn {
	return &Conn{
		conn:        conn,
		dec:         protocol.NewDecoder(conn, protocol.Limits{MaxChunk: o.maxTransfer}),
		enc:         protocol.NewEncoder(conn),
		log:         o.log.With().Str("remote", conn.RemoteAddr().String()).Logger(),
		local:       username,
		maxTransfer: o.maxTransfer,
	}
}

// Dial connects to a friend's announced address and performs the handshake:
// our HELLO goes first, then the remote's is read.
func Dial(ctx context.Context, addr, username string, opts ...Option) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	c := newConn(conn, username, buildOptions(opts))
	if err := c.handshake(ctx, true); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Accept runs the answering side of the handshake on conn: the remote HELLO
// must come first, then ours is sent back. conn is closed on failure.
func Accept(conn net.Conn, username string, opts ...Option) (*Conn, error) {
	c := newConn(conn, username, buildOptions(opts))
	if err := c.handshake(context.Background(), false); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) handshake(ctx context.Context, initiate bool) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}

	if initiate {
		if err := c.enc.EncodeMessage(protocol.HelloMessage{Username: c.local}); err != nil {
			return fmt.Errorf("send hello: %w", err)
		}
	}

	msg, err := c.dec.DecodeMessage()
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	hello, ok := msg.(protocol.HelloMessage)
	if !ok {
		return fmt.Errorf("%w: %s before hello", ErrUnexpectedMessage, msg.Type())
	}
	c.remote = hello.Username
	c.log = c.log.With().Str("peer", hello.Username).Logger()

	if !initiate {
		if err := c.enc.EncodeMessage(protocol.HelloMessage{Username: c.local}); err != nil {
			return fmt.Errorf("send hello: %w", err)
		}
	}
	c.log.Debug().Msg("peer handshake complete")
	return nil
}

// Peer is the username the remote side gave in its HELLO.
func (c *Conn) Peer() string {
	return c.remote
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) Send(text string) error {
	return c.enc.EncodeMessage(protocol.SendMessageMessage{Content: text})
}

// Recv reads the next message and applies it to the transfer state. A
// message the state does not allow is returned as an error along with nil.
// A closed connection at a frame boundary is io.EOF.
func (c *Conn) Recv() (protocol.Message, error) {
	msg, err := c.dec.DecodeMessage()
	if err != nil {
		return nil, err
	}
	if err := c.observe(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Serve calls handler for every received message until the connection
// ends, ctx is done, or handler fails. It closes the connection on return
// and reports nil for a clean close or cancellation.
func (c *Conn) Serve(ctx context.Context, handler func(protocol.Message) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return c.conn.Close()
	})
	g.Go(func() error {
		defer cancel()
		for {
			msg, err := c.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) || ctx.Err() != nil {
					return nil
				}
				return err
			}
			if err := handler(msg); err != nil {
				return err
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	if err != nil {
		c.log.Debug().Err(err).Msg("peer connection ended")
	}
	return err
}

// Listener accepts peer connections on the port a client announces at login.
type Listener struct {
	ln       net.Listener
	username string
	opts     []Option
}

func Listen(addr, username string, opts ...Option) (*Listener, error) {
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, username: username, opts: opts}, nil
}

// Accept waits for the next connection and completes its handshake.
func (l *Listener) Accept() (*Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return Accept(conn, l.username, l.opts...)
}

// Port is the value to pass as the login port.
func (l *Listener) Port() uint16 {
	return uint16(l.ln.Addr().(*net.TCPAddr).Port)
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) Close() error {
	return l.ln.Close()
}
