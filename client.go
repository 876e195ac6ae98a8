package framewire

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/corewire/framewire/frame"
	"github.com/corewire/framewire/handshake"
	"github.com/corewire/framewire/internal/engine"
	"github.com/corewire/framewire/jsonc"
)

// Client dials a single framewire server connection and exchanges framed
// messages with it, optionally gated by a handshake.
type Client struct {
	opts clientOptions

	conn net.Conn

	mu          sync.Mutex
	rxBuf       []byte
	rxOffset    int
	incoming    chan []byte
	readErrOnce sync.Once
	readErr     error
	closed      chan struct{}
}

// Connect dials addr and, if a handshake version is configured, sends the
// handshake frame before returning.
func Connect(ctx context.Context, addr string, opts ...ClientOption) (*Client, error) {
	o := defaultClientOptions()
	for _, apply := range opts {
		apply(&o)
	}
	if err := o.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid client options")
	}

	dialer := &net.Dialer{Timeout: o.dialTimeout}

	var conn net.Conn
	var err error
	if o.tlsConfig != nil {
		cfg := o.tlsConfig.Clone()
		cfg.InsecureSkipVerify = !o.rejectUnauthorized
		if o.serverName != "" {
			cfg.ServerName = o.serverName
		}
		if len(o.alpn) > 0 {
			cfg.NextProtos = o.alpn
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, cfg)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, errors.Wrap(err, "dial")
	}
	engine.TuneTCPConn(conn)

	c := &Client{
		opts:     o,
		conn:     conn,
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}

	go c.readLoop()

	if o.protocolVersion != "" {
		if err := c.sendHandshake(); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "handshake")
		}
	}

	return c, nil
}

func (c *Client) sendHandshake() error {
	fields := []jsonc.Field{
		{Key: "type", Value: jsonc.String("handshake")},
		{Key: "version", Value: jsonc.String(c.opts.protocolVersion)},
	}

	if len(c.opts.handshakeTags) > 0 {
		tagFields := make([]jsonc.Field, 0, len(c.opts.handshakeTags))
		for k, v := range c.opts.handshakeTags {
			switch tv := v.(type) {
			case string:
				tagFields = append(tagFields, jsonc.Field{Key: k, Value: jsonc.String(tv)})
			case float64:
				tagFields = append(tagFields, jsonc.Field{Key: k, Value: jsonc.Number(tv)})
			}
		}
		fields = append(fields, jsonc.Field{Key: "tags", Value: jsonc.Object(tagFields...)})
	}

	if c.opts.signingKey != nil {
		pub := c.opts.signingKey.Public().(ed25519.PublicKey)
		n := handshake.NIndex(pub)
		negHash := handshake.NegHash(pub, n)

		fields = append(fields,
			jsonc.Field{Key: "publicKey", Value: jsonc.String(base64.StdEncoding.EncodeToString(pub))},
			jsonc.Field{Key: "negHash", Value: jsonc.String(negHash)},
			jsonc.Field{Key: "nIndex", Value: jsonc.Number(n)},
		)
	}

	payload := jsonc.Canonicalize(jsonc.Object(fields...))

	if c.opts.signingKey != nil {
		sig := ed25519.Sign(c.opts.signingKey, payload)
		// Canonicalize always omits a root-level "signature" member, so the
		// signature is spliced into the serialized object just before its
		// closing brace.
		payload = append(payload[:len(payload)-1],
			fmt.Sprintf(`,"signature":%q}`, base64.StdEncoding.EncodeToString(sig))...)
	}

	return c.writeRaw(payload)
}

func (c *Client) writeRaw(payload []byte) error {
	framed := payload
	if c.opts.framingEnabled {
		framed = frame.Encode(payload)
	}
	_, err := c.conn.Write(framed)
	return errors.Wrap(err, "write")
}

// Send writes payload without blocking on acknowledgment; it returns once
// the underlying TCP write syscall completes.
func (c *Client) Send(payload []byte) error {
	return c.writeRaw(payload)
}

// SendBlocking writes payload, honoring ctx cancellation while the write
// is in flight. net.Conn.Write has no native context support, so the write
// runs on its own goroutine and this blocks on whichever finishes first:
// the write completing or ctx being canceled. A canceled write still runs
// to completion in the background; the connection is left as whatever
// state the write leaves it in, same as the teacher's WriteBlocking.
func (c *Client) SendBlocking(ctx context.Context, payload []byte) error {
	done := make(chan error, 1)
	go func() {
		done <- c.writeRaw(payload)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendTimeout writes payload, returning an error if the write does not
// complete within d.
func (c *Client) SendTimeout(payload []byte, d time.Duration) error {
	c.conn.SetWriteDeadline(time.Now().Add(d))
	defer c.conn.SetWriteDeadline(time.Time{})
	return c.writeRaw(payload)
}

// Recv blocks until the next message frame arrives, ctx is canceled, or
// the connection closes.
func (c *Client) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.incoming:
		if !ok {
			return nil, c.currentReadErr()
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) currentReadErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return errors.New("connection closed")
}

func (c *Client) readLoop() {
	defer close(c.incoming)

	buf := make([]byte, 64*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			if c.opts.framingEnabled {
				c.mu.Lock()
				c.rxBuf = append(c.rxBuf, buf[:n]...)
				maxLen := c.opts.maxFrameLength
				if maxLen <= 0 {
					maxLen = frame.DefaultMaxLength
				}
				frames, newOffset, decodeErr := frame.DecodeStream(c.rxBuf, c.rxOffset, maxLen)
				c.rxOffset = newOffset
				if frame.ShouldCompact(len(c.rxBuf), c.rxOffset) {
					c.rxBuf = frame.Compact(c.rxBuf, c.rxOffset)
					c.rxOffset = 0
				}
				c.mu.Unlock()

				if decodeErr != nil {
					c.setReadErr(decodeErr)
					return
				}
				for _, f := range frames {
					c.incoming <- f
				}
			} else {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				c.incoming <- chunk
			}
		}
		if err != nil {
			c.setReadErr(err)
			return
		}
	}
}

func (c *Client) setReadErr(err error) {
	c.readErrOnce.Do(func() {
		c.mu.Lock()
		c.readErr = err
		c.mu.Unlock()
		close(c.closed)
	})
}

// Done returns a channel that closes once the underlying connection has
// closed or errored.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// RemoteAddr returns the server address this client connected to.
func (c *Client) RemoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return fmt.Sprint(c.conn.RemoteAddr())
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
