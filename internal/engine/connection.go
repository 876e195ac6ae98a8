package engine

import (
	"github.com/pkg/errors"

	"github.com/corewire/framewire/frame"
	"github.com/corewire/framewire/handshake"
	"github.com/corewire/framewire/jsonc"
)

// emitKind tags which host-visible event a connection method wants emitted.
type emitKind int

const (
	emitConnection emitKind = iota
	emitMessage
	emitBackpressure
	emitDrain
	emitError
)

type emission struct {
	kind emitKind
	data []byte
	err  error
}

// Config bundles the per-connection policy that comes from the server's
// options and is the same for every connection the engine owns.
type Config struct {
	FramingEnabled       bool
	MaxFrameLength       int
	MaxBackpressureBytes int
	ProtocolVersion      string
}

// VerifyFunc parses and validates a handshake frame. It is injected so
// Connection stays independent of the handshake package's error types in
// tests that don't care about attestation.
type VerifyFunc func(root *jsonc.Value, requiredVersion string) (*handshake.Metadata, error)

// Connection is the per-peer state owned exclusively by the Loop goroutine.
// Nothing outside this package's Loop ever mutates a Connection directly.
type Connection struct {
	ID              string
	RemoteAddress   string
	RemotePort      uint16
	RemotePortKnown bool

	cfg Config

	rxBuf    []byte
	rxOffset int

	sendQueue     [][]byte
	queuedBytes   int
	writing       bool
	backpressured bool
	closing       bool

	handshakeRequired   bool
	handshakeComplete   bool
	connectionAnnounced bool
	handshakeMeta       *handshake.Metadata
}

// NewConnection initializes connection state at socket adoption time.
func NewConnection(id, remoteAddr string, remotePort uint16, remotePortKnown bool, cfg Config) *Connection {
	c := &Connection{
		ID:              id,
		RemoteAddress:   remoteAddr,
		RemotePort:      remotePort,
		RemotePortKnown: remotePortKnown,
		cfg:             cfg,
	}
	c.handshakeRequired = cfg.ProtocolVersion != ""
	return c
}

// OnAdopted returns the emissions that follow adoption: a connection event
// immediately, unless a handshake is still required.
func (c *Connection) OnAdopted() []emission {
	if !c.handshakeRequired {
		c.handshakeComplete = true
		c.connectionAnnounced = true
		return []emission{{kind: emitConnection}}
	}
	return nil
}

// OnRx feeds newly-received bytes through frame reassembly, the handshake
// gate, and message delivery. fatal reports a protocol violation that must
// tear the connection down after its error emission is delivered.
func (c *Connection) OnRx(data []byte, verify VerifyFunc) (emissions []emission, fatal bool) {
	if !c.cfg.FramingEnabled {
		return []emission{{kind: emitMessage, data: data}}, false
	}

	c.rxBuf = append(c.rxBuf, data...)

	maxLen := c.cfg.MaxFrameLength
	if maxLen <= 0 {
		maxLen = frame.DefaultMaxLength
	}

	frames, newOffset, err := frame.DecodeStream(c.rxBuf, c.rxOffset, maxLen)
	c.rxOffset = newOffset
	if err != nil {
		return []emission{{kind: emitError, err: err}}, true
	}

	for _, f := range frames {
		if c.handshakeRequired && !c.handshakeComplete {
			root, perr := jsonc.Parse(f)
			if perr != nil {
				return append(emissions, emission{kind: emitError, err: errors.Wrap(perr, "bad_json")}), true
			}

			meta, verr := verify(root, c.cfg.ProtocolVersion)
			if verr != nil {
				return append(emissions, emission{kind: emitError, err: errors.Wrap(verr, "bad_handshake")}), true
			}

			c.handshakeMeta = meta
			c.handshakeComplete = true
			c.connectionAnnounced = true
			emissions = append(emissions, emission{kind: emitConnection})
			continue
		}

		emissions = append(emissions, emission{kind: emitMessage, data: f})
	}

	if frame.ShouldCompact(len(c.rxBuf), c.rxOffset) {
		c.rxBuf = frame.Compact(c.rxBuf, c.rxOffset)
		c.rxOffset = 0
	}

	return emissions, false
}

// Enqueue appends a framed blob to the send queue, latching backpressure
// the moment the queue first reaches the configured threshold.
func (c *Connection) Enqueue(framed []byte) []emission {
	c.sendQueue = append(c.sendQueue, framed)
	c.queuedBytes += len(framed)

	threshold := c.cfg.MaxBackpressureBytes
	if threshold <= 0 {
		threshold = 5 * 1024 * 1024
	}

	if !c.backpressured && c.queuedBytes >= threshold {
		c.backpressured = true
		return []emission{{kind: emitBackpressure}}
	}
	return nil
}

// PopForWrite removes and returns the next queued blob if the connection
// isn't already mid-write, isn't closing, and has something queued.
// queuedBytes is decremented here, matching the invariant that it always
// equals the sum over what remains in send_queue.
func (c *Connection) PopForWrite() ([]byte, bool) {
	if c.writing || c.closing || len(c.sendQueue) == 0 {
		return nil, false
	}
	blob := c.sendQueue[0]
	c.sendQueue = c.sendQueue[1:]
	c.queuedBytes -= len(blob)
	c.writing = true
	return blob, true
}

// WriteDone reports the outcome of the write the last PopForWrite started.
// shouldClose signals a write_failed condition; the caller closes silently.
func (c *Connection) WriteDone(err error) (emissions []emission, shouldClose bool) {
	c.writing = false
	if err != nil {
		return nil, true
	}

	if len(c.sendQueue) == 0 && c.backpressured {
		c.backpressured = false
		return []emission{{kind: emitDrain}}, false
	}
	return nil, false
}

// MarkClosing latches the closing flag; the next write attempt or teardown
// pass on this connection honors it.
func (c *Connection) MarkClosing() {
	c.closing = true
}

// QueuedBytes exposes the current backlog, chiefly for tests asserting the
// queued_bytes invariant.
func (c *Connection) QueuedBytes() int {
	return c.queuedBytes
}

// OnClose returns the emissions, if any, that precede connection teardown.
// Per spec, close itself carries no connection-level emission beyond the
// clientClosed event the loop dispatches separately.
func (c *Connection) OnClose() []emission {
	return nil
}

// HandshakeMetadata returns the parsed handshake metadata, if any.
func (c *Connection) HandshakeMetadata() *handshake.Metadata {
	return c.handshakeMeta
}
