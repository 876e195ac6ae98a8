package engine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/corewire/framewire/events"
)

type recordingHandler struct {
	events.NopHandler
	connected     chan events.ClientRef
	messages      chan events.MessageEvent
	closed        chan events.ClientClosedEvent
	errs          chan error
	backpressured chan events.BackpressureEvent
	drained       chan events.ClientRef
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		connected:     make(chan events.ClientRef, 16),
		messages:      make(chan events.MessageEvent, 16),
		closed:        make(chan events.ClientClosedEvent, 16),
		errs:          make(chan error, 16),
		backpressured: make(chan events.BackpressureEvent, 16),
		drained:       make(chan events.ClientRef, 16),
	}
}

func (h *recordingHandler) OnConnection(ref events.ClientRef)         { h.connected <- ref }
func (h *recordingHandler) OnMessage(m events.MessageEvent)           { h.messages <- m }
func (h *recordingHandler) OnClientClosed(c events.ClientClosedEvent) { h.closed <- c }
func (h *recordingHandler) OnError(err error)                        { h.errs <- err }
func (h *recordingHandler) OnBackpressure(b events.BackpressureEvent) { h.backpressured <- b }
func (h *recordingHandler) OnDrain(ref events.ClientRef)              { h.drained <- ref }

type quietLogger struct{}

func (quietLogger) Debug(string, ...any) {}
func (quietLogger) Info(string, ...any)  {}
func (quietLogger) Warn(string, ...any)  {}
func (quietLogger) Error(string, ...any) {}

func TestUnframedEchoRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	handler := newRecordingHandler()
	bridge := NewBridge()
	loop := NewLoop(Config{FramingEnabled: false}, quietLogger{}, handler, bridge)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go RunWithAcceptor(ctx, ln, loop)

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var ref events.ClientRef
	select {
	case ref = <-handler.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection event")
	}

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case msg := <-handler.messages:
		if string(msg.Data) != "hello" {
			t.Fatalf("expected hello, got %q", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message event")
	}

	if err := bridge.Send(context.Background(), ref.ID, []byte("world")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, 16)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf[:n]) != "world" {
		t.Fatalf("expected world, got %q", buf[:n])
	}
}

func TestFramedReassemblyAcrossWrites(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	handler := newRecordingHandler()
	bridge := NewBridge()
	loop := NewLoop(Config{FramingEnabled: true, MaxFrameLength: 4096}, quietLogger{}, handler, bridge)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go RunWithAcceptor(ctx, ln, loop)

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	select {
	case <-handler.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection event")
	}

	payload := []byte("split-across-two-writes")
	framed := make([]byte, 4+len(payload))
	framed[0] = 0
	framed[1] = 0
	framed[2] = byte(len(payload) >> 8)
	framed[3] = byte(len(payload))
	copy(framed[4:], payload)

	if _, err := client.Write(framed[:6]); err != nil {
		t.Fatalf("write part 1: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := client.Write(framed[6:]); err != nil {
		t.Fatalf("write part 2: %v", err)
	}

	select {
	case msg := <-handler.messages:
		if string(msg.Data) != string(payload) {
			t.Fatalf("expected %q, got %q", payload, msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reassembled message")
	}
}

func TestOversizeFrameIsFatal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	handler := newRecordingHandler()
	bridge := NewBridge()
	loop := NewLoop(Config{FramingEnabled: true, MaxFrameLength: 8}, quietLogger{}, handler, bridge)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go RunWithAcceptor(ctx, ln, loop)

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	select {
	case <-handler.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection event")
	}

	oversized := make([]byte, 4+64)
	oversized[3] = 64

	if _, err := client.Write(oversized); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-handler.errs:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for protocol error")
	}

	select {
	case c := <-handler.closed:
		if c.HadError {
			t.Fatal("expected HadError to always be false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client_closed after fatal frame error")
	}
}

func TestCloseConnectionTeardown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	handler := newRecordingHandler()
	bridge := NewBridge()
	loop := NewLoop(Config{FramingEnabled: false}, quietLogger{}, handler, bridge)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go RunWithAcceptor(ctx, ln, loop)

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var ref events.ClientRef
	select {
	case ref = <-handler.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection event")
	}

	if err := bridge.CloseConnection(context.Background(), ref.ID); err != nil {
		t.Fatalf("CloseConnection: %v", err)
	}

	select {
	case c := <-handler.closed:
		if c.Client.ID != ref.ID {
			t.Fatalf("expected closed event for %s, got %s", ref.ID, c.Client.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client_closed")
	}

	if _, ok := bridge.Get(ref.ID); ok {
		t.Fatal("expected connection to be removed from bridge snapshot")
	}
}

func TestBackpressureAndDrain(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	handler := newRecordingHandler()
	bridge := NewBridge()
	// The threshold equals one blob, so it latches as soon as the first blob
	// is queued, and the blobs are sized/counted well past typical kernel socket buffer
	// limits so the first write genuinely blocks until the client reads,
	// instead of the OS silently absorbing everything into its buffers.
	const maxBackpressureBytes = 1 << 20
	loop := NewLoop(Config{FramingEnabled: false, MaxBackpressureBytes: maxBackpressureBytes}, quietLogger{}, handler, bridge)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go RunWithAcceptor(ctx, ln, loop)

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var ref events.ClientRef
	select {
	case ref = <-handler.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection event")
	}

	// Don't read on the client side yet, so the first write blocks and
	// every later blob piles up in the queue instead of draining.
	const blobSize = 1 << 20
	const blobCount = 16
	totalBytes := blobSize * blobCount

	for i := 0; i < blobCount; i++ {
		if err := bridge.Send(context.Background(), ref.ID, make([]byte, blobSize)); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	select {
	case b := <-handler.backpressured:
		if b.Client.ID != ref.ID {
			t.Fatalf("expected backpressure for %s, got %s", ref.ID, b.Client.ID)
		}
		if b.QueuedBytes < b.Threshold {
			t.Fatalf("expected queued bytes >= threshold, got %d < %d", b.QueuedBytes, b.Threshold)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for backpressure event")
	}

	buf := make([]byte, totalBytes)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	total := 0
	for total < totalBytes {
		n, err := client.Read(buf[total:])
		if err != nil {
			t.Fatalf("client read: %v", err)
		}
		total += n
	}

	select {
	case d := <-handler.drained:
		if d.ID != ref.ID {
			t.Fatalf("expected drain for %s, got %s", ref.ID, d.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for drain event")
	}
}
