package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/corewire/framewire/events"
	"github.com/corewire/framewire/frame"
	"github.com/corewire/framewire/handshake"
	"github.com/corewire/framewire/jsonc"
	"github.com/corewire/framewire/logging"
)

// tickInterval matches the host addon's 50ms service loop; nothing in this
// engine actually needs a timer tick (channel sends already wake the select),
// but periodic wakeups keep the loop's behavior observably equivalent to
// the original's bounded-latency servicing guarantee.
const tickInterval = 50 * time.Millisecond

type adoptMsg struct {
	conn net.Conn
}

type rxMsg struct {
	id   string
	data []byte
}

type closeMsg struct {
	id  string
	err error
}

type writeDoneMsg struct {
	id  string
	err error
}

type ingressKind int

const (
	ingressSend ingressKind = iota
	ingressBroadcast
	ingressClose
)

type ingressRequest struct {
	kind ingressKind
	id   string
	data []byte
	done chan error
}

// Loop is the single goroutine that owns all Connection state, mirroring
// the original addon's single-threaded event loop. Every field it mutates
// is reachable only from the goroutine running Run.
type Loop struct {
	cfg     Config
	logger  logging.Logger
	handler events.Handler
	bridge  *Bridge

	adoptCh     chan adoptMsg
	rxCh        chan rxMsg
	closeCh     chan closeMsg
	writeDoneCh chan writeDoneMsg
	ingressCh   chan ingressRequest

	conns      map[string]*Connection
	netConns   map[string]net.Conn
	writeChans map[string]chan []byte

	idCounter uint64
}

// NewLoop constructs a Loop bound to the given handler and bridge. The
// bridge must be the same instance returned to the facade so that external
// Send/Broadcast/Close calls reach this loop's ingress channel.
func NewLoop(cfg Config, logger logging.Logger, handler events.Handler, bridge *Bridge) *Loop {
	l := &Loop{
		cfg:         cfg,
		logger:      logger,
		handler:     handler,
		bridge:      bridge,
		adoptCh:     make(chan adoptMsg, 64),
		rxCh:        make(chan rxMsg, 256),
		closeCh:     make(chan closeMsg, 64),
		writeDoneCh: make(chan writeDoneMsg, 64),
		ingressCh:   make(chan ingressRequest, 256),
		conns:       make(map[string]*Connection),
		netConns:    make(map[string]net.Conn),
		writeChans:  make(map[string]chan []byte),
	}
	bridge.bindIngress(l.ingressCh)
	return l
}

// Adopt hands a freshly-accepted or dialed net.Conn to the loop. Safe to
// call from any goroutine (the acceptor).
func (l *Loop) Adopt(conn net.Conn) {
	l.adoptCh <- adoptMsg{conn: conn}
}

// Run drives the loop until ctx is canceled, then tears down every
// connection and returns. It is meant to be run under an errgroup alongside
// the acceptor goroutine.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for id := range l.conns {
				l.teardown(id, false)
			}
			l.handler.OnClose()
			return nil

		case m := <-l.adoptCh:
			l.handleAdopt(ctx, m)

		case m := <-l.rxCh:
			l.handleRx(m)

		case m := <-l.closeCh:
			l.handleClose(m)

		case m := <-l.writeDoneCh:
			l.handleWriteDone(m)

		case req := <-l.ingressCh:
			l.handleIngress(req)

		case <-ticker.C:
			// Periodic wakeup; no scheduled work currently needs it, but it
			// keeps the select loop's latency bound observable under load.
		}
	}
}

func (l *Loop) handleAdopt(ctx context.Context, m adoptMsg) {
	id := l.nextID()

	remoteAddr, remotePort, portKnown := splitHostPort(m.conn.RemoteAddr())

	conn := NewConnection(id, remoteAddr, remotePort, portKnown, l.cfg)
	l.conns[id] = conn
	l.netConns[id] = m.conn

	writeCh := make(chan []byte, 1)
	l.writeChans[id] = writeCh

	l.bridge.register(id, events.ClientRef{
		ID:              id,
		RemoteAddress:   remoteAddr,
		RemotePort:      remotePort,
		RemotePortKnown: portKnown,
	})

	go readerLoop(ctx, id, m.conn, l.rxCh, l.closeCh, l.maxFrameLengthOrDefault())
	go writerLoop(id, m.conn, writeCh, l.writeDoneCh)

	for _, em := range conn.OnAdopted() {
		l.dispatch(conn, em)
	}
}

func (l *Loop) handleRx(m rxMsg) {
	conn, ok := l.conns[m.id]
	if !ok {
		return
	}

	emissions, fatal := conn.OnRx(m.data, verifyHandshake)

	// Publish handshake metadata before dispatching, so the connection event
	// and any messages in the same chunk already carry it.
	if conn.connectionAnnounced {
		l.bridge.updateHandshake(conn.ID, conn.handshakeMeta)
	}

	for _, em := range emissions {
		l.dispatch(conn, em)
	}

	if fatal {
		l.teardown(m.id, true)
		return
	}

	l.kickWrite(m.id)
}

func (l *Loop) handleClose(m closeMsg) {
	l.teardown(m.id, m.err != nil)
}

func (l *Loop) handleWriteDone(m writeDoneMsg) {
	conn, ok := l.conns[m.id]
	if !ok {
		return
	}

	emissions, shouldClose := conn.WriteDone(m.err)
	for _, em := range emissions {
		l.dispatch(conn, em)
	}

	if shouldClose {
		l.teardown(m.id, true)
		return
	}

	l.kickWrite(m.id)
}

func (l *Loop) handleIngress(req ingressRequest) {
	switch req.kind {
	case ingressSend:
		conn, ok := l.conns[req.id]
		if !ok {
			req.done <- errors.New("unknown connection")
			return
		}
		l.enqueueAndKick(conn, req.data)
		req.done <- nil

	case ingressBroadcast:
		for _, conn := range l.conns {
			l.enqueueAndKick(conn, req.data)
		}
		req.done <- nil

	case ingressClose:
		if _, ok := l.conns[req.id]; !ok {
			req.done <- errors.New("unknown connection")
			return
		}
		l.conns[req.id].MarkClosing()
		l.teardown(req.id, false)
		req.done <- nil
	}
}

func (l *Loop) enqueueAndKick(conn *Connection, payload []byte) {
	framed := payload
	if l.cfg.FramingEnabled {
		framed = frame.Encode(payload)
	}
	for _, em := range conn.Enqueue(framed) {
		l.dispatch(conn, em)
	}
	l.kickWrite(conn.ID)
}

func (l *Loop) kickWrite(id string) {
	conn, ok := l.conns[id]
	if !ok {
		return
	}
	blob, ok := conn.PopForWrite()
	if !ok {
		return
	}

	writeCh, ok := l.writeChans[id]
	if !ok {
		return
	}
	writeCh <- blob
}

// teardown is the single path by which a connection leaves the loop,
// whether from an explicit close request, a fatal protocol error, a write
// failure, or a peer-initiated EOF.
func (l *Loop) teardown(id string, hadErrorPath bool) {
	conn, ok := l.conns[id]
	if !ok {
		return
	}

	for _, em := range conn.OnClose() {
		l.dispatch(conn, em)
	}

	if netConn, ok := l.netConns[id]; ok {
		_ = netConn.Close()
	}
	if writeCh, ok := l.writeChans[id]; ok {
		close(writeCh)
	}

	delete(l.conns, id)
	delete(l.netConns, id)
	delete(l.writeChans, id)

	ref := l.bridge.remove(id)

	// The original addon always emits had_error=false on client_closed,
	// regardless of which teardown path triggered it.
	l.handler.OnClientClosed(events.ClientClosedEvent{Client: ref, HadError: false})
}

func (l *Loop) dispatch(conn *Connection, em emission) {
	ref := l.bridge.snapshot(conn.ID)

	switch em.kind {
	case emitConnection:
		l.handler.OnConnection(ref)
	case emitMessage:
		l.handler.OnMessage(events.MessageEvent{Client: ref, Data: em.data})
	case emitBackpressure:
		l.handler.OnBackpressure(events.BackpressureEvent{
			Client:      ref,
			QueuedBytes: conn.QueuedBytes(),
			Threshold:   l.maxBackpressureOrDefault(),
		})
	case emitDrain:
		l.handler.OnDrain(ref)
	case emitError:
		l.logger.Warn("connection error", "id", conn.ID, "err", em.err)
		l.handler.OnError(em.err)
	}
}

func (l *Loop) maxFrameLengthOrDefault() int {
	if l.cfg.MaxFrameLength <= 0 {
		return frame.DefaultMaxLength
	}
	return l.cfg.MaxFrameLength
}

func (l *Loop) maxBackpressureOrDefault() int {
	if l.cfg.MaxBackpressureBytes <= 0 {
		return 5 * 1024 * 1024
	}
	return l.cfg.MaxBackpressureBytes
}

func (l *Loop) nextID() string {
	n := atomic.AddUint64(&l.idCounter, 1)

	var suffix [4]byte
	_, _ = rand.Read(suffix[:])

	return fmt.Sprintf("%d-%d-%s", n, time.Now().UnixNano(), hexEncode(suffix[:]))
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}

func verifyHandshake(root *jsonc.Value, requiredVersion string) (*handshake.Metadata, error) {
	return handshake.Verify(root, requiredVersion)
}

func splitHostPort(addr net.Addr) (host string, port uint16, known bool) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if ok {
		return tcpAddr.IP.String(), uint16(tcpAddr.Port), true
	}

	h, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0, false
	}
	parsed, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return h, 0, false
	}
	return h, uint16(parsed), true
}

// readerLoop blocks on conn.Read, forwarding each chunk to rxCh until the
// connection errors or is closed by the loop's teardown.
func readerLoop(ctx context.Context, id string, conn net.Conn, rxCh chan<- rxMsg, closeCh chan<- closeMsg, maxFrame int) {
	buf := make([]byte, 64*1024)
	_ = maxFrame
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case rxCh <- rxMsg{id: id, data: chunk}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case closeCh <- closeMsg{id: id, err: err}:
			case <-ctx.Done():
			}
			return
		}
	}
}

// writerLoop serializes writes for one connection: it receives exactly one
// blob at a time, writes it fully, and reports completion before the loop
// hands it another.
func writerLoop(id string, conn net.Conn, writeCh <-chan []byte, doneCh chan<- writeDoneMsg) {
	for blob := range writeCh {
		_, err := conn.Write(blob)
		doneCh <- writeDoneMsg{id: id, err: err}
	}
}

// RunWithAcceptor wires an accept loop over ln into this Loop's Adopt and
// runs both under an errgroup bound to ctx.
func RunWithAcceptor(ctx context.Context, ln net.Listener, l *Loop) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return l.Run(gctx)
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-gctx.Done():
					return nil
				default:
					return errors.Wrap(err, "accept")
				}
			}
			TuneTCPConn(conn)
			l.Adopt(conn)
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	return g.Wait()
}
