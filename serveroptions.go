package framewire

import (
	"crypto/tls"

	"github.com/pkg/errors"

	"github.com/corewire/framewire/events"
	"github.com/corewire/framewire/logging"
)

type serverOptions struct {
	host    string
	port    uint16
	backlog int

	tlsConfig *tls.Config

	framingEnabled       bool
	maxFrameLength       int
	maxBackpressureBytes int

	protocolVersion string
	gracefulMS      int

	logger  logging.Logger
	handler events.Handler
}

func defaultServerOptions() serverOptions {
	return serverOptions{
		host:           "0.0.0.0",
		port:           0,
		backlog:        128,
		framingEnabled: true,
		logger:         logging.Default(),
		handler:        events.NopHandler{},
	}
}

// ServerOption configures a Server at construction time.
type ServerOption func(*serverOptions)

// WithHost binds the listener to a specific address instead of 0.0.0.0.
func WithHost(host string) ServerOption {
	return func(o *serverOptions) { o.host = host }
}

// WithPort binds the listener to a fixed port. Port 0 (the default) asks
// the OS to pick an ephemeral port, surfaced on the listening event.
func WithPort(port uint16) ServerOption {
	return func(o *serverOptions) { o.port = port }
}

// WithBacklog records a listen backlog value. Listen does not pass it to the
// OS; the listener uses the system's default backlog.
func WithBacklog(n int) ServerOption {
	return func(o *serverOptions) { o.backlog = n }
}

// WithTLS enables TLS on accepted connections using cfg.
func WithTLS(cfg *tls.Config) ServerOption {
	return func(o *serverOptions) { o.tlsConfig = cfg }
}

// WithFraming toggles the 4-byte length-prefix framing layer. Disabling it
// delivers raw TCP reads as message events, one per Read syscall.
func WithFraming(enabled bool) ServerOption {
	return func(o *serverOptions) { o.framingEnabled = enabled }
}

// WithMaxFrameLength caps the payload size framed messages may declare.
// Zero (the default) uses frame.DefaultMaxLength.
func WithMaxFrameLength(n int) ServerOption {
	return func(o *serverOptions) { o.maxFrameLength = n }
}

// WithMaxBackpressureBytes sets the per-connection queued-bytes threshold;
// a backpressure event fires once the queued bytes reach it.
func WithMaxBackpressureBytes(n int) ServerOption {
	return func(o *serverOptions) { o.maxBackpressureBytes = n }
}

// WithProtocolVersion requires every connection to open with a handshake
// frame declaring this version before any message events are delivered.
func WithProtocolVersion(v string) ServerOption {
	return func(o *serverOptions) { o.protocolVersion = v }
}

// WithGracefulShutdown is accepted for compatibility with hosts that
// configured a graceful shutdown window; framewire always tears connections
// down immediately on Shutdown and logs a warning that the value was
// ignored, since Go's Close is already synchronous and doesn't benefit
// from the original's timer-based grace period.
func WithGracefulShutdown(ms int) ServerOption {
	return func(o *serverOptions) { o.gracefulMS = ms }
}

// WithLogger overrides the default slog-backed logger.
func WithLogger(l logging.Logger) ServerOption {
	return func(o *serverOptions) { o.logger = l }
}

// WithEventHandler sets the handler that receives every connection,
// message, backpressure, drain, close, and error event.
func WithEventHandler(h events.Handler) ServerOption {
	return func(o *serverOptions) { o.handler = h }
}

func (o *serverOptions) validate() error {
	if o.maxFrameLength < 0 {
		return errors.New("max frame length must not be negative")
	}
	const oneGiB = 1 << 30
	if o.maxFrameLength > oneGiB {
		return errors.New("max frame length must not exceed 1 GiB")
	}
	if o.maxBackpressureBytes < 0 {
		return errors.New("max backpressure bytes must not be negative")
	}
	if o.handler == nil {
		return errors.New("event handler must not be nil")
	}
	if o.logger == nil {
		return errors.New("logger must not be nil")
	}
	return nil
}
