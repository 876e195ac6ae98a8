package framewire

import (
	"crypto/ed25519"
	"crypto/tls"
	"time"

	"github.com/pkg/errors"

	"github.com/corewire/framewire/logging"
)

type clientOptions struct {
	tlsConfig          *tls.Config
	rejectUnauthorized bool
	serverName         string
	alpn               []string

	framingEnabled bool
	maxFrameLength int

	protocolVersion string
	handshakeTags   map[string]interface{}
	signingKey      ed25519.PrivateKey

	dialTimeout time.Duration
	logger      logging.Logger
}

func defaultClientOptions() clientOptions {
	return clientOptions{
		rejectUnauthorized: true,
		framingEnabled:     true,
		dialTimeout:        10 * time.Second,
		logger:             logging.Default(),
	}
}

// ClientOption configures a Client at construction time.
type ClientOption func(*clientOptions)

// WithClientTLS enables TLS for the outbound connection using cfg as a
// base; RejectUnauthorized/ServerName/ALPN options further adjust it.
func WithClientTLS(cfg *tls.Config) ClientOption {
	return func(o *clientOptions) { o.tlsConfig = cfg }
}

// WithRejectUnauthorized controls whether the client verifies the server's
// certificate chain. Defaults to true; disabling it is meant for tests
// against self-signed certificates, never production traffic.
func WithRejectUnauthorized(reject bool) ClientOption {
	return func(o *clientOptions) { o.rejectUnauthorized = reject }
}

// WithServerName overrides the SNI/verification hostname.
func WithServerName(name string) ClientOption {
	return func(o *clientOptions) { o.serverName = name }
}

// WithALPN sets the TLS ALPN protocol list offered during the handshake.
func WithALPN(protocols ...string) ClientOption {
	return func(o *clientOptions) { o.alpn = protocols }
}

// WithClientFraming toggles the 4-byte length-prefix framing layer to
// match the server's configuration.
func WithClientFraming(enabled bool) ClientOption {
	return func(o *clientOptions) { o.framingEnabled = enabled }
}

// WithClientMaxFrameLength caps the payload size this client will accept
// from the server before treating the frame as oversize.
func WithClientMaxFrameLength(n int) ClientOption {
	return func(o *clientOptions) { o.maxFrameLength = n }
}

// WithHandshake configures the client to send a handshake frame declaring
// version immediately after connecting, before any application messages.
func WithHandshake(version string, tags map[string]interface{}) ClientOption {
	return func(o *clientOptions) {
		o.protocolVersion = version
		o.handshakeTags = tags
	}
}

// WithAttestation additionally signs the handshake frame with signingKey,
// deriving and including the nIndex/negHash attestation fields.
func WithAttestation(signingKey ed25519.PrivateKey) ClientOption {
	return func(o *clientOptions) { o.signingKey = signingKey }
}

// WithDialTimeout bounds how long Connect waits for the TCP/TLS handshake.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.dialTimeout = d }
}

// WithClientLogger overrides the default slog-backed logger.
func WithClientLogger(l logging.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

func (o *clientOptions) validate() error {
	if o.maxFrameLength < 0 {
		return errors.New("max frame length must not be negative")
	}
	const oneGiB = 1 << 30
	if o.maxFrameLength > oneGiB {
		return errors.New("max frame length must not exceed 1 GiB")
	}
	if o.signingKey != nil && o.protocolVersion == "" {
		return errors.New("attestation requires WithHandshake to be configured")
	}
	if o.logger == nil {
		return errors.New("logger must not be nil")
	}
	return nil
}
