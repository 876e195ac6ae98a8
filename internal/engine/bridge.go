package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/corewire/framewire/events"
	"github.com/corewire/framewire/handshake"
)

// Bridge is the cross-goroutine handle the public facade holds. It keeps a
// mutex-guarded snapshot of every live connection so that Server.Get*
// methods never have to reach into the Loop goroutine, and forwards
// mutating calls (Send, Broadcast, Close) onto the Loop's ingress channel
// so the Loop remains the sole mutator of connection state.
type Bridge struct {
	mu      sync.RWMutex
	clients map[string]events.ClientRef

	ingressCh chan ingressRequest
}

// NewBridge constructs an unbound Bridge. NewLoop binds it to its ingress
// channel; constructing the Bridge first lets the facade hold a stable
// reference before the Loop exists.
func NewBridge() *Bridge {
	return &Bridge{clients: make(map[string]events.ClientRef)}
}

func (b *Bridge) bindIngress(ch chan ingressRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ingressCh = ch
}

func (b *Bridge) register(id string, ref events.ClientRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[id] = ref
}

func (b *Bridge) updateHandshake(id string, meta *handshake.Metadata) {
	if meta == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ref, ok := b.clients[id]
	if !ok {
		return
	}
	ref.Handshake = &events.HandshakeInfo{
		Version:  meta.Version,
		Tags:     meta.Tags,
		NIndex:   meta.NIndex,
		NegHash:  meta.NegHash,
		Attested: meta.Attested,
	}
	b.clients[id] = ref
}

func (b *Bridge) remove(id string) events.ClientRef {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref := b.clients[id]
	delete(b.clients, id)
	return ref
}

func (b *Bridge) snapshot(id string) events.ClientRef {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.clients[id]
}

// Get returns the client ref for id, if the connection is still live.
func (b *Bridge) Get(id string) (events.ClientRef, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ref, ok := b.clients[id]
	return ref, ok
}

// Count returns the number of currently live connections.
func (b *Bridge) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// All returns a snapshot slice of every currently live connection.
func (b *Bridge) All() []events.ClientRef {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]events.ClientRef, 0, len(b.clients))
	for _, ref := range b.clients {
		out = append(out, ref)
	}
	return out
}

const ingressTimeout = 5 * time.Second

func (b *Bridge) ingress() (chan ingressRequest, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.ingressCh == nil {
		return nil, errors.New("engine not started")
	}
	return b.ingressCh, nil
}

// Send enqueues payload for delivery to a single connection. It returns an
// error if the connection is unknown or has already closed.
func (b *Bridge) Send(ctx context.Context, id string, payload []byte) error {
	ch, err := b.ingress()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	req := ingressRequest{kind: ingressSend, id: id, data: payload, done: done}

	select {
	case ch <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast enqueues payload for delivery to every currently connected
// client.
func (b *Bridge) Broadcast(ctx context.Context, payload []byte) error {
	ch, err := b.ingress()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	req := ingressRequest{kind: ingressBroadcast, data: payload, done: done}

	select {
	case ch <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseConnection requests that the loop tear down the named connection.
func (b *Bridge) CloseConnection(ctx context.Context, id string) error {
	ch, err := b.ingress()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	req := ingressRequest{kind: ingressClose, id: id, done: done}

	select {
	case ch <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
