// Command framewire-echo runs a framewire server that echoes every message
// it receives back to the sender, logging connection lifecycle events.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/corewire/framewire"
	"github.com/corewire/framewire/events"
	"github.com/corewire/framewire/logging"
)

type echoHandler struct {
	events.NopHandler
	server *framewire.Server
	logger logging.Logger
}

func (h *echoHandler) OnListening(info events.ListenInfo) {
	h.logger.Info("listening", "address", info.Address, "port", info.Port, "family", info.Family)
}

func (h *echoHandler) OnConnection(ref events.ClientRef) {
	h.logger.Info("connection", "id", ref.ID, "remote", ref.RemoteAddress)
}

func (h *echoHandler) OnMessage(m events.MessageEvent) {
	if err := h.server.Send(context.Background(), m.Client.ID, m.Data); err != nil {
		h.logger.Warn("echo failed", "id", m.Client.ID, "err", err)
	}
}

func (h *echoHandler) OnBackpressure(b events.BackpressureEvent) {
	h.logger.Warn("backpressure", "id", b.Client.ID, "queued", b.QueuedBytes, "threshold", b.Threshold)
}

func (h *echoHandler) OnClientClosed(c events.ClientClosedEvent) {
	h.logger.Info("client closed", "id", c.Client.ID)
}

func (h *echoHandler) OnError(err error) {
	h.logger.Warn("connection error", "err", err)
}

func main() {
	host := flag.String("host", "0.0.0.0", "address to bind")
	port := flag.Uint("port", 9000, "port to bind")
	maxFrame := flag.Int("max-frame-length", 0, "maximum frame payload size in bytes (0 = default)")
	protocolVersion := flag.String("protocol-version", "", "required handshake version (empty disables the handshake gate)")
	flag.Parse()

	logger := logging.Default()

	handler := &echoHandler{logger: logger}

	server, err := framewire.NewServer(
		framewire.WithHost(*host),
		framewire.WithPort(uint16(*port)),
		framewire.WithMaxFrameLength(*maxFrame),
		framewire.WithProtocolVersion(*protocolVersion),
		framewire.WithLogger(logger),
		framewire.WithEventHandler(handler),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "framewire-echo:", err)
		os.Exit(1)
	}
	handler.server = server

	if err := server.Listen(); err != nil {
		fmt.Fprintln(os.Stderr, "framewire-echo:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	if err := server.Shutdown(); err != nil {
		fmt.Fprintln(os.Stderr, "framewire-echo: shutdown:", err)
		os.Exit(1)
	}
}
