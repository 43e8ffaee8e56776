package broker

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServerConfig configures the in-process NATS server used when
// no external broker URL is configured.
type EmbeddedServerConfig struct {
	Port int // 0 selects the NATS default port (4222); -1 lets the OS pick a free port
}

// EmbeddedServer wraps a nats-server instance so the board server can
// relay events across processes without an external broker deployment.
type EmbeddedServer struct {
	server  *server.Server
	config  EmbeddedServerConfig
	mu      sync.RWMutex
	running bool
}

// NewEmbeddedServer returns an unstarted server for config; the options
// are checked by nats-server when Start creates it.
func NewEmbeddedServer(config EmbeddedServerConfig) *EmbeddedServer {
	return &EmbeddedServer{config: config}
}

// Start boots the embedded server and blocks until it is ready for
// connections or the 10s startup window elapses.
func (e *EmbeddedServer) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("broker: embedded server already running")
	}

	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       e.config.Port,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("broker: create embedded server: %w", err)
	}

	e.server = ns
	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		return fmt.Errorf("broker: embedded server not ready for connections")
	}

	e.running = true
	log.Printf("[BROKER] embedded relay listening on %s", e.URL())
	return nil
}

// Shutdown stops the server and waits for it to drain.
func (e *EmbeddedServer) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running || e.server == nil {
		return
	}
	e.server.Shutdown()
	e.server.WaitForShutdown()
	e.running = false
	e.server = nil
}

// URL returns the client connection string for this embedded server.
func (e *EmbeddedServer) URL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.server == nil {
		return fmt.Sprintf("nats://127.0.0.1:%d", e.config.Port)
	}
	return e.server.ClientURL()
}

// IsRunning reports whether the embedded server is currently accepting
// connections.
func (e *EmbeddedServer) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}
