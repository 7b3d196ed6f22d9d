package mcphost

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openspeaker/gateway/internal/config"
)

const (
	reconnectDelay    = 5 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// Manager owns the process-wide MCP connections: one client per
// configured stdio server plus the optional websocket endpoint. It is
// shared by all device connections.
type Manager struct {
	mu      sync.RWMutex
	servers map[string]*managedClient
	ctx     context.Context
	cancel  context.CancelFunc
}

type managedClient struct {
	name    string
	dial    func(ctx context.Context) (Transport, error)
	mu      sync.RWMutex
	client  *Client
	healthy bool
	stopCh  chan struct{}
}

func NewManager(parent context.Context) *Manager {
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		servers: make(map[string]*managedClient),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start connects every configured server. A server that fails to
// connect is logged and retried in the background rather than failing
// startup: tool servers are optional capability, not a hard dependency.
func (m *Manager) Start(cfg config.MCPConfig) {
	for _, sc := range cfg.Servers {
		sc := sc
		m.add(sc.Name, func(ctx context.Context) (Transport, error) {
			return NewStdioTransport(sc.Command, sc.Args, sc.Env)
		})
	}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		m.add(EndpointName, func(ctx context.Context) (Transport, error) {
			return NewWSTransport(ctx, endpoint)
		})
	}
}

func (m *Manager) add(name string, dial func(ctx context.Context) (Transport, error)) {
	mc := &managedClient{name: name, dial: dial, stopCh: make(chan struct{})}

	m.mu.Lock()
	if _, exists := m.servers[name]; exists {
		m.mu.Unlock()
		slog.Warn("mcphost: duplicate server name ignored", "name", name)
		return
	}
	m.servers[name] = mc
	m.mu.Unlock()

	if err := mc.connect(m.ctx); err != nil {
		slog.Warn("mcphost: initial connection failed, will retry", "name", name, "error", err)
	}
	go mc.monitor(m.ctx)
}

// Client returns the live client for name.
func (m *Manager) Client(name string) (*Client, error) {
	m.mu.RLock()
	mc, exists := m.servers[name]
	m.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("mcp server %s not found", name)
	}

	mc.mu.RLock()
	defer mc.mu.RUnlock()
	if !mc.healthy || mc.client == nil {
		return nil, fmt.Errorf("mcp server %s not connected", name)
	}
	return mc.client, nil
}

// ServerNames lists the configured servers.
func (m *Manager) ServerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	return names
}

func (m *Manager) Close() error {
	m.cancel()

	m.mu.Lock()
	clients := make([]*managedClient, 0, len(m.servers))
	for _, mc := range m.servers {
		clients = append(clients, mc)
	}
	m.servers = make(map[string]*managedClient)
	m.mu.Unlock()

	var lastErr error
	for _, mc := range clients {
		if err := mc.close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (mc *managedClient) connect(ctx context.Context) error {
	transport, err := mc.dial(ctx)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}

	client := NewClient(mc.name, transport)
	if err := client.Initialize(ctx); err != nil {
		transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	mc.mu.Lock()
	mc.client = client
	mc.healthy = true
	mc.mu.Unlock()

	slog.Info("mcphost: connected", "name", mc.name, "server", client.ServerInfo().Name)
	return nil
}

func (mc *managedClient) close() error {
	select {
	case <-mc.stopCh:
	default:
		close(mc.stopCh)
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.healthy = false
	if mc.client != nil {
		err := mc.client.Close()
		mc.client = nil
		return err
	}
	return nil
}

// monitor watches connection health and reconnects with exponential
// backoff.
func (mc *managedClient) monitor(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	delay := reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return
		case <-mc.stopCh:
			return
		case <-ticker.C:
			mc.mu.RLock()
			healthy := mc.healthy && mc.client != nil && mc.client.transport.IsConnected()
			mc.mu.RUnlock()
			if healthy {
				delay = reconnectDelay
				continue
			}

			mc.mu.Lock()
			if mc.client != nil {
				mc.client.Close()
				mc.client = nil
			}
			mc.healthy = false
			mc.mu.Unlock()

			if err := mc.connect(ctx); err != nil {
				slog.Warn("mcphost: reconnect failed", "name", mc.name, "error", err, "retry_in", delay)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				case <-mc.stopCh:
					return
				}
				delay *= 2
				if delay > maxReconnectDelay {
					delay = maxReconnectDelay
				}
			}
		}
	}
}
