package mcphost

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// WSTransport connects to a remote MCP tool endpoint over websocket.
// Each text frame carries one JSON-RPC message.
type WSTransport struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	receiveCh chan Message
	closeCh   chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	connected bool
}

func NewWSTransport(ctx context.Context, url string) (*WSTransport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	t := &WSTransport{
		conn:      conn,
		receiveCh: make(chan Message, 10),
		closeCh:   make(chan struct{}),
		connected: true,
	}
	go t.readLoop()
	return t, nil
}

func (t *WSTransport) Send(ctx context.Context, message any) error {
	t.mu.RLock()
	if !t.connected {
		t.mu.RUnlock()
		return fmt.Errorf("transport not connected")
	}
	t.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (t *WSTransport) Receive() <-chan Message {
	return t.receiveCh
}

func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closeCh)
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *WSTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *WSTransport) readLoop() {
	defer close(t.receiveCh)

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			wasConnected := t.connected
			t.connected = false
			t.mu.Unlock()

			if wasConnected {
				select {
				case t.receiveCh <- Message{Error: fmt.Errorf("read message: %w", err)}:
				case <-t.closeCh:
				}
			}
			return
		}

		select {
		case t.receiveCh <- Message{Data: data}:
		case <-t.closeCh:
			return
		}
	}
}
