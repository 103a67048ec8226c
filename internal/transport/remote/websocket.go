package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go-pdf-bridge/internal/contracts"
	"go-pdf-bridge/internal/transport"
)

const (
	maxDialBackoff = 5 * time.Second
	writeWait      = 10 * time.Second
)

// Websocket keeps one connection to the engine server's /ws endpoint. Every
// envelope read from it is handed to the message handler in arrival order.
type Websocket struct {
	addr   string
	logger *log.Logger
	fault  error

	mu      sync.Mutex
	conn    *websocket.Conn
	handler transport.Handler
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// DialWebsocket connects to addr, retrying with exponential backoff up to
// attempts times. On failure the returned transport is unavailable.
func DialWebsocket(ctx context.Context, addr string, attempts int, logger *log.Logger) *Websocket {
	t := &Websocket{addr: addr, logger: logger, done: make(chan struct{})}

	conn, err := dialWithRetry(ctx, addr, attempts, logger)
	if err != nil {
		t.fault = fmt.Errorf("%w: %v", transport.ErrUnavailable, err)
		t.logger.Printf("websocket transport unavailable: %v", err)
		return t
	}
	t.conn = conn

	t.wg.Add(1)
	go t.readLoop()
	t.logger.Printf("connected to engine at %s", addr)
	return t
}

func dialWithRetry(ctx context.Context, addr string, attempts int, logger *log.Logger) (*websocket.Conn, error) {
	if attempts < 1 {
		attempts = 1
	}
	backoff := 250 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		logger.Printf("engine dial attempt %d/%d failed: %v (retrying in %v)", i+1, attempts, err, backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
		if backoff > maxDialBackoff {
			backoff = maxDialBackoff
		}
	}
	return nil, fmt.Errorf("dial %s after %d attempts: %w", addr, attempts, lastErr)
}

func (t *Websocket) OnMessage(h transport.Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Websocket) Fault() error {
	return t.fault
}

// Send writes req as one text frame.
func (t *Websocket) Send(ctx context.Context, req contracts.Request) error {
	if t.fault != nil {
		return t.fault
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Type, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.conn == nil {
		return transport.ErrUnavailable
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("engine write: %w", err)
	}
	return nil
}

func (t *Websocket) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	conn := t.conn
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	t.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	t.wg.Wait()
	return err
}

func (t *Websocket) readLoop() {
	defer t.wg.Done()
	for {
		_, message, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					t.logger.Printf("engine read error: %v", err)
				}
			}
			return
		}

		var resp contracts.Response
		if err := json.Unmarshal(message, &resp); err != nil {
			t.logger.Printf("drop undecodable engine frame: %v", err)
			continue
		}

		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h != nil {
			h(resp)
		}
	}
}
