// Package remote reaches an engine running behind a network endpoint.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go-pdf-bridge/internal/contracts"
	"go-pdf-bridge/internal/transport"
)

// CodeTransportFailure tags responses synthesized for requests that never
// reached the engine.
const CodeTransportFailure = "transport_failure"

const maxResponseBytes = 512 << 20

// HTTP performs one POST round trip per request. The decoded reply body is
// handed to the message handler when the round trip completes.
type HTTP struct {
	endpoint string
	client   *http.Client
	logger   *log.Logger
	fault    error

	mu      sync.Mutex
	handler transport.Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHTTP targets endpoint, the engine server's /rpc URL.
func NewHTTP(endpoint string, client *http.Client, logger *log.Logger) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &HTTP{
		endpoint: endpoint,
		client:   client,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		t.fault = fmt.Errorf("%w: bad engine endpoint %q", transport.ErrUnavailable, endpoint)
		t.logger.Printf("http transport unavailable: %v", t.fault)
	}
	return t
}

func (t *HTTP) OnMessage(h transport.Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *HTTP) Fault() error {
	return t.fault
}

// Send starts the round trip in the background and returns at once.
func (t *HTTP) Send(ctx context.Context, req contracts.Request) error {
	if t.fault != nil {
		return t.fault
	}
	if err := t.ctx.Err(); err != nil {
		return transport.ErrUnavailable
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Type, err)
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.deliver(t.roundTrip(req, body))
	}()
	return nil
}

func (t *HTTP) Close() error {
	t.cancel()
	t.wg.Wait()
	return nil
}

func (t *HTTP) roundTrip(req contracts.Request, body []byte) (contracts.Response, bool) {
	httpReq, err := http.NewRequestWithContext(t.ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return contracts.NewFailure(req, CodeTransportFailure, err), true
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if t.ctx.Err() != nil {
			return contracts.Response{}, false
		}
		return contracts.NewFailure(req, CodeTransportFailure, err), true
	}
	defer resp.Body.Close()

	// The engine answers unknown operations with no content.
	if resp.StatusCode == http.StatusNoContent {
		return contracts.Response{}, false
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return contracts.NewFailure(req, CodeTransportFailure, err), true
	}

	var out contracts.Response
	if err := json.Unmarshal(raw, &out); err != nil || out.Type == "" {
		return contracts.NewFailure(req, CodeTransportFailure,
			fmt.Errorf("engine replied %s with undecodable body", resp.Status)), true
	}
	return out, true
}

func (t *HTTP) deliver(resp contracts.Response, ok bool) {
	if !ok {
		return
	}
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		t.logger.Printf("drop %s #%d: no handler installed", resp.Type, resp.ID)
		return
	}
	h(resp)
}
