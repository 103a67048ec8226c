package httpserver

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"go-pdf-bridge/internal/contracts"
	"go-pdf-bridge/internal/engine"
	"go-pdf-bridge/internal/transport"
	"go-pdf-bridge/internal/transport/remote"
)

var discard = log.New(io.Discard, "", 0)

type fixedEngine struct{}

func (fixedEngine) Ready(context.Context) bool { return true }

func (fixedEngine) Open(_ context.Context, source string) (contracts.DocumentOpened, error) {
	if source == "missing.pdf" {
		return contracts.DocumentOpened{}, engine.ErrNoDocument
	}
	return contracts.DocumentOpened{Handle: 3, FileOpened: true}, nil
}

func (fixedEngine) PageProperties(context.Context) (contracts.PageGeometryMap, error) {
	return contracts.PageGeometryMap{0: {Width: 10, Height: 20}}, nil
}

func (fixedEngine) RenderSegment(_ context.Context, p contracts.RenderParams) (contracts.RenderedSegment, error) {
	return contracts.RenderedSegment{Page: p.Page, SegmentID: p.SegmentID, ImageBytes: []byte("px")}, nil
}

func newEngineServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewEngineServer("", fixedEngine{}, discard).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func collect(t transport.Transport) chan contracts.Response {
	ch := make(chan contracts.Response, 16)
	t.OnMessage(func(resp contracts.Response) { ch <- resp })
	return ch
}

func receive(t *testing.T, ch chan contracts.Response) contracts.Response {
	t.Helper()
	select {
	case resp := <-ch:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for response")
	}
	return contracts.Response{}
}

func mustRequest(t *testing.T, op contracts.Operation, id uint64, payload any) contracts.Request {
	t.Helper()
	req, err := contracts.NewRequest(op, id, payload)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return req
}

func TestEngineServer_RPCRoundTripOverHTTPTransport(t *testing.T) {
	srv := newEngineServer(t)
	tr := remote.NewHTTP(srv.URL+"/rpc", srv.Client(), discard)
	defer tr.Close()
	responses := collect(tr)

	ctx := context.Background()
	if err := tr.Send(ctx, mustRequest(t, contracts.OpOpenDocument, 4, contracts.OpenDocumentParams{Source: "a.pdf"})); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, err := contracts.Decode(receive(t, responses))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(contracts.DocumentOpened{Handle: 3, FileOpened: true}, msg); diff != "" {
		t.Fatalf("unexpected open result (-want +got):\n%s", diff)
	}

	if err := tr.Send(ctx, mustRequest(t, contracts.OpOpenDocument, 5, contracts.OpenDocumentParams{Source: "missing.pdf"})); err != nil {
		t.Fatalf("send: %v", err)
	}
	resp := receive(t, responses)
	if resp.ID != 5 || resp.Error == nil || resp.Error.Code != contracts.CodeNoDocument {
		t.Fatalf("expected tagged no-document failure, got %+v", resp)
	}
}

func TestEngineServer_UnknownOperationHasNoReply(t *testing.T) {
	srv := newEngineServer(t)

	res, err := srv.Client().Post(srv.URL+"/rpc", "application/json", strings.NewReader(`{"type":"bogus","id":1}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", res.StatusCode)
	}

	res, err = srv.Client().Post(srv.URL+"/rpc", "application/json", bytes.NewReader([]byte("{")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestEngineServer_HTTPTransportSynthesizesFailureWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/rpc"
	srv.Close()

	tr := remote.NewHTTP(url, nil, discard)
	defer tr.Close()
	responses := collect(tr)

	if err := tr.Send(context.Background(), mustRequest(t, contracts.OpGetPageProperties, 9, nil)); err != nil {
		t.Fatalf("send: %v", err)
	}
	resp := receive(t, responses)
	if resp.Type != string(contracts.OpGetPageProperties) || resp.ID != 9 || resp.Error == nil || resp.Error.Code != remote.CodeTransportFailure {
		t.Fatalf("expected synthesized transport failure, got %+v", resp)
	}
}

func TestEngineServer_WebsocketKeepsOrder(t *testing.T) {
	srv := newEngineServer(t)
	tr := remote.DialWebsocket(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", 1, discard)
	if err := tr.Fault(); err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer tr.Close()
	responses := collect(tr)

	ctx := context.Background()
	for id := uint64(1); id <= 3; id++ {
		req := mustRequest(t, contracts.OpRenderPageSegment, id, contracts.RenderParams{Page: 0, SegmentID: int(id)})
		if err := tr.Send(ctx, req); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	// Legacy names are answered under the current operation name.
	if err := tr.Send(ctx, contracts.Request{Type: "isWasmReady", ID: 4}); err != nil {
		t.Fatalf("send: %v", err)
	}

	for id := uint64(1); id <= 3; id++ {
		resp := receive(t, responses)
		msg, err := contracts.Decode(resp)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		seg, ok := msg.(contracts.RenderedSegment)
		if !ok || resp.ID != id || seg.SegmentID != int(id) {
			t.Fatalf("response %d out of order: id %d %+v", id, resp.ID, msg)
		}
	}
	ready := receive(t, responses)
	if ready.Type != string(contracts.OpIsEngineReady) || ready.ID != 4 {
		t.Fatalf("unexpected ready reply %+v", ready)
	}
}

func TestDialWebsocket_UnreachableIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	srv.Close()

	tr := remote.DialWebsocket(context.Background(), addr, 1, discard)
	defer tr.Close()
	if err := tr.Send(context.Background(), contracts.Request{Type: contracts.OpIsEngineReady}); err == nil {
		t.Fatalf("send on an undialed transport should fail")
	}
	if tr.Fault() == nil {
		t.Fatalf("expected a construction fault")
	}
}

func TestEngineServer_RejectsForeignOrigins(t *testing.T) {
	srv := newEngineServer(t)
	body := `{"type":"openDocument","id":1,"data":{"source":"/etc/passwd"}}`

	for origin, want := range map[string]int{
		"https://evil.example":  http.StatusForbidden,
		"http://127.0.0.1:5173": http.StatusOK,
		"http://localhost:8080": http.StatusOK,
	} {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/rpc", strings.NewReader(body))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Origin", origin)
		res, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		res.Body.Close()
		if res.StatusCode != want {
			t.Fatalf("origin %s: status = %d, want %d", origin, res.StatusCode, want)
		}
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatalf("foreign origin upgraded")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for a foreign origin, got %v", res)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://[::1]:9000"}})
	if err != nil {
		t.Fatalf("loopback origin refused: %v", err)
	}
	conn.Close()
}
