package app

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"go-pdf-bridge/internal/config"
	"go-pdf-bridge/internal/contracts"
	"go-pdf-bridge/internal/engine"
	"go-pdf-bridge/internal/transport/inproc"
)

var discard = log.New(io.Discard, "", 0)

type twoPageEngine struct{}

func (twoPageEngine) Ready(context.Context) bool { return true }

func (twoPageEngine) Open(context.Context, string) (contracts.DocumentOpened, error) {
	return contracts.DocumentOpened{Handle: 1, FileOpened: true}, nil
}

func (twoPageEngine) PageProperties(context.Context) (contracts.PageGeometryMap, error) {
	return contracts.PageGeometryMap{
		0: {Width: 612, Height: 792},
		1: {Width: 612, Height: 792, Rotation: 90},
	}, nil
}

func (twoPageEngine) RenderSegment(_ context.Context, p contracts.RenderParams) (contracts.RenderedSegment, error) {
	return contracts.RenderedSegment{Page: p.Page, SegmentID: p.SegmentID, ZoomFactor: p.Zoom, ImageBytes: []byte{1, 2, 3}}, nil
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Watch = false
	cfg.ProbeInterval = 5 * time.Millisecond
	return cfg
}

func newTestPreview(t *testing.T, factory engine.Factory) (*LivePreview, *websocket.Conn) {
	t.Helper()
	p, err := NewLivePreview(Options{
		Config:    testConfig(),
		Transport: inproc.New(factory, discard),
		Logger:    discard,
	})
	if err != nil {
		t.Fatalf("new live preview: %v", err)
	}
	p.Start(false)

	srv := httptest.NewServer(p.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = p.Close()
	})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial viewer: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return p, conn
}

type browserMessage struct {
	contracts.SummaryMessage
	Page      int    `json:"page"`
	SegmentID int    `json:"segmentId"`
	Src       string `json:"src"`
}

// readUntil reads viewer messages until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(browserMessage) bool) browserMessage {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var msg browserMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read viewer message: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func TestLivePreview_OpenPushesSummaryAndFirstPage(t *testing.T) {
	p, conn := newTestPreview(t, func() (engine.Engine, error) { return twoPageEngine{}, nil })

	if err := p.Open(context.Background(), "/docs/report.pdf"); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Display and summary updates interleave; wait for both in any order.
	var display, summary *browserMessage
	readUntil(t, conn, func(m browserMessage) bool {
		switch {
		case m.Type == contracts.MessageTypeDisplay:
			display = &m
		case m.Type == contracts.MessageTypeSummary && strings.Contains(m.HTML, `data-page="1"`):
			summary = &m
		}
		return display != nil && summary != nil
	})
	if display.Page != 1 || display.Src != "data:image/png;base64,AQID" {
		t.Fatalf("unexpected display %+v", display)
	}
	if summary.Filename != "report.pdf" {
		t.Fatalf("filename = %q", summary.Filename)
	}

	status := p.Status()
	if status.State != "ready" || !status.Open || status.Pages != 2 || status.Page != 1 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestLivePreview_BrowserSelectsPage(t *testing.T) {
	p, conn := newTestPreview(t, func() (engine.Engine, error) { return twoPageEngine{}, nil })

	if err := p.Open(context.Background(), "/docs/report.pdf"); err != nil {
		t.Fatalf("open: %v", err)
	}
	readUntil(t, conn, func(m browserMessage) bool { return m.Type == contracts.MessageTypeDisplay && m.Page == 1 })

	if err := conn.WriteJSON(contracts.RenderPageMessage{Type: contracts.MessageTypeRenderPage, Page: 0}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, conn, func(m browserMessage) bool { return m.Type == contracts.MessageTypeDisplay && m.Page == 0 })

	if err := conn.WriteJSON(contracts.RenderPageMessage{Type: contracts.MessageTypeRenderPage, Page: 9}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, conn, func(m browserMessage) bool {
		return m.Type == contracts.MessageTypeSummary && strings.Contains(m.HTML, "page not in geometry")
	})
}

func TestLivePreview_UnavailableEngineIsReported(t *testing.T) {
	p, conn := newTestPreview(t, func() (engine.Engine, error) { return nil, errors.New("no engine binary") })

	readUntil(t, conn, func(m browserMessage) bool {
		return m.Type == contracts.MessageTypeSummary && strings.Contains(m.HTML, "no engine binary")
	})

	if err := p.Open(context.Background(), "/docs/report.pdf"); err == nil {
		t.Fatalf("open on an unavailable engine should fail")
	}
	if got := p.Status().State; got != "unavailable" {
		t.Fatalf("state = %q", got)
	}
}
