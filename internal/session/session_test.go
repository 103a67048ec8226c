package session

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go-pdf-bridge/internal/bridge"
	"go-pdf-bridge/internal/contracts"
	"go-pdf-bridge/internal/engine"
	"go-pdf-bridge/internal/transport/inproc"
)

var discard = log.New(io.Discard, "", 0)

type recordingEngine struct {
	mu        sync.Mutex
	pages     contracts.PageGeometryMap
	renders   []contracts.RenderParams
	pageShift int
	refuse    bool
}

func (e *recordingEngine) Ready(context.Context) bool { return true }

func (e *recordingEngine) Open(context.Context, string) (contracts.DocumentOpened, error) {
	if e.refuse {
		return contracts.DocumentOpened{}, nil
	}
	return contracts.DocumentOpened{Handle: 7, FileOpened: true}, nil
}

func (e *recordingEngine) PageProperties(context.Context) (contracts.PageGeometryMap, error) {
	return e.pages, nil
}

func (e *recordingEngine) RenderSegment(_ context.Context, p contracts.RenderParams) (contracts.RenderedSegment, error) {
	e.mu.Lock()
	e.renders = append(e.renders, p)
	e.mu.Unlock()
	return contracts.RenderedSegment{
		Page:       p.Page + e.pageShift,
		SegmentID:  p.SegmentID,
		ZoomFactor: p.Zoom,
		Format:     p.Format,
		ImageBytes: []byte("img"),
	}, nil
}

func (e *recordingEngine) rendered() []contracts.RenderParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]contracts.RenderParams(nil), e.renders...)
}

func newTestSession(t *testing.T, e engine.Engine) (*Session, *bridge.Bridge) {
	t.Helper()
	w := inproc.New(func() (engine.Engine, error) { return e, nil }, discard)
	b := bridge.New(w, bridge.Options{ProbeInterval: 5 * time.Millisecond, Logger: discard})
	s := New(b, Options{FirstPage: DefaultFirstPage, Logger: discard})
	t.Cleanup(func() {
		s.Close()
		_ = b.Close()
	})
	b.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.WaitReady(ctx); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	return s, b
}

func waitDisplay(t *testing.T, s *Session) *Display {
	t.Helper()
	ch := make(chan *Display, 8)
	unsub := s.Displays.Subscribe(func(d *Display) {
		if d != nil {
			ch <- d
		}
	})
	defer unsub()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for display")
	}
	return nil
}

func waitError(t *testing.T, s *Session) error {
	t.Helper()
	ch := make(chan error, 8)
	unsub := s.Errors.Subscribe(func(err error) {
		if err != nil {
			ch <- err
		}
	})
	defer unsub()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for error")
	}
	return nil
}

func TestSession_GeometryTriggersFirstPageRender(t *testing.T) {
	e := &recordingEngine{pages: contracts.PageGeometryMap{
		0: {Width: 600, Height: 800},
		1: {Width: 600, Height: 800},
	}}
	s, _ := newTestSession(t, e)

	if err := s.Open(context.Background(), "sample.pdf"); err != nil {
		t.Fatalf("open: %v", err)
	}
	display := waitDisplay(t, s)

	want := []contracts.RenderParams{{
		SegmentID: 0, Page: 1, Zoom: 1, Rotation: 0, Quality: 80, Format: contracts.FormatPNG,
		Width: 600, Height: 800, Top: 0, Left: 0,
	}}
	if diff := cmp.Diff(want, e.rendered()); diff != "" {
		t.Fatalf("unexpected render requests (-want +got):\n%s", diff)
	}

	wantDisplay := &Display{Page: 1, Width: 600, Height: 800, Src: "data:image/png;base64,aW1n"}
	if diff := cmp.Diff(wantDisplay, display); diff != "" {
		t.Fatalf("unexpected display (-want +got):\n%s", diff)
	}

	st := s.Snapshot()
	if !st.Open || st.Handle != 7 || st.Source != "sample.pdf" || st.PageCount() != 2 {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestSession_SinglePageDocumentRendersLastPage(t *testing.T) {
	e := &recordingEngine{pages: contracts.PageGeometryMap{0: {Width: 100, Height: 200}}}
	s, _ := newTestSession(t, e)

	if err := s.Open(context.Background(), "one.pdf"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if d := waitDisplay(t, s); d.Page != 0 {
		t.Fatalf("expected page 0, got %d", d.Page)
	}
}

func TestSession_RenderOfUnknownPageSurfacesError(t *testing.T) {
	e := &recordingEngine{
		pages:     contracts.PageGeometryMap{0: {Width: 1, Height: 1}, 1: {Width: 1, Height: 1}},
		pageShift: 5,
	}
	s, _ := newTestSession(t, e)

	if err := s.Open(context.Background(), "shifted.pdf"); err != nil {
		t.Fatalf("open: %v", err)
	}
	err := waitError(t, s)
	if !errors.Is(err, ErrPageNotInGeometry) {
		t.Fatalf("expected ErrPageNotInGeometry, got %v", err)
	}
	if s.Snapshot().Last != nil {
		t.Fatalf("inconsistent segment must not become the display")
	}
}

func TestSession_RejectsPagesOutsideGeometry(t *testing.T) {
	e := &recordingEngine{pages: contracts.PageGeometryMap{0: {Width: 1, Height: 1}, 1: {Width: 1, Height: 1}}}
	s, _ := newTestSession(t, e)

	if err := s.RenderPage(context.Background(), 0); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	if err := s.Open(context.Background(), "doc.pdf"); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitDisplay(t, s)

	err := s.RenderPage(context.Background(), 9)
	if !errors.Is(err, ErrPageNotInGeometry) || !strings.Contains(err.Error(), "page 9") {
		t.Fatalf("expected ErrPageNotInGeometry for page 9, got %v", err)
	}
	if n := len(e.rendered()); n != 1 {
		t.Fatalf("rejected request must not reach the engine, got %d renders", n)
	}
}

func TestSession_RefusedOpenSurfacesError(t *testing.T) {
	e := &recordingEngine{refuse: true}
	s, _ := newTestSession(t, e)

	if err := s.Open(context.Background(), "locked.pdf"); err != nil {
		t.Fatalf("open: %v", err)
	}
	err := waitError(t, s)
	if !errors.Is(err, ErrOpenRefused) || !strings.Contains(err.Error(), "locked.pdf") {
		t.Fatalf("expected ErrOpenRefused naming the source, got %v", err)
	}
	if st := s.Snapshot(); st.Open {
		t.Fatalf("refused document must not be open: %+v", st)
	}
	if n := len(e.rendered()); n != 0 {
		t.Fatalf("refused open must not render, got %d renders", n)
	}
}
