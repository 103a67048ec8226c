// Package session keeps the state of the currently open document, derived
// only from values the bridge publishes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"

	"go-pdf-bridge/internal/bridge"
	"go-pdf-bridge/internal/contracts"
)

var (
	// ErrPageNotInGeometry marks a page index missing from the loaded
	// geometry map, whether requested by a caller or returned by the engine.
	ErrPageNotInGeometry = errors.New("page not in geometry")
	// ErrNotOpen rejects page operations before a document is open.
	ErrNotOpen = errors.New("no document open")
	// ErrOpenRefused reports an open the engine answered with fileOpened=false.
	ErrOpenRefused = errors.New("engine did not open the document")
)

// DefaultFirstPage is rendered automatically once geometry arrives.
const DefaultFirstPage = 1

// Display is a rendered segment ready to be shown: the surface size comes
// from the page geometry and Src is a data URI.
type Display struct {
	Page      int
	SegmentID int
	Width     float64
	Height    float64
	Src       string
}

// State is a point-in-time copy of the session.
type State struct {
	ID     string
	Source string
	Handle uint64
	Open   bool
	Pages  contracts.PageGeometryMap
	Last   *Display
	Params *contracts.RenderParams
}

// PageCount returns the number of measured pages.
func (s State) PageCount() int { return len(s.Pages) }

// PageIndices returns the measured page indices in ascending order.
func (s State) PageIndices() []int {
	out := make([]int, 0, len(s.Pages))
	for i := range s.Pages {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Options tune a Session.
type Options struct {
	// FirstPage is rendered when geometry arrives; negative disables it.
	FirstPage int
	Logger    *log.Logger
}

// Session is the document session for one bridge. Its state is written only
// from bridge channel callbacks.
type Session struct {
	id        string
	bridge    *bridge.Bridge
	logger    *log.Logger
	firstPage int

	mu     sync.Mutex
	source string
	handle uint64
	open   bool
	pages  contracts.PageGeometryMap
	last   *Display
	params *contracts.RenderParams

	// Displays holds nil until the first segment has been rendered.
	Displays *bridge.Channel[*Display]
	// Errors carries engine failures and engine/session inconsistencies.
	Errors *bridge.Channel[error]
	// Changed is published after every state change.
	Changed *bridge.Channel[uint64]

	unsubs []func()
}

// New creates a session and subscribes it to b.
func New(b *bridge.Bridge, opts Options) *Session {
	s := &Session{
		id:        uuid.New().String(),
		bridge:    b,
		logger:    opts.Logger,
		firstPage: opts.FirstPage,
		Displays:  bridge.NewChannel[*Display](nil),
		Errors:    bridge.NewChannel[error](nil),
		Changed:   bridge.NewChannel[uint64](0),
	}
	if s.logger == nil {
		s.logger = log.Default()
	}

	s.unsubs = append(s.unsubs,
		b.Opened.Subscribe(s.onOpened),
		b.Geometry.Subscribe(s.onGeometry),
		b.Rendered.Subscribe(s.onRendered),
	)
	return s
}

// ID identifies the session in logs and viewer pages.
func (s *Session) ID() string { return s.id }

// Close detaches the session from the bridge.
func (s *Session) Close() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

// Snapshot copies the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	pages := make(contracts.PageGeometryMap, len(s.pages))
	for i, g := range s.pages {
		pages[i] = g
	}
	st := State{ID: s.id, Source: s.source, Handle: s.handle, Open: s.open, Pages: pages}
	if s.last != nil {
		last := *s.last
		st.Last = &last
	}
	if s.params != nil {
		params := *s.params
		st.Params = &params
	}
	return st
}

// Open asks the engine to open source. The result arrives through the
// bridge and supersedes the current document.
func (s *Session) Open(ctx context.Context, source string) error {
	s.mu.Lock()
	s.source = source
	s.mu.Unlock()

	_, err := s.bridge.Request(ctx, contracts.OpOpenDocument, contracts.OpenDocumentParams{Source: source})
	return err
}

// RenderPage renders a whole page at zoom 1 as PNG.
func (s *Session) RenderPage(ctx context.Context, page int) error {
	s.mu.Lock()
	params, err := s.pageParamsLocked(page)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.RenderSegment(ctx, params)
}

// RenderSegment forwards params unchanged after checking that the page
// exists in the loaded geometry.
func (s *Session) RenderSegment(ctx context.Context, params contracts.RenderParams) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrNotOpen
	}
	if _, ok := s.pages[params.Page]; !ok {
		n := len(s.pages)
		s.mu.Unlock()
		return fmt.Errorf("%w: page %d of %d", ErrPageNotInGeometry, params.Page, n)
	}
	s.params = &params
	s.mu.Unlock()

	_, err := s.bridge.Request(ctx, contracts.OpRenderPageSegment, params)
	return err
}

func (s *Session) pageParamsLocked(page int) (contracts.RenderParams, error) {
	if !s.open {
		return contracts.RenderParams{}, ErrNotOpen
	}
	geometry, ok := s.pages[page]
	if !ok {
		return contracts.RenderParams{}, fmt.Errorf("%w: page %d of %d", ErrPageNotInGeometry, page, len(s.pages))
	}
	return contracts.RenderParams{
		SegmentID: 0,
		Page:      page,
		Zoom:      1,
		Rotation:  0,
		Quality:   80,
		Format:    contracts.FormatPNG,
		Width:     geometry.Width,
		Height:    geometry.Height,
		Top:       0,
		Left:      0,
	}, nil
}

func (s *Session) onOpened(r *bridge.Result[contracts.DocumentOpened]) {
	if r == nil {
		return
	}
	if r.Err != nil {
		s.fail(fmt.Errorf("open: %w", r.Err))
		return
	}

	s.mu.Lock()
	if !r.Value.FileOpened {
		s.open = false
		source := s.source
		s.mu.Unlock()
		s.fail(fmt.Errorf("%w: %s", ErrOpenRefused, source))
		return
	}
	s.handle = r.Value.Handle
	s.open = true
	s.pages = nil
	s.last = nil
	s.params = nil
	s.mu.Unlock()
	s.changed()

	if _, err := s.bridge.Request(context.Background(), contracts.OpGetPageProperties, nil); err != nil {
		s.fail(fmt.Errorf("request page properties: %w", err))
	}
}

func (s *Session) onGeometry(r *bridge.Result[contracts.PageGeometryMap]) {
	if r == nil {
		return
	}
	if r.Err != nil {
		s.fail(fmt.Errorf("page properties: %w", r.Err))
		return
	}

	s.mu.Lock()
	s.pages = r.Value
	page := s.firstPage
	if page >= len(s.pages) {
		page = len(s.pages) - 1
	}
	s.mu.Unlock()
	s.changed()

	if page < 0 {
		return
	}
	if err := s.RenderPage(context.Background(), page); err != nil {
		s.fail(fmt.Errorf("render first page: %w", err))
	}
}

func (s *Session) onRendered(r *bridge.Result[contracts.RenderedSegment]) {
	if r == nil {
		return
	}
	if r.Err != nil {
		s.fail(fmt.Errorf("render: %w", r.Err))
		return
	}

	segment := r.Value
	s.mu.Lock()
	geometry, ok := s.pages[segment.Page]
	if !ok {
		n := len(s.pages)
		s.mu.Unlock()
		s.fail(fmt.Errorf("%w: engine rendered page %d, geometry has %d pages", ErrPageNotInGeometry, segment.Page, n))
		return
	}
	display := &Display{
		Page:      segment.Page,
		SegmentID: segment.SegmentID,
		Width:     geometry.Width,
		Height:    geometry.Height,
		Src:       segment.DataURI(),
	}
	s.last = display
	s.mu.Unlock()

	s.Displays.Publish(display)
	s.changed()
}

func (s *Session) fail(err error) {
	s.logger.Printf("session %s: %v", s.id, err)
	s.Errors.Publish(err)
	s.changed()
}

func (s *Session) changed() {
	s.Changed.Publish(s.Changed.Value() + 1)
}
