// Package app coordinates the bridge, the document session and the browser
// viewer.
package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"

	"go-pdf-bridge/internal/bridge"
	"go-pdf-bridge/internal/config"
	"go-pdf-bridge/internal/contracts"
	"go-pdf-bridge/internal/engine"
	"go-pdf-bridge/internal/render"
	"go-pdf-bridge/internal/session"
	"go-pdf-bridge/internal/transport"
	httptransport "go-pdf-bridge/internal/transport/http"
	"go-pdf-bridge/internal/transport/inproc"
	"go-pdf-bridge/internal/transport/remote"
	"go-pdf-bridge/internal/watcher"
)

// Options configure a LivePreview. Transport overrides the one Config
// selects.
type Options struct {
	Config    config.Config
	Transport transport.Transport
	Logger    *log.Logger
}

// Status is what the editor reports back to the user.
type Status struct {
	State  string
	Source string
	Open   bool
	Pages  int
	Page   int
	URL    string
	Err    error
}

// LivePreview is a coordinator between the engine bridge, the document
// session and HTTP delivery to browsers.
type LivePreview struct {
	cfg      config.Config
	logger   *log.Logger
	renderer *render.Renderer
	viewer   *httptransport.ViewerServer
	bridge   *bridge.Bridge
	session  *session.Session
	watcher  *watcher.Watcher

	mu      sync.Mutex
	pending string
	watched string
	lastErr error

	unsubs []func()
}

// NewTransport builds the transport cfg selects. Construction never fails:
// a transport that cannot reach its engine reports it through Fault.
func NewTransport(ctx context.Context, cfg config.Config, logger *log.Logger) transport.Transport {
	switch cfg.Transport {
	case config.TransportHTTP:
		return remote.NewHTTP(cfg.EngineURL, nil, logger)
	case config.TransportWebsocket:
		return remote.DialWebsocket(ctx, cfg.WebsocketURL(), cfg.DialAttempts, logger)
	default:
		return inproc.New(engine.LocalFactory(nil, logger), logger)
	}
}

func NewLivePreview(opts Options) (*LivePreview, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[pdfbridge] ", log.LstdFlags)
	}
	t := opts.Transport
	if t == nil {
		t = NewTransport(context.Background(), opts.Config, logger)
	}

	renderer := render.NewRenderer()
	b := bridge.New(t, bridge.Options{
		ProbeInterval:  opts.Config.ProbeInterval,
		RequestTimeout: opts.Config.RequestTimeout,
		Logger:         logger,
	})

	p := &LivePreview{
		cfg:      opts.Config,
		logger:   logger,
		renderer: renderer,
		viewer:   httptransport.NewViewerServer(opts.Config.ViewerAddr, renderer.RenderShell()),
		bridge:   b,
		session:  session.New(b, session.Options{FirstPage: opts.Config.FirstPage, Logger: logger}),
	}

	if opts.Config.Watch {
		w, err := watcher.New(p.handleFileChange, watcher.DefaultDebounce)
		if err != nil {
			_ = b.Close()
			return nil, err
		}
		p.watcher = w
	}

	p.viewer.SetRenderPageHandler(p.handleRenderPage)
	p.unsubs = append(p.unsubs,
		b.Ready.Subscribe(p.onReady),
		b.Faults.Subscribe(p.onFault),
		p.session.Changed.Subscribe(func(uint64) { p.publishSummary() }),
		p.session.Displays.Subscribe(p.onDisplay),
		p.session.Errors.Subscribe(p.onError),
	)
	return p, nil
}

// Start begins probing the engine and serving the viewer. listen controls
// whether the viewer binds its own listener; Handler serves it otherwise.
func (p *LivePreview) Start(listen bool) {
	p.viewer.Start(listen)
	p.publishSummary()
	p.bridge.Start()
}

func (p *LivePreview) URL() string {
	return p.viewer.URL()
}

// Handler returns the viewer routes.
func (p *LivePreview) Handler() http.Handler {
	return p.viewer.Handler()
}

// Bridge exposes the underlying bridge for callers that observe it directly.
func (p *LivePreview) Bridge() *bridge.Bridge {
	return p.bridge
}

// Open opens source now, or as soon as the engine is ready.
func (p *LivePreview) Open(ctx context.Context, source string) error {
	p.mu.Lock()
	p.pending = source
	p.lastErr = nil
	p.mu.Unlock()
	p.watch(source)

	err := p.session.Open(ctx, source)
	if errors.Is(err, bridge.ErrNotReady) {
		p.logger.Printf("engine not ready, %s opens once it is", source)
		return nil
	}
	return err
}

// RenderPage renders a whole page of the open document.
func (p *LivePreview) RenderPage(ctx context.Context, page int) error {
	return p.session.RenderPage(ctx, page)
}

func (p *LivePreview) Status() Status {
	st := p.session.Snapshot()
	status := Status{
		State:  p.bridge.State().String(),
		Source: st.Source,
		Open:   st.Open,
		Pages:  st.PageCount(),
		Page:   -1,
		URL:    p.URL(),
	}
	if st.Last != nil {
		status.Page = st.Last.Page
	}
	p.mu.Lock()
	status.Err = p.lastErr
	if status.Source == "" {
		status.Source = p.pending
	}
	p.mu.Unlock()
	return status
}

// Close stops the watcher, the session, the bridge and the viewer.
func (p *LivePreview) Close() error {
	for _, unsub := range p.unsubs {
		unsub()
	}
	p.unsubs = nil
	p.session.Close()

	var errs []error
	if p.watcher != nil {
		errs = append(errs, p.watcher.Close())
	}
	errs = append(errs, p.bridge.Close(), p.viewer.Stop())
	return errors.Join(errs...)
}

func (p *LivePreview) onReady(ready bool) {
	if !ready {
		return
	}
	p.mu.Lock()
	source := p.pending
	p.mu.Unlock()
	if source == "" {
		return
	}
	if err := p.session.Open(context.Background(), source); err != nil {
		p.onError(err)
	}
}

func (p *LivePreview) onFault(err error) {
	if err == nil {
		return
	}
	p.onError(err)
}

func (p *LivePreview) onError(err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
	p.publishSummary()
}

func (p *LivePreview) onDisplay(d *session.Display) {
	if d == nil {
		return
	}
	p.viewer.PublishDisplay(contracts.DisplayMessage{
		Page:      d.Page,
		SegmentID: d.SegmentID,
		Width:     d.Width,
		Height:    d.Height,
		Src:       d.Src,
	})
}

func (p *LivePreview) publishSummary() {
	st := p.session.Snapshot()
	p.mu.Lock()
	lastErr := p.lastErr
	if st.Source == "" {
		st.Source = p.pending
	}
	p.mu.Unlock()

	html, err := p.renderer.RenderSummary(st, lastErr)
	if err != nil {
		p.logger.Printf("render summary: %v", err)
		return
	}
	p.viewer.PublishSummary(html, st.Source)
}

// handleRenderPage runs on the viewer loop, so the resulting summary is
// published from another goroutine.
func (p *LivePreview) handleRenderPage(msg contracts.RenderPageMessage) {
	if err := p.session.RenderPage(context.Background(), msg.Page); err != nil {
		go p.onError(err)
	}
}

// watch follows local files only; the previously watched file is released.
func (p *LivePreview) watch(source string) {
	if p.watcher == nil || isURL(source) {
		return
	}

	p.mu.Lock()
	previous := p.watched
	p.watched = source
	p.mu.Unlock()

	if previous != "" && previous != source {
		if err := p.watcher.Unwatch(previous); err != nil {
			p.logger.Printf("unwatch %s: %v", previous, err)
		}
	}
	if err := p.watcher.Watch(source); err != nil {
		p.logger.Printf("watch %s: %v", source, err)
	}
}

func (p *LivePreview) handleFileChange(path string) {
	p.logger.Printf("%s changed on disk, reopening", path)
	err := p.session.Open(context.Background(), path)
	if err != nil && !errors.Is(err, bridge.ErrNotReady) {
		p.onError(err)
	}
}

func isURL(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}
