// Package httpserver carries envelopes over HTTP and websockets: the engine
// side for remote bridges, and the viewer side for browsers.
package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"time"

	"go-pdf-bridge/internal/contracts"

	"github.com/gorilla/websocket"
)

type summaryPayload struct {
	html     string
	filename string
}

// ViewerServer serves the viewer shell and pushes the document summary and
// the latest rendered segment to every connected browser.
type ViewerServer struct {
	addr  string
	shell string

	started bool
	server  *http.Server

	// OnRenderPage is invoked when a browser asks for another page.
	OnRenderPage   func(contracts.RenderPageMessage)
	browserInbound chan []byte

	// outbound keeps summaries and displays in publish order.
	outbound   chan any
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stopLoop   chan struct{}

	upgrader websocket.Upgrader
}

// NewViewerServer creates an HTTP/WebSocket viewer server bound to addr.
func NewViewerServer(addr string, shell string) *ViewerServer {
	return &ViewerServer{
		addr:  addr,
		shell: shell,

		browserInbound: make(chan []byte, 64),
		outbound:       make(chan any, 32),
		register:       make(chan *websocket.Conn),
		unregister:     make(chan *websocket.Conn),
		stopLoop:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: sameOrLocalOrigin,
		},
	}
}

// URL returns the browser URL for the viewer.
func (m *ViewerServer) URL() string {
	return "http://" + m.addr
}

// Handler returns the routes without starting a listener.
func (m *ViewerServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", m.handleIndex)
	mux.HandleFunc("/ws", m.handleWS)
	return mux
}

// Start runs the update loop and, when listen is set, the HTTP listener.
// Calling it again is a no-op.
func (m *ViewerServer) Start(listen bool) {
	if m.started {
		return
	}
	m.started = true
	go m.runLoop()

	if !listen {
		return
	}
	m.server = &http.Server{Addr: m.addr, Handler: m.Handler()}
	go func() {
		_ = m.server.ListenAndServe()
	}()
}

// PublishSummary replaces the document summary shown to browsers.
func (m *ViewerServer) PublishSummary(html string, path string) {
	if !m.started {
		return
	}
	m.outbound <- summaryPayload{html: html, filename: filepath.Base(path)}
}

// PublishDisplay replaces the rendered segment shown to browsers.
func (m *ViewerServer) PublishDisplay(msg contracts.DisplayMessage) {
	if !m.started {
		return
	}
	msg.Type = contracts.MessageTypeDisplay
	m.outbound <- msg
}

// SetRenderPageHandler registers the callback for browser page requests.
func (m *ViewerServer) SetRenderPageHandler(fn func(contracts.RenderPageMessage)) {
	m.OnRenderPage = fn
}

// Stop gracefully shuts down the HTTP server and run loop.
func (m *ViewerServer) Stop() error {
	if !m.started {
		return nil
	}

	var err error
	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err = m.server.Shutdown(ctx)
	}

	close(m.stopLoop)

	m.started = false
	m.server = nil
	return err
}

// handleIndex serves the initial HTML shell.
func (m *ViewerServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(m.shell))
}

// handleWS upgrades the connection and forwards browser messages to the loop.
func (m *ViewerServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.register <- conn
	defer func() {
		m.unregister <- conn
	}()

	// Block here until the connection closes / errors out
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m.browserInbound <- msg
	}
}

// runLoop serializes state updates and websocket writes on a single goroutine.
// A newly registered browser first receives the latest summary and segment.
func (m *ViewerServer) runLoop() {
	conns := make(map[*websocket.Conn]struct{})

	lastSummary := contracts.SummaryMessage{Type: contracts.MessageTypeSummary}
	lastDisplay := contracts.DisplayMessage{Type: contracts.MessageTypeDisplay}
	haveDisplay := false

	broadcast := func(v any) {
		for conn := range conns {
			if !writeJSON(conn, v) {
				delete(conns, conn)
			}
		}
	}

	for {
		select {
		case out := <-m.outbound:
			switch update := out.(type) {
			case summaryPayload:
				lastSummary.Rev++
				lastSummary.HTML = update.html
				lastSummary.Filename = update.filename
				broadcast(lastSummary)
			case contracts.DisplayMessage:
				lastDisplay = update
				lastDisplay.Rev = lastSummary.Rev
				haveDisplay = true
				broadcast(lastDisplay)
			}

		case c := <-m.register:
			conns[c] = struct{}{}

			if lastSummary.Rev > 0 && !writeJSON(c, lastSummary) {
				delete(conns, c)
				continue
			}
			if haveDisplay && !writeJSON(c, lastDisplay) {
				delete(conns, c)
			}

		case c := <-m.unregister:
			if _, ok := conns[c]; ok {
				_ = c.Close()
				delete(conns, c)
			}

		case raw := <-m.browserInbound:
			var envelope contracts.IncomingMessage
			if err := json.Unmarshal(raw, &envelope); err != nil {
				continue
			}
			switch envelope.Type {
			case contracts.MessageTypeRenderPage:
				var msg contracts.RenderPageMessage
				if err := json.Unmarshal(raw, &msg); err != nil {
					continue
				}
				if m.OnRenderPage != nil {
					m.OnRenderPage(msg)
				}
			}

		case <-m.stopLoop:
			for conn := range conns {
				_ = conn.Close()
			}
			return
		}
	}
}

// writeJSON writes a JSON message and reports whether the connection is usable.
func writeJSON(conn *websocket.Conn, v any) bool {
	if err := conn.WriteJSON(v); err != nil {
		_ = conn.Close()
		return false
	}
	return true
}
