package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"go-pdf-bridge/internal/contracts"
	"go-pdf-bridge/internal/engine"
)

const maxRequestBytes = 1 << 20

// EngineServer exposes one engine to remote bridges: POST /rpc answers one
// envelope per call and GET /ws streams envelopes both ways.
type EngineServer struct {
	addr   string
	logger *log.Logger

	// engineMu serializes engine work across every connection.
	engineMu   sync.Mutex
	dispatcher *engine.Dispatcher

	started bool
	server  *http.Server

	upgrader websocket.Upgrader
}

// NewEngineServer creates an engine server bound to addr.
func NewEngineServer(addr string, e engine.Engine, logger *log.Logger) *EngineServer {
	return &EngineServer{
		addr:       addr,
		logger:     logger,
		dispatcher: engine.NewDispatcher(e, logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: localOrigin,
		},
	}
}

// Handler returns the routes, for use with httptest or an outer mux.
func (s *EngineServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// ListenAndServe blocks serving the engine until Stop is called.
func (s *EngineServer) ListenAndServe() error {
	s.server = &http.Server{Addr: s.addr, Handler: s.Handler()}
	s.started = true
	s.logger.Printf("engine listening on %s", s.addr)

	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down.
func (s *EngineServer) Stop() error {
	if !s.started || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.started = false
	s.server = nil
	return err
}

func (s *EngineServer) handle(ctx context.Context, req contracts.Request) (contracts.Response, bool) {
	s.engineMu.Lock()
	defer s.engineMu.Unlock()
	return s.dispatcher.Handle(ctx, req)
}

// handleRPC answers a single envelope. Unknown operations get 204.
func (s *EngineServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !localOrigin(r) {
		http.Error(w, "forbidden origin", http.StatusForbidden)
		return
	}

	var req contracts.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&req); err != nil {
		http.Error(w, "bad envelope", http.StatusBadRequest)
		return
	}

	resp, ok := s.handle(r.Context(), req)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Printf("rpc write %s #%d: %v", resp.Type, resp.ID, err)
	}
}

// handleWS answers every envelope read from the connection in order.
func (s *EngineServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	id := uuid.New().String()
	s.logger.Printf("bridge %s connected from %s", id, r.RemoteAddr)
	defer s.logger.Printf("bridge %s disconnected", id)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req contracts.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			s.logger.Printf("bridge %s: drop undecodable frame: %v", id, err)
			continue
		}

		resp, ok := s.handle(r.Context(), req)
		if !ok {
			continue
		}
		if !writeJSON(conn, resp) {
			return
		}
	}
}
