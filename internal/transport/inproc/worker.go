// Package inproc runs the engine in a background goroutine reached only
// through message passing.
package inproc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"go-pdf-bridge/internal/contracts"
	"go-pdf-bridge/internal/engine"
	"go-pdf-bridge/internal/transport"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("worker closed")

// Worker owns one engine and one goroutine that feeds it. Envelopes are
// cloned in both directions and delivered FIFO per direction.
type Worker struct {
	logger     *log.Logger
	dispatcher *engine.Dispatcher
	fault      error

	mu      sync.Mutex
	handler transport.Handler

	requests  chan contracts.Request
	responses chan contracts.Response
	stop      chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds the engine with factory and starts the worker. If the factory
// fails the returned Worker still satisfies transport.Transport, but every
// Send fails with transport.ErrUnavailable and nothing is ever delivered.
func New(factory engine.Factory, logger *log.Logger) *Worker {
	w := &Worker{
		logger:    logger,
		requests:  make(chan contracts.Request, 64),
		responses: make(chan contracts.Response, 64),
		stop:      make(chan struct{}),
	}

	e, err := factory()
	if err != nil {
		w.fault = fmt.Errorf("%w: start engine: %v", transport.ErrUnavailable, err)
		w.logger.Printf("in-process engine unavailable: %v", err)
		return w
	}
	w.dispatcher = engine.NewDispatcher(e, logger)

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(2)
	go w.engineLoop(ctx)
	go w.deliveryLoop()
	return w
}

func (w *Worker) OnMessage(h transport.Handler) {
	w.mu.Lock()
	w.handler = h
	w.mu.Unlock()
}

func (w *Worker) Fault() error {
	return w.fault
}

// Send queues a clone of req for the engine goroutine.
func (w *Worker) Send(ctx context.Context, req contracts.Request) error {
	if w.fault != nil {
		return w.fault
	}
	select {
	case <-w.stop:
		return ErrClosed
	default:
	}

	select {
	case w.requests <- req.Clone():
		return nil
	case <-w.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops both goroutines. Requests still queued are discarded.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		close(w.stop)
		if w.cancel != nil {
			w.cancel()
		}
	})
	w.wg.Wait()
	return nil
}

// engineLoop runs requests one at a time, so the engine never starts a
// request before finishing the previous one.
func (w *Worker) engineLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case req := <-w.requests:
			resp, ok := w.dispatcher.Handle(ctx, req)
			if !ok {
				continue
			}
			select {
			case w.responses <- resp.Clone():
			case <-w.stop:
				return
			}
		case <-w.stop:
			return
		}
	}
}

func (w *Worker) deliveryLoop() {
	defer w.wg.Done()
	for {
		select {
		case resp := <-w.responses:
			w.mu.Lock()
			h := w.handler
			w.mu.Unlock()
			if h == nil {
				w.logger.Printf("drop %s #%d: no handler installed", resp.Type, resp.ID)
				continue
			}
			h(resp)
		case <-w.stop:
			return
		}
	}
}
