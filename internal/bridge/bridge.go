// Package bridge sends typed requests to the PDF engine over a transport and
// republishes each kind of response on its own replay-latest channel.
//
// Requests are fire-and-forget: callers observe results by subscribing to
// the channel of the operation they issued. Every request carries a
// correlation id that the engine echoes, so several requests of the same
// type may be in flight at once; callers that need tiles in a strict order
// still have to reorder them by page and segment id.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go-pdf-bridge/internal/contracts"
	"go-pdf-bridge/internal/transport"
)

var (
	// ErrNotReady rejects requests issued before the engine reported ready.
	ErrNotReady = errors.New("engine not ready")
	// ErrUnknownOperation rejects operations outside the enumeration.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrTimeout is published for a request the engine did not answer in time.
	ErrTimeout = errors.New("engine did not respond")
	// ErrClosed rejects requests after Close.
	ErrClosed = errors.New("bridge closed")
)

// DefaultRequestTimeout bounds how long an operation may stay unanswered.
const DefaultRequestTimeout = 30 * time.Second

// Options tune a Bridge. Zero values select the defaults, except that a
// negative RequestTimeout disables timeouts.
type Options struct {
	ProbeInterval  time.Duration
	RequestTimeout time.Duration
	Logger         *log.Logger
}

// Result is one outcome of an operation: either Value or Err is meaningful.
type Result[T any] struct {
	ID    uint64
	Value T
	Err   error
}

type inflightKey struct {
	op contracts.Operation
	id uint64
}

// event is one unit of work for the dispatch loop.
type event struct {
	resp    *contracts.Response
	timeout *inflightKey
	fault   error
}

// Bridge is the UI side of the boundary. Channel values are published from a
// single dispatch goroutine, in the order responses were handled.
type Bridge struct {
	transport transport.Transport
	logger    *log.Logger
	timeout   time.Duration
	poller    *poller
	nextID    atomic.Uint64

	// Ready holds false until the engine first reports ready, then true.
	Ready *Channel[bool]
	// Opened, Geometry and Rendered hold nil until their first response.
	Opened   *Channel[*Result[contracts.DocumentOpened]]
	Geometry *Channel[*Result[contracts.PageGeometryMap]]
	Rendered *Channel[*Result[contracts.RenderedSegment]]
	// Faults holds the transport failure that made the engine unreachable.
	Faults *Channel[error]

	mu       sync.Mutex
	queue    []event
	inflight map[inflightKey]*time.Timer
	closed   bool

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// New wires a bridge to t and installs itself as t's message handler.
func New(t transport.Transport, opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[pdfbridge] ", log.LstdFlags)
	}
	timeout := opts.RequestTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}

	b := &Bridge{
		transport: t,
		logger:    logger,
		timeout:   timeout,
		Ready:     NewChannel(false),
		Opened:    NewChannel[*Result[contracts.DocumentOpened]](nil),
		Geometry:  NewChannel[*Result[contracts.PageGeometryMap]](nil),
		Rendered:  NewChannel[*Result[contracts.RenderedSegment]](nil),
		Faults:    NewChannel[error](nil),
		inflight:  make(map[inflightKey]*time.Timer),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	b.poller = newPoller(opts.ProbeInterval, b.probe)
	t.OnMessage(b.HandleResponse)
	return b
}

// Start begins dispatching and readiness probing. A transport that failed
// to construct moves the bridge straight to Unavailable and publishes the
// failure once on Faults.
func (b *Bridge) Start() {
	b.startOnce.Do(func() {
		go b.loop()
		if err := b.transport.Fault(); err != nil {
			b.enqueue(event{fault: err})
			return
		}
		b.poller.start()
	})
}

// State reports the readiness poller state.
func (b *Bridge) State() PollerState {
	return b.poller.State()
}

// WaitReady blocks until the engine is ready, the transport fails, or ctx
// ends.
func (b *Bridge) WaitReady(ctx context.Context) error {
	result := make(chan error, 2)
	unsubReady := b.Ready.Subscribe(func(ready bool) {
		if ready {
			select {
			case result <- nil:
			default:
			}
		}
	})
	defer unsubReady()
	unsubFault := b.Faults.Subscribe(func(err error) {
		if err != nil {
			select {
			case result <- err:
			default:
			}
		}
	})
	defer unsubFault()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request sends op with payload and returns the correlation id without
// waiting for the engine. Unknown operations, requests before readiness and
// requests on an unavailable transport are rejected here rather than
// forwarded.
func (b *Bridge) Request(ctx context.Context, op contracts.Operation, payload any) (uint64, error) {
	if canonical, ok := contracts.ParseOperation(string(op)); !ok || canonical != op {
		return 0, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	switch b.poller.State() {
	case Unavailable:
		if err := b.transport.Fault(); err != nil {
			return 0, err
		}
		return 0, transport.ErrUnavailable
	case Ready:
	default:
		if op != contracts.OpIsEngineReady {
			return 0, fmt.Errorf("%w: %s", ErrNotReady, op)
		}
	}
	return b.send(ctx, op, payload)
}

func (b *Bridge) send(ctx context.Context, op contracts.Operation, payload any) (uint64, error) {
	id := b.nextID.Add(1)
	req, err := contracts.NewRequest(op, id, payload)
	if err != nil {
		return 0, err
	}

	key := inflightKey{op: op, id: id}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrClosed
	}
	if op != contracts.OpIsEngineReady && b.timeout > 0 {
		b.inflight[key] = time.AfterFunc(b.timeout, func() {
			b.enqueue(event{timeout: &key})
		})
	}
	b.mu.Unlock()

	if err := b.transport.Send(ctx, req); err != nil {
		b.forget(key)
		return 0, fmt.Errorf("send %s #%d: %w", op, id, err)
	}
	return id, nil
}

// probe runs on the poller's timer.
func (b *Bridge) probe() {
	_, err := b.send(context.Background(), contracts.OpIsEngineReady, nil)
	if errors.Is(err, transport.ErrUnavailable) {
		b.enqueue(event{fault: err})
	} else if err != nil {
		b.logger.Printf("readiness probe: %v", err)
	}
}

// HandleResponse is the single entry point for inbound envelopes. It only
// queues; dispatch happens on the bridge goroutine in arrival order.
func (b *Bridge) HandleResponse(resp contracts.Response) {
	b.enqueue(event{resp: &resp})
}

func (b *Bridge) enqueue(ev event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Close stops probing and dispatching, cancels pending timeouts and closes
// the transport.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.poller.cancelTimer()

		b.mu.Lock()
		b.closed = true
		for key, timer := range b.inflight {
			timer.Stop()
			delete(b.inflight, key)
		}
		b.queue = nil
		b.mu.Unlock()

		close(b.stop)
		b.startOnce.Do(func() { close(b.done) })
		<-b.done
		err = b.transport.Close()
	})
	return err
}

func (b *Bridge) loop() {
	defer close(b.done)
	for {
		select {
		case <-b.wake:
		case <-b.stop:
			return
		}

		for {
			b.mu.Lock()
			if len(b.queue) == 0 {
				b.mu.Unlock()
				break
			}
			ev := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()

			select {
			case <-b.stop:
				return
			default:
			}
			b.handle(ev)
		}
	}
}

func (b *Bridge) handle(ev event) {
	switch {
	case ev.resp != nil:
		b.dispatch(*ev.resp)
	case ev.timeout != nil:
		b.expire(*ev.timeout)
	case ev.fault != nil:
		if b.poller.markUnavailable() {
			b.logger.Printf("engine unreachable: %v", ev.fault)
			b.Faults.Publish(ev.fault)
		}
	}
}

// dispatch routes one response to exactly one channel. Unknown types are
// dropped without a trace; malformed envelopes and answers to requests that
// already timed out are dropped with a log line.
func (b *Bridge) dispatch(resp contracts.Response) {
	msg, err := contracts.Decode(resp)
	if errors.Is(err, contracts.ErrUnknownType) {
		return
	}
	if err != nil {
		b.logger.Printf("drop response #%d: %v", resp.ID, err)
		return
	}

	op := msg.Operation()
	if resp.ID != 0 && op != contracts.OpIsEngineReady && !b.forget(inflightKey{op: op, id: resp.ID}) && b.timeout > 0 {
		b.logger.Printf("drop late or unsolicited %s #%d", op, resp.ID)
		return
	}

	switch m := msg.(type) {
	case contracts.ReadyStatus:
		if m.Ready && b.poller.markReady() {
			b.Ready.Publish(true)
		}
	case contracts.DocumentOpened:
		b.Opened.Publish(&Result[contracts.DocumentOpened]{ID: resp.ID, Value: m})
	case contracts.PageGeometryMap:
		b.Geometry.Publish(&Result[contracts.PageGeometryMap]{ID: resp.ID, Value: m})
	case contracts.RenderedSegment:
		b.Rendered.Publish(&Result[contracts.RenderedSegment]{ID: resp.ID, Value: m})
	case contracts.Failure:
		b.publishError(m.Op, resp.ID, m.Err)
	}
}

func (b *Bridge) expire(key inflightKey) {
	if !b.forget(key) {
		return
	}
	b.publishError(key.op, key.id, fmt.Errorf("%w: %s #%d after %v", ErrTimeout, key.op, key.id, b.timeout))
}

func (b *Bridge) publishError(op contracts.Operation, id uint64, err error) {
	switch op {
	case contracts.OpIsEngineReady:
		b.logger.Printf("readiness probe #%d failed: %v", id, err)
	case contracts.OpOpenDocument:
		b.Opened.Publish(&Result[contracts.DocumentOpened]{ID: id, Err: err})
	case contracts.OpGetPageProperties:
		b.Geometry.Publish(&Result[contracts.PageGeometryMap]{ID: id, Err: err})
	case contracts.OpRenderPageSegment:
		b.Rendered.Publish(&Result[contracts.RenderedSegment]{ID: id, Err: err})
	}
}

// forget clears in-flight bookkeeping for key and reports whether it was
// still pending.
func (b *Bridge) forget(key inflightKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	timer, ok := b.inflight[key]
	if !ok {
		return false
	}
	timer.Stop()
	delete(b.inflight, key)
	return true
}
