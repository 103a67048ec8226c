package bridge

import (
	"sync"
	"time"
)

// DefaultProbeInterval is how often the engine is asked whether it is ready.
const DefaultProbeInterval = 500 * time.Millisecond

// PollerState is a state of the readiness poller. The only transitions are
// NotReady → Probing → Ready and Probing → Unavailable.
type PollerState int

const (
	NotReady PollerState = iota
	Probing
	Ready
	Unavailable
)

func (s PollerState) String() string {
	switch s {
	case NotReady:
		return "not-ready"
	case Probing:
		return "probing"
	case Ready:
		return "ready"
	case Unavailable:
		return "unavailable"
	}
	return "unknown"
}

// poller issues probe() every interval until markReady or markUnavailable.
type poller struct {
	interval time.Duration
	probe    func()

	mu     sync.Mutex
	state  PollerState
	ticker *time.Ticker
	stop   chan struct{}
	cancel sync.Once
}

func newPoller(interval time.Duration, probe func()) *poller {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &poller{interval: interval, probe: probe, stop: make(chan struct{})}
}

func (p *poller) State() PollerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// start moves NotReady to Probing and starts the timer. The first probe goes
// out after one interval.
func (p *poller) start() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != NotReady {
		return false
	}
	p.state = Probing
	p.ticker = time.NewTicker(p.interval)
	go p.run(p.ticker.C)
	return true
}

func (p *poller) run(ticks <-chan time.Time) {
	for {
		select {
		case <-ticks:
			if p.State() != Probing {
				return
			}
			p.probe()
		case <-p.stop:
			return
		}
	}
}

// markReady reports whether this call performed the Probing → Ready (or
// NotReady → Ready) transition. Later calls are no-ops.
func (p *poller) markReady() bool {
	return p.finish(Ready)
}

// markUnavailable moves a poller that has not become ready into its
// terminal failed state.
func (p *poller) markUnavailable() bool {
	return p.finish(Unavailable)
}

func (p *poller) finish(to PollerState) bool {
	p.mu.Lock()
	if p.state == Ready || p.state == Unavailable {
		p.mu.Unlock()
		return false
	}
	p.state = to
	p.mu.Unlock()

	p.cancelTimer()
	return true
}

// cancelTimer stops the interval exactly once.
func (p *poller) cancelTimer() {
	p.cancel.Do(func() {
		p.mu.Lock()
		if p.ticker != nil {
			p.ticker.Stop()
		}
		p.mu.Unlock()
		close(p.stop)
	})
}
