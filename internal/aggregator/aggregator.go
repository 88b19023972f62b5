// Package aggregator merges the event streams of every registered worker
// and republishes them to every subscriber, tracking throughput and drop
// counts along the way.
package aggregator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/polystream/streamcore/internal/events"
)

// Stats is a point-in-time snapshot of the aggregator's counters, sampled
// once per RunStatsLoop interval (one second by default).
type Stats struct {
	TotalEvents     uint64
	PerWorkerEvents map[int]uint64
	EventsLastSecond uint64
	EventsPerSecond  float64
	DroppedEvents    uint64
	LastUpdate       time.Time
}

// Aggregator republishes every registered worker's events to every
// subscriber independently, the way tokio::sync::broadcast fans out:
// each Events() call mints its own channel and sees the full merged
// stream. A slow subscriber never blocks the others or the workers:
// overflow on a subscriber's own channel drops the oldest-pending send
// for that subscriber alone and advances DroppedEvents.
type Aggregator struct {
	log *zap.Logger

	bufSize int

	mu      sync.Mutex
	workers map[int]context.CancelFunc

	subsMu sync.Mutex
	subs   []chan events.PolyEvent

	statsMu         sync.Mutex
	totalEvents     uint64
	perWorkerEvents map[int]uint64
	droppedEvents   uint64
	lastSecondCount uint64
	lastStats       Stats
}

// New returns an Aggregator whose per-subscriber channels are bounded at
// bufSize (spec default 10 000).
func New(bufSize int, log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	if bufSize <= 0 {
		bufSize = 10000
	}
	return &Aggregator{
		log:             log,
		bufSize:         bufSize,
		workers:         make(map[int]context.CancelFunc),
		perWorkerEvents: make(map[int]uint64),
	}
}

// Events returns a new, independent channel of every merged event. Each
// call mints its own channel appended to the subscriber list, so two
// concurrent callers (e.g. a metrics consumer and a trading consumer)
// each see every event rather than competing for one shared channel.
func (a *Aggregator) Events() <-chan events.PolyEvent {
	ch := make(chan events.PolyEvent, a.bufSize)
	a.subsMu.Lock()
	a.subs = append(a.subs, ch)
	a.subsMu.Unlock()
	return ch
}

func (a *Aggregator) publish(ev events.PolyEvent) {
	a.subsMu.Lock()
	defer a.subsMu.Unlock()
	for _, ch := range a.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber's own channel is full: evict its oldest
			// pending message to make room rather than block the
			// forwarder, per the aggregator's lossy-by-design edge.
			select {
			case <-ch:
				a.countDrop()
			default:
			}
			select {
			case ch <- ev:
			default:
				a.countDrop()
			}
		}
	}
}

// Register starts a forwarding goroutine that pulls from source and
// republishes to every subscriber, tagging counted events against
// workerID. Calling Register twice for the same workerID replaces the
// prior forwarder.
func (a *Aggregator) Register(ctx context.Context, workerID int, source <-chan events.PolyEvent) {
	a.mu.Lock()
	if cancel, ok := a.workers[workerID]; ok {
		cancel()
	}
	forwardCtx, cancel := context.WithCancel(ctx)
	a.workers[workerID] = cancel
	a.mu.Unlock()

	go a.forward(forwardCtx, workerID, source)
}

// Unregister stops the forwarding goroutine for workerID, if running.
func (a *Aggregator) Unregister(workerID int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cancel, ok := a.workers[workerID]; ok {
		cancel()
		delete(a.workers, workerID)
	}
}

func (a *Aggregator) forward(ctx context.Context, workerID int, source <-chan events.PolyEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-source:
			if !ok {
				return
			}
			a.countEvent(workerID)
			a.publish(ev)
		}
	}
}

func (a *Aggregator) countEvent(workerID int) {
	a.statsMu.Lock()
	a.totalEvents++
	a.perWorkerEvents[workerID]++
	a.lastSecondCount++
	a.statsMu.Unlock()
}

func (a *Aggregator) countDrop() {
	a.statsMu.Lock()
	a.droppedEvents++
	a.statsMu.Unlock()
}

// RunStatsLoop samples the counters once per interval until ctx is
// cancelled, publishing each sample as the aggregator's current Stats.
// Intended to be run as the one background stats task the streaming
// service starts on Start().
func (a *Aggregator) RunStatsLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.sample(now, interval)
		}
	}
}

func (a *Aggregator) sample(now time.Time, interval time.Duration) {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()

	perWorker := make(map[int]uint64, len(a.perWorkerEvents))
	for id, n := range a.perWorkerEvents {
		perWorker[id] = n
	}

	a.lastStats = Stats{
		TotalEvents:      a.totalEvents,
		PerWorkerEvents:  perWorker,
		EventsLastSecond: a.lastSecondCount,
		EventsPerSecond:  float64(a.lastSecondCount) / interval.Seconds(),
		DroppedEvents:    a.droppedEvents,
		LastUpdate:       now,
	}
	a.lastSecondCount = 0
}

// Stats returns the most recently sampled snapshot.
func (a *Aggregator) Stats() Stats {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()
	return a.lastStats
}
