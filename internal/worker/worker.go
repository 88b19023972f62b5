// Package worker implements the C4 unit of sharding: one or more
// WebSocket connections and the order books they feed, managed as a
// single assignable group.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/polystream/streamcore/internal/events"
	"github.com/polystream/streamcore/internal/orderbook"
	"github.com/polystream/streamcore/internal/wsconn"
)

// ErrAlreadyRunning is returned by Start when the worker has already been
// started.
var ErrAlreadyRunning = errors.New("worker: already running")

// StatusKind enumerates a worker's lifecycle states.
type StatusKind uint8

const (
	StatusStarting StatusKind = iota
	StatusConnected
	StatusReconnecting
	StatusFailed
	StatusStopped
)

func (k StatusKind) String() string {
	switch k {
	case StatusStarting:
		return "starting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Status is a worker's current lifecycle state, with the extra detail the
// Reconnecting and Failed variants carry.
type Status struct {
	Kind    StatusKind
	Attempt int
	Reason  string
}

// BookSnapshot is a point-in-time, safe-to-read-anywhere copy of one
// asset's order book.
type BookSnapshot struct {
	AssetID     events.AssetID
	Bids        []events.PriceLevel
	Asks        []events.PriceLevel
	LastHash    string
	TickSize    decimal.Decimal
	HasTickSize bool
}

type lastTrade struct {
	price       decimal.Decimal
	timestampMs int64
}

// Config configures the connections a worker owns.
type Config struct {
	MarketURL string
	UserURL   string // empty: no user feed
	Auth      *wsconn.AuthPayload

	HeartbeatInterval     time.Duration
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
	MaxReconnectAttempts  int

	// EventBufferSize bounds each connection's decoded-event channel and
	// every subscriber channel handed out by SubscribeEvents.
	EventBufferSize int

	// StatusPollInterval controls how often the worker samples its
	// connections' wsconn.State to update its own Status.
	StatusPollInterval time.Duration
}

// Worker owns N WebSocket connections (market, optionally user) and the
// order books they feed, for the asset set currently assigned to it.
type Worker struct {
	id  int
	cfg Config
	log *zap.Logger

	mu       sync.RWMutex
	assigned map[events.AssetID]struct{}
	books    map[events.AssetID]*orderbook.OrderBook
	trades   map[events.AssetID]lastTrade

	market *wsconn.Conn
	user   *wsconn.Conn

	statusMu sync.RWMutex
	status   Status

	subsMu sync.Mutex
	subs   []chan events.PolyEvent

	crossedMarkets int64
	hashMismatches int64

	cancel  context.CancelFunc
	stopped chan struct{}
	started bool
}

// New constructs a Worker with the given numeric id, used by the
// distributor and surfaced in status/metrics.
func New(id int, cfg Config, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.StatusPollInterval <= 0 {
		cfg.StatusPollInterval = 250 * time.Millisecond
	}
	return &Worker{
		id:       id,
		cfg:      cfg,
		log:      log,
		assigned: make(map[events.AssetID]struct{}),
		books:    make(map[events.AssetID]*orderbook.OrderBook),
		trades:   make(map[events.AssetID]lastTrade),
		status:   Status{Kind: StatusStarting},
		stopped:  make(chan struct{}),
	}
}

// ID returns the worker's id.
func (w *Worker) ID() int { return w.id }

func (w *Worker) assetList() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.assigned))
	for id := range w.assigned {
		out = append(out, string(id))
	}
	return out
}

// Start establishes connections for the assigned asset set and begins
// decoding. It rejects a second call on an already-started worker.
func (w *Worker) Start(ctx context.Context, assigned []events.AssetID) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return ErrAlreadyRunning
	}
	for _, id := range assigned {
		w.assigned[id] = struct{}{}
	}
	w.started = true
	w.mu.Unlock()

	w.setStatus(Status{Kind: StatusStarting})

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	marketCfg := wsconn.Config{
		URL:                   w.cfg.MarketURL,
		HeartbeatInterval:     w.cfg.HeartbeatInterval,
		InitialReconnectDelay: w.cfg.InitialReconnectDelay,
		MaxReconnectDelay:     w.cfg.MaxReconnectDelay,
		MaxReconnectAttempts:  w.cfg.MaxReconnectAttempts,
	}
	w.market = wsconn.New(marketCfg, func() ([][]byte, error) {
		frame, err := wsconn.MarketSubscription(w.assetList())
		if err != nil {
			return nil, err
		}
		return [][]byte{frame}, nil
	}, w.cfg.EventBufferSize, w.log)

	if err := w.market.Connect(runCtx); err != nil {
		cancel()
		w.setStatus(Status{Kind: StatusFailed, Reason: fmt.Sprintf("market connect: %v", err)})
		return fmt.Errorf("worker %d: market connect: %w", w.id, err)
	}

	if w.cfg.UserURL != "" && w.cfg.Auth != nil {
		userCfg := marketCfg
		userCfg.URL = w.cfg.UserURL
		w.user = wsconn.New(userCfg, func() ([][]byte, error) {
			frame, err := wsconn.UserSubscription(w.assetList(), *w.cfg.Auth)
			if err != nil {
				return nil, err
			}
			return [][]byte{frame}, nil
		}, w.cfg.EventBufferSize, w.log)

		if err := w.user.Connect(runCtx); err != nil {
			w.log.Warn("worker: user feed connect failed, continuing on market feed only",
				zap.Int("worker_id", w.id), zap.Error(err))
			w.user = nil
		}
	}

	w.setStatus(Status{Kind: StatusConnected})

	go w.foldLoop(runCtx)
	go w.monitorLoop(runCtx)

	return nil
}

// foldLoop applies every inbound PolyEvent to the owning book *before*
// rebroadcasting it, so a subscriber that calls GetOrderBook after
// observing the event sees its effect.
func (w *Worker) foldLoop(ctx context.Context) {
	marketCh := w.market.Events()
	var userCh <-chan events.PolyEvent
	if w.user != nil {
		userCh = w.user.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-marketCh:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case ev, ok := <-userCh:
			if !ok {
				userCh = nil
				continue
			}
			w.handleEvent(ev)
		}
	}
}

func (w *Worker) handleEvent(ev events.PolyEvent) {
	if ev.AssetID.Valid() {
		w.foldIntoBook(ev)
	}
	w.broadcast(ev)
}

func (w *Worker) book(assetID events.AssetID) *orderbook.OrderBook {
	w.mu.Lock()
	defer w.mu.Unlock()
	b, ok := w.books[assetID]
	if !ok {
		b = orderbook.New(assetID, w.log)
		w.books[assetID] = b
	}
	return b
}

func (w *Worker) foldIntoBook(ev events.PolyEvent) {
	switch ev.Kind {
	case events.KindBook:
		b := w.book(ev.AssetID)
		if err := b.ReplaceWithSnapshot(ev.Bids, ev.Asks, ev.Hash); err != nil {
			w.mu.Lock()
			w.hashMismatches++
			w.mu.Unlock()
		}
		if b.ValidateAndClean() {
			w.mu.Lock()
			w.crossedMarkets++
			w.mu.Unlock()
		}

	case events.KindPriceChange:
		b := w.book(ev.AssetID)
		if err := b.ApplyPriceChange(ev.Side, ev.Price, ev.Size, ev.Hash); err != nil {
			w.mu.Lock()
			w.hashMismatches++
			w.mu.Unlock()
		}
		if b.ValidateAndClean() {
			w.mu.Lock()
			w.crossedMarkets++
			w.mu.Unlock()
		}

	case events.KindTickSizeChange:
		w.book(ev.AssetID).SetTickSize(ev.TickSize)

	case events.KindTrade:
		w.mu.Lock()
		w.trades[ev.AssetID] = lastTrade{price: ev.Price, timestampMs: ev.TimestampMs}
		w.mu.Unlock()

	case events.KindLastTradePrice:
		w.mu.Lock()
		w.trades[ev.AssetID] = lastTrade{price: ev.Price, timestampMs: ev.TimestampMs}
		w.mu.Unlock()
	}
}

func (w *Worker) broadcast(ev events.PolyEvent) {
	w.subsMu.Lock()
	defer w.subsMu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- ev:
		default:
			w.log.Warn("worker: subscriber buffer full, dropping event",
				zap.Int("worker_id", w.id), zap.String("asset_id", string(ev.AssetID)))
		}
	}
}

// monitorLoop samples connection state and updates the worker's own
// Status, detecting a permanently failed connection.
func (w *Worker) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.StatusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.market.FailedPermanently() {
				w.setStatus(Status{Kind: StatusFailed, Reason: "market connection exhausted reconnect attempts"})
				continue
			}
			if w.user != nil && w.user.FailedPermanently() {
				w.setStatus(Status{Kind: StatusFailed, Reason: "user connection exhausted reconnect attempts"})
				continue
			}

			switch w.market.State() {
			case wsconn.Reconnecting:
				w.setStatus(Status{Kind: StatusReconnecting, Attempt: w.market.Attempt()})
			case wsconn.Connected:
				if w.statusKind() != StatusStopped {
					w.setStatus(Status{Kind: StatusConnected})
				}
			}
		}
	}
}

func (w *Worker) setStatus(s Status) {
	w.statusMu.Lock()
	w.status = s
	w.statusMu.Unlock()
}

func (w *Worker) statusKind() StatusKind {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()
	return w.status.Kind
}

// Status reports the worker's current lifecycle state.
func (w *Worker) Status() Status {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()
	return w.status
}

// GetAssignedTokens returns the asset set currently assigned to this
// worker.
func (w *Worker) GetAssignedTokens() []events.AssetID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]events.AssetID, 0, len(w.assigned))
	for id := range w.assigned {
		out = append(out, id)
	}
	return out
}

// UpdateTokens diffs newSet against the current assignment: books for
// removed assets are dropped and the market (and user) feeds are
// resubscribed against the full updated set. Idempotent.
func (w *Worker) UpdateTokens(newSet []events.AssetID) error {
	want := make(map[events.AssetID]struct{}, len(newSet))
	for _, id := range newSet {
		want[id] = struct{}{}
	}

	w.mu.Lock()
	for id := range w.assigned {
		if _, keep := want[id]; !keep {
			delete(w.assigned, id)
			delete(w.books, id)
			delete(w.trades, id)
		}
	}
	for id := range want {
		w.assigned[id] = struct{}{}
	}
	w.mu.Unlock()

	if w.market == nil {
		return nil
	}

	frame, err := wsconn.MarketSubscription(w.assetList())
	if err != nil {
		return fmt.Errorf("worker %d: rebuild market subscription: %w", w.id, err)
	}
	if err := w.market.Send(frame); err != nil {
		return fmt.Errorf("worker %d: resend market subscription: %w", w.id, err)
	}

	if w.user != nil && w.cfg.Auth != nil {
		frame, err := wsconn.UserSubscription(w.assetList(), *w.cfg.Auth)
		if err != nil {
			return fmt.Errorf("worker %d: rebuild user subscription: %w", w.id, err)
		}
		if err := w.user.Send(frame); err != nil {
			return fmt.Errorf("worker %d: resend user subscription: %w", w.id, err)
		}
	}

	return nil
}

// GetOrderBook returns a snapshot of the named asset's book, if the
// worker has seen it.
func (w *Worker) GetOrderBook(asset events.AssetID) (BookSnapshot, bool) {
	w.mu.RLock()
	b, ok := w.books[asset]
	w.mu.RUnlock()
	if !ok {
		return BookSnapshot{}, false
	}

	hash, _ := b.LastHash()
	tick, hasTick := b.TickSize()
	return BookSnapshot{
		AssetID:     asset,
		Bids:        b.Bids(),
		Asks:        b.Asks(),
		LastHash:    hash,
		TickSize:    tick,
		HasTickSize: hasTick,
	}, true
}

// GetLastTradePrice returns the last observed trade price for asset and
// its timestamp in epoch milliseconds.
func (w *Worker) GetLastTradePrice(asset events.AssetID) (decimal.Decimal, int64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, ok := w.trades[asset]
	if !ok {
		return decimal.Decimal{}, 0, false
	}
	return t.price, t.timestampMs, true
}

// SubscribeEvents returns a new, independent channel of every PolyEvent
// this worker observes across both its feeds. Delivery is lossy: a slow
// subscriber drops events rather than stall the worker.
func (w *Worker) SubscribeEvents() <-chan events.PolyEvent {
	bufSize := w.cfg.EventBufferSize
	if bufSize <= 0 {
		bufSize = 1024
	}
	ch := make(chan events.PolyEvent, bufSize)
	w.subsMu.Lock()
	w.subs = append(w.subs, ch)
	w.subsMu.Unlock()
	return ch
}

// Stats returns the worker's hash-mismatch and crossed-market counters.
func (w *Worker) Stats() (crossedMarkets, hashMismatches int64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.crossedMarkets, w.hashMismatches
}

// Stop closes all connections and drops all book state. Safe to call
// more than once.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.market != nil {
		w.market.Close()
	}
	if w.user != nil {
		w.user.Close()
	}

	w.subsMu.Lock()
	for _, ch := range w.subs {
		close(ch)
	}
	w.subs = nil
	w.subsMu.Unlock()

	w.mu.Lock()
	w.books = make(map[events.AssetID]*orderbook.OrderBook)
	w.mu.Unlock()

	w.setStatus(Status{Kind: StatusStopped})

	select {
	case <-w.stopped:
	default:
		close(w.stopped)
	}
}
