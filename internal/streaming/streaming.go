// Package streaming is the public façade (C7) over the worker fleet: it
// owns the distributor, the worker registry, the aggregator, and the
// background health-check and stats tasks.
package streaming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/polystream/streamcore/internal/aggregator"
	"github.com/polystream/streamcore/internal/config"
	"github.com/polystream/streamcore/internal/distributor"
	"github.com/polystream/streamcore/internal/events"
	"github.com/polystream/streamcore/internal/worker"
)

// Stats mirrors aggregator.Stats, re-exported so callers need not import
// the aggregator package directly.
type Stats = aggregator.Stats

// Service is the streaming core's public façade: add tokens, read order
// books and trades, subscribe to the merged event stream, and observe
// fleet health.
type Service struct {
	cfg config.Config
	log *zap.Logger

	dist *distributor.Distributor
	agg  *aggregator.Aggregator
	sem  *semaphore.Weighted

	mu      sync.RWMutex
	workers map[int]*worker.Worker

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	started   bool
}

// New builds a Service from cfg. Call Start before adding tokens.
func New(cfg config.Config, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		dist:    distributor.New(cfg.Streaming.TokensPerWorker),
		agg:     aggregator.New(cfg.Streaming.EventBufferSize, log),
		sem:     semaphore.NewWeighted(int64(maxInt(cfg.Streaming.MaxConcurrentConnections, 1))),
		workers: make(map[int]*worker.Worker),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Start is idempotent: it launches the aggregator's stats loop and the
// health-check loop exactly once.
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(ctx)
		s.started = true
		go s.agg.RunStatsLoop(s.ctx, s.cfg.Streaming.StatsInterval())
		go s.runHealthCheckLoop(s.ctx)
	})
}

// Stop tears down every worker and cancels the background tasks.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.workers {
		w.Stop()
		s.agg.Unregister(id)
	}
	s.workers = make(map[int]*worker.Worker)
}

// AddTokens feeds new assets into the distributor and launches any
// workers the resulting diff calls for, throttled to
// max_concurrent_connections concurrent dials and interleaved with
// worker_connection_delay_ms. A failed worker start is logged and
// skipped; it does not abort the rest of the batch.
func (s *Service) AddTokens(tokens []events.AssetID) error {
	update, err := s.dist.AddTokens(tokens)
	if err != nil {
		return fmt.Errorf("streaming: distribute tokens: %w", err)
	}

	delay := s.cfg.Streaming.WorkerConnectionDelay()
	first := true
	for workerID, assets := range update.WorkersToAdd {
		if !first && delay > 0 {
			time.Sleep(delay)
		}
		first = false
		s.launchWorker(workerID, assets)
	}
	return nil
}

func (s *Service) launchWorker(workerID int, assets []events.AssetID) {
	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		s.log.Warn("streaming: semaphore acquire failed, skipping worker launch",
			zap.Int("worker_id", workerID), zap.Error(err))
		return
	}
	defer s.sem.Release(1)

	w := worker.New(workerID, worker.Config{
		MarketURL:             s.cfg.WebSocket.MarketURL,
		UserURL:               s.cfg.WebSocket.UserURL,
		HeartbeatInterval:     s.cfg.WebSocket.Heartbeat(),
		InitialReconnectDelay: s.cfg.Reconnect.InitialDelay(),
		MaxReconnectDelay:     s.cfg.Reconnect.MaxDelay(),
		MaxReconnectAttempts:  s.cfg.Reconnect.MaxReconnectAttempts,
		EventBufferSize:       s.cfg.Streaming.WorkerEventBufferSize,
	}, s.log)

	// Subscribe before Start so events the worker folds right after
	// connecting reach the aggregator too.
	workerEvents := w.SubscribeEvents()

	if err := w.Start(s.ctx, assets); err != nil {
		s.log.Warn("streaming: worker start failed, skipping",
			zap.Int("worker_id", workerID), zap.Error(err))
		return
	}

	s.mu.Lock()
	s.workers[workerID] = w
	s.mu.Unlock()

	s.agg.Register(s.ctx, workerID, workerEvents)
}

// RemoveTokens unassigns the given assets and shuts down any worker left
// with none.
func (s *Service) RemoveTokens(tokens []events.AssetID) error {
	update, err := s.dist.RemoveTokens(tokens)
	if err != nil {
		return fmt.Errorf("streaming: remove tokens: %w", err)
	}

	assignment := s.dist.Assignment()
	s.mu.RLock()
	for workerID := range update.WorkersToRemove {
		if w, ok := s.workers[workerID]; ok {
			if err := w.UpdateTokens(assignment[workerID]); err != nil {
				s.log.Warn("streaming: resubscribe after token removal failed",
					zap.Int("worker_id", workerID), zap.Error(err))
			}
		}
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, workerID := range update.WorkersToShutdown {
		if w, ok := s.workers[workerID]; ok {
			w.Stop()
			delete(s.workers, workerID)
			s.agg.Unregister(workerID)
		}
	}
	return nil
}

// GetStreamingTokens returns every asset currently assigned to a worker.
func (s *Service) GetStreamingTokens() []events.AssetID {
	return s.dist.Tokens()
}

// GetOrderBook routes to the owning worker's book snapshot.
func (s *Service) GetOrderBook(asset events.AssetID) (worker.BookSnapshot, bool) {
	workerID, ok := s.dist.WorkerFor(asset)
	if !ok {
		return worker.BookSnapshot{}, false
	}
	s.mu.RLock()
	w, ok := s.workers[workerID]
	s.mu.RUnlock()
	if !ok {
		return worker.BookSnapshot{}, false
	}
	return w.GetOrderBook(asset)
}

// GetLastTradePrice routes to the owning worker's last trade price.
func (s *Service) GetLastTradePrice(asset events.AssetID) (decimal.Decimal, int64, bool) {
	workerID, found := s.dist.WorkerFor(asset)
	if !found {
		return decimal.Decimal{}, 0, false
	}
	s.mu.RLock()
	w, found := s.workers[workerID]
	s.mu.RUnlock()
	if !found {
		return decimal.Decimal{}, 0, false
	}
	return w.GetLastTradePrice(asset)
}

// SubscribeEvents returns a new, independent channel of the merged event
// stream. Each call mints its own channel, so a metrics consumer and a
// trading consumer can each subscribe and both see every event.
func (s *Service) SubscribeEvents() <-chan events.PolyEvent {
	return s.agg.Events()
}

// Stats returns the aggregator's most recent throughput snapshot.
func (s *Service) Stats() Stats {
	return s.agg.Stats()
}

// WorkerStatuses returns every worker's current lifecycle status, keyed
// by worker id.
func (s *Service) WorkerStatuses() map[int]worker.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]worker.Status, len(s.workers))
	for id, w := range s.workers {
		out[id] = w.Status()
	}
	return out
}

// runHealthCheckLoop logs every worker in Failed status once per
// health_check_interval_secs. Recovery is a policy decision left to the
// operator.
func (s *Service) runHealthCheckLoop(ctx context.Context) {
	interval := s.cfg.Streaming.HealthCheckInterval()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for id, status := range s.WorkerStatuses() {
				if status.Kind == worker.StatusFailed {
					s.log.Warn("streaming: worker failed",
						zap.Int("worker_id", id), zap.String("reason", status.Reason))
				}
			}
		}
	}
}
