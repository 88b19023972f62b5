// Package wsconn owns a single authenticated WebSocket connection: dialing,
// subscription handshake, heartbeat monitoring, frame decoding, and
// full-jitter exponential-backoff reconnect. A worker (internal/worker)
// composes one or two of these per asset shard (market feed, optional user
// feed).
package wsconn

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/polystream/streamcore/internal/events"
)

// State is a position in the connection's lifecycle state machine:
// Disconnected -> Connecting -> Subscribing -> Connected -> (Reconnecting | Closed).
// Closed is terminal. It is entered by an explicit Close call and also when
// reconnect attempts are exhausted; there is no separate failed state, and
// FailedPermanently tells the two cases apart.
type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribing
	Connected
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribing:
		return "subscribing"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// AuthPayload carries user-feed credentials, sent once in the subscription
// handshake and never logged.
type AuthPayload struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

type marketSubscribeMsg struct {
	Type      string   `json:"type"`
	AssetsIDs []string `json:"assets_ids"`
}

type userSubscribeMsg struct {
	Type    string      `json:"type"`
	Markets []string    `json:"markets"`
	Auth    AuthPayload `json:"auth"`
}

// MarketSubscription builds the client->server subscription frame for the
// market feed.
func MarketSubscription(assetIDs []string) ([]byte, error) {
	return json.Marshal(marketSubscribeMsg{Type: "market", AssetsIDs: assetIDs})
}

// UserSubscription builds the client->server subscription frame for the
// user feed.
func UserSubscription(markets []string, auth AuthPayload) ([]byte, error) {
	return json.Marshal(userSubscribeMsg{Type: "user", Markets: markets, Auth: auth})
}

// Config holds the tunable parameters of one connection.
type Config struct {
	URL string

	// HeartbeatInterval is how often a ping is sent. A pong must arrive
	// within 2x this interval or the connection is declared dead.
	HeartbeatInterval time.Duration

	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
	// MaxReconnectAttempts caps reconnection attempts; 0 means unbounded.
	MaxReconnectAttempts int

	Headers http.Header
}

// DefaultConfig returns the spec's documented defaults for a given endpoint.
func DefaultConfig(url string) Config {
	return Config{
		URL:                   url,
		HeartbeatInterval:     10 * time.Second,
		InitialReconnectDelay: 1 * time.Second,
		MaxReconnectDelay:     30 * time.Second,
		MaxReconnectAttempts:  0,
	}
}

// SubscribeFunc builds the subscription frame(s) sent right after dialing.
// It is called once per (re)connection, so a closure over mutable token
// sets reflects the latest assignment on every reconnect.
type SubscribeFunc func() ([][]byte, error)

// Conn is one WebSocket connection with its own lifecycle. It decodes
// inbound frames with events.ParseFrame and delivers each resulting
// events.PolyEvent on its Events channel without blocking: a full channel
// drops the event rather than stall the read loop (spec §5 backpressure).
type Conn struct {
	cfg       Config
	subscribe SubscribeFunc
	log       *zap.Logger

	state   atomic.Int32
	attempt atomic.Int32

	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	lastPongNanos atomic.Int64
	manualClose   atomic.Bool

	out chan events.PolyEvent

	cancel context.CancelFunc
	done   chan struct{}

	// onFrame is a test hook invoked with every raw inbound frame before
	// decoding; nil in production.
	onFrame func([]byte)
}

// New constructs a Conn. bufSize bounds the outbound PolyEvent channel
// (spec default worker_event_buffer_size = 1024).
func New(cfg Config, subscribe SubscribeFunc, bufSize int, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}
	if bufSize <= 0 {
		bufSize = 1024
	}
	c := &Conn{
		cfg:       cfg,
		subscribe: subscribe,
		log:       log,
		out:       make(chan events.PolyEvent, bufSize),
		done:      make(chan struct{}),
	}
	c.state.Store(int32(Disconnected))
	return c
}

// State returns the connection's current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Attempt returns the current reconnect attempt counter (0 while connected).
func (c *Conn) Attempt() int { return int(c.attempt.Load()) }

// Events returns the channel of decoded PolyEvents.
func (c *Conn) Events() <-chan events.PolyEvent { return c.out }

// Done returns a channel closed by Close. It is not closed when the
// reconnect loop gives up or the Connect context is cancelled.
func (c *Conn) Done() <-chan struct{} { return c.done }

// FailedPermanently reports whether the connection gave up reconnecting
// because MaxReconnectAttempts was exhausted, as opposed to being closed
// explicitly by the caller.
func (c *Conn) FailedPermanently() bool {
	return c.State() == Closed && !c.manualClose.Load()
}

// Send writes an out-of-band text frame over the live connection (e.g. a
// refreshed subscription after the assigned asset set changes). It is a
// no-op if the connection isn't currently established.
func (c *Conn) Send(data []byte) error {
	if c.State() != Connected {
		return nil
	}
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Connect dials and subscribes once, then runs the read and heartbeat
// loops in the background until ctx is cancelled or Close is called. It
// returns once the first connection attempt succeeds or fails.
func (c *Conn) Connect(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	if err := c.dialAndSubscribe(ctx); err != nil {
		c.state.Store(int32(Disconnected))
		return err
	}

	go c.run(ctx)
	return nil
}

// Close tears down the connection and stops all background loops.
func (c *Conn) Close() {
	c.manualClose.Store(true)
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.state.Store(int32(Closed))

	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *Conn) dialAndSubscribe(ctx context.Context) error {
	c.state.Store(int32(Connecting))

	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Headers)
	if err != nil {
		return err
	}

	conn.SetPongHandler(func(string) error {
		c.lastPongNanos.Store(time.Now().UnixNano())
		return nil
	})

	c.state.Store(int32(Subscribing))

	if c.subscribe != nil {
		frames, err := c.subscribe()
		if err != nil {
			conn.Close()
			return err
		}
		c.writeMu.Lock()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
				c.writeMu.Unlock()
				conn.Close()
				return err
			}
		}
		c.writeMu.Unlock()
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.lastPongNanos.Store(time.Now().UnixNano())
	c.attempt.Store(0)
	c.state.Store(int32(Connected))
	return nil
}

// run drives the read and heartbeat loops, handing off to reconnect on any
// failure, until ctx is done.
func (c *Conn) run(ctx context.Context) {
	for {
		errCh := make(chan error, 2)
		loopCtx, cancelLoops := context.WithCancel(ctx)

		go c.readLoop(loopCtx, errCh)
		go c.heartbeatLoop(loopCtx, errCh)

		select {
		case <-ctx.Done():
			cancelLoops()
			return
		case err := <-errCh:
			cancelLoops()
			c.log.Warn("wsconn: connection lost, reconnecting", zap.String("url", c.cfg.URL), zap.Error(err))
			c.mu.Lock()
			if c.conn != nil {
				c.conn.Close()
			}
			c.mu.Unlock()

			if !c.reconnect(ctx) {
				return
			}
		}
	}
}

func (c *Conn) readLoop(ctx context.Context, errCh chan<- error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case errCh <- err:
			default:
			}
			return
		}

		if c.onFrame != nil {
			c.onFrame(msg)
		}

		for _, ev := range events.ParseFrame(msg, c.log) {
			select {
			case c.out <- ev:
			default:
				c.log.Warn("wsconn: outbound event buffer full, dropping event",
					zap.String("asset_id", string(ev.AssetID)), zap.String("kind", ev.Kind.String()))
			}
		}
	}
}

func (c *Conn) heartbeatLoop(ctx context.Context, errCh chan<- error) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	deadTimeout := 2 * c.cfg.HeartbeatInterval

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				return
			}

			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				select {
				case errCh <- err:
				default:
				}
				return
			}

			last := time.Unix(0, c.lastPongNanos.Load())
			if time.Since(last) > deadTimeout {
				select {
				case errCh <- errHeartbeatTimeout:
				default:
				}
				return
			}
		}
	}
}

var errHeartbeatTimeout = &timeoutError{"wsconn: heartbeat timeout"}

type timeoutError struct{ msg string }

func (e *timeoutError) Error() string { return e.msg }

// reconnect retries dialAndSubscribe with full-jitter exponential backoff:
// delay_n = rand(0, min(max_delay, initial_delay * 2^n)). Returns false if
// attempts are exhausted or ctx is cancelled.
func (c *Conn) reconnect(ctx context.Context) bool {
	c.state.Store(int32(Reconnecting))

	for {
		if ctx.Err() != nil {
			return false
		}

		n := c.attempt.Add(1)
		if c.cfg.MaxReconnectAttempts > 0 && int(n) > c.cfg.MaxReconnectAttempts {
			c.state.Store(int32(Closed))
			return false
		}

		delay := backoffDelay(c.cfg.InitialReconnectDelay, c.cfg.MaxReconnectDelay, n-1)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := c.dialAndSubscribe(ctx); err != nil {
			c.log.Warn("wsconn: reconnect attempt failed",
				zap.String("url", c.cfg.URL), zap.Int32("attempt", n), zap.Error(err))
			continue
		}

		return true
	}
}

// backoffDelay computes a full-jitter exponential backoff delay for the
// n-th (0-indexed) attempt: uniformly sampled in [0, min(max, initial*2^n)].
func backoffDelay(initial, maxDelay time.Duration, n int32) time.Duration {
	ceiling := float64(initial) * math.Pow(2, float64(n))
	if ceiling > float64(maxDelay) || ceiling <= 0 {
		ceiling = float64(maxDelay)
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}
