package streaming

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/polystream/streamcore/internal/config"
	"github.com/polystream/streamcore/internal/events"
)

// newMarketTestServer returns an httptest.Server that upgrades to
// WebSocket, accepts the client's subscription frame, then pushes a
// snapshot "book" frame for every asset id named in the subscription.
func newMarketTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		_, _, err = c.ReadMessage()
		if err != nil {
			return
		}

		frame := `{"event_type":"book","asset_id":"asset-1","bids":[{"price":"0.4","size":"10"}],"asks":[{"price":"0.6","size":"10"}],"hash":"mismatched-hash-book-still-applied"}`
		_ = c.WriteMessage(websocket.TextMessage, []byte(frame))

		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func testConfig(marketURL string) config.Config {
	return config.Config{
		Streaming: config.StreamingConfig{
			TokensPerWorker:          10,
			EventBufferSize:          256,
			WorkerEventBufferSize:    64,
			MaxConcurrentConnections: 2,
			WorkerConnectionDelayMs:  0,
			HealthCheckIntervalSecs:  1,
			StatsIntervalSecs:        1,
		},
		Reconnect: config.ReconnectConfig{
			AutoReconnect:        true,
			ReconnectDelayMs:     50,
			MaxReconnectDelayMs:  200,
			MaxReconnectAttempts: 1,
		},
		WebSocket: config.WSEndpointConfig{
			MarketURL:         marketURL,
			HeartbeatInterval: 10,
		},
	}
}

func TestAddTokensStartsWorkerAndStreamsEvents(t *testing.T) {
	srv := newMarketTestServer(t)
	defer srv.Close()

	svc := New(testConfig(wsURL(srv)), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	sub := svc.SubscribeEvents()
	if err := svc.AddTokens([]events.AssetID{"asset-1"}); err != nil {
		t.Fatalf("AddTokens: %v", err)
	}

	select {
	case ev := <-sub:
		if ev.AssetID != "asset-1" || ev.Kind != events.KindBook {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for the book snapshot to arrive")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := svc.GetOrderBook("asset-1"); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	snap, ok := svc.GetOrderBook("asset-1")
	if !ok {
		t.Fatalf("expected order book for asset-1 to exist")
	}
	if len(snap.Bids) != 1 || snap.Bids[0].Price.String() != "0.4" {
		t.Fatalf("unexpected bids: %+v", snap.Bids)
	}

	tokens := svc.GetStreamingTokens()
	if len(tokens) != 1 || tokens[0] != "asset-1" {
		t.Fatalf("GetStreamingTokens = %v, want [asset-1]", tokens)
	}
}

func TestSubscribeEventsFansOutToEveryConcurrentCaller(t *testing.T) {
	srv := newMarketTestServer(t)
	defer srv.Close()

	svc := New(testConfig(wsURL(srv)), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	metrics := svc.SubscribeEvents()
	trading := svc.SubscribeEvents()

	if err := svc.AddTokens([]events.AssetID{"asset-1"}); err != nil {
		t.Fatalf("AddTokens: %v", err)
	}

	for name, sub := range map[string]<-chan events.PolyEvent{"metrics": metrics, "trading": trading} {
		select {
		case ev := <-sub:
			if ev.AssetID != "asset-1" {
				t.Fatalf("%s subscriber got unexpected event: %+v", name, ev)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("%s subscriber never saw the book snapshot: two subscribers competed for one channel", name)
		}
	}
}

func TestAddTokensSkipsFailedWorkerWithoutAbortingBatch(t *testing.T) {
	svc := New(testConfig("ws://127.0.0.1:1/unreachable"), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	// A dial that fails immediately should be logged and skipped, not
	// returned as an error from AddTokens (distribution itself succeeded).
	if err := svc.AddTokens([]events.AssetID{"asset-1"}); err != nil {
		t.Fatalf("AddTokens returned an error for a worker-start failure: %v", err)
	}

	if _, ok := svc.GetOrderBook("asset-1"); ok {
		t.Fatalf("expected no order book since the worker never connected")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	svc := New(testConfig("ws://127.0.0.1:1/unreachable"), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	svc.Start(ctx)
	svc.Start(ctx)
	svc.Stop()
}

func TestWorkerStatusesEmptyBeforeAnyTokens(t *testing.T) {
	svc := New(testConfig("ws://127.0.0.1:1/unreachable"), nil)
	if statuses := svc.WorkerStatuses(); len(statuses) != 0 {
		t.Fatalf("expected no worker statuses before AddTokens, got %+v", statuses)
	}
}
