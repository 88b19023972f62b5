package worker

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/polystream/streamcore/internal/events"
	"github.com/polystream/streamcore/internal/orderbook"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func lvl(price, size string) events.PriceLevel {
	return events.PriceLevel{Price: d(price), Size: d(size)}
}

// newTestWorker builds a Worker without dialing any real connection, for
// exercising the fold/broadcast/book-registry logic directly.
func newTestWorker() *Worker {
	return New(1, Config{EventBufferSize: 16}, nil)
}

func TestNewWorkerStartsInStartingStatus(t *testing.T) {
	w := newTestWorker()
	if w.Status().Kind != StatusStarting {
		t.Fatalf("initial status = %v, want Starting", w.Status().Kind)
	}
	if w.ID() != 1 {
		t.Fatalf("ID() = %d, want 1", w.ID())
	}
}

func TestHandleEventFoldsIntoBookBeforeBroadcast(t *testing.T) {
	w := newTestWorker()
	sub := w.SubscribeEvents()

	ev := events.PolyEvent{
		Kind:    events.KindBook,
		AssetID: "asset-1",
		Bids:    []events.PriceLevel{lvl("0.40", "100")},
		Asks:    []events.PriceLevel{lvl("0.60", "100")},
	}
	// Use the book's own hash so ReplaceWithSnapshot does not report a
	// mismatch (mismatch is exercised separately below).
	scratch := orderbook.New("asset-1", nil)
	scratch.ReplaceWithSnapshotNoHash(ev.Bids, ev.Asks)
	ev.Hash = scratch.ComputeHash()

	w.handleEvent(ev)

	snap, ok := w.GetOrderBook("asset-1")
	if !ok {
		t.Fatalf("expected book for asset-1 to exist after handleEvent")
	}
	if len(snap.Bids) != 1 || !snap.Bids[0].Price.Equal(d("0.40")) {
		t.Fatalf("unexpected bids: %+v", snap.Bids)
	}

	select {
	case got := <-sub:
		if got.Kind != events.KindBook || got.AssetID != "asset-1" {
			t.Fatalf("unexpected broadcast event: %+v", got)
		}
	default:
		t.Fatalf("expected the event to have been broadcast to the subscriber")
	}
}

func TestHandleEventCountsHashMismatch(t *testing.T) {
	w := newTestWorker()
	ev := events.PolyEvent{
		Kind:    events.KindBook,
		AssetID: "asset-1",
		Bids:    []events.PriceLevel{lvl("0.40", "100")},
		Hash:    "not-the-real-hash",
	}
	w.handleEvent(ev)

	_, mismatches := w.Stats()
	if mismatches != 1 {
		t.Fatalf("hashMismatches = %d, want 1", mismatches)
	}
}

func TestHandleEventPriceChangeCrossedMarketIsRepaired(t *testing.T) {
	w := newTestWorker()

	snapshot := events.PolyEvent{
		Kind:    events.KindBook,
		AssetID: "asset-1",
		Bids:    []events.PriceLevel{lvl("0.40", "100")},
		Asks:    []events.PriceLevel{lvl("0.60", "100")},
	}
	scratch := orderbook.New("asset-1", nil)
	scratch.ReplaceWithSnapshotNoHash(snapshot.Bids, snapshot.Asks)
	snapshot.Hash = scratch.ComputeHash()
	w.handleEvent(snapshot)

	scratch.ApplyPriceChangeNoHash(events.Buy, d("0.70"), d("50"))
	delta := events.PolyEvent{
		Kind:    events.KindPriceChange,
		AssetID: "asset-1",
		Side:    events.Buy,
		Price:   d("0.70"),
		Size:    d("50"),
		Hash:    scratch.ComputeHash(),
	}
	w.handleEvent(delta)

	crossed, _ := w.Stats()
	if crossed != 1 {
		t.Fatalf("crossedMarkets = %d, want 1", crossed)
	}

	snap, ok := w.GetOrderBook("asset-1")
	if !ok {
		t.Fatalf("expected book for asset-1")
	}
	if len(snap.Asks) != 0 {
		t.Fatalf("expected asks to be fully repaired away, got %+v", snap.Asks)
	}
	if len(snap.Bids) != 1 || !snap.Bids[0].Price.Equal(d("0.70")) {
		t.Fatalf("expected sole bid at 0.70, got %+v", snap.Bids)
	}
}

func TestHandleEventTracksLastTradePrice(t *testing.T) {
	w := newTestWorker()
	w.handleEvent(events.PolyEvent{
		Kind:        events.KindTrade,
		AssetID:     "asset-1",
		Price:       d("0.55"),
		TimestampMs: 1000,
	})

	price, ts, ok := w.GetLastTradePrice("asset-1")
	if !ok || !price.Equal(d("0.55")) || ts != 1000 {
		t.Fatalf("GetLastTradePrice = %v, %d, %v", price, ts, ok)
	}

	w.handleEvent(events.PolyEvent{
		Kind:        events.KindLastTradePrice,
		AssetID:     "asset-1",
		Price:       d("0.56"),
		TimestampMs: 2000,
	})
	price, ts, ok = w.GetLastTradePrice("asset-1")
	if !ok || !price.Equal(d("0.56")) || ts != 2000 {
		t.Fatalf("GetLastTradePrice after update = %v, %d, %v", price, ts, ok)
	}
}

func TestHandleEventSetsTickSize(t *testing.T) {
	w := newTestWorker()
	w.handleEvent(events.PolyEvent{
		Kind:     events.KindTickSizeChange,
		AssetID:  "asset-1",
		TickSize: d("0.01"),
	})

	snap, ok := w.GetOrderBook("asset-1")
	if !ok || !snap.HasTickSize || !snap.TickSize.Equal(d("0.01")) {
		t.Fatalf("GetOrderBook tick size = %+v, %v", snap, ok)
	}
}

func TestBroadcastDropsOnFullSubscriberBuffer(t *testing.T) {
	w := newTestWorker()
	ch := make(chan events.PolyEvent) // unbuffered, no reader: every send would block
	w.subsMu.Lock()
	w.subs = append(w.subs, ch)
	w.subsMu.Unlock()

	done := make(chan struct{})
	go func() {
		w.broadcast(events.PolyEvent{Kind: events.KindTrade, AssetID: "asset-1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("broadcast blocked on a full subscriber channel, want non-blocking drop")
	}
}

func TestUpdateTokensDropsRemovedAssetBooks(t *testing.T) {
	w := newTestWorker()
	w.mu.Lock()
	w.assigned["asset-1"] = struct{}{}
	w.assigned["asset-2"] = struct{}{}
	w.books["asset-1"] = orderbook.New("asset-1", nil)
	w.books["asset-2"] = orderbook.New("asset-2", nil)
	w.mu.Unlock()

	// market is nil in this unit test, so UpdateTokens returns before
	// attempting to resend a subscription frame.
	if err := w.UpdateTokens([]events.AssetID{"asset-1"}); err != nil {
		t.Fatalf("UpdateTokens: %v", err)
	}

	if _, ok := w.GetOrderBook("asset-2"); ok {
		t.Fatalf("expected asset-2's book to be dropped after removal")
	}
	if _, ok := w.GetOrderBook("asset-1"); !ok {
		t.Fatalf("expected asset-1's book to survive")
	}

	got := w.GetAssignedTokens()
	if len(got) != 1 || got[0] != "asset-1" {
		t.Fatalf("GetAssignedTokens = %v, want [asset-1]", got)
	}
}

func TestStopClosesSubscriberChannelsAndSetsStoppedStatus(t *testing.T) {
	w := newTestWorker()
	sub := w.SubscribeEvents()

	w.Stop()

	if w.Status().Kind != StatusStopped {
		t.Fatalf("status after Stop = %v, want Stopped", w.Status().Kind)
	}
	if _, ok := <-sub; ok {
		t.Fatalf("expected subscriber channel to be closed after Stop")
	}

	// Stop must be idempotent.
	w.Stop()
}
