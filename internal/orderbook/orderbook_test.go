package orderbook

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/polystream/streamcore/internal/events"
)

func lvl(price, size string) events.PriceLevel {
	return events.PriceLevel{Price: d(price), Size: d(size)}
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestNewOrderBookIsEmpty(t *testing.T) {
	b := New("a1", nil)
	if _, ok := b.BestBid(); ok {
		t.Fatalf("expected no best bid on empty book")
	}
	if _, ok := b.BestAsk(); ok {
		t.Fatalf("expected no best ask on empty book")
	}
}

func TestReplaceWithSnapshotVerifiesHash(t *testing.T) {
	b := New("a1", nil)
	bids := []events.PriceLevel{lvl("0.95", "100"), lvl("0.94", "200")}
	asks := []events.PriceLevel{lvl("0.96", "150"), lvl("0.97", "250")}

	// Compute the expected hash from a scratch book with the same levels.
	scratch := New("a1", nil)
	if err := scratch.ReplaceWithSnapshot(bids, asks, scratch.ComputeHash()); err == nil {
		t.Fatalf("expected hash mismatch against the empty book's own hash of itself before insertion")
	}
	expectedHash := scratch.ComputeHash()

	if err := b.ReplaceWithSnapshot(bids, asks, expectedHash); err != nil {
		t.Fatalf("ReplaceWithSnapshot: %v", err)
	}

	bid, ok := b.BestBid()
	if !ok || !bid.Price.Equal(d("0.95")) || !bid.Size.Equal(d("100")) {
		t.Fatalf("BestBid = %+v, %v", bid, ok)
	}
	ask, ok := b.BestAsk()
	if !ok || !ask.Price.Equal(d("0.96")) {
		t.Fatalf("BestAsk = %+v, %v", ask, ok)
	}
}

func TestReplaceWithSnapshotHashMismatch(t *testing.T) {
	b := New("a1", nil)
	bids := []events.PriceLevel{lvl("0.95", "100")}
	err := b.ReplaceWithSnapshot(bids, nil, "not-the-real-hash")
	if err == nil {
		t.Fatalf("expected hash mismatch error")
	}
	var hashErr *HashMismatchError
	if !errorsAs(err, &hashErr) {
		t.Fatalf("expected *HashMismatchError, got %T", err)
	}
}

func errorsAs(err error, target **HashMismatchError) bool {
	if e, ok := err.(*HashMismatchError); ok {
		*target = e
		return true
	}
	return false
}

func TestApplyPriceChangeUpdateAndRemove(t *testing.T) {
	b := New("a1", nil)
	b.ReplaceWithSnapshotNoHash([]events.PriceLevel{lvl("0.95", "100")}, []events.PriceLevel{lvl("0.96", "150")})

	// Update the bid size and verify against the book's own post-mutation hash.
	wantHash := New("a1", nil)
	wantHash.ReplaceWithSnapshotNoHash([]events.PriceLevel{lvl("0.95", "200")}, []events.PriceLevel{lvl("0.96", "150")})
	expected := wantHash.ComputeHash()

	if err := b.ApplyPriceChange(events.Buy, d("0.95"), d("200"), expected); err != nil {
		t.Fatalf("ApplyPriceChange update: %v", err)
	}
	bid, _ := b.BestBid()
	if !bid.Size.Equal(d("200")) {
		t.Fatalf("bid size = %s, want 200", bid.Size)
	}

	// Remove the bid with size zero.
	afterRemove := New("a1", nil)
	afterRemove.ReplaceWithSnapshotNoHash(nil, []events.PriceLevel{lvl("0.96", "150")})
	expected = afterRemove.ComputeHash()

	if err := b.ApplyPriceChange(events.Buy, d("0.95"), d("0"), expected); err != nil {
		t.Fatalf("ApplyPriceChange remove: %v", err)
	}
	if _, ok := b.BestBid(); ok {
		t.Fatalf("expected no bids after removal")
	}
}

func TestApplyPriceChangeNoHashDoesNotVerify(t *testing.T) {
	b := New("a1", nil)
	b.ApplyPriceChangeNoHash(events.Sell, d("0.5"), d("10"))
	ask, ok := b.BestAsk()
	if !ok || !ask.Price.Equal(d("0.5")) {
		t.Fatalf("ask = %+v, %v", ask, ok)
	}
}

func TestBidsAndAsksAreOrdered(t *testing.T) {
	b := New("a1", nil)
	b.ReplaceWithSnapshotNoHash(
		[]events.PriceLevel{lvl("0.90", "1"), lvl("0.95", "2"), lvl("0.80", "3")},
		[]events.PriceLevel{lvl("0.99", "1"), lvl("0.96", "2"), lvl("0.98", "3")},
	)

	bids := b.Bids()
	if len(bids) != 3 || !bids[0].Price.Equal(d("0.95")) || !bids[2].Price.Equal(d("0.80")) {
		t.Fatalf("bids not descending: %+v", bids)
	}
	asks := b.Asks()
	if len(asks) != 3 || !asks[0].Price.Equal(d("0.96")) || !asks[2].Price.Equal(d("0.99")) {
		t.Fatalf("asks not ascending: %+v", asks)
	}
}

func TestComputeHashIsDeterministic(t *testing.T) {
	a := New("a1", nil)
	a.ReplaceWithSnapshotNoHash([]events.PriceLevel{lvl("0.1", "1"), lvl("0.2", "2")}, []events.PriceLevel{lvl("0.3", "3")})

	b := New("a1", nil)
	// Insert in a different order; the hash must still match since both
	// sides are sorted before hashing.
	b.ApplyPriceChangeNoHash(events.Buy, d("0.2"), d("2"))
	b.ApplyPriceChangeNoHash(events.Buy, d("0.1"), d("1"))
	b.ApplyPriceChangeNoHash(events.Sell, d("0.3"), d("3"))

	if a.ComputeHash() != b.ComputeHash() {
		t.Fatalf("hash depends on insertion order: %s != %s", a.ComputeHash(), b.ComputeHash())
	}
}

func TestValidateAndCleanRepairsCrossedMarket(t *testing.T) {
	b := New("a1", nil)
	b.ReplaceWithSnapshotNoHash(
		[]events.PriceLevel{lvl("0.50", "1"), lvl("0.60", "2"), lvl("0.40", "3")},
		[]events.PriceLevel{lvl("0.55", "1"), lvl("0.45", "2"), lvl("0.65", "3")},
	)

	cleaned := b.ValidateAndClean()
	if !cleaned {
		t.Fatalf("expected crossed market to be detected")
	}

	// Bids >= 0.45 (the original best ask) removed: 0.60/0.50 gone, 0.40 remains.
	bid, ok := b.BestBid()
	if !ok || !bid.Price.Equal(d("0.40")) {
		t.Fatalf("BestBid after clean = %+v, %v, want 0.40", bid, ok)
	}

	// New best bid is 0.40; asks <= 0.40 removed: none, so 0.45/0.55/0.65 remain.
	ask, ok := b.BestAsk()
	if !ok || !ask.Price.Equal(d("0.45")) {
		t.Fatalf("BestAsk after clean = %+v, %v, want 0.45", ask, ok)
	}
}

func TestSnapshotThenCrossedDeltaIsRepaired(t *testing.T) {
	b := New("a1", nil)
	b.ReplaceWithSnapshotNoHash([]events.PriceLevel{lvl("0.40", "100")}, []events.PriceLevel{lvl("0.60", "100")})

	b.ApplyPriceChangeNoHash(events.Buy, d("0.70"), d("50"))
	cleaned := b.ValidateAndClean()
	if !cleaned {
		t.Fatalf("expected crossed market (bid 0.70 >= ask 0.60) to be cleaned")
	}

	bid, ok := b.BestBid()
	if !ok || !bid.Price.Equal(d("0.70")) || !bid.Size.Equal(d("50")) {
		t.Fatalf("BestBid = %+v, %v, want (0.70, 50)", bid, ok)
	}
	if _, ok := b.BestAsk(); ok {
		t.Fatalf("expected no asks remaining after repair")
	}
}

func TestValidateAndCleanNoopOnHealthyBook(t *testing.T) {
	b := New("a1", nil)
	b.ReplaceWithSnapshotNoHash([]events.PriceLevel{lvl("0.40", "1")}, []events.PriceLevel{lvl("0.60", "1")})
	if b.ValidateAndClean() {
		t.Fatalf("expected no cleaning on a healthy book")
	}
}

func TestSetTickSize(t *testing.T) {
	b := New("a1", nil)
	if _, ok := b.TickSize(); ok {
		t.Fatalf("expected no tick size initially")
	}
	b.SetTickSize(d("0.01"))
	got, ok := b.TickSize()
	if !ok || !got.Equal(d("0.01")) {
		t.Fatalf("TickSize = %v, %v", got, ok)
	}
}

func TestSummaryFormatsAllCases(t *testing.T) {
	b := New("a1", nil)
	if s := b.Summary(); s != "a1: empty order book" {
		t.Fatalf("Summary() = %q", s)
	}

	b.ApplyPriceChangeNoHash(events.Buy, d("0.5"), d("10"))
	if s := b.Summary(); s != "a1: bid $0.5 (10), no asks" {
		t.Fatalf("Summary() = %q", s)
	}

	b.ApplyPriceChangeNoHash(events.Sell, d("0.6"), d("5"))
	want := "a1: bid $0.5 (10), ask $0.6 (5), spread $0.1"
	if s := b.Summary(); s != want {
		t.Fatalf("Summary() = %q, want %q", s, want)
	}
}
