// Package orderbook maintains the level-2 order book state for a single
// asset, with Blake3 hash verification against the exchange's own
// incremental hash so a missed or misordered update is detected rather
// than silently corrupting the book.
package orderbook

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"lukechampine.com/blake3"

	"github.com/polystream/streamcore/internal/events"
)

// HashMismatchError reports that the book's locally computed hash diverged
// from the hash the exchange attached to an update. Callers typically
// respond by requesting a fresh snapshot for the asset.
type HashMismatchError struct {
	AssetID  events.AssetID
	Expected string
	Computed string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("orderbook: hash mismatch for %s: expected %s, computed %s", e.AssetID, e.Expected, e.Computed)
}

// level pairs a price with its resting size; Size == 0 is never stored —
// a zero-size update deletes the level instead.
type level struct {
	price decimal.Decimal
	size  decimal.Decimal
}

// OrderBook is a mutex-guarded level-2 book for one asset. The
// hash-verifying methods (ReplaceWithSnapshot, ApplyPriceChange) recompute
// the canonical hash after mutating and compare it against the supplied
// hash; the other mutating methods do not hash, and ComputeHash returns the
// current hash on demand.
type OrderBook struct {
	mu sync.RWMutex

	assetID events.AssetID
	bids    map[string]level // keyed by canonical price string
	asks    map[string]level

	lastHash string
	tickSize decimal.Decimal
	hasTick  bool

	log *zap.Logger
}

// New returns an empty order book for assetID. log may be nil.
func New(assetID events.AssetID, log *zap.Logger) *OrderBook {
	if log == nil {
		log = zap.NewNop()
	}
	return &OrderBook{
		assetID: assetID,
		bids:    make(map[string]level),
		asks:    make(map[string]level),
		log:     log,
	}
}

// AssetID returns the asset this book represents.
func (b *OrderBook) AssetID() events.AssetID { return b.assetID }

func insertLevels(m map[string]level, levels []events.PriceLevel) {
	for _, l := range levels {
		if l.Size.Sign() <= 0 {
			continue
		}
		m[l.Price.String()] = level{price: l.Price, size: l.Size}
	}
}

// ReplaceWithSnapshot clears the book and loads bids/asks from a full
// snapshot, then verifies the resulting state hashes to hash. On mismatch
// the book is left populated with the snapshot (the caller decides whether
// to discard it) and a *HashMismatchError is returned.
func (b *OrderBook) ReplaceWithSnapshot(bids, asks []events.PriceLevel, hash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[string]level, len(bids))
	b.asks = make(map[string]level, len(asks))
	insertLevels(b.bids, bids)
	insertLevels(b.asks, asks)

	computed := b.computeHashLocked()
	if computed != hash {
		b.log.Warn("hash mismatch on snapshot",
			zap.String("asset_id", string(b.assetID)),
			zap.String("expected", hash),
			zap.String("computed", computed),
		)
		return &HashMismatchError{AssetID: b.assetID, Expected: hash, Computed: computed}
	}

	b.lastHash = hash
	return nil
}

// ReplaceWithSnapshotNoHash is ReplaceWithSnapshot without verification,
// for sources (e.g. replay) that don't carry a hash.
func (b *OrderBook) ReplaceWithSnapshotNoHash(bids, asks []events.PriceLevel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[string]level, len(bids))
	b.asks = make(map[string]level, len(asks))
	insertLevels(b.bids, bids)
	insertLevels(b.asks, asks)
}

// ApplyPriceChange adds, updates, or (size == 0) removes a single level,
// then verifies the book hashes to expectedHash. The mutation is kept
// even on a hash mismatch — the caller decides whether a resync is
// warranted — matching the exchange's own behavior of sending the next
// delta against the post-mutation state regardless.
func (b *OrderBook) ApplyPriceChange(side events.Side, price, size decimal.Decimal, expectedHash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.applyLocked(side, price, size)

	computed := b.computeHashLocked()
	if computed != expectedHash {
		b.log.Warn("hash mismatch on price change",
			zap.String("asset_id", string(b.assetID)),
			zap.String("side", side.String()),
			zap.String("price", price.String()),
			zap.String("size", size.String()),
			zap.String("expected", expectedHash),
			zap.String("computed", computed),
		)
		return &HashMismatchError{AssetID: b.assetID, Expected: expectedHash, Computed: computed}
	}

	b.lastHash = expectedHash
	return nil
}

// ApplyPriceChangeNoHash is ApplyPriceChange without verification.
func (b *OrderBook) ApplyPriceChangeNoHash(side events.Side, price, size decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applyLocked(side, price, size)
}

func (b *OrderBook) applyLocked(side events.Side, price, size decimal.Decimal) {
	var m map[string]level
	switch side {
	case events.Buy:
		m = b.bids
	case events.Sell:
		m = b.asks
	default:
		return
	}

	key := price.String()
	if size.Sign() <= 0 {
		delete(m, key)
		return
	}
	m[key] = level{price: price, size: size}
}

// SetTickSize records the asset's current tick size.
func (b *OrderBook) SetTickSize(tickSize decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tickSize = tickSize
	b.hasTick = true
}

// TickSize returns the last known tick size, if any.
func (b *OrderBook) TickSize() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tickSize, b.hasTick
}

func sortedLevels(m map[string]level, descending bool) []events.PriceLevel {
	out := make([]events.PriceLevel, 0, len(m))
	for _, l := range m {
		out = append(out, events.PriceLevel{Price: l.price, Size: l.size})
	}
	sort.Slice(out, func(i, j int) bool {
		cmp := out[i].Price.Cmp(out[j].Price)
		if descending {
			return cmp > 0
		}
		return cmp < 0
	})
	return out
}

// Bids returns a snapshot of the bid side, highest price first. The
// returned slice is a copy safe to read without holding any lock.
func (b *OrderBook) Bids() []events.PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sortedLevels(b.bids, true)
}

// Asks returns a snapshot of the ask side, lowest price first.
func (b *OrderBook) Asks() []events.PriceLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sortedLevels(b.asks, false)
}

// BestBid returns the highest bid, if any.
func (b *OrderBook) BestBid() (events.PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bestLocked(b.bids, true)
}

// BestAsk returns the lowest ask, if any.
func (b *OrderBook) BestAsk() (events.PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return bestLocked(b.asks, false)
}

func bestLocked(m map[string]level, descending bool) (events.PriceLevel, bool) {
	var best level
	found := false
	for _, l := range m {
		if !found {
			best = l
			found = true
			continue
		}
		cmp := l.price.Cmp(best.price)
		if (descending && cmp > 0) || (!descending && cmp < 0) {
			best = l
		}
	}
	if !found {
		return events.PriceLevel{}, false
	}
	return events.PriceLevel{Price: best.price, Size: best.size}, true
}

// ComputeHash returns the book's current canonical Blake3 hash.
func (b *OrderBook) ComputeHash() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.computeHashLocked()
}

// computeHashLocked hashes, in order: the asset id, then every bid
// descending by price as "bid"+price+size, then every ask ascending by
// price as "ask"+price+size. Both sides and every producer of this book
// must agree byte-for-byte on this sequence.
func (b *OrderBook) computeHashLocked() string {
	h := blake3.New(32, nil)
	h.Write([]byte(b.assetID))

	for _, l := range sortedLevels(b.bids, true) {
		h.Write([]byte("bid"))
		h.Write([]byte(l.Price.String()))
		h.Write([]byte(l.Size.String()))
	}
	for _, l := range sortedLevels(b.asks, false) {
		h.Write([]byte("ask"))
		h.Write([]byte(l.Price.String()))
		h.Write([]byte(l.Size.String()))
	}

	return fmt.Sprintf("%x", h.Sum(nil))
}

// LastHash returns the most recently verified exchange hash, if any.
func (b *OrderBook) LastHash() (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastHash, b.lastHash != ""
}

// Summary renders a one-line description of the book's top of book, for
// logging.
func (b *OrderBook) Summary() string {
	bid, hasBid := b.BestBid()
	ask, hasAsk := b.BestAsk()

	switch {
	case hasBid && hasAsk:
		spread := ask.Price.Sub(bid.Price)
		return fmt.Sprintf("%s: bid $%s (%s), ask $%s (%s), spread $%s",
			b.assetID, bid.Price, bid.Size, ask.Price, ask.Size, spread)
	case hasBid:
		return fmt.Sprintf("%s: bid $%s (%s), no asks", b.assetID, bid.Price, bid.Size)
	case hasAsk:
		return fmt.Sprintf("%s: ask $%s (%s), no bids", b.assetID, ask.Price, ask.Size)
	default:
		return fmt.Sprintf("%s: empty order book", b.assetID)
	}
}

// ValidateAndClean detects a crossed market (best bid >= best ask) and, if
// found, repairs it: first every bid at or above the best ask is removed,
// then every ask at or below the new best bid is removed. Returns true if
// the book needed cleaning.
func (b *OrderBook) ValidateAndClean() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	bid, hasBid := bestLocked(b.bids, true)
	ask, hasAsk := bestLocked(b.asks, false)
	if !hasBid || !hasAsk || bid.Price.Cmp(ask.Price) < 0 {
		return false
	}

	b.log.Warn("crossed market detected, cleaning orderbook",
		zap.String("asset_id", string(b.assetID)),
		zap.String("best_bid", bid.Price.String()),
		zap.String("best_ask", ask.Price.String()),
	)

	for key, l := range b.bids {
		if l.price.Cmp(ask.Price) >= 0 {
			delete(b.bids, key)
		}
	}

	if newBid, ok := bestLocked(b.bids, true); ok {
		for key, l := range b.asks {
			if l.price.Cmp(newBid.Price) <= 0 {
				delete(b.asks, key)
			}
		}
	}

	return true
}
