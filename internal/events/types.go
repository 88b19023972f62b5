// Package events defines the wire-level event model for the Polymarket
// streaming feeds: the asset identifier, side/status enums, price levels,
// and the tagged PolyEvent produced by decoding a frame (see decode.go).
package events

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// AssetID is an opaque token identifier. It is never empty.
type AssetID string

// Valid reports whether the AssetID carries a non-empty value.
func (a AssetID) Valid() bool { return a != "" }

// Side is the direction of an order or fill.
type Side uint8

const (
	SideUnspecified Side = iota
	Buy
	Sell
)

// String renders the lower-case wire form.
func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// ParseSide decodes a wire-format side string case-insensitively.
func ParseSide(raw string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	default:
		return SideUnspecified, fmt.Errorf("events: unknown side %q", raw)
	}
}

// OrderStatus is the lifecycle state of a user order.
type OrderStatus uint8

const (
	StatusUnspecified OrderStatus = iota
	Open
	Filled
	Cancelled
	PartiallyFilled
)

func (s OrderStatus) String() string {
	switch s {
	case Open:
		return "open"
	case Filled:
		return "filled"
	case Cancelled:
		return "cancelled"
	case PartiallyFilled:
		return "partially_filled"
	default:
		return "unknown"
	}
}

// ParseOrderStatus decodes a wire-format status string case-insensitively.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "open", "live":
		return Open, nil
	case "filled", "matched":
		return Filled, nil
	case "cancelled", "canceled":
		return Cancelled, nil
	case "partially_filled", "partiallyfilled", "partial":
		return PartiallyFilled, nil
	default:
		return StatusUnspecified, fmt.Errorf("events: unknown order status %q", raw)
	}
}

// PriceLevel is one resting level on a side of the book.
//
// Invariants: Price > 0; Size >= 0 (Size == 0 means "delete this level").
// Decimal, never float64 — canonical string form participates in hashing.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// Kind discriminates the variants of a PolyEvent.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindBook
	KindPriceChange
	KindTickSizeChange
	KindTrade
	KindMyOrder
	KindMyTrade
	KindLastTradePrice
)

func (k Kind) String() string {
	switch k {
	case KindBook:
		return "book"
	case KindPriceChange:
		return "price_change"
	case KindTickSizeChange:
		return "tick_size_change"
	case KindTrade:
		return "trade"
	case KindMyOrder:
		return "order"
	case KindMyTrade:
		return "user_trade"
	case KindLastTradePrice:
		return "last_trade_price"
	default:
		return "unknown"
	}
}

// PolyEvent is the public, tagged-variant event produced by decoding one
// wire frame. Only the fields relevant to Kind are populated; the rest are
// left zero. This flattened-struct shape (rather than a closed sum type)
// mirrors how the rest of the pack represents wire events (BookUpdate,
// etc.) and keeps decoding allocation-free per event.
type PolyEvent struct {
	Kind    Kind
	AssetID AssetID

	// Book
	Bids []PriceLevel
	Asks []PriceLevel
	Hash string

	// PriceChange / Trade / MyOrder / MyTrade / LastTradePrice
	Side  Side
	Price decimal.Decimal
	Size  decimal.Decimal

	// TickSizeChange
	TickSize decimal.Decimal

	// MyOrder
	Status OrderStatus

	// Trade / MyTrade / LastTradePrice
	TimestampMs int64
}
