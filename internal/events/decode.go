package events

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// flexInt64 decodes a millisecond timestamp carried as either a JSON string
// or a JSON number, matching the feed's inconsistent encoding across event
// types.
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt64(v)
	return nil
}

type rawDiscriminator struct {
	Type      string `json:"type"`
	EventType string `json:"event_type"`
}

func (d rawDiscriminator) kind() string {
	if d.Type != "" {
		return d.Type
	}
	return d.EventType
}

type rawLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

type rawBook struct {
	AssetID string     `json:"asset_id"`
	Bids    []rawLevel `json:"bids"`
	Buys    []rawLevel `json:"buys"`
	Asks    []rawLevel `json:"asks"`
	Sells   []rawLevel `json:"sells"`
	Hash    string     `json:"hash"`
}

type rawChange struct {
	Price decimal.Decimal `json:"price"`
	Side  string          `json:"side"`
	Size  decimal.Decimal `json:"size"`
}

type rawPriceChange struct {
	AssetID string      `json:"asset_id"`
	Changes []rawChange `json:"changes"`
	Hash    string      `json:"hash"`
}

type rawTickSizeChange struct {
	AssetID  string          `json:"asset_id"`
	TickSize decimal.Decimal `json:"tick_size"`
}

type rawTrade struct {
	AssetID   string          `json:"asset_id"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Side      string          `json:"side"`
	Timestamp flexInt64       `json:"timestamp"`
}

type rawMyOrder struct {
	OrderID string          `json:"order_id"`
	AssetID string          `json:"asset_id"`
	Side    string          `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	Status  string          `json:"status"`
}

type rawMyTrade struct {
	TradeID   string          `json:"trade_id"`
	OrderID   string          `json:"order_id"`
	AssetID   string          `json:"asset_id"`
	Side      string          `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Timestamp flexInt64       `json:"timestamp"`
}

type rawLastTradePrice struct {
	AssetID   string          `json:"asset_id"`
	Price     decimal.Decimal `json:"price"`
	Timestamp flexInt64       `json:"timestamp"`
}

// ParseFrame decodes one WebSocket text frame into zero or more PolyEvents.
// The server sends either an array of event objects or a single object; a
// literal "[]" (with or without surrounding quotes, as seen used for
// subscription acks) is a valid no-op. A malformed envelope is logged at
// warn and dropped — it never returns an error, because one bad frame must
// not interrupt the decode loop (spec §4.1, §7).
func ParseFrame(raw []byte, log *zap.Logger) []PolyEvent {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}
	if s := string(trimmed); s == "[]" || s == `"[]"` {
		return nil
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(trimmed, &arr); err == nil {
		var out []PolyEvent
		for _, item := range arr {
			out = append(out, decodeOne(item, log)...)
		}
		return out
	}

	return decodeOne(trimmed, log)
}

func decodeOne(raw json.RawMessage, log *zap.Logger) []PolyEvent {
	var disc rawDiscriminator
	if err := json.Unmarshal(raw, &disc); err != nil {
		warn(log, "invalid event frame", err)
		return nil
	}

	switch disc.kind() {
	case "book":
		return decodeBook(raw, log)
	case "price_change":
		return decodePriceChange(raw, log)
	case "tick_size_change":
		return decodeTickSizeChange(raw, log)
	case "trade":
		return decodeTrade(raw, log)
	case "order":
		return decodeMyOrder(raw, log)
	case "user_trade":
		return decodeMyTrade(raw, log)
	case "last_trade_price":
		return decodeLastTradePrice(raw, log)
	default:
		return []PolyEvent{{Kind: KindUnknown}}
	}
}

func decodeBook(raw json.RawMessage, log *zap.Logger) []PolyEvent {
	var ev rawBook
	if err := json.Unmarshal(raw, &ev); err != nil {
		warn(log, "failed to parse book event", err)
		return nil
	}

	bids := ev.Bids
	if len(bids) == 0 {
		bids = ev.Buys
	}
	asks := ev.Asks
	if len(asks) == 0 {
		asks = ev.Sells
	}

	return []PolyEvent{{
		Kind:    KindBook,
		AssetID: AssetID(ev.AssetID),
		Bids:    toLevels(bids),
		Asks:    toLevels(asks),
		Hash:    ev.Hash,
	}}
}

func decodePriceChange(raw json.RawMessage, log *zap.Logger) []PolyEvent {
	var ev rawPriceChange
	if err := json.Unmarshal(raw, &ev); err != nil {
		warn(log, "failed to parse price_change event", err)
		return nil
	}

	out := make([]PolyEvent, 0, len(ev.Changes))
	for _, c := range ev.Changes {
		side, err := ParseSide(c.Side)
		if err != nil {
			warn(log, "failed to parse price_change side", err)
			continue
		}
		out = append(out, PolyEvent{
			Kind:    KindPriceChange,
			AssetID: AssetID(ev.AssetID),
			Side:    side,
			Price:   c.Price,
			Size:    c.Size,
			Hash:    ev.Hash,
		})
	}
	return out
}

func decodeTickSizeChange(raw json.RawMessage, log *zap.Logger) []PolyEvent {
	var ev rawTickSizeChange
	if err := json.Unmarshal(raw, &ev); err != nil {
		warn(log, "failed to parse tick_size_change event", err)
		return nil
	}
	return []PolyEvent{{
		Kind:     KindTickSizeChange,
		AssetID:  AssetID(ev.AssetID),
		TickSize: ev.TickSize,
	}}
}

func decodeTrade(raw json.RawMessage, log *zap.Logger) []PolyEvent {
	var ev rawTrade
	if err := json.Unmarshal(raw, &ev); err != nil {
		warn(log, "failed to parse trade event", err)
		return nil
	}
	side, err := ParseSide(ev.Side)
	if err != nil {
		warn(log, "failed to parse trade side", err)
		return nil
	}
	return []PolyEvent{{
		Kind:        KindTrade,
		AssetID:     AssetID(ev.AssetID),
		Side:        side,
		Price:       ev.Price,
		Size:        ev.Size,
		TimestampMs: int64(ev.Timestamp),
	}}
}

func decodeMyOrder(raw json.RawMessage, log *zap.Logger) []PolyEvent {
	var ev rawMyOrder
	if err := json.Unmarshal(raw, &ev); err != nil {
		warn(log, "failed to parse order event", err)
		return nil
	}
	side, err := ParseSide(ev.Side)
	if err != nil {
		warn(log, "failed to parse order side", err)
		return nil
	}
	status, err := ParseOrderStatus(ev.Status)
	if err != nil {
		warn(log, "failed to parse order status", err)
		return nil
	}
	return []PolyEvent{{
		Kind:    KindMyOrder,
		AssetID: AssetID(ev.AssetID),
		Side:    side,
		Price:   ev.Price,
		Size:    ev.Size,
		Status:  status,
	}}
}

func decodeMyTrade(raw json.RawMessage, log *zap.Logger) []PolyEvent {
	var ev rawMyTrade
	if err := json.Unmarshal(raw, &ev); err != nil {
		warn(log, "failed to parse user_trade event", err)
		return nil
	}
	side, err := ParseSide(ev.Side)
	if err != nil {
		warn(log, "failed to parse user_trade side", err)
		return nil
	}
	return []PolyEvent{{
		Kind:        KindMyTrade,
		AssetID:     AssetID(ev.AssetID),
		Side:        side,
		Price:       ev.Price,
		Size:        ev.Size,
		TimestampMs: int64(ev.Timestamp),
	}}
}

func decodeLastTradePrice(raw json.RawMessage, log *zap.Logger) []PolyEvent {
	var ev rawLastTradePrice
	if err := json.Unmarshal(raw, &ev); err != nil {
		warn(log, "failed to parse last_trade_price event", err)
		return nil
	}
	return []PolyEvent{{
		Kind:        KindLastTradePrice,
		AssetID:     AssetID(ev.AssetID),
		Price:       ev.Price,
		TimestampMs: int64(ev.Timestamp),
	}}
}

func toLevels(raw []rawLevel) []PriceLevel {
	if len(raw) == 0 {
		return nil
	}
	out := make([]PriceLevel, 0, len(raw))
	for _, r := range raw {
		out = append(out, PriceLevel{Price: r.Price, Size: r.Size})
	}
	return out
}

func warn(log *zap.Logger, msg string, err error) {
	if log == nil {
		return
	}
	log.Warn("events: "+msg, zap.Error(err))
}
