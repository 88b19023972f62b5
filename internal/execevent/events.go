// Package execevent defines ExecutionEvent, the envelope that every
// consumer downstream of the streaming core (strategies, replay, metrics)
// actually receives. It wraps the wire-level events.PolyEvent with
// provenance, a stable identity, and routing metadata.
package execevent

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/polystream/streamcore/internal/events"
)

// FeedType distinguishes the market data feed from the user (order/fill)
// feed — the two WebSocket endpoints a worker connects to.
type FeedType uint8

const (
	FeedUnspecified FeedType = iota
	FeedMarket
	FeedUser
)

func (f FeedType) String() string {
	switch f {
	case FeedMarket:
		return "market"
	case FeedUser:
		return "user"
	default:
		return "unspecified"
	}
}

// SourceKind discriminates where an ExecutionEvent originated.
type SourceKind uint8

const (
	SourceUnspecified SourceKind = iota
	SourceWebSocket
	SourceReplay
	SourceSimulation
	SourceSystem
)

// EventSource records provenance: which transport produced the event and
// enough detail to reconstruct or replay it.
type EventSource struct {
	// SourceWebSocket
	ConnectionID string
	Feed         FeedType

	// SourceReplay
	FilePath           string
	OriginalTimestamp  time.Time

	// SourceSimulation
	GeneratorID string

	// SourceSystem
	Component string

	kind SourceKind
}

// WebSocketSource builds an EventSource for a live connection.
func WebSocketSource(connectionID string, feed FeedType) EventSource {
	return EventSource{kind: SourceWebSocket, ConnectionID: connectionID, Feed: feed}
}

// ReplaySource builds an EventSource for a file replay (internal/replay is
// interface-only today; this constructor exists so a future implementer has
// a ready-made source value to attach).
func ReplaySource(filePath string, originalTimestamp time.Time) EventSource {
	return EventSource{kind: SourceReplay, FilePath: filePath, OriginalTimestamp: originalTimestamp}
}

// SimulationSource builds an EventSource for a synthetic data generator.
func SimulationSource(generatorID string) EventSource {
	return EventSource{kind: SourceSimulation, GeneratorID: generatorID}
}

// SystemSource builds an EventSource for an internally generated event
// (connection lifecycle, health check, stats snapshot).
func SystemSource(component string) EventSource {
	return EventSource{kind: SourceSystem, Component: component}
}

// SourceKind reports which variant this EventSource carries.
func (s EventSource) SourceKind() SourceKind { return s.kind }

// DataKind discriminates the variants of EventData.
type DataKind uint8

const (
	DataUnspecified DataKind = iota
	DataMarket
	DataUser
	DataSystem
	DataMetrics
)

// MarketEventKind discriminates the market-event variants.
type MarketEventKind uint8

const (
	MarketEventUnspecified MarketEventKind = iota
	MarketOrderBookSnapshot
	MarketPriceChange
	MarketTrade
	MarketLastTradePrice
	MarketTickSizeChange
	MarketStatusChanged
)

// MarketStatus is the lifecycle state of a market.
type MarketStatus uint8

const (
	MarketStatusUnspecified MarketStatus = iota
	MarketActive
	MarketPaused
	MarketClosed
	MarketSettling
	MarketResolved
)

// MarketEvent is the market-data variant of EventData.
type MarketEvent struct {
	Kind    MarketEventKind
	AssetID events.AssetID

	// OrderBookSnapshot
	Bids []events.PriceLevel
	Asks []events.PriceLevel
	Hash string

	// PriceChange / Trade / LastTradePrice
	Side  events.Side
	Price decimal.Decimal
	Size  decimal.Decimal

	// Trade / LastTradePrice
	TradeID   string
	Timestamp time.Time

	// TickSizeChange
	TickSize decimal.Decimal

	// MarketStatus
	Status MarketStatus
}

// UserEventKind discriminates the user-event variants.
type UserEventKind uint8

const (
	UserEventUnspecified UserEventKind = iota
	UserOrderUpdate
	UserTrade
	UserBalanceUpdate
)

// UserEvent is the user-account variant of EventData.
type UserEvent struct {
	Kind    UserEventKind
	AssetID events.AssetID

	OrderID string
	TradeID string
	Side    events.Side
	Price   decimal.Decimal
	Size    decimal.Decimal
	Status  events.OrderStatus

	// BalanceUpdate
	Balance decimal.Decimal
}

// SystemEventKind discriminates the system-event variants.
type SystemEventKind uint8

const (
	SystemEventUnspecified SystemEventKind = iota
	SystemExecutionStarted
	SystemExecutionStopped
	SystemConnectionEstablished
	SystemConnectionLost
	SystemError
	SystemHealthCheck
)

// StopReason explains why a worker or the service stopped.
type StopReason uint8

const (
	StopReasonUnspecified StopReason = iota
	StopUserRequested
	StopError
	StopReplayFinished
	StopTimeout
	StopConfigChange
)

// HealthStatus is a component's self-reported health.
type HealthStatus uint8

const (
	HealthUnspecified HealthStatus = iota
	HealthHealthy
	HealthWarning
	HealthError
	HealthUnknown
)

// SystemEvent is the control/lifecycle variant of EventData.
type SystemEvent struct {
	Kind SystemEventKind

	// ExecutionStarted
	Mode          string
	ConfigSummary string

	// ExecutionStopped
	Reason   StopReason
	Duration time.Duration

	// ConnectionEstablished / ConnectionLost
	Endpoint string
	Feed     FeedType
	Error    string

	// Error
	Component   string
	Recoverable bool

	// HealthCheck
	Status HealthStatus
}

// OrderBookMetrics summarizes order book health across all assigned assets.
type OrderBookMetrics struct {
	ActiveBooks     int
	AverageSpread   *decimal.Decimal
	CrossedMarkets  int
	TotalLiquidity  decimal.Decimal
}

// MemoryMetrics reports approximate memory usage, sampled periodically.
type MemoryMetrics struct {
	HeapBytes      uint64
	OrderBookBytes uint64
	BufferBytes    uint64
}

// MetricsEvent is the periodic stats-snapshot variant of EventData.
type MetricsEvent struct {
	EventsPerSecond    float64
	TotalEvents        uint64
	ActiveConnections  int
	OrderBookMetrics   OrderBookMetrics
	MemoryMetrics      MemoryMetrics
}

// EventData is the tagged payload of an ExecutionEvent. Exactly the field
// group matching Kind is populated.
type EventData struct {
	Kind DataKind

	Market  MarketEvent
	User    UserEvent
	System  SystemEvent
	Metrics MetricsEvent
}

// EventPriority ranks an event for consumers that triage under load.
type EventPriority uint8

const (
	PriorityLow EventPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// EventMetadata carries routing and diagnostic context that isn't part of
// the event's own payload.
type EventMetadata struct {
	ProcessingDuration time.Duration
	SequenceNumber     *uint64
	RelatedEvents      []uuid.UUID
	Tags               map[string]string
	Priority           EventPriority
}

func newMetadata() EventMetadata {
	return EventMetadata{Priority: PriorityNormal, Tags: map[string]string{}}
}

// ExecutionEvent is the unified envelope every downstream consumer of the
// streaming core receives, whether the underlying event came from a live
// WebSocket feed, a replay source, or an internal system signal.
type ExecutionEvent struct {
	ID          uuid.UUID
	Timestamp   time.Time
	ProcessedAt *time.Time
	Source      EventSource
	Data        EventData
	Metadata    EventMetadata
}

// Market constructs a market-data ExecutionEvent.
func Market(data MarketEvent, source EventSource) ExecutionEvent {
	return ExecutionEvent{
		ID:        uuid.New(),
		Timestamp: time.Now(),
		Source:    source,
		Data:      EventData{Kind: DataMarket, Market: data},
		Metadata:  newMetadata(),
	}
}

// User constructs a user-account ExecutionEvent.
func User(data UserEvent, source EventSource) ExecutionEvent {
	return ExecutionEvent{
		ID:        uuid.New(),
		Timestamp: time.Now(),
		Source:    source,
		Data:      EventData{Kind: DataUser, User: data},
		Metadata:  newMetadata(),
	}
}

// System constructs a system/control ExecutionEvent.
func System(data SystemEvent, source EventSource) ExecutionEvent {
	return ExecutionEvent{
		ID:        uuid.New(),
		Timestamp: time.Now(),
		Source:    source,
		Data:      EventData{Kind: DataSystem, System: data},
		Metadata:  newMetadata(),
	}
}

// Metrics constructs a metrics-snapshot ExecutionEvent.
func Metrics(data MetricsEvent, source EventSource) ExecutionEvent {
	return ExecutionEvent{
		ID:        uuid.New(),
		Timestamp: time.Now(),
		Source:    source,
		Data:      EventData{Kind: DataMetrics, Metrics: data},
		Metadata:  newMetadata(),
	}
}

// MarkProcessed stamps the event with the current time and records how
// long it sat between creation and processing.
func (e *ExecutionEvent) MarkProcessed() {
	now := time.Now()
	e.ProcessedAt = &now
	e.Metadata.ProcessingDuration = now.Sub(e.Timestamp)
}

// WithTag attaches a tag and returns the event for chaining.
func (e ExecutionEvent) WithTag(key, value string) ExecutionEvent {
	if e.Metadata.Tags == nil {
		e.Metadata.Tags = map[string]string{}
	}
	e.Metadata.Tags[key] = value
	return e
}

// WithPriority sets the event's priority and returns it for chaining.
func (e ExecutionEvent) WithPriority(p EventPriority) ExecutionEvent {
	e.Metadata.Priority = p
	return e
}

// AssetID returns the asset this event pertains to, if it is a market or
// user event.
func (e ExecutionEvent) AssetID() (events.AssetID, bool) {
	switch e.Data.Kind {
	case DataMarket:
		return e.Data.Market.AssetID, true
	case DataUser:
		return e.Data.User.AssetID, true
	default:
		return "", false
	}
}

// FromPolyEvent converts a wire-level events.PolyEvent into an
// ExecutionEvent sourced from a live WebSocket connection. This is a total
// function over every events.Kind, including KindUnknown and
// KindLastTradePrice, neither of which existed in the original event enum
// this was ported from — both get a best-effort mapping rather than being
// rejected, matching this package's job as the one place every variant
// must land somewhere.
func FromPolyEvent(ev events.PolyEvent, connectionID string) ExecutionEvent {
	source := WebSocketSource(connectionID, FeedMarket)

	switch ev.Kind {
	case events.KindBook:
		return Market(MarketEvent{
			Kind:    MarketOrderBookSnapshot,
			AssetID: ev.AssetID,
			Bids:    ev.Bids,
			Asks:    ev.Asks,
			Hash:    ev.Hash,
		}, source)

	case events.KindPriceChange:
		return Market(MarketEvent{
			Kind:    MarketPriceChange,
			AssetID: ev.AssetID,
			Side:    ev.Side,
			Price:   ev.Price,
			Size:    ev.Size,
			Hash:    ev.Hash,
		}, source)

	case events.KindTrade:
		return Market(MarketEvent{
			Kind:      MarketTrade,
			AssetID:   ev.AssetID,
			Side:      ev.Side,
			Price:     ev.Price,
			Size:      ev.Size,
			TradeID:   "unknown", // PolyEvent carries no trade id for public trades
			Timestamp: time.UnixMilli(ev.TimestampMs),
		}, source)

	case events.KindTickSizeChange:
		return Market(MarketEvent{
			Kind:     MarketTickSizeChange,
			AssetID:  ev.AssetID,
			TickSize: ev.TickSize,
		}, source)

	case events.KindLastTradePrice:
		return Market(MarketEvent{
			Kind:      MarketLastTradePrice,
			AssetID:   ev.AssetID,
			Price:     ev.Price,
			Timestamp: time.UnixMilli(ev.TimestampMs),
		}, source)

	case events.KindMyOrder:
		userSource := WebSocketSource(connectionID, FeedUser)
		return User(UserEvent{
			Kind:    UserOrderUpdate,
			OrderID: "unknown", // PolyEvent doesn't carry an order id
			AssetID: ev.AssetID,
			Side:    ev.Side,
			Price:   ev.Price,
			Size:    ev.Size,
			Status:  ev.Status,
		}, userSource)

	case events.KindMyTrade:
		userSource := WebSocketSource(connectionID, FeedUser)
		return User(UserEvent{
			Kind:    UserTrade,
			TradeID: "unknown",
			OrderID: "unknown",
			AssetID: ev.AssetID,
			Side:    ev.Side,
			Price:   ev.Price,
			Size:    ev.Size,
		}, userSource)

	default: // events.KindUnknown and any future variant
		return System(SystemEvent{
			Kind:      SystemError,
			Component: "events.decode",
			Error:     "unrecognized event kind: " + ev.Kind.String(),
		}, SystemSource("events.decode")).WithPriority(PriorityLow)
	}
}
