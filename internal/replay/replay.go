// Package replay defines the interface shape for non-WebSocket event
// sources (historical replay from disk, synthetic simulation). Per the
// spec this is interface-only: no implementation is provided, so a future
// data source can be slotted in against C7 without reshaping it.
package replay

import (
	"context"

	"github.com/polystream/streamcore/internal/execevent"
)

// Kind names a source implementation for logging and health reporting.
type Kind uint8

const (
	KindWebSocket Kind = iota
	KindReplay
	KindSimulation
)

func (k Kind) String() string {
	switch k {
	case KindWebSocket:
		return "websocket"
	case KindReplay:
		return "replay"
	case KindSimulation:
		return "simulation"
	default:
		return "unknown"
	}
}

// Health is a source's current operating condition.
type Health uint8

const (
	HealthDisconnected Health = iota
	HealthHealthy
	HealthWarning
	HealthError
)

// Stats describes a source's throughput, matching the shape every
// implementation (real or future) is expected to report.
type Stats struct {
	EventsReceived    uint64
	EventsPerSecond   float64
	BytesReceived     uint64
	ConnectionUptime  int64 // nanoseconds
	ReconnectionCount uint64
}

// Source is the common lifecycle every event source — live WebSocket,
// historical replay, or synthetic simulation — must implement to plug
// into the streaming service.
//
// No implementation lives in this package: the WebSocket path is
// internal/wsconn plus internal/worker, which predate and do not depend
// on this interface. Replay and simulation sources are unimplemented by
// design (see spec Non-goals); a future implementer only needs to satisfy
// this interface to slot one in.
type Source interface {
	// Start begins producing events. Returns an error if already running.
	Start(ctx context.Context) error

	// Stop ends production and releases resources. Returns an error if
	// not running.
	Stop(ctx context.Context) error

	// Events returns the channel of converted events this source
	// produces. Valid only while running.
	Events() <-chan execevent.ExecutionEvent

	// Name identifies the source for logging.
	Name() string

	// Active reports whether Start has succeeded and Stop has not yet
	// been called.
	Active() bool

	// HealthStatus reports the source's current operating condition.
	HealthStatus() Health

	// Stats reports the source's throughput counters.
	Stats() Stats
}
