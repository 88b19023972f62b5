// Package config loads the streaming core's runtime configuration from
// environment variables prefixed with POLYSTREAM_.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all streaming service configuration.
type Config struct {
	Env       string `mapstructure:"env"`
	Streaming StreamingConfig
	Reconnect ReconnectConfig
	WebSocket WSEndpointConfig
}

// StreamingConfig tunes the worker fleet and its housekeeping tasks.
type StreamingConfig struct {
	TokensPerWorker         int `mapstructure:"tokens_per_worker"`
	EventBufferSize         int `mapstructure:"event_buffer_size"`
	WorkerEventBufferSize   int `mapstructure:"worker_event_buffer_size"`
	MaxConcurrentConnections int `mapstructure:"max_concurrent_connections"`
	WorkerConnectionDelayMs int `mapstructure:"worker_connection_delay_ms"`
	HealthCheckIntervalSecs int `mapstructure:"health_check_interval_secs"`
	StatsIntervalSecs       int `mapstructure:"stats_interval_secs"`
}

// WorkerConnectionDelay returns WorkerConnectionDelayMs as a Duration.
func (s StreamingConfig) WorkerConnectionDelay() time.Duration {
	return time.Duration(s.WorkerConnectionDelayMs) * time.Millisecond
}

// HealthCheckInterval returns HealthCheckIntervalSecs as a Duration.
func (s StreamingConfig) HealthCheckInterval() time.Duration {
	return time.Duration(s.HealthCheckIntervalSecs) * time.Second
}

// StatsInterval returns StatsIntervalSecs as a Duration.
func (s StreamingConfig) StatsInterval() time.Duration {
	return time.Duration(s.StatsIntervalSecs) * time.Second
}

// ReconnectConfig tunes the backoff applied by every wsconn.Conn.
type ReconnectConfig struct {
	AutoReconnect        bool `mapstructure:"auto_reconnect"`
	ReconnectDelayMs     int  `mapstructure:"reconnect_delay_ms"`
	MaxReconnectDelayMs  int  `mapstructure:"max_reconnect_delay_ms"`
	MaxReconnectAttempts int  `mapstructure:"max_reconnect_attempts"`
}

// InitialDelay returns ReconnectDelayMs as a Duration.
func (r ReconnectConfig) InitialDelay() time.Duration {
	return time.Duration(r.ReconnectDelayMs) * time.Millisecond
}

// MaxDelay returns MaxReconnectDelayMs as a Duration.
func (r ReconnectConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxReconnectDelayMs) * time.Millisecond
}

// WSEndpointConfig names the upstream WebSocket endpoints.
type WSEndpointConfig struct {
	MarketURL         string `mapstructure:"market_url"`
	UserURL           string `mapstructure:"user_url"`
	HeartbeatInterval int    `mapstructure:"heartbeat_interval"`
}

// Heartbeat returns HeartbeatInterval (seconds) as a Duration.
func (w WSEndpointConfig) Heartbeat() time.Duration {
	return time.Duration(w.HeartbeatInterval) * time.Second
}

// Load reads configuration from environment variables prefixed with
// POLYSTREAM_, falling back to the documented defaults for anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POLYSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("env", "development")

	v.SetDefault("streaming.tokens_per_worker", 100)
	v.SetDefault("streaming.event_buffer_size", 10000)
	v.SetDefault("streaming.worker_event_buffer_size", 1024)
	v.SetDefault("streaming.max_concurrent_connections", 4)
	v.SetDefault("streaming.worker_connection_delay_ms", 250)
	v.SetDefault("streaming.health_check_interval_secs", 10)
	v.SetDefault("streaming.stats_interval_secs", 1)

	v.SetDefault("reconnect.auto_reconnect", true)
	v.SetDefault("reconnect.reconnect_delay_ms", 1000)
	v.SetDefault("reconnect.max_reconnect_delay_ms", 30000)
	v.SetDefault("reconnect.max_reconnect_attempts", 0)

	v.SetDefault("websocket.market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("websocket.user_url", "")
	v.SetDefault("websocket.heartbeat_interval", 10)

	cfg := &Config{
		Env: v.GetString("env"),
		Streaming: StreamingConfig{
			TokensPerWorker:          v.GetInt("streaming.tokens_per_worker"),
			EventBufferSize:          v.GetInt("streaming.event_buffer_size"),
			WorkerEventBufferSize:    v.GetInt("streaming.worker_event_buffer_size"),
			MaxConcurrentConnections: v.GetInt("streaming.max_concurrent_connections"),
			WorkerConnectionDelayMs:  v.GetInt("streaming.worker_connection_delay_ms"),
			HealthCheckIntervalSecs:  v.GetInt("streaming.health_check_interval_secs"),
			StatsIntervalSecs:        v.GetInt("streaming.stats_interval_secs"),
		},
		Reconnect: ReconnectConfig{
			AutoReconnect:        v.GetBool("reconnect.auto_reconnect"),
			ReconnectDelayMs:     v.GetInt("reconnect.reconnect_delay_ms"),
			MaxReconnectDelayMs:  v.GetInt("reconnect.max_reconnect_delay_ms"),
			MaxReconnectAttempts: v.GetInt("reconnect.max_reconnect_attempts"),
		},
		WebSocket: WSEndpointConfig{
			MarketURL:         v.GetString("websocket.market_url"),
			UserURL:           v.GetString("websocket.user_url"),
			HeartbeatInterval: v.GetInt("websocket.heartbeat_interval"),
		},
	}

	return cfg, nil
}
