// Package events fans engine events out to websocket subscribers and,
// when configured, mirrors them onto a Redis stream for external consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trustnet/unlx/pkg/retry"
	"github.com/trustnet/unlx/pkg/utils"
)

// Default stream configuration
const DefaultStreamMaxLen = 10000

// Event is one engine occurrence: a source fetched, the chosen set rebuilt,
// a validator trusted or untrusted.
type Event struct {
	Type    string         `json:"type"`
	At      time.Time      `json:"at"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Hub distributes events. Publishing never blocks: slow subscribers miss
// events rather than stalling the worker.
type Hub struct {
	logger *zap.Logger

	mu   sync.Mutex
	subs map[chan Event]struct{}

	rdb          *redis.Client
	stream       string
	streamMaxLen int64
}

// NewHub returns a hub with no subscribers and no Redis mirror.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		subs:   map[chan Event]struct{}{},
	}
}

// ConnectRedis attaches a Redis stream mirror, configured from the
// environment:
//   - REDIS_HOST / REDIS_PORT / REDIS_PASSWORD / REDIS_DB
//   - UNL_EVENTS_STREAM: stream key (default "unlx:events")
//   - REDIS_STREAM_MAXLEN: approximate stream cap (default 10000)
func (h *Hub) ConnectRedis(ctx context.Context) error {
	host := utils.Env("REDIS_HOST", "localhost")
	port := utils.Env("REDIS_PORT", "6379")
	addr := fmt.Sprintf("%s:%s", host, port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: utils.Env("REDIS_PASSWORD", ""),
		DB:       utils.EnvInt("REDIS_DB", 0),

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	err := retry.WithBackoff(ctx, retry.DefaultConfig(), h.logger, "redis_connection", func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err()
	})
	if err != nil {
		return fmt.Errorf("connect to redis at %s: %w", addr, err)
	}

	h.rdb = rdb
	h.stream = utils.Env("UNL_EVENTS_STREAM", "unlx:events")
	h.streamMaxLen = int64(utils.EnvInt("REDIS_STREAM_MAXLEN", DefaultStreamMaxLen))
	h.logger.Info("Event stream mirrored to Redis",
		zap.String("addr", addr), zap.String("stream", h.stream))
	return nil
}

// Subscribe registers a subscriber channel. The returned cancel func must be
// called when the subscriber goes away.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

// Publish delivers the event to every subscriber that has room and, if a
// mirror is attached, appends it to the Redis stream best-effort.
func (h *Hub) Publish(evtType string, payload map[string]any) {
	evt := Event{Type: evtType, At: time.Now().UTC(), Payload: payload}

	h.mu.Lock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
	h.mu.Unlock()

	if h.rdb == nil {
		return
	}
	// Off the caller's path; a down Redis must not slow the worker.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		data, err := json.Marshal(evt)
		if err != nil {
			h.logger.Error("Failed to encode event", zap.Error(err))
			return
		}
		err = h.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: h.stream,
			MaxLen: h.streamMaxLen,
			Approx: true,
			Values: map[string]any{"event": string(data)},
		}).Err()
		if err != nil {
			h.logger.Warn("Failed to publish event to Redis",
				zap.String("type", evt.Type), zap.Error(err))
		}
	}()
}

// Close releases the Redis connection if one was attached.
func (h *Hub) Close() error {
	if h.rdb != nil {
		return h.rdb.Close()
	}
	return nil
}
