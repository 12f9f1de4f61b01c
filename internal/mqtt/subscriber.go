package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/ecowitt-bridge/internal/config"
)

// MessageHandler processes one inbound upload. It runs on the client's
// single dispatch goroutine, so messages are handled in arrival order.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

type inbound struct {
	topic   string
	payload []byte
}

// inboxSize bounds messages waiting for the handler. Paho callbacks must
// not block, so a full inbox drops.
const inboxSize = 256

// dispatch runs handler for every queued message until ctx is cancelled.
func dispatch(ctx context.Context, inbox <-chan inbound, handler MessageHandler, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-inbox:
			logger.Log(ctx, config.LevelTrace, "mqtt message received",
				"topic", m.topic,
				"payload_size", len(m.payload),
			)
			handler(ctx, m.topic, m.payload)
		}
	}
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval and reports drops. It blocks
// until ctx is cancelled.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt uploads dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow reports whether one more message fits in the current interval.
// A limit of zero or less disables limiting.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if r.limit <= 0 || n <= r.limit {
		return true
	}
	r.dropped.Add(1)
	return false
}
