package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultProgressTTL bounds how long a run's replay buffer survives after
// its last write — long enough for a client to reconnect mid-run, short
// enough not to accumulate forever.
const DefaultProgressTTL = 30 * time.Minute

// ProgressLog appends each NDJSON line emitted for a reasoning run to a
// redis list keyed by root message id, and lets a reconnecting client
// replay everything emitted so far. Implements service.ProgressRecorder.
type ProgressLog struct {
	client *redis.Client
	ttl    time.Duration
}

// NewProgressLog creates a ProgressLog backed by client.
func NewProgressLog(client *redis.Client, ttl time.Duration) *ProgressLog {
	if ttl <= 0 {
		ttl = DefaultProgressTTL
	}
	return &ProgressLog{client: client, ttl: ttl}
}

func progressKey(rootMessageID string) string {
	return "progress:" + rootMessageID
}

// Append satisfies service.ProgressRecorder. Failures are logged and
// swallowed: replay is a convenience for reconnecting clients, never a
// correctness requirement of the run itself.
func (p *ProgressLog) Append(rootMessageID string, line []byte) {
	ctx := context.Background()
	key := progressKey(rootMessageID)

	pipe := p.client.TxPipeline()
	pipe.RPush(ctx, key, line)
	pipe.Expire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("[PROGRESS] append failed", "root_message_id", rootMessageID, "err", err)
	}
}

// Replay returns every line recorded so far for rootMessageID, in emission
// order, so a handler can catch a reconnecting client up before streaming
// new lines.
func (p *ProgressLog) Replay(ctx context.Context, rootMessageID string) ([][]byte, error) {
	vals, err := p.client.LRange(ctx, progressKey(rootMessageID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// Clear removes a run's replay buffer once it has reached a terminal state
// and no further replay is needed.
func (p *ProgressLog) Clear(ctx context.Context, rootMessageID string) error {
	return p.client.Del(ctx, progressKey(rootMessageID)).Err()
}
