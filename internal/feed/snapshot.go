package feed

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// HashWriter abstracts the Redis operation used by SnapshotWriter.
type HashWriter interface {
	WriteHash(ctx context.Context, key string, ttl time.Duration, values ...any) error
}

// RedisHashes implements HashWriter with an HSET+EXPIRE transaction.
type RedisHashes struct {
	client redis.UniversalClient
}

func NewRedisHashes(client redis.UniversalClient) *RedisHashes {
	return &RedisHashes{client: client}
}

func (r *RedisHashes) WriteHash(ctx context.Context, key string, ttl time.Duration, values ...any) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, values...)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// SnapshotWriter is a fan-out Client that keeps the newest tick and quote per
// instrument in Redis so late joiners can paint a screen before the next
// event arrives. It is not a history store: each write overwrites the
// previous one and expires after TTL.
//
//	tick:{instrument}   price, rate, volume, ts
//	quote:{instrument}  ask, bid, ask_size, bid_size, ts
//
// Deliver never blocks; writes are flushed by Run. Unchanged values are not
// rewritten until half the TTL has passed, so a quiet instrument keeps its
// key alive. A failed write is retried by the next event.
type SnapshotWriter struct {
	client HashWriter
	ttl    time.Duration
	log    *zap.Logger
	buf    chan Event

	mu   sync.Mutex
	last map[string]written // redis key -> last successful write

	now func() time.Time
}

// NewSnapshotWriter creates a writer. ttl <= 0 disables expiry.
func NewSnapshotWriter(client HashWriter, ttl time.Duration, log *zap.Logger) *SnapshotWriter {
	return &SnapshotWriter{
		client: client,
		ttl:    ttl,
		log:    log.Named("snapshot"),
		buf:    make(chan Event, 1024),
		last:   make(map[string]written),
		now:    time.Now,
	}
}

// Deliver implements Client. A full buffer drops the event.
func (sw *SnapshotWriter) Deliver(_ context.Context, ev Event) error {
	select {
	case sw.buf <- ev:
	default:
	}
	return nil
}

// Run flushes buffered events to Redis until ctx is cancelled.
func (sw *SnapshotWriter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sw.buf:
			if err := sw.write(ctx, ev); err != nil {
				sw.log.Warn("snapshot write failed", zap.String("instrument", ev.Instrument()), zap.Error(err))
			}
		}
	}
}

type written struct {
	fingerprint string
	at          time.Time
}

func (sw *SnapshotWriter) write(ctx context.Context, ev Event) error {
	var (
		key         string
		fingerprint string
		values      []any
	)
	now := sw.now()
	ts := strconv.FormatInt(now.UnixMilli(), 10)

	switch {
	case ev.Tick != nil:
		t := ev.Tick
		key = "tick:" + t.Instrument
		price := strconv.FormatInt(t.Last, 10)
		rate := strconv.FormatFloat(t.ChangeRate, 'f', -1, 64)
		volume := strconv.FormatInt(t.CumulativeVolume, 10)
		fingerprint = price + "|" + rate + "|" + volume
		values = []any{"price", price, "rate", rate, "volume", volume, "ts", ts}
	case ev.Quote != nil:
		q := ev.Quote
		key = "quote:" + q.Instrument
		ask := strconv.FormatInt(q.AskPrices[0], 10)
		bid := strconv.FormatInt(q.BidPrices[0], 10)
		askSize := strconv.FormatInt(q.AskSizes[0], 10)
		bidSize := strconv.FormatInt(q.BidSizes[0], 10)
		fingerprint = fmt.Sprintf("%s|%s|%s|%s", ask, bid, askSize, bidSize)
		values = []any{"ask", ask, "bid", bid, "ask_size", askSize, "bid_size", bidSize, "ts", ts}
	default:
		return nil
	}

	sw.mu.Lock()
	prev, ok := sw.last[key]
	sw.mu.Unlock()
	if ok && prev.fingerprint == fingerprint && !sw.due(prev.at, now) {
		return nil
	}

	if err := sw.client.WriteHash(ctx, key, sw.ttl, values...); err != nil {
		return err
	}
	sw.mu.Lock()
	sw.last[key] = written{fingerprint: fingerprint, at: now}
	sw.mu.Unlock()
	return nil
}

// due reports whether an unchanged value must be rewritten to keep its key
// from expiring.
func (sw *SnapshotWriter) due(last, now time.Time) bool {
	return sw.ttl > 0 && now.Sub(last) >= sw.ttl/2
}
