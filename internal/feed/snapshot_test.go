package feed

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type hashWrite struct {
	key    string
	ttl    time.Duration
	values []any
}

type mockHashes struct {
	mu     sync.Mutex
	writes []hashWrite
	err    error
}

func (m *mockHashes) WriteHash(_ context.Context, key string, ttl time.Duration, values ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.writes = append(m.writes, hashWrite{key: key, ttl: ttl, values: values})
	return nil
}

func (m *mockHashes) fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *mockHashes) snapshot() []hashWrite {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]hashWrite(nil), m.writes...)
}

func newTestSnapshotWriter(t *testing.T, client HashWriter) *SnapshotWriter {
	t.Helper()
	sw := NewSnapshotWriter(client, 2*time.Minute, zaptest.NewLogger(t))
	sw.now = func() time.Time { return time.UnixMilli(1767600000000) }
	return sw
}

func TestSnapshotWriterTick(t *testing.T) {
	m := &mockHashes{}
	sw := newTestSnapshotWriter(t, m)

	ev := Event{Type: EventTick, Tick: &Tick{Instrument: "005930", Last: 71200, ChangeRate: -0.42, CumulativeVolume: 1520334}}
	require.NoError(t, sw.write(context.Background(), ev))

	writes := m.snapshot()
	require.Len(t, writes, 1)
	assert.Equal(t, "tick:005930", writes[0].key)
	assert.Equal(t, 2*time.Minute, writes[0].ttl)
	assert.Equal(t, []any{"price", "71200", "rate", "-0.42", "volume", "1520334", "ts", "1767600000000"}, writes[0].values)
}

func TestSnapshotWriterQuote(t *testing.T) {
	m := &mockHashes{}
	sw := newTestSnapshotWriter(t, m)

	q := &QuoteBook{Instrument: "DNASAAPL"}
	q.AskPrices[0], q.BidPrices[0] = 202770, 202635
	q.AskSizes[0], q.BidSizes[0] = 200, 300
	require.NoError(t, sw.write(context.Background(), Event{Type: EventQuote, Quote: q}))

	writes := m.snapshot()
	require.Len(t, writes, 1)
	assert.Equal(t, "quote:DNASAAPL", writes[0].key)
	assert.Equal(t, []any{"ask", "202770", "bid", "202635", "ask_size", "200", "bid_size", "300", "ts", "1767600000000"}, writes[0].values)
}

func TestSnapshotWriterSkipsUnchanged(t *testing.T) {
	m := &mockHashes{}
	sw := newTestSnapshotWriter(t, m)
	ctx := context.Background()

	ev := Event{Type: EventTick, Tick: &Tick{Instrument: "005930", Last: 71200}}
	require.NoError(t, sw.write(ctx, ev))
	require.NoError(t, sw.write(ctx, ev))
	assert.Len(t, m.snapshot(), 1)

	ev.Tick = &Tick{Instrument: "005930", Last: 71300}
	require.NoError(t, sw.write(ctx, ev))
	assert.Len(t, m.snapshot(), 2)

	require.NoError(t, sw.write(ctx, Event{}))
	assert.Len(t, m.snapshot(), 2)
}

func TestSnapshotWriterRetriesAfterFailedWrite(t *testing.T) {
	m := &mockHashes{}
	sw := newTestSnapshotWriter(t, m)
	ctx := context.Background()
	ev := Event{Type: EventTick, Tick: &Tick{Instrument: "005930", Last: 71200}}

	m.fail(errors.New("connection reset by peer"))
	assert.Error(t, sw.write(ctx, ev))
	assert.Empty(t, m.snapshot())

	m.fail(nil)
	require.NoError(t, sw.write(ctx, ev))
	writes := m.snapshot()
	require.Len(t, writes, 1)
	assert.Equal(t, "tick:005930", writes[0].key)
}

func TestSnapshotWriterRefreshesUnchangedBeforeExpiry(t *testing.T) {
	m := &mockHashes{}
	sw := newTestSnapshotWriter(t, m)
	ctx := context.Background()

	now := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	sw.now = func() time.Time { return now }
	ev := Event{Type: EventTick, Tick: &Tick{Instrument: "005930", Last: 71200}}

	require.NoError(t, sw.write(ctx, ev))

	now = now.Add(59 * time.Second)
	require.NoError(t, sw.write(ctx, ev))
	assert.Len(t, m.snapshot(), 1)

	// Half the 2m TTL has passed: rewrite so the key does not expire.
	now = now.Add(time.Second)
	require.NoError(t, sw.write(ctx, ev))
	assert.Len(t, m.snapshot(), 2)

	now = now.Add(3 * time.Minute)
	require.NoError(t, sw.write(ctx, ev))
	assert.Len(t, m.snapshot(), 3)
}

func TestSnapshotWriterAsClient(t *testing.T) {
	m := &mockHashes{}
	sw := newTestSnapshotWriter(t, m)
	f := newTestFanout(t, DefaultFanoutConfig())
	f.Add(sw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sw.Run(ctx)

	f.Broadcast(Event{Type: EventTick, Tick: &Tick{Instrument: "005930", Last: 71200}})
	require.Eventually(t, func() bool { return len(m.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRedisHashesWriteHash(t *testing.T) {
	addr := os.Getenv("MARKETGATE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MARKETGATE_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()

	key := "marketgate:test:tick:005930"
	defer client.Del(ctx, key)

	require.NoError(t, NewRedisHashes(client).WriteHash(ctx, key, time.Minute, "price", "71200", "rate", "-0.42"))

	got, err := client.HGetAll(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"price": "71200", "rate": "-0.42"}, got)

	ttl, err := client.TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
