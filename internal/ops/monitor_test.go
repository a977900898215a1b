package ops

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/marketgate/marketgate/internal/feed"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakeSource struct {
	mu    sync.Mutex
	state feed.ConnectionState
	keys  []feed.SubscriptionKey
}

func (f *fakeSource) State() feed.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSource) Subscriptions() []feed.SubscriptionKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]feed.SubscriptionKey(nil), f.keys...)
}

func (f *fakeSource) set(s feed.ConnectionState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

type recordingStatus struct {
	mu      sync.Mutex
	updates []healthpb.HealthCheckResponse_ServingStatus
}

func (r *recordingStatus) SetServingStatus(service string, st healthpb.HealthCheckResponse_ServingStatus) {
	if service != UpstreamService {
		return
	}
	r.mu.Lock()
	r.updates = append(r.updates, st)
	r.mu.Unlock()
}

func (r *recordingStatus) snapshot() []healthpb.HealthCheckResponse_ServingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]healthpb.HealthCheckResponse_ServingStatus(nil), r.updates...)
}

func TestMonitorReportsTransitionsOnce(t *testing.T) {
	src := &fakeSource{state: feed.Disconnected}
	rec := &recordingStatus{}
	m := NewMonitor(MonitorConfig{PollInterval: time.Hour}, src, rec, zaptest.NewLogger(t))

	m.check()
	m.check()
	src.set(feed.Connected)
	m.check()
	m.check()
	src.set(feed.Disconnected)
	m.check()

	assert.Equal(t, []healthpb.HealthCheckResponse_ServingStatus{
		healthpb.HealthCheckResponse_NOT_SERVING,
		healthpb.HealthCheckResponse_SERVING,
		healthpb.HealthCheckResponse_NOT_SERVING,
	}, rec.snapshot())
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	src := &fakeSource{state: feed.Connected}
	rec := &recordingStatus{}
	m := NewMonitor(MonitorConfig{PollInterval: 5 * time.Millisecond}, src, rec, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMonitorStale(t *testing.T) {
	src := &fakeSource{keys: []feed.SubscriptionKey{
		{Kind: feed.DomesticTick, Instrument: "005930"},
		{Kind: feed.DomesticQuote, Instrument: "005930"},
		{Kind: feed.OverseasTick, Instrument: "DNASAAPL"},
	}}
	m := NewMonitor(MonitorConfig{StaleThreshold: time.Minute}, src, &recordingStatus{}, zaptest.NewLogger(t))

	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	m.nowFunc = func() time.Time { return now }

	_ = m.Deliver(context.Background(), feed.Event{Type: feed.EventTick, Tick: &feed.Tick{Instrument: "005930"}})
	assert.Equal(t, []string{"DNASAAPL"}, m.Stale())

	last, ok := m.LastEvent("005930")
	assert.True(t, ok)
	assert.Equal(t, now, last)

	now = now.Add(2 * time.Minute)
	assert.ElementsMatch(t, []string{"005930", "DNASAAPL"}, m.Stale())
}
