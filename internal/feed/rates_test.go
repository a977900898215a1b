package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func rateServer(t *testing.T, status *atomic.Int32, body *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(body.Load().(string)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRateCacheFallbackBeforeRefresh(t *testing.T) {
	rc := NewRateCache(RateConfig{URL: "http://127.0.0.1:1", Currency: "KRW"}, zaptest.NewLogger(t))
	assert.Equal(t, FallbackRate, rc.Rate())
	assert.False(t, rc.Refreshed())
}

func TestRateCacheRefresh(t *testing.T) {
	var status atomic.Int32
	var body atomic.Value
	status.Store(http.StatusOK)
	body.Store(`{"result":"success","rates":{"USD":1,"KRW":1352.4}}`)
	srv := rateServer(t, &status, &body)

	rc := NewRateCache(RateConfig{URL: srv.URL, Currency: "KRW"}, zaptest.NewLogger(t))
	require.NoError(t, rc.Refresh(context.Background()))
	assert.Equal(t, 1352.4, rc.Rate())
	assert.True(t, rc.Refreshed())

	// A failed refresh keeps the last good value.
	status.Store(http.StatusBadGateway)
	assert.Error(t, rc.Refresh(context.Background()))
	assert.Equal(t, 1352.4, rc.Rate())

	status.Store(http.StatusOK)
	body.Store(`{"result":"success","rates":{"USD":1}}`)
	assert.ErrorIs(t, rc.Refresh(context.Background()), ErrBadRate)
	assert.Equal(t, 1352.4, rc.Rate())

	body.Store(`not json`)
	assert.ErrorIs(t, rc.Refresh(context.Background()), ErrBadRate)

	body.Store(`{"rates":{"KRW":-5}}`)
	assert.ErrorIs(t, rc.Refresh(context.Background()), ErrBadRate)
	assert.Equal(t, 1352.4, rc.Rate())
}

func TestRateCacheRun(t *testing.T) {
	var status atomic.Int32
	var body atomic.Value
	status.Store(http.StatusOK)
	body.Store(`{"rates":{"KRW":1340}}`)
	srv := rateServer(t, &status, &body)

	rc := NewRateCache(RateConfig{URL: srv.URL, Currency: "KRW"}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rc.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool { return rc.Rate() == 1340 }, time.Second, 5*time.Millisecond)
	body.Store(`{"rates":{"KRW":1345}}`)
	require.Eventually(t, func() bool { return rc.Rate() == 1345 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
