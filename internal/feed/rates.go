package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// FallbackRate is the USD multiplier used until the first successful refresh.
const FallbackRate = 1430.0

var ErrBadRate = errors.New("feed: malformed exchange rate response")

// RateSource supplies the multiplier applied to USD-denominated fields.
type RateSource interface {
	Rate() float64
}

// RateConfig holds the FX endpoint parameters.
type RateConfig struct {
	URL      string
	Currency string
	Timeout  time.Duration
	Fallback float64
}

// DefaultRateConfig targets the public open.er-api.com USD table.
func DefaultRateConfig() RateConfig {
	return RateConfig{
		URL:      "https://open.er-api.com/v6/latest/USD",
		Currency: "KRW",
		Timeout:  3 * time.Second,
		Fallback: FallbackRate,
	}
}

// RateCache holds the latest USD->local multiplier. Reads are lock-free and
// never wait on a refresh. A failed refresh keeps the previous value.
type RateCache struct {
	cfg    RateConfig
	client *http.Client
	log    *zap.Logger

	bits      atomic.Uint64
	refreshed atomic.Bool
}

// NewRateCache creates a cache seeded with cfg.Fallback.
func NewRateCache(cfg RateConfig, log *zap.Logger) *RateCache {
	if cfg.Fallback <= 0 {
		cfg.Fallback = FallbackRate
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	rc := &RateCache{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log.Named("rates"),
	}
	rc.bits.Store(math.Float64bits(cfg.Fallback))
	return rc
}

// Rate returns the cached multiplier.
func (rc *RateCache) Rate() float64 {
	return math.Float64frombits(rc.bits.Load())
}

// Refreshed reports whether at least one refresh has succeeded.
func (rc *RateCache) Refreshed() bool {
	return rc.refreshed.Load()
}

type rateResponse struct {
	Result string             `json:"result"`
	Rates  map[string]float64 `json:"rates"`
}

// Refresh fetches the current rate. On any failure the cached value is left
// untouched and the error is returned.
func (rc *RateCache) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, rc.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rc.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("feed: build rate request: %w", err)
	}
	resp, err := rc.client.Do(req)
	if err != nil {
		return fmt.Errorf("feed: fetch rate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("feed: fetch rate: unexpected status %d", resp.StatusCode)
	}

	var body rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRate, err)
	}
	rate, ok := body.Rates[rc.cfg.Currency]
	if !ok || rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return fmt.Errorf("%w: no usable %s rate", ErrBadRate, rc.cfg.Currency)
	}

	rc.bits.Store(math.Float64bits(rate))
	rc.refreshed.Store(true)
	rc.log.Info("exchange rate updated", zap.String("currency", rc.cfg.Currency), zap.Float64("rate", rate))
	return nil
}

// Run refreshes once immediately and then every interval until ctx is done.
func (rc *RateCache) Run(ctx context.Context, interval time.Duration) {
	if err := rc.Refresh(ctx); err != nil {
		rc.log.Warn("exchange rate refresh failed", zap.Error(err), zap.Float64("rate", rc.Rate()))
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rc.Refresh(ctx); err != nil {
				rc.log.Warn("exchange rate refresh failed", zap.Error(err), zap.Float64("rate", rc.Rate()))
			}
		}
	}
}

// StaticRate is a fixed RateSource.
type StaticRate float64

func (s StaticRate) Rate() float64 { return float64(s) }
