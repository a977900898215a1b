package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Config bundles the gateway's component settings.
type Config struct {
	Upstream UpstreamConfig
	Fanout   FanoutConfig
}

// Gateway is the entry point for downstream session handlers. Construct one
// per process and share it.
type Gateway struct {
	upstream *Upstream
	fanout   *Fanout
	log      *zap.Logger

	// mu is held shared by Subscribe and exclusively by Shutdown, so no
	// subscription can reach the upstream once Shutdown has begun.
	mu     sync.RWMutex
	closed bool
}

// New wires a gateway. rates is consulted at decode time for overseas
// frames; tokens supplies the provider approval key.
func New(cfg Config, tokens TokenSource, rates RateSource, log *zap.Logger) *Gateway {
	fan := NewFanout(cfg.Fanout, log)
	return &Gateway{
		upstream: NewUpstream(cfg.Upstream, tokens, rates, fan.Broadcast, log),
		fanout:   fan,
		log:      log.Named("gateway"),
	}
}

// AddClient attaches c to the event stream.
func (g *Gateway) AddClient(c Client) {
	g.fanout.Add(c)
}

// RemoveClient detaches c. Upstream subscriptions are left in place.
func (g *Gateway) RemoveClient(c Client) {
	g.fanout.Remove(c)
}

// Subscribe normalises items and subscribes any keys the upstream does not
// already carry. An invalid item rejects the whole batch before anything is
// sent.
func (g *Gateway) Subscribe(ctx context.Context, items []SubscriptionRequest) error {
	keys := make([]SubscriptionKey, 0, len(items))
	var errs []error
	for i, item := range items {
		k, err := item.Key()
		if err != nil {
			errs = append(errs, fmt.Errorf("item %d: %w", i, err))
			continue
		}
		keys = append(keys, k)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return ErrClosed
	}
	if err := g.upstream.Subscribe(ctx, keys); err != nil {
		g.log.Warn("subscribe failed", zap.Int("items", len(keys)), zap.Error(err))
		return err
	}
	return nil
}

// Close drops the upstream connection and every subscription with it. The
// next Subscribe reconnects and subscribes from scratch.
func (g *Gateway) Close() error {
	return g.upstream.Close()
}

// Shutdown unsubscribes everything, closes the upstream connection and
// detaches all clients. The gateway is unusable afterwards.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true

	if err := g.upstream.UnsubscribeAll(ctx); err != nil {
		g.log.Warn("unsubscribe on shutdown failed", zap.Error(err))
	}
	err := g.upstream.Close()
	g.fanout.Close()
	return err
}

// State returns the upstream connection state.
func (g *Gateway) State() ConnectionState {
	return g.upstream.State()
}

// Subscriptions returns the keys currently subscribed upstream.
func (g *Gateway) Subscriptions() []SubscriptionKey {
	return g.upstream.Subscriptions()
}

// ClientCount returns the number of attached clients.
func (g *Gateway) ClientCount() int {
	return g.fanout.Len()
}
