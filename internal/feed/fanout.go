package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Client receives every decoded Event. Fan-out is global: a client that only
// cares about some instruments filters on its side. Implementations must be
// comparable (pointer receivers) so they can be removed again.
type Client interface {
	Deliver(ctx context.Context, ev Event) error
}

// Callback adapts a function to Client. Each Callback has a unique ID used in
// logs.
type Callback struct {
	ID uuid.UUID
	fn func(ctx context.Context, ev Event) error
}

// NewCallback wraps fn.
func NewCallback(fn func(ctx context.Context, ev Event) error) *Callback {
	return &Callback{ID: uuid.New(), fn: fn}
}

func (c *Callback) Deliver(ctx context.Context, ev Event) error {
	return c.fn(ctx, ev)
}

// FanoutConfig tunes per-client delivery.
type FanoutConfig struct {
	// BufferSize is the per-client mailbox depth. Events for a client whose
	// mailbox is full are dropped for that client only.
	BufferSize int
	// DeliveryTimeout bounds a single Deliver call.
	DeliveryTimeout time.Duration
}

// DefaultFanoutConfig returns defaults sized for browser sessions.
func DefaultFanoutConfig() FanoutConfig {
	return FanoutConfig{
		BufferSize:      256,
		DeliveryTimeout: 2 * time.Second,
	}
}

// mailbox decouples one client from the broadcaster. ch is never closed;
// quit stops the worker.
type mailbox struct {
	ch   chan Event
	quit chan struct{}
}

// Fanout is the set of attached clients. Broadcast never blocks on a client:
// each client is served by its own goroutine, and a client whose Deliver
// fails (or panics) is removed.
type Fanout struct {
	cfg FanoutConfig
	log *zap.Logger

	mu      sync.RWMutex
	members map[Client]*mailbox
	closed  bool

	workers sync.WaitGroup
}

// NewFanout creates an empty fan-out registry.
func NewFanout(cfg FanoutConfig, log *zap.Logger) *Fanout {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 2 * time.Second
	}
	return &Fanout{
		cfg:     cfg,
		log:     log.Named("fanout"),
		members: make(map[Client]*mailbox),
	}
}

// Add attaches c. Adding an attached client, or any client after Close, is a
// no-op.
func (f *Fanout) Add(c Client) {
	f.mu.Lock()
	if _, ok := f.members[c]; ok || f.closed {
		f.mu.Unlock()
		return
	}
	mb := &mailbox{
		ch:   make(chan Event, f.cfg.BufferSize),
		quit: make(chan struct{}),
	}
	f.members[c] = mb
	n := len(f.members)
	f.workers.Add(1)
	f.mu.Unlock()

	fanoutClients.Set(float64(n))
	go f.serve(c, mb)
}

// Remove detaches c. Removing an unknown client is a no-op.
func (f *Fanout) Remove(c Client) {
	f.detach(c, nil)
}

// detach removes c if it is still bound to mb (any mailbox when mb is nil).
func (f *Fanout) detach(c Client, mb *mailbox) bool {
	f.mu.Lock()
	cur, ok := f.members[c]
	if !ok || (mb != nil && cur != mb) {
		f.mu.Unlock()
		return false
	}
	delete(f.members, c)
	n := len(f.members)
	f.mu.Unlock()

	close(cur.quit)
	fanoutClients.Set(float64(n))
	return true
}

// Has reports whether c is attached.
func (f *Fanout) Has(c Client) bool {
	f.mu.RLock()
	_, ok := f.members[c]
	f.mu.RUnlock()
	return ok
}

// Len returns the number of attached clients.
func (f *Fanout) Len() int {
	f.mu.RLock()
	n := len(f.members)
	f.mu.RUnlock()
	return n
}

// Broadcast hands ev to every attached client without waiting for delivery.
func (f *Fanout) Broadcast(ev Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, mb := range f.members {
		select {
		case mb.ch <- ev:
		default:
			fanoutDropped.Inc()
			f.log.Debug("dropping event for slow client", zap.String("instrument", ev.Instrument()))
		}
	}
}

// Close detaches every client and waits for in-flight deliveries, each
// bounded by DeliveryTimeout.
func (f *Fanout) Close() {
	f.mu.Lock()
	members := f.members
	f.members = make(map[Client]*mailbox)
	f.closed = true
	f.mu.Unlock()

	for _, mb := range members {
		close(mb.quit)
	}
	fanoutClients.Set(0)
	f.workers.Wait()
}

func (f *Fanout) serve(c Client, mb *mailbox) {
	defer f.workers.Done()
	for {
		select {
		case <-mb.quit:
			return
		case ev := <-mb.ch:
			if err := f.deliver(c, ev); err != nil {
				if f.detach(c, mb) {
					fanoutEvicted.Inc()
					f.log.Info("client removed after failed delivery", clientField(c), zap.Error(err))
				}
				return
			}
		}
	}
}

func (f *Fanout) deliver(c Client, ev Event) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.DeliveryTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("feed: client panicked: %v", r)
		}
	}()
	return c.Deliver(ctx, ev)
}

func clientField(c Client) zap.Field {
	if cb, ok := c.(*Callback); ok {
		return zap.Stringer("client", cb.ID)
	}
	return zap.String("client", fmt.Sprintf("%T", c))
}
