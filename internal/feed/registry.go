package feed

import "sync"

// Registry is the set of subscription keys currently sent upstream.
// Membership only grows through Union and only shrinks through Clear.
type Registry struct {
	mu   sync.Mutex
	keys map[SubscriptionKey]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{keys: make(map[SubscriptionKey]struct{})}
}

// Union inserts every key not yet present and returns those keys in input
// order. Duplicates within keys are reported once.
func (r *Registry) Union(keys []SubscriptionKey) []SubscriptionKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	var added []SubscriptionKey
	for _, k := range keys {
		if _, ok := r.keys[k]; ok {
			continue
		}
		r.keys[k] = struct{}{}
		added = append(added, k)
	}
	return added
}

// Contains reports whether k is registered.
func (r *Registry) Contains(k SubscriptionKey) bool {
	r.mu.Lock()
	_, ok := r.keys[k]
	r.mu.Unlock()
	return ok
}

// Keys fills dst with the current membership and returns it.
func (r *Registry) Keys(dst []SubscriptionKey) []SubscriptionKey {
	r.mu.Lock()
	if dst == nil {
		dst = make([]SubscriptionKey, 0, len(r.keys))
	} else {
		dst = dst[:0]
	}
	for k := range r.keys {
		dst = append(dst, k)
	}
	r.mu.Unlock()
	return dst
}

// Len returns the number of registered keys.
func (r *Registry) Len() int {
	r.mu.Lock()
	n := len(r.keys)
	r.mu.Unlock()
	return n
}

// Clear drops every key.
func (r *Registry) Clear() {
	r.mu.Lock()
	clear(r.keys)
	r.mu.Unlock()
}
