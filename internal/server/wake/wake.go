// Package wake provides the trigger that lets producers nudge a sleeping
// delivery worker to run immediately instead of waiting out its poll
// interval.
package wake

import "sync"

// OutboxKey is the wake key of a tenant's outbox delivery worker.
func OutboxKey(tenant string) string { return "outbox/" + tenant }

// InboxKey is the wake key of a tenant's inbox processor.
func InboxKey(tenant string) string { return "inbox/" + tenant }

// Registry holds one wake channel per worker key. Notify is safe with no
// listener present and collapses repeated notifications into a single wake:
// a woken worker re-checks its queue fully rather than assuming one new item.
type Registry struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{chans: make(map[string]chan struct{})}
}

func (r *Registry) channel(key string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.chans[key]
	if !ok {
		ch = make(chan struct{}, 1)
		r.chans[key] = ch
	}
	return ch
}

// Chan returns the wake channel a worker loop selects on.
func (r *Registry) Chan(key string) <-chan struct{} {
	return r.channel(key)
}

// Notify wakes the worker registered under key. Non-blocking; a pending
// wake that has not been consumed yet absorbs further notifications.
func (r *Registry) Notify(key string) {
	select {
	case r.channel(key) <- struct{}{}:
	default:
	}
}
