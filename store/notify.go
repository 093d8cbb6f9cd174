package store

import "sync"

// notifyHub is an in-process broadcast registry keyed by an arbitrary string
// (stream key or message topic). The memory store notifies it directly; the
// Postgres store feeds it from LISTEN/NOTIFY so WaitStream wakes without
// polling.
type notifyHub struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func newNotifyHub() *notifyHub {
	return &notifyHub{subs: make(map[string]map[chan struct{}]struct{})}
}

// subscribe registers a wake channel for the key. The returned cancel must be
// called exactly once.
func (h *notifyHub) subscribe(key string) (ch chan struct{}, cancel func()) {
	ch = make(chan struct{}, 1)
	h.mu.Lock()
	set := h.subs[key]
	if set == nil {
		set = make(map[chan struct{}]struct{})
		h.subs[key] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		if set, ok := h.subs[key]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, key)
			}
		}
		h.mu.Unlock()
	}
}

// notify wakes every subscriber on the key. Non-blocking; a subscriber that
// already has a pending wake keeps just one.
func (h *notifyHub) notify(key string) {
	h.mu.Lock()
	for ch := range h.subs[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	h.mu.Unlock()
}
