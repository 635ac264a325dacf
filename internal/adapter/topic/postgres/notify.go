package postgres

import (
	"log/slog"
	"sync"
)

// The notification registry is process-wide state keyed by
// (topic_name, schema_name). A publisher's committed insert offers the
// new row id to the hub under its key; every subscribed receiver gets a
// copy on its own bounded channel, so competing consumers in one group
// and independent groups both wake without stealing each other's events.
// Entries appear when the first delegate binds a run and disappear when
// the last subscriber closes. Wake-ups are advisory: a dropped event only
// delays delivery until the next notification or receive timeout.

type hubKey struct {
	topic  string
	schema string
}

type subscriber struct {
	hub *hub
	ch  chan int64
}

// Events returns the subscriber's wake-up channel.
func (s *subscriber) Events() <-chan int64 { return s.ch }

// Close detaches the subscriber from its hub.
func (s *subscriber) Close() {
	if s.hub != nil {
		s.hub.remove(s)
		s.hub = nil
	}
}

type hub struct {
	key  hubKey
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func (h *hub) add(capacity int) *subscriber {
	s := &subscriber{hub: h, ch: make(chan int64, capacity)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *hub) remove(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	empty := len(h.subs) == 0
	h.mu.Unlock()
	if empty {
		registry.drop(h.key)
	}
}

func (h *hub) offer(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- id:
		default:
			// Queue full; the receiver is already behind and will
			// rescan, so dropping is harmless.
			slog.Debug("wakeup queue full, dropping notification",
				slog.String("topic", h.key.topic),
				slog.String("schema", h.key.schema),
				slog.Int64("row_id", id))
		}
	}
}

type notifyRegistry struct {
	mu   sync.Mutex
	hubs map[hubKey]*hub
}

var registry = &notifyRegistry{hubs: map[hubKey]*hub{}}

// subscribe attaches a new bounded wake-up queue under key, creating the
// hub on first use.
func (r *notifyRegistry) subscribe(key hubKey, capacity int) *subscriber {
	r.mu.Lock()
	h, ok := r.hubs[key]
	if !ok {
		h = &hub{key: key, subs: map[*subscriber]struct{}{}}
		r.hubs[key] = h
	}
	r.mu.Unlock()
	return h.add(capacity)
}

// offer fans a row id out to all subscribers of key. Without a
// registered hub (shutdown race) the event is dropped with a debug log.
func (r *notifyRegistry) offer(key hubKey, id int64) {
	r.mu.Lock()
	h, ok := r.hubs[key]
	r.mu.Unlock()
	if !ok {
		slog.Debug("no wakeup queue registered, dropping notification",
			slog.String("topic", key.topic),
			slog.String("schema", key.schema),
			slog.Int64("row_id", id))
		return
	}
	h.offer(id)
}

func (r *notifyRegistry) drop(key hubKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hubs[key]; ok {
		h.mu.Lock()
		empty := len(h.subs) == 0
		h.mu.Unlock()
		if empty {
			delete(r.hubs, key)
		}
	}
}
