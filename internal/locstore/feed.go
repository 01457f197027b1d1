package locstore

import (
	"sync"

	"github.com/example/geoquery/internal/geo"
	"github.com/example/geoquery/internal/serial"
)

// change describes one committed write. An empty hash means "absent".
type change struct {
	key     string
	oldHash string
	newHash string
	raw     []byte
}

// entry is one row of a range snapshot.
type entry struct {
	key string
	raw []byte
}

// feed fans committed changes out to range subscribers. Backends stage
// changes while holding their write lock and deliver after releasing it, so
// handlers may write back into the store.
type feed struct {
	backend string

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*rangeSub
}

func newFeed(backend string) *feed {
	return &feed{backend: backend, subs: make(map[uint64]*rangeSub)}
}

// add registers an unprimed subscriber; changes are buffered until prime.
func (f *feed) add(start, end string, h Handlers) *rangeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	sub := &rangeSub{feed: f, id: f.nextID, rng: geo.Range{Start: start, End: end}, h: h}
	f.subs[sub.id] = sub
	feedSubscribers.WithLabelValues(f.backend).Inc()
	return sub
}

func (f *feed) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[id]; ok {
		delete(f.subs, id)
		feedSubscribers.WithLabelValues(f.backend).Dec()
	}
}

// stage queues c on every affected subscriber and returns the batch to deliver.
func (f *feed) stage(c change) delivery {
	f.mu.Lock()
	subs := make([]*rangeSub, 0, len(f.subs))
	for _, sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	touched := subs[:0]
	for _, sub := range subs {
		if sub.offer(c) {
			touched = append(touched, sub)
		}
	}
	return delivery(touched)
}

// close detaches every subscriber.
func (f *feed) close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = make(map[uint64]*rangeSub)
	f.mu.Unlock()
	for _, sub := range subs {
		sub.queue.Close()
		feedSubscribers.WithLabelValues(f.backend).Dec()
	}
}

// delivery is a set of subscribers with queued notifications.
type delivery []*rangeSub

func (d delivery) deliver() {
	for _, sub := range d {
		sub.queue.Drain()
	}
}

type rangeSub struct {
	feed *feed
	id   uint64
	rng  geo.Range
	h    Handlers

	mu      sync.Mutex
	primed  bool
	backlog []change
	queue   serial.Queue
}

// Unsubscribe implements Subscription.
func (s *rangeSub) Unsubscribe() {
	s.queue.Close()
	s.feed.remove(s.id)
}

// offer buffers or queues c. It reports whether anything was queued.
func (s *rangeSub) offer(c change) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.primed {
		s.backlog = append(s.backlog, c)
		return false
	}
	return s.push(c)
}

// prime queues the snapshot, the caught-up signal and any buffered changes,
// then delivers them.
func (s *rangeSub) prime(snapshot []entry) {
	s.mu.Lock()
	for _, e := range snapshot {
		key, raw := e.key, e.raw
		if s.h.OnAdd != nil {
			s.queue.Push(func() { s.h.OnAdd(key, raw) })
		}
	}
	if s.h.OnCaughtUp != nil {
		s.queue.Push(s.h.OnCaughtUp)
	}
	for _, c := range s.backlog {
		s.push(c)
	}
	s.backlog = nil
	s.primed = true
	s.mu.Unlock()

	s.queue.Drain()
}

func (s *rangeSub) push(c change) bool {
	wasIn := c.oldHash != "" && s.rng.Contains(c.oldHash)
	isIn := c.newHash != "" && s.rng.Contains(c.newHash)
	key, raw := c.key, c.raw
	switch {
	case wasIn && isIn && s.h.OnChange != nil:
		return s.queue.Push(func() { s.h.OnChange(key, raw) })
	case !wasIn && isIn && s.h.OnAdd != nil:
		return s.queue.Push(func() { s.h.OnAdd(key, raw) })
	case wasIn && !isIn && s.h.OnRemove != nil:
		return s.queue.Push(func() { s.h.OnRemove(key) })
	}
	return false
}
