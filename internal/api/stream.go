package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/geoquery/internal/geo"
	"github.com/example/geoquery/internal/geoquery"
)

var streamedEvents = [...]geoquery.EventType{
	geoquery.EventReady,
	geoquery.EventKeyEntered,
	geoquery.EventKeyExited,
	geoquery.EventKeyMoved,
}

// streamQuery runs a live query for the lifetime of the request and writes
// its events as server-sent events. The initial key_entered replay is always
// written in full. After it, a client that falls StreamBuffer events behind
// receives an overflow event and is disconnected.
func (h *HTTP) streamQuery(w http.ResponseWriter, r *http.Request) {
	center, radius, err := parseCriteria(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	streamID := uuid.NewString()
	logger := h.logger.With(zap.String("stream_id", streamID))

	qcfg := h.cfg.Query
	qcfg.OnError = func(err error) {
		logger.Warn("query stream store failure", zap.Error(err))
	}
	q, err := geoquery.New(ctx, h.store, geoquery.At(center, radius), qcfg)
	if err != nil {
		if errors.Is(err, geoquery.ErrInvalidCriteria) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Error("query stream start failed", zap.Error(err))
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	defer q.Cancel()

	events := newStreamQueue(h.cfg.StreamBuffer)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Stream-ID", streamID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for _, et := range streamedEvents {
		if _, err := q.On(et, events.push); err != nil {
			logger.Error("register stream listener", zap.Error(err))
			return
		}
	}
	if err := q.Sync(ctx); err != nil {
		return
	}
	events.goLive()
	logger.Debug("query stream opened", zap.Float64("lat", center.Lat), zap.Float64("lng", center.Lng), zap.Float64("radius_km", radius))

	heartbeat := time.NewTicker(h.cfg.Heartbeat)
	defer heartbeat.Stop()
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-events.notify:
			batch, overflowed := events.take()
			for _, ev := range batch {
				data, err := json.Marshal(ev)
				if err != nil {
					logger.Error("encode stream event", zap.Error(err))
					return
				}
				seq++
				if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, ev.Type, data); err != nil {
					return
				}
			}
			if overflowed {
				logger.Warn("query stream too slow, closing")
				_, _ = fmt.Fprint(w, "event: overflow\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			flusher.Flush()
		}
	}
}

// streamQueue holds events between the query's control thread and the
// response writer. Events queued before goLive (the key_entered replay) are
// unbounded; after it at most limit events may wait.
type streamQueue struct {
	mu         sync.Mutex
	items      []queuedEvent
	limit      int
	pending    int
	live       bool
	overflowed bool
	notify     chan struct{}
}

type queuedEvent struct {
	ev   geoquery.Event
	live bool
}

func newStreamQueue(limit int) *streamQueue {
	return &streamQueue{limit: limit, notify: make(chan struct{}, 1)}
}

func (s *streamQueue) push(ev geoquery.Event) {
	s.mu.Lock()
	switch {
	case s.overflowed:
	case !s.live:
		s.items = append(s.items, queuedEvent{ev: ev})
	case s.pending >= s.limit:
		s.overflowed = true
	default:
		s.items = append(s.items, queuedEvent{ev: ev, live: true})
		s.pending++
	}
	s.mu.Unlock()
	s.signal()
}

func (s *streamQueue) goLive() {
	s.mu.Lock()
	s.live = true
	s.mu.Unlock()
	s.signal()
}

// take drains the queue. The flag reports that live events were dropped
// after the returned batch.
func (s *streamQueue) take() ([]geoquery.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]geoquery.Event, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it.ev)
		if it.live {
			s.pending--
		}
	}
	s.items = nil
	return out, s.overflowed
}

func (s *streamQueue) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func parseCriteria(r *http.Request) (geo.Point, float64, error) {
	lat, err := requiredFloat(r, "lat")
	if err != nil {
		return geo.Point{}, 0, err
	}
	lng, err := requiredFloat(r, "lng")
	if err != nil {
		return geo.Point{}, 0, err
	}
	radius, err := requiredFloat(r, "radius_km")
	if err != nil {
		return geo.Point{}, 0, err
	}
	return geo.Point{Lat: lat, Lng: lng}, radius, nil
}

func requiredFloat(r *http.Request, key string) (float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, fmt.Errorf("missing %s", key)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}
