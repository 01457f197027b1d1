package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/geoquery/internal/auth"
	"github.com/example/geoquery/internal/geo"
	"github.com/example/geoquery/internal/geoquery"
	"github.com/example/geoquery/internal/locstore"
)

func newStore(t *testing.T) *locstore.PebbleStore {
	t.Helper()
	s, err := locstore.OpenPebble(locstore.PebbleConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestLocationLifecycle(t *testing.T) {
	router := New(newStore(t), nil, nil, Config{}).Router()

	rec := do(t, router, http.MethodGet, "/v1/locations/bus-1", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, http.MethodPut, "/v1/locations/bus-1", `{"lat":48.85,"lng":2.35}`, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, router, http.MethodGet, "/v1/locations/bus-1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got locationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, locationResponse{Key: "bus-1", Lat: 48.85, Lng: 2.35}, got)

	rec = do(t, router, http.MethodPut, "/v1/locations/bus-1", `{"lat":120,"lng":0}`, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, router, http.MethodPut, "/v1/locations/bus-1", `not json`, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodDelete, "/v1/locations/bus-1", "", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, router, http.MethodGet, "/v1/locations/bus-1", "", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWritesRequireWriterRole(t *testing.T) {
	router := New(newStore(t), nil, nil, Config{AuthSecret: "k"}).Router()

	rec := do(t, router, http.MethodPut, "/v1/locations/a", `{"lat":1,"lng":1}`, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	reader, err := auth.Issue("k", "viewer", "reader", time.Minute)
	require.NoError(t, err)
	rec = do(t, router, http.MethodDelete, "/v1/locations/a", "", reader)
	require.Equal(t, http.StatusForbidden, rec.Code)

	writer, err := auth.Issue("k", "fleet", auth.RoleWriter, time.Minute)
	require.NoError(t, err)
	rec = do(t, router, http.MethodPut, "/v1/locations/a", `{"lat":1,"lng":1}`, writer)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, router, http.MethodGet, "/v1/locations/a", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWriteRateLimit(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	require.Nil(t, NewRateLimiter(nil, "geo", RateConfig{Rate: 1, Burst: 1}))
	require.Nil(t, NewRateLimiter(client, "geo", RateConfig{}))

	limiter := NewRateLimiter(client, "geo", RateConfig{Rate: 0.01, Burst: 2})
	router := New(newStore(t), limiter, nil, Config{}).Router()

	for i := 0; i < 2; i++ {
		rec := do(t, router, http.MethodPut, "/v1/locations/a", `{"lat":1,"lng":1}`, "")
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
	rec := do(t, router, http.MethodPut, "/v1/locations/a", `{"lat":1,"lng":1}`, "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	rec = do(t, router, http.MethodPut, "/v1/locations/b", `{"lat":1,"lng":1}`, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, router, http.MethodGet, "/v1/locations/a", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStreamRejectsBadCriteria(t *testing.T) {
	router := New(newStore(t), nil, nil, Config{}).Router()

	rec := do(t, router, http.MethodGet, "/v1/queries/stream?lat=1&lng=2", "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, router, http.MethodGet, "/v1/queries/stream?lat=x&lng=2&radius_km=1", "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, router, http.MethodGet, "/v1/queries/stream?lat=0&lng=0&radius_km=-1", "", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, scanner *bufio.Scanner, n int) []sseEvent {
	t.Helper()
	var out []sseEvent
	var cur sseEvent
	for len(out) < n && scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.name != "":
			out = append(out, cur)
			cur = sseEvent{}
		}
	}
	require.Len(t, out, n)
	return out
}

func TestStreamQueryEvents(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Set(context.Background(), "inside", geo.Point{Lat: 0, Lng: 0.001}))
	srv := httptest.NewServer(New(store, nil, nil, Config{Query: geoquery.Config{SweepInterval: time.Hour}}).Router())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/queries/stream?lat=0&lng=0&radius_km=1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.NotEmpty(t, resp.Header.Get("X-Stream-ID"))

	scanner := bufio.NewScanner(resp.Body)
	initial := readEvents(t, scanner, 2)
	require.Equal(t, "ready", initial[0].name)
	require.Equal(t, "key_entered", initial[1].name)
	var entered geoquery.Event
	require.NoError(t, json.Unmarshal([]byte(initial[1].data), &entered))
	require.Equal(t, "inside", entered.Key)

	require.NoError(t, store.Set(context.Background(), "inside", geo.Point{Lat: 0, Lng: 0.002}))
	require.NoError(t, store.Set(context.Background(), "inside", geo.Point{Lat: 1, Lng: 1}))
	live := readEvents(t, scanner, 2)
	require.Equal(t, "key_moved", live[0].name)
	require.Equal(t, "key_exited", live[1].name)
}

func TestStreamReplaysMoreKeysThanBuffer(t *testing.T) {
	store := newStore(t)
	const keys = 300
	for i := 0; i < keys; i++ {
		p := geo.Point{Lat: float64(i/20) * 0.001, Lng: float64(i%20) * 0.001}
		require.NoError(t, store.Set(context.Background(), fmt.Sprintf("k%03d", i), p))
	}
	srv := httptest.NewServer(New(store, nil, nil, Config{StreamBuffer: 8, Query: geoquery.Config{SweepInterval: time.Hour}}).Router())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/queries/stream?lat=0&lng=0&radius_km=5", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	events := readEvents(t, bufio.NewScanner(resp.Body), keys+1)
	entered := make(map[string]bool)
	for _, ev := range events {
		require.NotEqual(t, "overflow", ev.name)
		if ev.name == "key_entered" {
			var e geoquery.Event
			require.NoError(t, json.Unmarshal([]byte(ev.data), &e))
			entered[e.Key] = true
		}
	}
	require.Len(t, entered, keys)
}

func TestStreamQueueBoundsLiveEvents(t *testing.T) {
	q := newStreamQueue(2)
	for i := 0; i < 5; i++ {
		q.push(geoquery.Event{Type: geoquery.EventKeyEntered, Key: fmt.Sprint(i)})
	}
	batch, overflowed := q.take()
	require.Len(t, batch, 5)
	require.False(t, overflowed)

	q.goLive()
	q.push(geoquery.Event{Type: geoquery.EventKeyMoved, Key: "a"})
	q.push(geoquery.Event{Type: geoquery.EventKeyMoved, Key: "b"})
	batch, overflowed = q.take()
	require.Len(t, batch, 2)
	require.False(t, overflowed)

	q.push(geoquery.Event{Type: geoquery.EventKeyMoved, Key: "c"})
	q.push(geoquery.Event{Type: geoquery.EventKeyMoved, Key: "d"})
	q.push(geoquery.Event{Type: geoquery.EventKeyExited, Key: "e"})
	batch, overflowed = q.take()
	require.Len(t, batch, 2)
	require.Equal(t, "d", batch[1].Key)
	require.True(t, overflowed)
}
