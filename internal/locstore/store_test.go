package locstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/geoquery/internal/geo"
)

type backend interface {
	Store
	Writer
	Close() error
}

type recorder struct {
	mu     sync.Mutex
	events []string
	caught int
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnAdd:      func(key string, _ []byte) { r.add("add:" + key) },
		OnChange:   func(key string, _ []byte) { r.add("change:" + key) },
		OnRemove:   func(key string) { r.add("remove:" + key) },
		OnCaughtUp: func() { r.mu.Lock(); r.caught++; r.events = append(r.events, "caught_up"); r.mu.Unlock() },
	}
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newPebble(t *testing.T) backend {
	t.Helper()
	s, err := OpenPebble(PebbleConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRedis(t *testing.T) backend {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, "test", nil)
	t.Cleanup(func() {
		_ = s.Close()
		_ = client.Close()
		mr.Close()
	})
	return s
}

var (
	origin   = geo.Point{Lat: 0, Lng: 0}
	nearby   = geo.Point{Lat: -0.001, Lng: -0.001}
	faraway  = geo.Point{Lat: 45, Lng: 45}
	wideZone = geo.Range{Start: "7", End: "7~"}
)

func TestCodecRoundTrip(t *testing.T) {
	raw, hash, err := EncodeLocation(geo.Point{Lat: 12.5, Lng: -7.25})
	require.NoError(t, err)
	require.Equal(t, geo.Encode(geo.Point{Lat: 12.5, Lng: -7.25}, geo.DefaultPrecision), hash)
	p, err := DecodeLocation(raw)
	require.NoError(t, err)
	require.Equal(t, geo.Point{Lat: 12.5, Lng: -7.25}, p)

	for _, bad := range []string{`nope`, `{"g":"x","l":[1]}`, `{"g":"x","l":[100,0]}`, `{}`} {
		_, err := DecodeLocation([]byte(bad))
		require.ErrorIs(t, err, ErrInvalidValue, bad)
	}
	_, _, err = EncodeLocation(geo.Point{Lat: 100})
	require.ErrorIs(t, err, geo.ErrInvalidPoint)
}

func TestParseChange(t *testing.T) {
	c, err := parseChange(`7zz|s00|3|a|b{"g":"s00"}`)
	require.NoError(t, err)
	require.Equal(t, "a|b", c.key)
	require.Equal(t, "7zz", c.oldHash)
	require.Equal(t, "s00", c.newHash)
	require.Equal(t, `{"g":"s00"}`, string(c.raw))

	c, err = parseChange(`7zz||1|k`)
	require.NoError(t, err)
	require.Equal(t, "k", c.key)
	require.Empty(t, c.newHash)
	require.Nil(t, c.raw)

	_, err = parseChange(`7zz|x`)
	require.ErrorIs(t, err, errBadChangeMessage)
	_, err = parseChange(`a|b|99|k`)
	require.ErrorIs(t, err, errBadChangeMessage)
}

func TestBackends(t *testing.T) {
	for name, open := range map[string]func(*testing.T) backend{"pebble": newPebble, "redis": newRedis} {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Run("snapshot then caught up", func(t *testing.T) { testSnapshot(t, open(t)) })
			t.Run("live transitions", func(t *testing.T) { testLiveTransitions(t, open(t)) })
			t.Run("get and remove", func(t *testing.T) { testGetRemove(t, open(t)) })
			t.Run("unsubscribe stops delivery", func(t *testing.T) { testUnsubscribe(t, open(t)) })
		})
	}
}

func testSnapshot(t *testing.T, s backend) {
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a", origin))
	require.NoError(t, s.Set(ctx, "b", nearby))
	require.NoError(t, s.Set(ctx, "far", faraway))

	rec := &recorder{}
	sub, err := s.SubscribeRange(ctx, wideZone.Start, wideZone.End, rec.handlers())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	events := rec.snapshot()
	require.ElementsMatch(t, []string{"add:a", "add:b"}, events[:2])
	require.Equal(t, "caught_up", events[2])
}

func testLiveTransitions(t *testing.T, s backend) {
	ctx := context.Background()
	rec := &recorder{}
	sub, err := s.SubscribeRange(ctx, wideZone.Start, wideZone.End, rec.handlers())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, s.Set(ctx, "k", origin))
	require.NoError(t, s.Set(ctx, "k", nearby))
	require.NoError(t, s.Set(ctx, "k", faraway))
	require.NoError(t, s.Set(ctx, "other", faraway))

	want := []string{"caught_up", "add:k", "change:k", "remove:k"}
	require.Eventually(t, func() bool { return len(rec.snapshot()) >= len(want) }, time.Second, 5*time.Millisecond)
	require.Equal(t, want, rec.snapshot())
}

func testGetRemove(t *testing.T, s backend) {
	ctx := context.Background()
	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, s.Remove(ctx, "missing"))

	require.NoError(t, s.Set(ctx, "k", origin))
	raw, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	p, err := DecodeLocation(raw)
	require.NoError(t, err)
	require.Equal(t, origin, p)

	rec := &recorder{}
	sub, err := s.SubscribeRange(ctx, wideZone.Start, wideZone.End, rec.handlers())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, s.Remove(ctx, "k"))
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
	require.Eventually(t, func() bool {
		ev := rec.snapshot()
		return len(ev) == 3 && ev[2] == "remove:k"
	}, time.Second, 5*time.Millisecond)
}

func testUnsubscribe(t *testing.T, s backend) {
	ctx := context.Background()
	rec := &recorder{}
	sub, err := s.SubscribeRange(ctx, wideZone.Start, wideZone.End, rec.handlers())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	sub.Unsubscribe()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Set(ctx, fmt.Sprintf("k%d", i), origin))
	}
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []string{"caught_up"}, rec.snapshot())
}
