package locstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/geoquery/internal/geo"
)

const defaultRedisPrefix = "geo"

var errBadChangeMessage = errors.New("malformed change message")

// RedisStore keeps locations in Redis:
//
//	<prefix>:loc     hash  key -> payload
//	<prefix>:hash    hash  key -> geohash
//	<prefix>:idx     zset  "<geohash>\x00<key>" at score 0, scanned with ZRANGEBYLEX
//	<prefix>:changes pub/sub channel carrying committed changes
//
// Writes go through Lua scripts so the three keys and the published change
// stay consistent.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	tracer trace.Tracer
	feed   *feed

	upsert *redis.Script
	remove *redis.Script

	listenOnce sync.Once
	listenErr  error
	pubsub     *redis.PubSub
	done       chan struct{}
}

// NewRedisStore constructs the store. The change listener starts on the
// first SubscribeRange.
func NewRedisStore(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger,
		tracer: otel.Tracer("locstore.redis"),
		feed:   newFeed("redis"),
		upsert: redis.NewScript(upsertLua),
		remove: redis.NewScript(removeLua),
		done:   make(chan struct{}),
	}
}

func (s *RedisStore) valuesKey() string { return s.prefix + ":loc" }
func (s *RedisStore) hashesKey() string { return s.prefix + ":hash" }
func (s *RedisStore) indexKey() string  { return s.prefix + ":idx" }
func (s *RedisStore) channel() string   { return s.prefix + ":changes" }

// Set writes p under key.
func (s *RedisStore) Set(ctx context.Context, key string, p geo.Point) error {
	ctx, span := s.tracer.Start(ctx, "locstore.set", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()
	raw, hash, err := EncodeLocation(p)
	if err != nil {
		return err
	}
	keys := []string{s.valuesKey(), s.hashesKey(), s.indexKey()}
	if err := s.upsert.Run(ctx, s.client, keys, key, hash, raw, s.channel(), indexSeparator).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis upsert: %w", err)
	}
	storeWrites.WithLabelValues("redis", "set").Inc()
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	ctx, span := s.tracer.Start(ctx, "locstore.remove", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()
	keys := []string{s.valuesKey(), s.hashesKey(), s.indexKey()}
	if err := s.remove.Run(ctx, s.client, keys, key, s.channel(), indexSeparator).Err(); err != nil {
		return fmt.Errorf("redis remove: %w", err)
	}
	storeWrites.WithLabelValues("redis", "remove").Inc()
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := s.client.HGet(ctx, s.valuesKey(), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis hget: %w", err)
	}
	return raw, true, nil
}

// SubscribeRange implements Store. Live changes received while the snapshot
// is loading are buffered and replayed after OnCaughtUp.
func (s *RedisStore) SubscribeRange(ctx context.Context, start, end string, h Handlers) (Subscription, error) {
	if err := s.listen(ctx); err != nil {
		return nil, err
	}
	sub := s.feed.add(start, end, h)
	snapshot, err := s.scan(ctx, start, end)
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	s.logger.Debug("range subscribed", zap.String("start", start), zap.String("end", end), zap.Int("snapshot", len(snapshot)))
	sub.prime(snapshot)
	return sub, nil
}

// Close stops the change listener and detaches all subscribers.
func (s *RedisStore) Close() error {
	s.feed.close()
	if s.pubsub == nil {
		return nil
	}
	err := s.pubsub.Close()
	<-s.done
	return err
}

func (s *RedisStore) scan(ctx context.Context, start, end string) ([]entry, error) {
	members, err := s.client.ZRangeByLex(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "[" + start,
		Max: "(" + end + "\x01",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebylex: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(members))
	for _, m := range members {
		if i := strings.Index(m, indexSeparator); i >= 0 {
			keys = append(keys, m[i+1:])
		}
	}
	values, err := s.client.HMGet(ctx, s.valuesKey(), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget: %w", err)
	}
	out := make([]entry, 0, len(keys))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		out = append(out, entry{key: keys[i], raw: []byte(str)})
	}
	return out, nil
}

func (s *RedisStore) listen(ctx context.Context) error {
	s.listenOnce.Do(func() {
		ps := s.client.Subscribe(context.Background(), s.channel())
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			s.listenErr = fmt.Errorf("redis subscribe: %w", err)
			close(s.done)
			return
		}
		s.pubsub = ps
		go s.consume(ps)
	})
	return s.listenErr
}

func (s *RedisStore) consume(ps *redis.PubSub) {
	defer close(s.done)
	for msg := range ps.Channel() {
		c, err := parseChange(msg.Payload)
		if err != nil {
			s.logger.Warn("dropping change message", zap.Error(err))
			continue
		}
		s.feed.stage(c).deliver()
	}
}

// parseChange decodes "<old>|<new>|<len(key)>|<key><payload>".
func parseChange(msg string) (change, error) {
	parts := strings.SplitN(msg, "|", 4)
	if len(parts) != 4 {
		return change{}, fmt.Errorf("%w: %q", errBadChangeMessage, msg)
	}
	n, err := strconv.Atoi(parts[2])
	if err != nil || n < 0 || n > len(parts[3]) {
		return change{}, fmt.Errorf("%w: bad key length in %q", errBadChangeMessage, msg)
	}
	c := change{oldHash: parts[0], newHash: parts[1], key: parts[3][:n]}
	if payload := parts[3][n:]; payload != "" {
		c.raw = []byte(payload)
	}
	return c, nil
}

// KEYS: values, hashes, index. ARGV: key, geohash, payload, channel, separator.
const upsertLua = `
local old = redis.call('HGET', KEYS[2], ARGV[1])
if old then
  redis.call('ZREM', KEYS[3], old .. ARGV[5] .. ARGV[1])
else
  old = ''
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[3], 0, ARGV[2] .. ARGV[5] .. ARGV[1])
redis.call('PUBLISH', ARGV[4], old .. '|' .. ARGV[2] .. '|' .. string.len(ARGV[1]) .. '|' .. ARGV[1] .. ARGV[3])
return old
`

// KEYS: values, hashes, index. ARGV: key, channel, separator.
const removeLua = `
local old = redis.call('HGET', KEYS[2], ARGV[1])
if not old then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], old .. ARGV[3] .. ARGV[1])
redis.call('PUBLISH', ARGV[2], old .. '||' .. string.len(ARGV[1]) .. '|' .. ARGV[1])
return 1
`
