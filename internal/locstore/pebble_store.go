package locstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/geoquery/internal/geo"
)

const (
	pebbleValuePrefix = "v/"
	pebbleIndexPrefix = "i/"
	indexSeparator    = "\x00"
)

// PebbleConfig configures the embedded store.
type PebbleConfig struct {
	Dir      string
	InMemory bool
	Logger   *zap.Logger
}

// PebbleStore keeps locations in an embedded Pebble database. Values live
// under v/<key>; a secondary index i/<geohash>\x00<key> gives range scans.
type PebbleStore struct {
	db     *pebble.DB
	feed   *feed
	logger *zap.Logger
	tracer trace.Tracer

	writeMu sync.Mutex
}

// OpenPebble opens (or creates) the store.
func OpenPebble(cfg PebbleConfig) (*PebbleStore, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	opts := &pebble.Options{}
	dir := cfg.Dir
	if cfg.InMemory {
		opts.FS = vfs.NewMem()
		if dir == "" {
			dir = "locstore"
		}
	}
	if dir == "" {
		return nil, errors.New("pebble store requires a directory")
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStore{
		db:     db,
		feed:   newFeed("pebble"),
		logger: cfg.Logger,
		tracer: otel.Tracer("locstore.pebble"),
	}, nil
}

// Close detaches all subscribers and closes the database.
func (s *PebbleStore) Close() error {
	s.feed.close()
	return s.db.Close()
}

// Set writes p under key and notifies subscribers.
func (s *PebbleStore) Set(ctx context.Context, key string, p geo.Point) error {
	_, span := s.tracer.Start(ctx, "locstore.set", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()
	raw, hash, err := EncodeLocation(p)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	oldHash, err := s.currentHash(key)
	if err != nil {
		s.writeMu.Unlock()
		return err
	}
	batch := s.db.NewBatch()
	if oldHash != "" {
		if err := batch.Delete(indexKey(oldHash, key), nil); err != nil {
			s.writeMu.Unlock()
			return fmt.Errorf("pebble delete index: %w", err)
		}
	}
	if err := batch.Set(valueKey(key), raw, nil); err != nil {
		s.writeMu.Unlock()
		return fmt.Errorf("pebble set value: %w", err)
	}
	if err := batch.Set(indexKey(hash, key), nil, nil); err != nil {
		s.writeMu.Unlock()
		return fmt.Errorf("pebble set index: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		s.writeMu.Unlock()
		return fmt.Errorf("pebble commit: %w", err)
	}
	pending := s.feed.stage(change{key: key, oldHash: oldHash, newHash: hash, raw: raw})
	s.writeMu.Unlock()

	storeWrites.WithLabelValues("pebble", "set").Inc()
	pending.deliver()
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (s *PebbleStore) Remove(ctx context.Context, key string) error {
	_, span := s.tracer.Start(ctx, "locstore.remove", trace.WithAttributes(attribute.String("key", key)))
	defer span.End()

	s.writeMu.Lock()
	oldHash, err := s.currentHash(key)
	if err != nil || oldHash == "" {
		s.writeMu.Unlock()
		return err
	}
	batch := s.db.NewBatch()
	if err := batch.Delete(valueKey(key), nil); err != nil {
		s.writeMu.Unlock()
		return fmt.Errorf("pebble delete value: %w", err)
	}
	if err := batch.Delete(indexKey(oldHash, key), nil); err != nil {
		s.writeMu.Unlock()
		return fmt.Errorf("pebble delete index: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		s.writeMu.Unlock()
		return fmt.Errorf("pebble commit: %w", err)
	}
	pending := s.feed.stage(change{key: key, oldHash: oldHash})
	s.writeMu.Unlock()

	storeWrites.WithLabelValues("pebble", "remove").Inc()
	pending.deliver()
	return nil
}

// Get implements Store.
func (s *PebbleStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	value, closer, err := s.db.Get(valueKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pebble get: %w", err)
	}
	out := append([]byte(nil), value...)
	if err := closer.Close(); err != nil {
		return nil, false, fmt.Errorf("pebble get: %w", err)
	}
	return out, true, nil
}

// SubscribeRange implements Store. The snapshot is read under the write lock
// so no change can slip between the snapshot and live delivery.
func (s *PebbleStore) SubscribeRange(_ context.Context, start, end string, h Handlers) (Subscription, error) {
	s.writeMu.Lock()
	sub := s.feed.add(start, end, h)
	snapshot, err := s.scan(start, end)
	s.writeMu.Unlock()
	if err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	s.logger.Debug("range subscribed", zap.String("start", start), zap.String("end", end), zap.Int("snapshot", len(snapshot)))
	sub.prime(snapshot)
	return sub, nil
}

func (s *PebbleStore) scan(start, end string) ([]entry, error) {
	iter := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(pebbleIndexPrefix + start),
		UpperBound: []byte(pebbleIndexPrefix + end + "\x01"),
	})
	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		idx := bytes.TrimPrefix(iter.Key(), []byte(pebbleIndexPrefix))
		sep := bytes.IndexByte(idx, indexSeparator[0])
		if sep < 0 {
			continue
		}
		keys = append(keys, string(idx[sep+1:]))
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("pebble scan: %w", err)
	}

	out := make([]entry, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := s.Get(context.Background(), key)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, entry{key: key, raw: raw})
		}
	}
	return out, nil
}

func (s *PebbleStore) currentHash(key string) (string, error) {
	raw, ok, err := s.Get(context.Background(), key)
	if err != nil || !ok {
		return "", err
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		// The index entry cannot be located without a geohash; treat as new.
		s.logger.Warn("overwriting undecodable value", zap.String("key", key), zap.Error(err))
		return "", nil
	}
	return rec.Geohash, nil
}

func valueKey(key string) []byte {
	return []byte(pebbleValuePrefix + key)
}

func indexKey(hash, key string) []byte {
	return []byte(pebbleIndexPrefix + hash + indexSeparator + key)
}
