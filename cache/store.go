package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/NIAGADS/niagads-pylib-sub000/niagads_errors"
	"github.com/NIAGADS/niagads-pylib-sub000/utils"
	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
)

var StoreOps = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "niagads",
	Subsystem: "cache",
	Name:      "ops",
}, []string{"namespace", "op", "result"})

var StoreGetDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "niagads",
	Subsystem: "cache",
	Name:      "get_duration",
	Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
}, []string{"namespace"})

// Entry lifetimes. TTLDefault suits computed query artifacts, TTLShort
// volatile upstream lookups, TTLDay slow-changing metadata.
const (
	TTLDefault = time.Hour
	TTLShort   = 5 * time.Minute
	TTLDay     = 24 * time.Hour
)

// DefaultOpTimeout bounds a single store call when the caller brings no
// tighter deadline.
const DefaultOpTimeout = 5 * time.Second

// Store is the cache collaborator. Keys are pre-digested strings; the
// context bounds the call, the ttl bounds the entry.
type Store interface {
	Get(ctx context.Context, key string, ns Namespace) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ns Namespace, ttl time.Duration) error
	Exists(ctx context.Context, key string, ns Namespace) (bool, error)
	Close() error
}

type Options struct {
	HotCacheSize int
	Logger       utils.Logger
}

const defaultHotCacheSize = 10000

// PebbleStore keeps entries in a pebble database, one single-byte prefix
// per namespace, with an LRU front cache for hot keys.
//
// Value layout: 8 bytes big-endian absolute expiry (unix seconds, 0 means
// no expiry) followed by the payload.
type PebbleStore struct {
	db     *pebble.DB
	hot    *lru.Cache[string, []byte]
	log    utils.Logger
	closed atomic.Bool
	now    func() time.Time
}

// Open opens or creates the store under dirname.
func Open(dirname string, opts Options) (*PebbleStore, error) {
	if opts.HotCacheSize <= 0 {
		opts.HotCacheSize = defaultHotCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	db, err := pebble.Open(dirname, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	hot, _ := lru.New[string, []byte](opts.HotCacheSize)
	return &PebbleStore{
		db:  db,
		hot: hot,
		log: opts.Logger,
		now: time.Now,
	}, nil
}

// DB exposes the underlying database for metrics collection.
func (s *PebbleStore) DB() *pebble.DB {
	return s.db
}

func storeKey(ns Namespace, key string) []byte {
	k := make([]byte, 0, len(key)+1)
	k = append(k, ns.prefix())
	k = append(k, key...)
	return k
}

func encodeEntry(value []byte, expiry time.Time) []byte {
	entry := make([]byte, 8, 8+len(value))
	if !expiry.IsZero() {
		binary.BigEndian.PutUint64(entry, uint64(expiry.Unix()))
	}
	return append(entry, value...)
}

func (s *PebbleStore) expired(entry []byte) bool {
	ex := binary.BigEndian.Uint64(entry[:8])
	return ex != 0 && int64(ex) <= s.now().Unix()
}

func (s *PebbleStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return niagads_errors.ErrStoreClosed
	}
	return ctx.Err()
}

func (s *PebbleStore) Get(ctx context.Context, key string, ns Namespace) ([]byte, bool, error) {
	if err := s.check(ctx); err != nil {
		return nil, false, err
	}
	start := s.now()
	defer func() {
		StoreGetDuration.WithLabelValues(ns.String()).Observe(s.now().Sub(start).Seconds())
	}()

	pk := storeKey(ns, key)
	entry, ok := s.hot.Get(string(pk))
	if !ok {
		value, closer, err := s.db.Get(pk)
		if errors.Is(err, pebble.ErrNotFound) {
			StoreOps.WithLabelValues(ns.String(), "get", "miss").Inc()
			return nil, false, nil
		}
		if err != nil {
			StoreOps.WithLabelValues(ns.String(), "get", "error").Inc()
			return nil, false, err
		}
		entry = make([]byte, len(value))
		copy(entry, value)
		_ = closer.Close()
		s.hot.Add(string(pk), entry)
	}
	if len(entry) < 8 || s.expired(entry) {
		s.evict(pk)
		StoreOps.WithLabelValues(ns.String(), "get", "expired").Inc()
		return nil, false, nil
	}
	StoreOps.WithLabelValues(ns.String(), "get", "hit").Inc()
	return entry[8:], true, nil
}

func (s *PebbleStore) Set(ctx context.Context, key string, value []byte, ns Namespace, ttl time.Duration) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	var expiry time.Time
	if ttl > 0 {
		expiry = s.now().Add(ttl)
	}
	pk := storeKey(ns, key)
	entry := encodeEntry(value, expiry)
	if err := s.db.Set(pk, entry, pebble.NoSync); err != nil {
		StoreOps.WithLabelValues(ns.String(), "set", "error").Inc()
		return err
	}
	s.hot.Add(string(pk), entry)
	StoreOps.WithLabelValues(ns.String(), "set", "ok").Inc()
	return nil
}

func (s *PebbleStore) Exists(ctx context.Context, key string, ns Namespace) (bool, error) {
	_, ok, err := s.Get(ctx, key, ns)
	return ok, err
}

// Delete removes one entry.
func (s *PebbleStore) Delete(ctx context.Context, key string, ns Namespace) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	pk := storeKey(ns, key)
	s.hot.Remove(string(pk))
	if err := s.db.Delete(pk, pebble.NoSync); err != nil {
		StoreOps.WithLabelValues(ns.String(), "delete", "error").Inc()
		return err
	}
	StoreOps.WithLabelValues(ns.String(), "delete", "ok").Inc()
	return nil
}

// Invalidate drops every entry in the namespace.
func (s *PebbleStore) Invalidate(ctx context.Context, ns Namespace) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	s.hot.Purge()
	lower := []byte{ns.prefix()}
	upper := []byte{ns.prefix() + 1}
	if err := s.db.DeleteRange(lower, upper, pebble.Sync); err != nil {
		return err
	}
	StoreOps.WithLabelValues(ns.String(), "invalidate", "ok").Inc()
	return nil
}

// Keys iterates the namespace's store keys, for the ops console.
func (s *PebbleStore) Keys(ctx context.Context, ns Namespace, limit int) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{ns.prefix()},
		UpperBound: []byte{ns.prefix() + 1},
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = iter.Close() }()
	keys := []string{}
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(keys) >= limit {
			break
		}
		keys = append(keys, string(iter.Key()[1:]))
	}
	return keys, nil
}

func (s *PebbleStore) evict(pk []byte) {
	s.hot.Remove(string(pk))
	if err := s.db.Delete(pk, pebble.NoSync); err != nil {
		s.log.Warn("expired entry delete failed", "key", string(pk), "error", err)
	}
}

func (s *PebbleStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.hot.Purge()
	return s.db.Close()
}
