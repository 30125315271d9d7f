package dataset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/haivivi/soundclass/pkg/audio/mfcc"
	"github.com/haivivi/soundclass/pkg/kv"
)

const cacheNamespace = "mfcc"

// FeatureCache stores extracted MFCC matrices in a kv.Store, keyed by
// {"mfcc", fingerprint, "fold<N>", file}. The fingerprint covers every
// parameter that changes the features, so stale entries are never read
// after a configuration change.
type FeatureCache struct {
	store       kv.Store
	fingerprint string
}

// NewFeatureCache returns a cache over store for features produced with
// the given audio and MFCC settings.
func NewFeatureCache(store kv.Store, sampleRate int, duration float64, cfg mfcc.Config) *FeatureCache {
	return &FeatureCache{store: store, fingerprint: Fingerprint(sampleRate, duration, cfg)}
}

// Fingerprint hashes the feature parameters into a short stable string.
func Fingerprint(sampleRate int, duration float64, cfg mfcc.Config) string {
	s := fmt.Sprintf("sr=%d dur=%g fft=%d hop=%d mels=%d mfcc=%d topdb=%g",
		sampleRate, duration, cfg.NFFT, cfg.HopLength, cfg.NMels, cfg.NMFCC, cfg.TopDB)
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:6])
}

// Fingerprint returns the parameter fingerprint of this cache.
func (c *FeatureCache) Fingerprint() string { return c.fingerprint }

func (c *FeatureCache) key(r Record) kv.Key {
	return kv.Key{cacheNamespace, c.fingerprint, "fold" + strconv.Itoa(r.Fold), r.File}
}

// Get returns the cached features of r. ok is false on a miss.
func (c *FeatureCache) Get(ctx context.Context, r Record) (m mfcc.Matrix, ok bool, err error) {
	data, err := c.store.Get(ctx, c.key(r))
	if errors.Is(err, kv.ErrNotFound) {
		return mfcc.Matrix{}, false, nil
	}
	if err != nil {
		return mfcc.Matrix{}, false, fmt.Errorf("dataset: cache get %s: %w", r.File, err)
	}
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return mfcc.Matrix{}, false, fmt.Errorf("dataset: cache decode %s: %w", r.File, err)
	}
	if len(m.Data) != m.Rows*m.Cols {
		return mfcc.Matrix{}, false, fmt.Errorf("dataset: cache entry %s: %d values for %dx%d", r.File, len(m.Data), m.Rows, m.Cols)
	}
	return m, true, nil
}

// Put stores the features of r.
func (c *FeatureCache) Put(ctx context.Context, r Record, m mfcc.Matrix) error {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, c.key(r), data)
}

// Len counts the entries under this cache's fingerprint.
func (c *FeatureCache) Len(ctx context.Context) (int, error) {
	n := 0
	for _, err := range c.store.List(ctx, kv.Key{cacheNamespace, c.fingerprint}) {
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Purge removes every cached feature, across all fingerprints.
func (c *FeatureCache) Purge(ctx context.Context) error {
	return c.store.DeletePrefix(ctx, kv.Key{cacheNamespace})
}
