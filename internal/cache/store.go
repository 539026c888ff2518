// Package cache keeps layout-model predictions on disk so re-running a document
// does not pay for the model twice.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.etcd.io/bbolt"

	"github.com/joseph-ayodele/invoice-fusion/internal/classify"
	"github.com/joseph-ayodele/invoice-fusion/internal/entity"
	"github.com/joseph-ayodele/invoice-fusion/internal/metrics"
)

var bucketPredictions = []byte("predictions")

// ErrMiss is returned by Get when no entry exists for a key.
var ErrMiss = errors.New("cache miss")

// Store is a bbolt file of prediction lists keyed by content hash.
type Store struct {
	db *bbolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketPredictions)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init cache: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(key string) ([]classify.Prediction, error) {
	var preds []classify.Prediction
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketPredictions).Get([]byte(key))
		if data == nil {
			return ErrMiss
		}
		return json.Unmarshal(data, &preds)
	})
	if err != nil {
		return nil, err
	}
	return preds, nil
}

func (s *Store) Put(key string, preds []classify.Prediction) error {
	data, err := json.Marshal(preds)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPredictions).Put([]byte(key), data)
	})
}

// Len counts stored entries.
func (s *Store) Len() (int, error) {
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketPredictions).Stats().KeyN
		return nil
	})
	return n, err
}

// Key hashes the model name with every token's text and box, in order.
func Key(modelName string, tokens []entity.Token) string {
	h := sha256.New()
	h.Write([]byte(modelName))
	h.Write([]byte{0})
	var buf [8]byte
	for _, t := range tokens {
		h.Write([]byte(t.Text))
		h.Write([]byte{0})
		for _, v := range []float64{t.BBox.X0, t.BBox.Y0, t.BBox.X1, t.BBox.Y1} {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			h.Write(buf[:])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

type cachedModel struct {
	next   classify.Model
	store  *Store
	logger *slog.Logger
}

// Model serves predictions from store and falls through to next on a miss. Only answers
// that match the token count are stored. Cache failures are logged, never returned.
func Model(next classify.Model, store *Store, logger *slog.Logger) classify.Model {
	if logger == nil {
		logger = slog.Default()
	}
	return &cachedModel{next: next, store: store, logger: logger}
}

func (c *cachedModel) Name() string { return c.next.Name() }

func (c *cachedModel) Predict(ctx context.Context, tokens []entity.Token) ([]classify.Prediction, error) {
	key := Key(c.next.Name(), tokens)
	preds, err := c.store.Get(key)
	switch {
	case err == nil:
		metrics.ModelCacheTotal.WithLabelValues("hit").Inc()
		return preds, nil
	case !errors.Is(err, ErrMiss):
		c.logger.Warn("cache.get.failed", "error", err)
	}
	metrics.ModelCacheTotal.WithLabelValues("miss").Inc()

	preds, err = c.next.Predict(ctx, tokens)
	if err != nil {
		return nil, err
	}
	if len(preds) == len(tokens) {
		if err := c.store.Put(key, preds); err != nil {
			c.logger.Warn("cache.put.failed", "error", err)
		}
	}
	return preds, nil
}
