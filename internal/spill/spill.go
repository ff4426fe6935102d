// Package spill is a local durable queue for batches the sink could not take.
// Batches are stored zstd-compressed in a bbolt file under increasing keys
// and replayed oldest first once the sink recovers.
package spill

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"

	"myco/internal/normalize"
	"myco/pkg/platform/sentinel"
)

var bucketBatches = []byte("batches")

// Sender receives replayed batches.
type Sender interface {
	Send(ctx context.Context, batch []normalize.Record) error
}

// Queue is safe for concurrent use.
type Queue struct {
	db      *bbolt.DB
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	logger  *slog.Logger
	metrics *Metrics
	noSync  bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// WithNoSync disables fsync per transaction. Tests only.
func WithNoSync(noSync bool) Option {
	return func(q *Queue) {
		q.noSync = noSync
	}
}

// Open opens or creates the queue file at path.
func Open(path string, opts ...Option) (*Queue, error) {
	q := &Queue{logger: slog.Default()}
	for _, opt := range opts {
		opt(q)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: time.Second,
		NoSync:  q.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("open spill file %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBatches)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create spill bucket: %w", err)
	}

	q.enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	q.dec, err = zstd.NewReader(nil)
	if err != nil {
		_ = q.enc.Close()
		_ = db.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	q.db = db

	if n := q.Len(); n > 0 {
		q.logger.Info("spill queue has pending batches", "path", path, "batches", n)
	}
	q.setPending()
	return q, nil
}

// Put appends batch.
func (q *Queue) Put(_ context.Context, batch []normalize.Record) error {
	if len(batch) == 0 {
		return nil
	}
	doc, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal spilled batch: %w", err)
	}
	value := q.enc.EncodeAll(doc, nil)

	err = q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBatches)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(sequenceKey(seq), value)
	})
	if err != nil {
		return fmt.Errorf("write spilled batch: %w", err)
	}
	if q.metrics != nil {
		q.metrics.Spilled.Add(float64(len(batch)))
	}
	q.setPending()
	return nil
}

// Len returns the number of stored batches.
func (q *Queue) Len() int {
	var n int
	_ = q.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketBatches).Stats().KeyN
		return nil
	})
	return n
}

// Replay sends stored batches oldest first. A batch is deleted only after
// sender accepts it; replay stops at the first failure. It returns the number
// of batches delivered.
func (q *Queue) Replay(ctx context.Context, sender Sender) (int, error) {
	delivered := 0
	for {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}

		key, batch, err := q.oldest()
		if errors.Is(err, sentinel.ErrNotFound) {
			return delivered, nil
		}
		if err != nil {
			return delivered, err
		}

		if err := sender.Send(ctx, batch); err != nil {
			return delivered, fmt.Errorf("replay batch %d: %w", binary.BigEndian.Uint64(key), err)
		}

		if err := q.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketBatches).Delete(key)
		}); err != nil {
			return delivered, fmt.Errorf("delete replayed batch: %w", err)
		}
		delivered++
		if q.metrics != nil {
			q.metrics.Replayed.Add(float64(len(batch)))
		}
		q.setPending()
	}
}

// RunReplayer calls Replay every interval until ctx is done.
func (q *Queue) RunReplayer(ctx context.Context, sender Sender, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if q.Len() == 0 {
				continue
			}
			n, err := q.Replay(ctx, sender)
			if err != nil && ctx.Err() == nil {
				q.logger.WarnContext(ctx, "spill replay stopped",
					"delivered", n,
					"pending", q.Len(),
					"error", err,
				)
				continue
			}
			if n > 0 {
				q.logger.InfoContext(ctx, "spill replayed", "batches", n, "pending", q.Len())
			}
		}
	}
}

func (q *Queue) oldest() ([]byte, []normalize.Record, error) {
	var key, value []byte
	err := q.db.View(func(tx *bbolt.Tx) error {
		k, v := tx.Bucket(bucketBatches).Cursor().First()
		if k == nil {
			return sentinel.ErrNotFound
		}
		key = append([]byte(nil), k...)
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	doc, err := q.dec.DecodeAll(value, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("decompress batch %d: %w", binary.BigEndian.Uint64(key), err)
	}
	var batch []normalize.Record
	if err := json.Unmarshal(doc, &batch); err != nil {
		return nil, nil, fmt.Errorf("unmarshal batch %d: %w", binary.BigEndian.Uint64(key), err)
	}
	return key, batch, nil
}

func (q *Queue) setPending() {
	if q.metrics != nil {
		q.metrics.Pending.Set(float64(q.Len()))
	}
}

// Close releases the file and codecs.
func (q *Queue) Close() error {
	q.dec.Close()
	_ = q.enc.Close()
	return q.db.Close()
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
