package farmerstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/farmassist/farmassist-api/engine/farmer"
	"go.etcd.io/bbolt"
)

// Bolt keeps a farmer collection in a local bbolt file, one bucket per
// collection, one JSON document per key.
type Bolt struct {
	db     *bbolt.DB
	bucket []byte
	logger *slog.Logger
}

// OpenBolt opens (or creates) the file at path and ensures the collection bucket.
func OpenBolt(path, collection string, logger *slog.Logger) (*Bolt, error) {
	if collection == "" {
		collection = DefaultCollection
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("farmerstore: open bolt %s: %w", path, err)
	}
	bucket := []byte(collection)
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("farmerstore: create bucket %s: %w", collection, err)
	}
	return &Bolt{db: db, bucket: bucket, logger: logger}, nil
}

// Close closes the database file.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// Put writes a record, replacing any existing document with the same id.
func (b *Bolt) Put(_ context.Context, rec farmer.Record) error {
	if rec.ID == "" {
		return farmer.NewValidationError("id", "", farmer.ErrInvalidArgument)
	}
	data, err := json.Marshal(farmer.ToDocument(rec))
	if err != nil {
		return fmt.Errorf("farmerstore: encode %s: %w", rec.ID, err)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(b.bucket).Put([]byte(rec.ID), data)
	})
}

// Count returns the number of stored documents.
func (b *Bolt) Count() (int, error) {
	var n int
	err := b.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(b.bucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Stream visits every document in key order inside one read transaction, so
// the scan sees a consistent snapshot.
func (b *Bolt) Stream(ctx context.Context, visit func(farmer.Record) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(b.bucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var data map[string]any
			if err := json.Unmarshal(v, &data); err != nil {
				b.logger.Warn("farmerstore: skipping undecodable document", "id", string(k), "err", err)
				continue
			}
			rec, err := farmer.FromDocument(string(k), data)
			if err != nil {
				b.logger.Warn("farmerstore: skipping malformed document", "id", string(k), "err", err)
				continue
			}
			if err := visit(rec); err != nil {
				return err
			}
		}
		return nil
	})
}
