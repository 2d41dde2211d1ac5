package farmerstore

import (
	"context"
	"fmt"

	"github.com/farmassist/farmassist-api/engine/farmer"
)

// Source streams farmer records.
type Source interface {
	Stream(ctx context.Context, visit func(farmer.Record) error) error
}

// Sink stores farmer records.
type Sink interface {
	Put(ctx context.Context, rec farmer.Record) error
}

// Copy streams every record of src into dst and returns how many were written.
func Copy(ctx context.Context, src Source, dst Sink) (int, error) {
	n := 0
	err := src.Stream(ctx, func(rec farmer.Record) error {
		if err := dst.Put(ctx, rec); err != nil {
			return fmt.Errorf("farmerstore: copy %s: %w", rec.ID, err)
		}
		n++
		return nil
	})
	return n, err
}
