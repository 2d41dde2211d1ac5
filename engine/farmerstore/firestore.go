// Package farmerstore holds the backing stores of the farmer collection:
// Firestore in production and a bbolt file for offline work. Both stream
// every document and materialize it with farmer.FromDocument.
package farmerstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
	"github.com/farmassist/farmassist-api/engine/farmer"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// DefaultCollection is the Firestore collection holding farmer documents.
const DefaultCollection = "farmers"

// FirestoreConfig configures the Firestore client.
type FirestoreConfig struct {
	ProjectID       string
	Collection      string
	CredentialsFile string
	// Endpoint points at an emulator or private endpoint; it is dialed
	// without TLS or authentication.
	Endpoint string
}

// documentSource is the part of a Firestore document iterator the store uses.
type documentSource interface {
	Next() (id string, data map[string]any, err error)
	Stop()
}

type snapshotSource struct {
	it *firestore.DocumentIterator
}

func (s snapshotSource) Next() (string, map[string]any, error) {
	snap, err := s.it.Next()
	if err != nil {
		return "", nil, err
	}
	return snap.Ref.ID, snap.Data(), nil
}

func (s snapshotSource) Stop() { s.it.Stop() }

// Firestore streams farmer records from a Firestore collection.
type Firestore struct {
	client     *firestore.Client
	collection string
	logger     *slog.Logger
	open       func(ctx context.Context) documentSource // for testing
}

// NewFirestore dials Firestore and returns a store over cfg.Collection.
func NewFirestore(ctx context.Context, cfg FirestoreConfig, logger *slog.Logger) (*Firestore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts,
			option.WithEndpoint(cfg.Endpoint),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("farmerstore: firestore client %s: %w", cfg.ProjectID, err)
	}
	return NewFirestoreWithClient(client, cfg.Collection, logger), nil
}

// NewFirestoreWithClient wraps an existing client.
func NewFirestoreWithClient(client *firestore.Client, collection string, logger *slog.Logger) *Firestore {
	if collection == "" {
		collection = DefaultCollection
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Firestore{client: client, collection: collection, logger: logger}
}

// Close closes the underlying client.
func (f *Firestore) Close() error {
	if f.client == nil {
		return nil
	}
	return f.client.Close()
}

func (f *Firestore) source(ctx context.Context) documentSource {
	if f.open != nil {
		return f.open(ctx)
	}
	return snapshotSource{it: f.client.Collection(f.collection).Documents(ctx)}
}

// Stream reads every document of the collection. Read failures wrap
// farmer.ErrStoreUnavailable; visit errors are returned unchanged. Documents
// that cannot be materialized are logged and skipped.
func (f *Firestore) Stream(ctx context.Context, visit func(farmer.Record) error) error {
	src := f.source(ctx)
	defer src.Stop()

	for {
		id, data, err := src.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("farmerstore: read %s: %w: %w", f.collection, farmer.ErrStoreUnavailable, err)
		}
		rec, err := farmer.FromDocument(id, normalizeVectors(data))
		if err != nil {
			f.logger.Warn("farmerstore: skipping malformed document", "collection", f.collection, "id", id, "err", err)
			continue
		}
		if err := visit(rec); err != nil {
			return err
		}
	}
}

// Put writes a record, replacing any existing document with the same id.
// Embeddings are stored as Firestore vector values.
func (f *Firestore) Put(ctx context.Context, rec farmer.Record) error {
	if rec.ID == "" {
		return farmer.NewValidationError("id", "", farmer.ErrInvalidArgument)
	}
	doc := farmer.ToDocument(rec)
	if len(rec.Vectors) > 0 {
		vecs := make(map[string]any, len(rec.Vectors))
		for s, emb := range rec.Vectors {
			vecs[string(s)] = firestore.Vector64(emb)
		}
		doc[farmer.VectorsField] = vecs
	}
	if _, err := f.client.Collection(f.collection).Doc(rec.ID).Set(ctx, doc); err != nil {
		return fmt.Errorf("farmerstore: put %s/%s: %w: %w", f.collection, rec.ID, farmer.ErrStoreUnavailable, err)
	}
	return nil
}

// normalizeVectors rewrites Firestore vector values into plain slices.
func normalizeVectors(data map[string]any) map[string]any {
	vecs, ok := data[farmer.VectorsField].(map[string]any)
	if !ok {
		return data
	}
	for k, v := range vecs {
		switch tv := v.(type) {
		case firestore.Vector64:
			vecs[k] = []float64(tv)
		case firestore.Vector32:
			vecs[k] = []float32(tv)
		}
	}
	return data
}

// IsTransient reports whether a store error is worth retrying.
func IsTransient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	default:
		return false
	}
}
