package farmerstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/farmassist/farmassist-api/pkg/config"
)

// Handle is an opened backend.
type Handle interface {
	Source
	Sink
	io.Closer
}

// Open connects to the backend named by c.Backend.
func Open(ctx context.Context, c config.Store, logger *slog.Logger) (Handle, error) {
	switch c.Backend {
	case config.BackendFirestore:
		return NewFirestore(ctx, FirestoreConfig{
			ProjectID:       c.ProjectID,
			Collection:      c.Collection,
			CredentialsFile: c.CredentialsFile,
			Endpoint:        c.Endpoint,
		}, logger)
	case config.BackendBolt:
		return OpenBolt(c.BoltPath, c.Collection, logger)
	default:
		return nil, fmt.Errorf("farmerstore: unknown backend %q", c.Backend)
	}
}
