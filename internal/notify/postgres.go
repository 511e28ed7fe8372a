package notify

import (
	"context"

	"github.com/ashita-ai/hakobi/internal/model"
	"github.com/ashita-ai/hakobi/internal/storage"
)

// PGFeed publishes changes with Postgres NOTIFY.
type PGFeed struct {
	db *storage.DB
}

// NewPGFeed creates a PGFeed.
func NewPGFeed(db *storage.DB) *PGFeed {
	return &PGFeed{db: db}
}

func (f *PGFeed) Name() string { return "postgres" }

func (f *PGFeed) Publish(ctx context.Context, c model.Change) error {
	return f.db.NotifyChange(ctx, c)
}

// PGSource reads changes with Postgres LISTEN on the dedicated notify
// connection. It subscribes lazily on the first Next call.
type PGSource struct {
	db        *storage.DB
	listening bool
}

// NewPGSource creates a PGSource. The DB must have a notify connection.
func NewPGSource(db *storage.DB) *PGSource {
	return &PGSource{db: db}
}

// Next is not safe for concurrent use; the notify connection is single.
func (s *PGSource) Next(ctx context.Context) (model.Change, error) {
	if !s.listening {
		if err := s.db.ListenChanges(ctx); err != nil {
			return model.Change{}, err
		}
		s.listening = true
	}
	return s.db.NextChange(ctx)
}
