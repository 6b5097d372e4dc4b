package checkpoint

import (
	"context"

	"nestor/internal/model"
)

// Store persists one checkpoint slot per level. Save overwrites the slot
// atomically; Load reports ok=false when the level has never been saved.
type Store interface {
	Init(ctx context.Context) error
	Save(ctx context.Context, ckpt model.Checkpoint) error
	Load(ctx context.Context, level string) (model.Checkpoint, bool, error)
	List(ctx context.Context) ([]Info, error)
}

// Info summarizes a stored checkpoint for listings.
type Info struct {
	Level     string `json:"level"`
	Epoch     int    `json:"epoch"`
	SizeBytes int64  `json:"size_bytes"`
	// ModifiedAtUTC is RFC3339; empty when the backend does not track it.
	ModifiedAtUTC string `json:"modified_at_utc,omitempty"`
}
