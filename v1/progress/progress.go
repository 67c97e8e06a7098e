package progress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quaylabs/go-quay/v1/events"
)

// DefaultTTL is how long a record survives without being rewritten.
const DefaultTTL = time.Hour

// Record is one progress entry. Progress commonly carries a "percent" field
// but its shape is caller-defined.
type Record struct {
	ID        string         `json:"jobId"`
	Progress  map[string]any `json:"progress"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Store is the progress-storage port.
type Store interface {
	// Set writes the record wholesale, resetting its TTL.
	Set(ctx context.Context, id string, progress map[string]any) error
	// Get returns the record, or nil without error when it is absent or
	// its TTL has lapsed.
	Get(ctx context.Context, id string) (*Record, error)
	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context, id string) error
	// Update merges fields into the existing progress object. Updating an
	// absent record is a warned no-op, not an implicit create.
	Update(ctx context.Context, id string, fields map[string]any) error
}

// publish mirrors the record onto the events side-channel, best-effort.
func publish(ctx context.Context, bus events.Bus, rec *Record) {
	if bus == nil || rec == nil {
		return
	}
	evt := events.Event{
		Type:     events.TypeProgress,
		JobID:    rec.ID,
		Progress: rec.Progress,
		At:       rec.UpdatedAt,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	_ = bus.Publish(ctx, events.ProgressTopic(rec.ID), data)
}

func merged(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
