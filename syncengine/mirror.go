package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmgilman/go/errors"

	"github.com/krisalay/offline-cache/durable"
)

/*
Mirror is a local copy of one collection of server reference data, such as
the reminder list, kept so it can be read while offline.

Replace overwrites the whole mirror with a fresh pull. Items are stored one
per key: the item's "id" when it has a string or numeric one, its position in
the pull otherwise.
*/
type Mirror struct {
	region *durable.Region
	logger *slog.Logger
}

// NewMirror wraps region.
func NewMirror(region *durable.Region, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Mirror{region: region, logger: logger}
}

// Name returns the region name backing the mirror.
func (m *Mirror) Name() string { return m.region.Name() }

// Replace discards the mirror and stores items in its place.
func (m *Mirror) Replace(ctx context.Context, items []json.RawMessage, now time.Time) error {
	if err := m.region.Clear(ctx); err != nil {
		return err
	}
	for i, item := range items {
		key := itemKey(item, i)
		meta := durable.Meta{CreatedAt: now, AccessedAt: now}
		if err := m.region.Put(ctx, key, item, meta); err != nil {
			return errors.Wrapf(err, errors.CodeUnavailable, "mirror %s item %s", m.region.Name(), key)
		}
	}
	return nil
}

// Get returns the mirrored item with id.
func (m *Mirror) Get(ctx context.Context, id string) (json.RawMessage, bool) {
	data, _, err := m.region.Get(ctx, id)
	if err != nil {
		if errors.Is(err, durable.ErrCorrupted) {
			m.logger.Warn("dropping corrupted mirror item", "region", m.region.Name(), "key", id)
			_ = m.region.Delete(ctx, id)
		}
		return nil, false
	}
	return data, true
}

// List returns every mirrored item ordered by key. Corrupted items are
// dropped.
func (m *Mirror) List(ctx context.Context) []json.RawMessage {
	entries := m.region.Entries()
	out := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		if item, ok := m.Get(ctx, e.Key); ok {
			out = append(out, item)
		}
	}
	return out
}

// Len returns the number of mirrored items.
func (m *Mirror) Len() int { return m.region.Len() }

func itemKey(item json.RawMessage, pos int) string {
	var withID struct {
		ID json.RawMessage `json:"id"`
	}
	if json.Unmarshal(item, &withID) == nil && len(withID.ID) > 0 {
		var s string
		if json.Unmarshal(withID.ID, &s) == nil && s != "" {
			return s
		}
		var n json.Number
		if json.Unmarshal(withID.ID, &n) == nil {
			return n.String()
		}
	}
	return fmt.Sprintf("#%06d", pos)
}
