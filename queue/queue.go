// Package queue persists pending mutations in creation order so they can be
// replayed once the remote service is reachable.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmgilman/go/errors"

	"github.com/krisalay/offline-cache/durable"
	"github.com/krisalay/offline-cache/engine"
)

// DefaultMaxRetries is how many failed replays an action survives.
const DefaultMaxRetries = 3

/*
Queue is the durable FIFO of pending actions.

Actions live in one region, keyed by their zero-padded ID. IDs come from the
region's persisted sequence, so key order is creation order and survives
restarts. The queue keeps no state of its own besides the region.
*/
type Queue struct {
	region *durable.Region
	now    engine.Clock
	logger *slog.Logger
}

// New wraps region. A nil clock means time.Now.
func New(region *durable.Region, now engine.Clock, logger *slog.Logger) *Queue {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Queue{region: region, now: now, logger: logger}
}

func recordKey(id uint64) string {
	return fmt.Sprintf("%020d", id)
}

// Enqueue persists a new action and returns it with its assigned ID.
// An empty payload is stored as an empty object.
func (q *Queue) Enqueue(ctx context.Context, typ ActionType, payload json.RawMessage) (Action, error) {
	if !typ.Valid() {
		return Action{}, errors.Newf(errors.CodeInvalidInput, "unknown action type %d", int(typ))
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if !json.Valid(payload) {
		return Action{}, errors.Newf(errors.CodeInvalidInput, "%s payload is not valid JSON", typ)
	}

	id, err := q.region.NextSeq(ctx)
	if err != nil {
		return Action{}, errors.Wrap(err, errors.CodeUnavailable, "allocate action id")
	}

	a := Action{
		ID:        id,
		Type:      typ,
		Payload:   append(json.RawMessage(nil), payload...),
		Timestamp: q.now(),
	}
	if err := q.put(ctx, a); err != nil {
		return Action{}, err
	}
	return a, nil
}

// List returns every queued action in ID order. Records that no longer
// decode are deleted and skipped.
func (q *Queue) List(ctx context.Context) ([]Action, error) {
	entries := q.region.Entries()
	out := make([]Action, 0, len(entries))

	for _, e := range entries {
		data, _, err := q.region.Get(ctx, e.Key)
		if errors.Is(err, durable.ErrNotFound) {
			continue
		}
		if err != nil && !errors.Is(err, durable.ErrCorrupted) {
			return out, err
		}

		var a Action
		if err == nil {
			err = json.Unmarshal(data, &a)
		}
		if err != nil {
			q.logger.Warn("dropping unreadable queued action", "key", e.Key, "err", err)
			if derr := q.region.Delete(ctx, e.Key); derr != nil {
				return out, derr
			}
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Update rewrites a queued action in place, keeping its position.
func (q *Queue) Update(ctx context.Context, a Action) error {
	if _, ok := q.region.Stat(recordKey(a.ID)); !ok {
		return errors.Newf(errors.CodeNotFound, "action %d is not queued", a.ID)
	}
	return q.put(ctx, a)
}

// Remove deletes the action with id. Removing a missing action is a no-op.
func (q *Queue) Remove(ctx context.Context, id uint64) error {
	return q.region.Delete(ctx, recordKey(id))
}

// Len returns the number of queued actions.
func (q *Queue) Len() int {
	return q.region.Len()
}

func (q *Queue) put(ctx context.Context, a Action) error {
	data, err := json.Marshal(a)
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidInput, "encode action")
	}
	meta := durable.Meta{CreatedAt: a.Timestamp, AccessedAt: a.Timestamp}
	if err := q.region.Put(ctx, recordKey(a.ID), data, meta); err != nil {
		return errors.Wrapf(err, errors.CodeUnavailable, "persist action %d", a.ID)
	}
	return nil
}
