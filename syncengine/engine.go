// Package syncengine replays queued mutations against the remote service and
// refreshes the local mirrors of server reference data afterwards.
package syncengine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"

	"github.com/krisalay/offline-cache/engine"
	"github.com/krisalay/offline-cache/queue"
	"github.com/krisalay/offline-cache/types"
)

// Discard is emitted when an action leaves the queue without having been
// applied remotely.
type Discard struct {
	Action queue.Action
	Reason error
}

// EntityID names the entity the discarded action was about ("r1" for a
// MARK_TAKEN of reminder r1), or "" when the payload names none.
func (d Discard) EntityID() string { return entityID(d.Action) }

// Report summarises one Drain call.
type Report struct {
	// Skipped is set when the pass did not start: offline or another pass
	// was running.
	Skipped bool

	Attempted int
	Succeeded int
	Failed    int
	Discarded int

	// Aborted is set when the pass stopped early because the context ended
	// or connectivity was lost. Refresh is skipped for aborted passes.
	Aborted bool

	// Refreshed is set when every mirror was pulled and lastSync advanced.
	Refreshed bool
}

// Invalidator removes cached responses whose URL matches a pattern.
type Invalidator interface {
	Invalidate(ctx context.Context, pattern string) (int, error)
}

// RefreshTarget is one collection pulled after a complete pass.
type RefreshTarget struct {
	// Path is fetched with GET; the response body must be a JSON array.
	Path string

	Mirror *Mirror

	// Invalidate is the URL pattern of cached responses the pull supersedes.
	Invalidate string
}

// Options configures an Engine.
type Options struct {
	// MaxRetries is how many failed replays drop an action. Default 3.
	MaxRetries int

	Refresh     []RefreshTarget
	Invalidator Invalidator

	Now    engine.Clock
	Logger *slog.Logger
}

/*
Engine drives the queue against the remote service.

A pass starts only when State is online and no other pass is running; the
in-progress flag is a compare-and-swap, so a second overlapping Drain returns
a skipped Report without touching the queue.

BEHAVIOR:
  - actions replay strictly in ID order, one at a time
  - success removes the action
  - failure increments RetryCount in place; reaching MaxRetries drops it and
    emits a Discard
  - an action that can never be replayed (no route, missing id) is dropped at
    once
  - after a pass that was not aborted the refresh targets are pulled and
    overwrite their mirrors, then lastSync is set

The mirror overwrite is last-write-wins: an action queued after the pull
snapshot but before the overwrite can be hidden from the mirror until the
next pass.
*/
type Engine struct {
	state  *State
	queue  *queue.Queue
	remote types.Remote

	maxRetries  int
	refresh     []RefreshTarget
	invalidator Invalidator
	now         engine.Clock
	logger      *slog.Logger

	mu       sync.Mutex
	handlers []func(Discard)

	bgCtx    context.Context
	cancel   context.CancelFunc
	schedule *scheduler
}

// New builds an engine over q. It starts one background worker used for
// drains scheduled by Enqueue; Close stops it.
func New(state *State, q *queue.Queue, remote types.Remote, opts Options) *Engine {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = queue.DefaultMaxRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	e := &Engine{
		state:       state,
		queue:       q,
		remote:      remote,
		maxRetries:  opts.MaxRetries,
		refresh:     opts.Refresh,
		invalidator: opts.Invalidator,
		now:         opts.Now,
		logger:      opts.Logger,
	}
	e.bgCtx, e.cancel = context.WithCancel(context.Background())
	e.schedule = newScheduler(func() {
		if _, err := e.Drain(e.bgCtx); err != nil {
			e.logger.Warn("background drain failed", "err", err)
		}
	})
	return e
}

// State returns the state the engine reads and writes.
func (e *Engine) State() *State { return e.state }

// OnDiscard registers h to be called for every discarded action. Handlers run
// on the draining goroutine and must not call Drain.
func (e *Engine) OnDiscard(h func(Discard)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Enqueue persists an action and, when online and idle, schedules a drain.
func (e *Engine) Enqueue(ctx context.Context, typ queue.ActionType, payload json.RawMessage) (queue.Action, error) {
	a, err := e.queue.Enqueue(ctx, typ, payload)
	if err != nil {
		return queue.Action{}, err
	}
	e.logger.Debug("action queued", "action_id", a.ID, "type", a.Type.String())

	if e.state.Online() && !e.state.InProgress() {
		e.schedule.Trigger()
	}
	return a, nil
}

// Schedule asks the background worker for a drain pass without waiting.
func (e *Engine) Schedule() { e.schedule.Trigger() }

// Close cancels any background pass and waits for the worker to exit.
func (e *Engine) Close() {
	e.cancel()
	e.schedule.Close()
}

/*
Drain runs one pass over the queue.

The returned error is reserved for storage failures that stop the pass (the
queue could not be listed or updated). Replay failures are counted in the
Report and surface only as Discard events once an action runs out of retries.
*/
func (e *Engine) Drain(ctx context.Context) (Report, error) {
	if !e.state.Online() || !e.state.tryBegin() {
		return Report{Skipped: true}, nil
	}
	defer e.state.end()

	var rep Report
	actions, err := e.queue.List(ctx)
	if err != nil {
		return rep, errors.Wrap(err, errors.CodeUnavailable, "list queued actions")
	}

	for i := range actions {
		if ctx.Err() != nil || !e.state.Online() {
			rep.Aborted = true
			break
		}

		outcome, err := e.replay(ctx, actions, i)
		if err != nil {
			return rep, err
		}
		if outcome == interrupted {
			rep.Aborted = true
			break
		}

		rep.Attempted++
		switch outcome {
		case replayed:
			rep.Succeeded++
		case retained:
			rep.Failed++
		case dropped:
			rep.Failed++
			rep.Discarded++
		}
	}

	if rep.Attempted > 0 || rep.Aborted {
		e.logger.Info("drain pass finished",
			"attempted", rep.Attempted, "succeeded", rep.Succeeded,
			"failed", rep.Failed, "discarded", rep.Discarded, "aborted", rep.Aborted)
	}
	if rep.Aborted {
		return rep, nil
	}

	if e.pull(ctx) {
		e.state.setLastSync(e.now())
		rep.Refreshed = true
	}
	return rep, nil
}

type outcome int

const (
	replayed outcome = iota
	retained
	dropped
	interrupted
)

// replay applies actions[i]. On a successful create it reconciles the local id
// into the later actions of the slice and persists them.
func (e *Engine) replay(ctx context.Context, actions []queue.Action, i int) (outcome, error) {
	a := actions[i]
	log := e.logger.With("action_id", a.ID, "type", a.Type.String())

	req, err := request(a)
	if err != nil {
		if rerr := e.queue.Remove(ctx, a.ID); rerr != nil {
			return 0, errors.Wrap(rerr, errors.CodeUnavailable, "remove unroutable action")
		}
		e.discard(a, err)
		return dropped, nil
	}

	resp, err := e.remote.Do(ctx, req)
	if err == nil && !resp.OK() {
		err = errors.WithContext(
			errors.Newf(errors.CodeNetwork, "%s %s: status %d", req.Method, req.URL, resp.Status),
			"status", resp.Status)
	}
	if err != nil && ctx.Err() != nil {
		// The caller gave up; the attempt does not count against the action.
		return interrupted, nil
	}

	if err == nil {
		if rerr := e.queue.Remove(ctx, a.ID); rerr != nil {
			return 0, errors.Wrap(rerr, errors.CodeUnavailable, "remove replayed action")
		}
		log.Debug("action replayed")
		if a.Type == queue.CreateReminder {
			if err := e.reconcile(ctx, a, resp, actions[i+1:]); err != nil {
				return 0, err
			}
		}
		return replayed, nil
	}

	a.RetryCount++
	if a.RetryCount >= e.maxRetries {
		if rerr := e.queue.Remove(ctx, a.ID); rerr != nil {
			return 0, errors.Wrap(rerr, errors.CodeUnavailable, "remove exhausted action")
		}
		e.discard(a, err)
		return dropped, nil
	}
	if uerr := e.queue.Update(ctx, a); uerr != nil {
		return 0, errors.Wrap(uerr, errors.CodeUnavailable, "record replay failure")
	}
	actions[i] = a
	log.Debug("action replay failed", "retry_count", a.RetryCount, "err", err)
	return retained, nil
}

// reconcile rewrites later actions that still refer to the local id of a
// reminder the server has just created.
func (e *Engine) reconcile(ctx context.Context, created queue.Action, resp types.Response, later []queue.Action) error {
	local, server := created.Field("localId"), serverID(resp)
	if local == "" || server == "" || local == server {
		return nil
	}
	ids := map[string]string{local: server}

	for j := range later {
		payload, changed := reconcileIDs(later[j].Payload, ids)
		if !changed {
			continue
		}
		later[j].Payload = payload
		if err := e.queue.Update(ctx, later[j]); err != nil {
			return errors.Wrap(err, errors.CodeUnavailable, "reconcile local id")
		}
		e.logger.Debug("reconciled local id", "action_id", later[j].ID, "local_id", local, "server_id", server)
	}
	return nil
}

func (e *Engine) discard(a queue.Action, reason error) {
	e.logger.Warn("discarding queued action",
		"action_id", a.ID, "type", a.Type.String(), "entity", entityID(a),
		"retry_count", a.RetryCount, "err", reason)

	e.mu.Lock()
	handlers := append(([]func(Discard))(nil), e.handlers...)
	e.mu.Unlock()

	d := Discard{Action: a, Reason: reason}
	for _, h := range handlers {
		h(d)
	}
}

// pull refreshes every target. It reports whether all of them succeeded.
func (e *Engine) pull(ctx context.Context) bool {
	ok := true
	for _, t := range e.refresh {
		if err := e.pullOne(ctx, t); err != nil {
			e.logger.Warn("reference refresh failed", "path", t.Path, "err", err)
			ok = false
			continue
		}
		if e.invalidator != nil && t.Invalidate != "" {
			if _, err := e.invalidator.Invalidate(ctx, t.Invalidate); err != nil {
				e.logger.Warn("invalidating refreshed responses failed", "pattern", t.Invalidate, "err", err)
			}
		}
	}
	return ok
}

func (e *Engine) pullOne(ctx context.Context, t RefreshTarget) error {
	resp, err := e.remote.Do(ctx, types.Request{Method: "GET", URL: t.Path})
	if err != nil {
		return errors.Wrapf(err, errors.CodeNetwork, "GET %s", t.Path)
	}
	if !resp.OK() {
		return errors.Newf(errors.CodeNetwork, "GET %s: status %d", t.Path, resp.Status)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(resp.Body, &items); err != nil {
		return errors.Wrapf(err, errors.CodeInvalidInput, "GET %s: body is not a JSON array", t.Path)
	}
	if t.Mirror == nil {
		return nil
	}
	return t.Mirror.Replace(ctx, items, e.now())
}
