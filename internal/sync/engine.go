// Package sync drives the pull/resolve/push cycle between the local
// store and the remote backend.
package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/covehq/cove/internal/bus"
	"github.com/covehq/cove/internal/conflict"
	"github.com/covehq/cove/internal/remote"
	"github.com/covehq/cove/internal/status"
	"github.com/covehq/cove/internal/store"
)

// CycleStats is the payload of sync.cycle_finished events.
type CycleStats struct {
	Pulled    int
	Applied   int
	Conflicts int
	Pushed    int
	Err       string
}

// Engine runs sync cycles. Cycles are serialized: one runs at a time,
// and triggers arriving mid-cycle coalesce into at most one follow-up.
type Engine struct {
	db      *store.DB
	remote  remote.Client
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	interval time.Duration
	timeout  time.Duration

	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewEngine creates a sync engine. interval is the periodic trigger
// cadence, timeout bounds each remote call.
func NewEngine(db *store.DB, rc remote.Client, m *status.Machine, b *bus.Bus, interval, timeout time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		db:       db,
		remote:   rc,
		machine:  m,
		bus:      b,
		logger:   logger.Named("sync"),
		interval: interval,
		timeout:  timeout,
		trigger:  make(chan struct{}, 1),
	}
}

// Start launches the trigger loop: periodic ticks, manual triggers, and
// connectivity regained events all feed the same coalescing channel.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe("net.", 16)

	go func() {
		defer unsub()
		defer close(e.done)

		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()

		for {
			select {
			case <-e.trigger:
				e.runCycle(ctx)
			case <-ticker.C:
				e.runCycle(ctx)
			case evt := <-ch:
				if evt.Kind == "net.reachable" {
					e.Trigger()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight cycle to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// Trigger requests a cycle. Non-blocking: if a cycle is already running
// and a follow-up is pending, the request merges into it.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// runCycle executes one full pull/resolve/push pass over all record types.
func (e *Engine) runCycle(ctx context.Context) {
	var stats CycleStats
	var firstErr error

	fail := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	if err := e.machine.Transition(status.Pulling); err != nil {
		e.logger.Warn("cycle skipped", zap.Error(err))
		return
	}

	// Pull phase: fetch remote changes past each type's cursor.
	batches := make(map[store.RecordType][]store.Record)
	for _, t := range store.RecordTypes {
		records, err := e.pullType(ctx, t)
		if err != nil {
			e.logger.Error("pull failed", zap.String("type", string(t)), zap.Error(err))
			fail(err)
			continue
		}
		batches[t] = records
		stats.Pulled += len(records)
	}

	if err := e.machine.Transition(status.Resolving); err != nil {
		e.logger.Warn("cycle aborted", zap.Error(err))
		return
	}

	// Resolve phase: apply each batch, resolving divergences against
	// dirty local copies. A cursor only advances once its whole batch
	// applied, so a mid-batch failure redelivers next cycle. Records
	// whose divergence could not be resolved this cycle are held out of
	// the push below: pushing a dirty local before its conflict is
	// audited and decided would let a stale loser overwrite the remote.
	held := make(map[string]struct{})
	for _, t := range store.RecordTypes {
		applied, conflicts, unresolved, err := e.applyBatch(ctx, t, batches[t])
		stats.Applied += applied
		stats.Conflicts += conflicts
		for _, id := range unresolved {
			held[id] = struct{}{}
		}
		if err != nil {
			e.logger.Error("apply failed", zap.String("type", string(t)), zap.Error(err))
			fail(err)
		}
	}

	if err := e.machine.Transition(status.Pushing); err != nil {
		e.logger.Warn("cycle aborted", zap.Error(err))
		return
	}

	// Push phase: upload dirty records, one at a time so a single bad
	// record cannot wedge the rest of the queue.
	for _, t := range store.RecordTypes {
		pushed, err := e.pushType(ctx, t, held)
		stats.Pushed += pushed
		if err != nil {
			fail(err)
		}
	}

	e.flushAuditLog(ctx)

	if firstErr != nil {
		stats.Err = firstErr.Error()
		_ = e.machine.Fail(firstErr)
	}
	if err := e.machine.Transition(status.Idle); err != nil {
		e.logger.Warn("cycle close", zap.Error(err))
	}

	e.bus.Publish(bus.Event{
		Kind:      "sync.cycle_finished",
		Timestamp: time.Now(),
		Payload:   stats,
	})
	e.logger.Info("cycle finished",
		zap.Int("pulled", stats.Pulled),
		zap.Int("applied", stats.Applied),
		zap.Int("conflicts", stats.Conflicts),
		zap.Int("pushed", stats.Pushed),
		zap.String("err", stats.Err))
}

func (e *Engine) pullType(ctx context.Context, t store.RecordType) ([]store.Record, error) {
	since, err := e.db.Cursor(t)
	if err != nil {
		return nil, fmt.Errorf("read cursor: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.remote.PullSince(ctx, t, since)
}

// applyBatch applies one pulled batch. Records with a dirty local copy go
// through the resolver; the audit entry is persisted before the winner is
// applied. Clean or absent records apply directly.
//
// On error the unprocessed remainder of the batch comes back as
// unresolved ids. The caller keeps those out of the push phase; the
// unadvanced cursor redelivers them next cycle and resolution retries.
func (e *Engine) applyBatch(ctx context.Context, t store.RecordType, records []store.Record) (applied, conflicts int, unresolved []string, err error) {
	var watermark int64

	heldFrom := func(i int) []string {
		ids := make([]string, 0, len(records)-i)
		for j := i; j < len(records); j++ {
			ids = append(ids, records[j].ID)
		}
		return ids
	}

	for i := range records {
		r := &records[i]
		if err := ctx.Err(); err != nil {
			return applied, conflicts, heldFrom(i), err
		}

		local, err := e.db.Get(r.ID)
		if err != nil {
			return applied, conflicts, heldFrom(i), fmt.Errorf("read local %s: %w", r.ID, err)
		}

		if local != nil && local.Dirty {
			res, err := conflict.Resolve(local, r)
			if err != nil {
				return applied, conflicts, heldFrom(i), fmt.Errorf("resolve %s: %w", r.ID, err)
			}
			if err := e.db.AppendConflict(&res.Entry); err != nil {
				return applied, conflicts, heldFrom(i), fmt.Errorf("log conflict %s: %w", r.ID, err)
			}
			conflicts++
			e.bus.Publish(bus.Event{
				Kind:      "sync.conflict",
				Timestamp: time.Now(),
				Payload:   res.Entry,
			})

			if res.Resolution == store.ResolutionLocalWins {
				// Local survives and stays dirty; the push phase will
				// make it the remote state.
				if r.RemoteUpdatedAt > watermark {
					watermark = r.RemoteUpdatedAt
				}
				continue
			}
		}

		ok, err := e.db.ApplyRemote(r)
		if err != nil {
			return applied, conflicts, heldFrom(i), fmt.Errorf("apply %s: %w", r.ID, err)
		}
		if ok {
			applied++
			e.bus.Publish(bus.Event{
				Kind:      "record.applied",
				Timestamp: time.Now(),
				Payload:   map[string]string{"id": r.ID, "type": string(t)},
			})
		}
		if r.RemoteUpdatedAt > watermark {
			watermark = r.RemoteUpdatedAt
		}
	}

	if watermark > 0 {
		if err := e.db.SetCursor(t, watermark); err != nil {
			return applied, conflicts, nil, fmt.Errorf("advance cursor: %w", err)
		}
	}
	return applied, conflicts, nil, nil
}

// pushType uploads the dirty queue for one type, skipping records held
// back by a failed resolution. Failures isolate to the failing record:
// it stays dirty and the loop moves on.
func (e *Engine) pushType(ctx context.Context, t store.RecordType, held map[string]struct{}) (int, error) {
	dirty, err := e.db.FetchDirty(t)
	if err != nil {
		return 0, fmt.Errorf("fetch dirty: %w", err)
	}

	pushed := 0
	var firstErr error
	for i := range dirty {
		rec := &dirty[i]
		if err := ctx.Err(); err != nil {
			return pushed, err
		}
		if _, skip := held[rec.ID]; skip {
			continue
		}

		if err := e.pushOne(ctx, rec); err != nil {
			e.logger.Error("push failed",
				zap.String("id", rec.ID),
				zap.String("type", string(t)),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		pushed++
	}
	return pushed, firstErr
}

func (e *Engine) pushOne(ctx context.Context, rec *store.Record) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if rec.Tombstone() {
		if _, err := e.remote.PushDelete(ctx, rec.Type, rec.ID); err != nil {
			return err
		}
		// One statement, not ClearDirty then purge: if the purge failed
		// after the dirty flag cleared, the tombstone would never be
		// offered for push again.
		if err := e.db.ConfirmDelete(rec.ID); err != nil {
			return fmt.Errorf("confirm delete: %w", err)
		}
		return nil
	}

	at, err := e.remote.Push(ctx, rec)
	if err != nil {
		return err
	}
	if err := e.db.ClearDirty(rec.ID, at); err != nil {
		return fmt.Errorf("confirm push: %w", err)
	}
	return nil
}

// flushAuditLog forwards locally persisted conflict entries to the remote
// audit log. Best effort: entries stay queued on failure and ride along
// with the next cycle.
func (e *Engine) flushAuditLog(ctx context.Context) {
	pending, err := e.db.UnflushedConflicts(100)
	if err != nil {
		e.logger.Error("read audit queue", zap.Error(err))
		return
	}

	for i := range pending {
		entry := &pending[i]
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		err := e.remote.AppendConflict(callCtx, entry)
		cancel()
		if err != nil {
			e.logger.Warn("audit flush deferred", zap.Int64("entry", entry.ID), zap.Error(err))
			return
		}
		if err := e.db.MarkConflictFlushed(entry.ID); err != nil {
			e.logger.Error("mark audit flushed", zap.Int64("entry", entry.ID), zap.Error(err))
			return
		}
	}
}
