// Package engine drives synchronization: the dispatcher pushes queued
// mutations and pulls authoritative records, the scheduler decides when,
// and Engine wires both to a store for the life of the process.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/alexjbarnes/offsync/internal/conflict"
	syncerr "github.com/alexjbarnes/offsync/internal/errors"
	"github.com/alexjbarnes/offsync/internal/remote"
	"github.com/alexjbarnes/offsync/internal/status"
	"github.com/alexjbarnes/offsync/internal/store"
	"golang.org/x/sync/singleflight"
)

//go:generate mockgen -destination=mock_remote_test.go -package=engine . Remote

// Remote is the remote authority as the dispatcher sees it. Each call
// returns or fails on its own; the implementation owns the timeout.
type Remote interface {
	PushBatch(ctx context.Context, token string, items []remote.BatchItem) ([]remote.ItemResult, error)
	FetchUpdates(ctx context.Context, token string, since time.Time) (remote.FetchResult, error)
}

// DefaultBatchSize is the page size used when none is configured.
const DefaultBatchSize = 50

// Dispatcher moves data between the store and the remote authority. At
// most one push cycle or fetch runs at a time.
type Dispatcher struct {
	store     *store.Store
	remote    Remote
	resolver  conflict.Resolver
	status    *status.Reporter
	batchSize int
	logger    *slog.Logger

	tokenMu sync.RWMutex
	token   string

	cycleMu    sync.Mutex
	fetchGroup singleflight.Group
}

// pageOutcome summarizes one dispatched page.
type pageOutcome struct {
	failed bool
	kind   syncerr.Kind
}

func (o *pageOutcome) fail(kind syncerr.Kind) {
	o.failed = true
	o.kind = kind
}

// NewDispatcher returns a dispatcher. A nil resolver selects
// conflict.FieldLocalWins; a non-positive batch size selects
// DefaultBatchSize.
func NewDispatcher(st *store.Store, rm Remote, resolver conflict.Resolver, rep *status.Reporter, batchSize int, logger *slog.Logger) *Dispatcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	if rep == nil {
		rep = status.NewReporter()
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		store:     st,
		remote:    rm,
		resolver:  conflict.Default(resolver),
		status:    rep,
		batchSize: batchSize,
		logger:    logger,
	}
}

// SetToken replaces the in-memory session token.
func (d *Dispatcher) SetToken(token string) {
	d.tokenMu.Lock()
	d.token = token
	d.tokenMu.Unlock()
}

// Token returns the in-memory session token.
func (d *Dispatcher) Token() string {
	d.tokenMu.RLock()
	defer d.tokenMu.RUnlock()

	return d.token
}

// RunSyncCycle pushes every entry pending when the cycle starts, in pages
// of the batch size. Per-entry and per-page failures are recorded on the
// queue and reflected in status; they are not returned. Returned errors
// are the ones that abort the cycle: a missing or rejected credential, a
// local store failure, or ctx cancellation. Entries enqueued while the
// cycle runs wait for the next one.
func (d *Dispatcher) RunSyncCycle(ctx context.Context) error {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()

	d.status.BeginCycle()

	out, err := d.push(ctx)

	return d.settle(out, err)
}

// Sync pushes pending entries and then pulls remote updates as one
// status cycle, so a clean pull cannot mask a failed push. The pull is
// skipped when the push aborts.
func (d *Dispatcher) Sync(ctx context.Context) error {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()

	d.status.BeginCycle()

	out, err := d.push(ctx)
	if err != nil {
		return d.settle(out, err)
	}

	pulled, err := d.pull(ctx, false)
	if pulled.failed {
		out.fail(pulled.kind)
	}

	return d.settle(out, err)
}

// settle moves status out of syncing and returns err unchanged.
func (d *Dispatcher) settle(out pageOutcome, err error) error {
	if err != nil {
		d.status.Fail(syncerr.KindOf(err))
		return err
	}

	d.status.SetProgress(1)

	if out.failed {
		d.status.Fail(out.kind)
	} else {
		d.status.Succeed()
	}

	return nil
}

func (d *Dispatcher) push(ctx context.Context) (pageOutcome, error) {
	var result pageOutcome

	token := d.Token()
	if token == "" {
		return result, syncerr.New(syncerr.KindAuth, "sync cycle", syncerr.ErrMissingToken)
	}

	total, until, err := d.store.PendingWindow()
	if err != nil {
		return result, syncerr.New(syncerr.KindUnknown, "sync cycle", fmt.Errorf("reading pending window: %w", err))
	}

	if total == 0 {
		return result, nil
	}

	d.logger.Info("sync cycle started", slog.Int("pending", total), slog.Int("batch_size", d.batchSize))

	var (
		after     *store.Cursor
		processed int
	)

	for {
		if err := ctx.Err(); err != nil {
			return result, syncerr.New(syncerr.KindNetwork, "sync cycle", err)
		}

		page, err := d.store.DrainRange(after, until, d.batchSize)
		if err != nil {
			return result, syncerr.New(syncerr.KindUnknown, "sync cycle", fmt.Errorf("draining queue: %w", err))
		}

		if len(page) == 0 {
			break
		}

		last := page[len(page)-1].Cursor()
		after = &last

		out, err := d.dispatchPage(ctx, token, page)
		if err != nil {
			return result, err
		}

		if out.failed {
			result.fail(out.kind)
		}

		processed += len(page)
		d.status.SetProgress(float64(processed) / float64(total))
	}

	if result.failed {
		d.logger.Warn("sync cycle finished with failures",
			slog.Int("processed", processed),
			slog.String("last_error", result.kind.String()),
		)
	} else {
		d.logger.Info("sync cycle finished", slog.Int("processed", processed))
	}

	return result, nil
}

// dispatchPage sends one page. Only aborting failures are returned.
func (d *Dispatcher) dispatchPage(ctx context.Context, token string, page []store.QueueEntry) (pageOutcome, error) {
	var out pageOutcome

	items := make([]remote.BatchItem, 0, len(page))

	for _, e := range page {
		plain, err := d.store.OpenEntry(e)
		if err != nil {
			d.logger.Warn("queue entry not decryptable",
				slog.Uint64("entry_id", e.ID),
				slog.String("error", err.Error()),
			)
			d.markFailed(e.ID, err.Error(), &out)
			out.fail(syncerr.KindUnknown)

			continue
		}

		items = append(items, remote.BatchItem{ID: e.ID, Action: e.Action, Data: wireData(plain)})
	}

	if len(items) == 0 {
		return out, nil
	}

	results, err := d.remote.PushBatch(ctx, token, items)
	if err != nil {
		if ctx.Err() != nil {
			return out, syncerr.New(syncerr.KindNetwork, "push batch", ctx.Err())
		}

		kind := syncerr.KindOf(err)
		if syncerr.IsAbort(err) {
			return out, err
		}

		d.logger.Warn("batch push failed",
			slog.Int("entries", len(items)),
			slog.String("kind", kind.String()),
			slog.String("error", err.Error()),
		)

		for _, it := range items {
			d.markFailed(it.ID, err.Error(), &out)
		}

		out.fail(kind)

		return out, nil
	}

	byID := make(map[uint64]remote.ItemResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}

	for _, it := range items {
		r, ok := byID[it.ID]

		switch {
		case ok && r.Success:
			if err := d.store.MarkSynced(it.ID); err != nil {
				d.logger.Error("marking entry synced",
					slog.Uint64("entry_id", it.ID),
					slog.String("error", err.Error()),
				)
				out.fail(syncerr.KindUnknown)
			}
		case ok:
			reason := r.Error
			if reason == "" {
				reason = "rejected by server"
			}

			d.markFailed(it.ID, reason, &out)
			out.fail(syncerr.KindServer)
		default:
			d.markFailed(it.ID, "no result for entry", &out)
			out.fail(syncerr.KindServer)
		}
	}

	return out, nil
}

func (d *Dispatcher) markFailed(id uint64, reason string, out *pageOutcome) {
	if _, err := d.store.MarkFailed(id, reason); err != nil {
		d.logger.Error("marking entry failed",
			slog.Uint64("entry_id", id),
			slog.String("error", err.Error()),
		)
		out.fail(syncerr.KindUnknown)
	}
}

// wireData sends JSON payloads verbatim and anything else as a string.
func wireData(plain []byte) json.RawMessage {
	if json.Valid(plain) {
		return json.RawMessage(plain)
	}

	data, _ := json.Marshal(string(plain))

	return data
}

// FetchRemoteUpdates pulls records changed since the persisted fetch
// cursor and applies each one independently. Concurrent callers share
// one fetch. Transport and credential failures are returned; a record
// that fails to apply only marks the status as error.
func (d *Dispatcher) FetchRemoteUpdates(ctx context.Context) error {
	_, err, _ := d.fetchGroup.Do("fetch", func() (any, error) {
		return nil, d.fetch(ctx)
	})

	return err
}

func (d *Dispatcher) fetch(ctx context.Context) error {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()

	d.status.BeginCycle()

	out, err := d.pull(ctx, true)

	return d.settle(out, err)
}

func (d *Dispatcher) pull(ctx context.Context, progress bool) (pageOutcome, error) {
	var result pageOutcome

	token := d.Token()
	if token == "" {
		return result, syncerr.New(syncerr.KindAuth, "fetch updates", syncerr.ErrMissingToken)
	}

	since, err := d.store.FetchCursor()
	if err != nil {
		return result, syncerr.New(syncerr.KindUnknown, "fetch updates", fmt.Errorf("reading fetch cursor: %w", err))
	}

	res, err := d.remote.FetchUpdates(ctx, token, since)
	if err != nil {
		return result, err
	}

	if res.Skipped > 0 {
		result.fail(syncerr.KindServer)
	}

	newest := since

	for i, u := range res.Updates {
		if err := d.applyUpdate(u); err != nil {
			d.logger.Warn("applying remote record failed",
				slog.String("record_id", u.ID),
				slog.String("error", err.Error()),
			)
			result.fail(syncerr.KindUnknown)
		} else if u.Timestamp.After(newest) {
			newest = u.Timestamp
		}

		if progress {
			d.status.SetProgress(float64(i+1) / float64(len(res.Updates)))
		}
	}

	// A failed record must be offered again, so the cursor only moves
	// when everything applied.
	if !result.failed && newest.After(since) {
		if err := d.store.SetFetchCursor(newest); err != nil {
			d.logger.Warn("saving fetch cursor", slog.String("error", err.Error()))
		}
	}

	d.logger.Info("fetched remote updates",
		slog.Int("records", len(res.Updates)),
		slog.Int("skipped", res.Skipped),
	)

	return result, nil
}

// applyUpdate writes one remote record. Records absent locally, strictly
// newer than the local copy, or without a timestamp are applied
// directly; anything else goes through the resolver.
func (d *Dispatcher) applyUpdate(u remote.Update) error {
	local, err := d.store.Get(u.ID)
	if err != nil {
		return err
	}

	incoming := store.Record{ID: u.ID, Payload: u.Payload, LastUpdated: u.Timestamp}

	if local == nil || u.Timestamp.IsZero() || u.Timestamp.After(local.LastUpdated) {
		_, err := d.store.ApplyRemote(incoming)
		return err
	}

	incoming.Payload, err = store.NormalizePayload(incoming.Payload)
	if err != nil {
		return err
	}

	resolved, err := d.resolve(u.ID, *local, incoming)
	if err != nil {
		return err
	}

	switch {
	case reflect.DeepEqual(resolved.Payload, incoming.Payload):
		incoming.LastUpdated = resolved.LastUpdated
		_, err = d.store.ApplyRemote(incoming)
	case reflect.DeepEqual(resolved.Payload, local.Payload):
		d.logger.Debug("remote record superseded by local", slog.String("record_id", u.ID))
	default:
		_, err = d.store.ApplyMerged(resolved, incoming.Payload)
	}

	return err
}

func (d *Dispatcher) resolve(id string, local, incoming store.Record) (store.Record, error) {
	var (
		resolved store.Record
		done     bool
	)

	if br, ok := d.resolver.(conflict.BaseResolver); ok {
		base, err := d.store.Base(id)
		if err != nil {
			return store.Record{}, err
		}

		if base != nil {
			resolved, done = br.ResolveWithBase(id, base, local, incoming), true
		}
	}

	if !done {
		resolved = d.resolver.Resolve(id, local, incoming)
	}

	switch resolved.ID {
	case "":
		resolved.ID = id
	case id:
	default:
		return store.Record{}, fmt.Errorf("resolver returned record %q for %q", resolved.ID, id)
	}

	payload, err := store.NormalizePayload(resolved.Payload)
	if err != nil {
		return store.Record{}, err
	}

	resolved.Payload = payload

	return resolved, nil
}
