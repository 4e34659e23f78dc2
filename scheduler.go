package larder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxAttempts is the retry ceiling for a single operation.
const DefaultMaxAttempts = 10

// DefaultBackoff is the wait before the next attempt, indexed by attempts
// made so far and capped at the last entry.
var DefaultBackoff = []time.Duration{
	1 * time.Minute,
	2 * time.Minute,
	4 * time.Minute,
	8 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
}

// RetryPolicy decides when a failed operation may run again and when it
// is given up.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration
}

// DefaultRetryPolicy returns 10 attempts with the default backoff table.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: DefaultMaxAttempts, Backoff: DefaultBackoff}
}

// Delay returns the wait required after the given number of attempts.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts <= 0 || len(p.Backoff) == 0 {
		return 0
	}
	i := attempts - 1
	if i >= len(p.Backoff) {
		i = len(p.Backoff) - 1
	}
	return p.Backoff[i]
}

// Due reports whether op's backoff has elapsed at now.
func (p RetryPolicy) Due(op PendingOperation, now time.Time) bool {
	if op.AttemptCount == 0 || op.LastAttemptAt == nil {
		return true
	}
	return !now.Before(op.LastAttemptAt.Add(p.Delay(op.AttemptCount)))
}

// Exhausted reports whether an operation with this many attempts is given up.
// A zero MaxAttempts retries forever.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// SkipReason explains why a pass did not run.
type SkipReason string

const (
	SkipNone             SkipReason = ""
	SkipNotAuthenticated SkipReason = "not authenticated"
	SkipNotConfigured    SkipReason = "sync not configured"
)

// ChangeReport summarizes one incremental change poll.
type ChangeReport struct {
	Skipped SkipReason `json:"skipped,omitempty"`
	// Initialized is set when the poll only established a baseline cursor.
	Initialized bool `json:"initialized,omitempty"`
	// Rebaselined is set when the cursor had expired and every synced
	// recipe was checked against the remote instead.
	Rebaselined bool `json:"rebaselined,omitempty"`
	Processed   int  `json:"processed"`
	// Conflicts lists recipes newly marked CONFLICT.
	Conflicts []string `json:"conflicts,omitempty"`
	// NewRemote lists canonical files found remotely with no local recipe.
	NewRemote []string `json:"new_remote,omitempty"`
}

// PassReport summarizes one scheduler pass.
type PassReport struct {
	Skipped    SkipReason        `json:"skipped,omitempty"`
	Deferred   bool              `json:"deferred,omitempty"`
	NotDue     int               `json:"not_due"`
	Succeeded  int               `json:"succeeded"`
	Retrying   int               `json:"retrying"`
	Abandoned  int               `json:"abandoned"`
	Conflicts  []string          `json:"conflicts,omitempty"`
	Mismatches []string          `json:"mismatches,omitempty"`
	Exhausted  []string          `json:"exhausted,omitempty"`
	Results    []OperationResult `json:"-"`
	Changes    *ChangeReport     `json:"changes,omitempty"`
	ChangeErr  string            `json:"change_error,omitempty"`
	Purged     int               `json:"purged"`
}

func (r *PassReport) add(res OperationResult) {
	r.Results = append(r.Results, res)
	switch res.Outcome {
	case OutcomeSucceeded:
		r.Succeeded++
	case OutcomeRetry:
		r.Retrying++
	case OutcomeAbandoned:
		r.Abandoned++
	case OutcomeConflict:
		r.Abandoned++
		r.Conflicts = append(r.Conflicts, res.RecipeID)
	case OutcomeVersionMismatch:
		r.Abandoned++
		r.Mismatches = append(r.Mismatches, res.RecipeID)
	case OutcomeExhausted:
		r.Abandoned++
		r.Exhausted = append(r.Exhausted, res.OperationID)
	case OutcomeDeferred:
		r.Deferred = true
	}
}

// RunPass executes every due pending operation, polls the remote change
// feed once, and purges settled operations. Expected conditions are
// reported in the PassReport; the error is reserved for local faults.
func (o *Orchestrator) RunPass(ctx context.Context) (*PassReport, error) {
	ctx, span := o.tracer.Start(ctx, "larder.RunPass")
	defer span.End()

	report, groups, err := o.prepare(ctx, "")
	if err != nil || report.Skipped != SkipNone {
		return report, err
	}

	if err := o.runGroups(ctx, groups, report); err != nil {
		_ = o.store.SetLastSyncError(err.Error())
		return report, o.fail(span, err)
	}
	if report.Deferred {
		o.logger.InfoContext(ctx, "pass deferred")
		return report, nil
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	changes, err := o.ProcessRemoteChanges(ctx)
	report.Changes = &changes
	if err != nil {
		report.ChangeErr = err.Error()
		o.logger.WarnContext(ctx, "change poll failed", "error", err)
	}

	purged, err := o.store.PurgeTerminal()
	if err != nil {
		return report, o.fail(span, err)
	}
	report.Purged = purged

	if err := o.store.SetLastFullSync(o.now()); err != nil {
		return report, o.fail(span, err)
	}
	if err := o.store.SetLastSyncError(report.errorSummary()); err != nil {
		return report, o.fail(span, err)
	}

	span.SetAttributes(
		attribute.Int("larder.succeeded", report.Succeeded),
		attribute.Int("larder.retrying", report.Retrying),
		attribute.Int("larder.abandoned", report.Abandoned),
	)
	o.logger.InfoContext(ctx, "pass complete",
		"succeeded", report.Succeeded, "retrying", report.Retrying,
		"abandoned", report.Abandoned, "not_due", report.NotDue, "purged", report.Purged)
	return report, nil
}

// RunRecipe executes the due pending operations of one recipe. It does
// not poll for remote changes.
func (o *Orchestrator) RunRecipe(ctx context.Context, recipeID string) (*PassReport, error) {
	ctx, span := o.tracer.Start(ctx, "larder.RunRecipe",
		trace.WithAttributes(attribute.String("larder.recipe_id", recipeID)))
	defer span.End()

	report, groups, err := o.prepare(ctx, recipeID)
	if err != nil || report.Skipped != SkipNone {
		return report, err
	}
	if err := o.runGroups(ctx, groups, report); err != nil {
		return report, o.fail(span, err)
	}
	return report, nil
}

// prepare checks the pass preconditions and groups the due operations by recipe.
func (o *Orchestrator) prepare(ctx context.Context, recipeID string) (*PassReport, [][]PendingOperation, error) {
	report := &PassReport{}
	if !o.remote.IsAuthenticated(ctx) {
		report.Skipped = SkipNotAuthenticated
		return report, nil, nil
	}
	state, err := o.store.GetSyncState()
	if err != nil {
		return report, nil, err
	}
	if !state.Configured() {
		report.Skipped = SkipNotConfigured
		return report, nil, nil
	}

	var ops []PendingOperation
	if recipeID == "" {
		ops, err = o.store.ListPending()
	} else {
		ops, err = o.store.ListPendingForRecipe(recipeID)
	}
	if err != nil {
		return report, nil, err
	}

	now := o.now()
	index := make(map[string]int)
	var groups [][]PendingOperation
	for _, op := range ops {
		if !o.policy.Due(op, now) {
			report.NotDue++
			continue
		}
		key := lockKey(op)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], op)
	}
	return report, groups, nil
}

// runGroups runs each recipe's operations in order, with groups running
// concurrently up to the configured bound.
func (o *Orchestrator) runGroups(ctx context.Context, groups [][]PendingOperation, report *PassReport) error {
	var (
		mu       sync.Mutex
		deferred atomic.Bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for _, group := range groups {
		g.Go(func() error {
			for _, op := range group {
				if gctx.Err() != nil || deferred.Load() {
					return nil
				}
				res, err := o.Execute(gctx, op)
				if err != nil {
					return fmt.Errorf("operation %s: %w", op.ID, err)
				}
				mu.Lock()
				report.add(res)
				mu.Unlock()
				if res.Outcome == OutcomeDeferred {
					deferred.Store(true)
					return nil
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *PassReport) errorSummary() string {
	var parts []string
	if len(r.Exhausted) > 0 {
		parts = append(parts, fmt.Sprintf("%d operation(s) gave up after repeated failures", len(r.Exhausted)))
	}
	if r.ChangeErr != "" {
		parts = append(parts, "change poll: "+r.ChangeErr)
	}
	return strings.Join(parts, "; ")
}

// ProcessRemoteChanges pulls the remote change feed since the stored
// cursor and marks recipes whose remote copy was changed or removed by
// someone else as CONFLICT. Without a cursor it only records a baseline.
func (o *Orchestrator) ProcessRemoteChanges(ctx context.Context) (ChangeReport, error) {
	ctx, span := o.tracer.Start(ctx, "larder.ProcessRemoteChanges")
	defer span.End()

	var report ChangeReport
	state, err := o.store.GetSyncState()
	if err != nil {
		return report, o.fail(span, err)
	}
	if !state.Configured() {
		report.Skipped = SkipNotConfigured
		return report, nil
	}

	if state.ChangeCursor == "" {
		if err := o.initCursor(ctx); err != nil {
			return report, o.fail(span, err)
		}
		report.Initialized = true
		o.logger.InfoContext(ctx, "change cursor initialized")
		return report, nil
	}

	seen := make(map[string]bool)
	cursor := state.ChangeCursor
	for {
		page, err := o.remote.ListChanges(ctx, cursor, state.RemoteFolderID)
		if errors.Is(err, ErrCursorExpired) {
			if err := o.rebaseline(ctx, &report, seen); err != nil {
				return report, o.fail(span, err)
			}
			return report, nil
		}
		if err != nil {
			return report, o.fail(span, err)
		}
		for _, ch := range page.Changes {
			report.Processed++
			if err := o.applyChange(ctx, ch, &report, seen); err != nil {
				return report, o.fail(span, err)
			}
		}
		if page.NextCursor != "" {
			cursor = page.NextCursor
		}
		if !page.More {
			break
		}
	}

	if err := o.store.SetChangeCursor(cursor, o.now()); err != nil {
		return report, o.fail(span, err)
	}
	span.SetAttributes(attribute.Int("larder.changes", report.Processed), attribute.Int("larder.conflicts", len(report.Conflicts)))
	return report, nil
}

// rebaseline recovers from an expired cursor. The new cursor is taken
// before the check so changes made during it show up in the next poll.
func (o *Orchestrator) rebaseline(ctx context.Context, report *ChangeReport, seen map[string]bool) error {
	o.logger.WarnContext(ctx, "change cursor expired, checking every synced recipe")
	cursor, err := o.remote.GetChangeCursorStart(ctx)
	if err != nil {
		return err
	}

	entries, err := o.store.ListLedgerByStatus()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.RemoteFileID == "" || e.Status == SyncConflict {
			continue
		}
		report.Processed++
		fileID := e.RemoteFileID
		meta, err := o.remote.GetFileMetadata(ctx, fileID)
		switch {
		case errors.Is(err, ErrRemoteNotFound):
			err = o.markConflict(ctx, e.RecipeID, report, seen, func(cur *LedgerEntry) bool {
				return cur.RemoteFileID == fileID
			}, "removed")
		case err != nil:
		default:
			err = o.markConflict(ctx, e.RecipeID, report, seen, func(cur *LedgerEntry) bool {
				return cur.RemoteFileID == meta.ID && meta.Version > cur.RemoteVersion
			}, "modified")
		}
		if err != nil {
			return err
		}
	}

	if err := o.store.SetChangeCursor(cursor, o.now()); err != nil {
		return err
	}
	report.Rebaselined = true
	o.logger.InfoContext(ctx, "change cursor rebaselined", "checked", len(entries), "conflicts", len(report.Conflicts))
	return nil
}

func (o *Orchestrator) applyChange(ctx context.Context, ch RemoteChange, report *ChangeReport, seen map[string]bool) error {
	if ch.Removed {
		entry, err := o.findEntry(ch.FileID)
		if entry == nil || err != nil {
			return err
		}
		return o.markConflict(ctx, entry.RecipeID, report, seen, func(*LedgerEntry) bool { return true }, "removed")
	}

	f := ch.File
	if f == nil || f.IsFolder || f.Name != CanonicalFileName {
		return nil
	}
	entry, err := o.store.FindLedgerByRemoteFileID(f.ID)
	if errors.Is(err, ErrNotFound) {
		report.NewRemote = append(report.NewRemote, f.ID)
		return nil
	}
	if err != nil {
		return err
	}
	return o.markConflict(ctx, entry.RecipeID, report, seen, func(e *LedgerEntry) bool {
		return e.RemoteFileID == f.ID && f.Version > e.RemoteVersion
	}, "modified")
}

// markConflict re-reads the entry under the recipe lock so an upload that
// just recorded its own write is not mistaken for an outside change.
func (o *Orchestrator) markConflict(ctx context.Context, recipeID string, report *ChangeReport, seen map[string]bool, diverged func(*LedgerEntry) bool, why string) error {
	unlock := o.locks.Lock(recipeID)
	defer unlock()

	entry, err := o.store.GetLedgerEntry(recipeID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if entry.Status == SyncConflict || !diverged(entry) {
		return nil
	}
	if err := o.store.UpdateLedgerStatus(recipeID, SyncConflict); err != nil {
		return err
	}
	if !seen[recipeID] {
		seen[recipeID] = true
		report.Conflicts = append(report.Conflicts, recipeID)
	}
	o.logger.WarnContext(ctx, "remote copy changed outside larder", "recipe_id", recipeID, "change", why)
	return nil
}

// findEntry matches a removed object against canonical files first, then recipe folders.
func (o *Orchestrator) findEntry(id string) (*LedgerEntry, error) {
	entry, err := o.store.FindLedgerByRemoteFileID(id)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	entry, err = o.store.FindLedgerByRemoteFolderID(id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return entry, err
}
