package larder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/hyperengineering/larder"

// cleanupTimeout bounds best-effort remote cleanup after a failed create.
const cleanupTimeout = 30 * time.Second

// Outcome is the result variant of executing one operation. Callers must
// switch on it; only local storage faults are reported as errors.
type Outcome string

const (
	// OutcomeSucceeded: the remote now reflects the operation.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeConflict: the remote changed since last observed; the ledger is CONFLICT.
	OutcomeConflict Outcome = "conflict"
	// OutcomeVersionMismatch: a delete target changed since it was queued; nothing was deleted.
	OutcomeVersionMismatch Outcome = "version_mismatch"
	// OutcomeAbandoned: the operation became moot, e.g. the recipe was deleted locally.
	OutcomeAbandoned Outcome = "abandoned"
	// OutcomeRetry: a transient failure; the operation will be retried with backoff.
	OutcomeRetry Outcome = "retry"
	// OutcomeExhausted: the final retry failed, or the failure is permanent.
	OutcomeExhausted Outcome = "exhausted"
	// OutcomeDeferred: the remote is unavailable for this pass (no credentials, no config).
	OutcomeDeferred Outcome = "deferred"
	// OutcomeSkipped: the operation was no longer pending when its turn came.
	OutcomeSkipped Outcome = "skipped"
)

// OperationResult reports what executing an operation did.
type OperationResult struct {
	OperationID string
	RecipeID    string
	Type        OperationType
	Outcome     Outcome
	// Remote is the identity written by a successful upload.
	Remote *RemoteIdentity
	// Err is the cause of a Retry, Exhausted or Deferred outcome.
	Err error
}

// Queue result reasons.
const (
	ReasonQueued         = "queued"
	ReasonAlreadyPending = "already pending"
	ReasonSyncDisabled   = "sync disabled"
	ReasonNeverSynced    = "never synced"
)

// QueueResult reports whether a queue call inserted an operation.
type QueueResult struct {
	OperationID string
	Queued      bool
	Reason      string
}

// Orchestrator drives the sync state machine: it queues operations,
// executes them against the remote with version checks, and folds the
// remote change feed back into the ledger.
type Orchestrator struct {
	store       *Store
	remote      RemoteStore
	recipes     RecipeStore
	formatter   Formatter
	logger      *slog.Logger
	tracer      trace.Tracer
	policy      RetryPolicy
	concurrency int
	now         func() time.Time
	locks       *keyedMutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRecipeStore sets the local recipe store. Defaults to the Store itself.
func WithRecipeStore(rs RecipeStore) Option {
	return func(o *Orchestrator) { o.recipes = rs }
}

// WithFormatter sets the renderer for the human-readable remote file.
func WithFormatter(f Formatter) Option {
	return func(o *Orchestrator) { o.formatter = f }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracer sets the tracer. Defaults to the global provider's tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithRetryPolicy sets the retry ceiling and backoff table.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithConcurrency bounds how many recipes a pass works on at once.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithClock overrides the time source used for retry bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator creates an orchestrator over the local store and a remote.
func NewOrchestrator(store *Store, remote RemoteStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		remote:      remote,
		recipes:     store,
		formatter:   TextFormatter{},
		logger:      slog.Default(),
		tracer:      otel.Tracer(tracerName),
		policy:      DefaultRetryPolicy(),
		concurrency: 2,
		now:         func() time.Time { return time.Now().UTC() },
		locks:       newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// QueueUpload records that a recipe needs to be uploaded. It is a no-op
// while sync is disabled and when an upload is already outstanding.
func (o *Orchestrator) QueueUpload(ctx context.Context, recipeID string) (QueueResult, error) {
	state, err := o.store.GetSyncState()
	if err != nil {
		return QueueResult{}, err
	}
	if !state.Configured() {
		return QueueResult{Reason: ReasonSyncDisabled}, nil
	}

	id, created, err := o.store.EnqueueUpload(recipeID)
	if err != nil {
		return QueueResult{}, err
	}
	if !created {
		return QueueResult{OperationID: id, Reason: ReasonAlreadyPending}, nil
	}

	// A conflict stays a conflict until resolved.
	if err := o.store.MarkPendingUpload(recipeID); err != nil {
		return QueueResult{}, err
	}

	o.logger.DebugContext(ctx, "queued upload", "recipe_id", recipeID, "op_id", id)
	return QueueResult{OperationID: id, Queued: true, Reason: ReasonQueued}, nil
}

// QueueDelete records that a synced recipe's remote copy must be removed.
// Recipes that were never synced have nothing to delete. It waits for an
// upload of the recipe in flight so the delete targets what it wrote.
func (o *Orchestrator) QueueDelete(ctx context.Context, recipeID string) (QueueResult, error) {
	unlock := o.locks.Lock(recipeID)
	defer unlock()

	entry, err := o.store.GetLedgerEntry(recipeID)
	if errors.Is(err, ErrNotFound) {
		return QueueResult{Reason: ReasonNeverSynced}, nil
	}
	if err != nil {
		return QueueResult{}, err
	}

	id, err := o.store.EnqueueDelete(recipeID, entry.Identity())
	if err != nil {
		return QueueResult{}, err
	}
	if err := o.store.UpdateLedgerStatus(recipeID, SyncPendingDelete); err != nil {
		return QueueResult{}, err
	}

	o.logger.DebugContext(ctx, "queued delete", "recipe_id", recipeID, "op_id", id,
		"file_id", entry.RemoteFileID, "version", entry.RemoteVersion)
	return QueueResult{OperationID: id, Queued: true, Reason: ReasonQueued}, nil
}

// QueueUnsynced queues an upload for every local recipe that was never
// synced or was modified after its last sync.
func (o *Orchestrator) QueueUnsynced(ctx context.Context) (int, error) {
	lister, ok := o.recipes.(RecipeLister)
	if !ok {
		return 0, nil
	}
	recipes, err := lister.ListRecipes(ctx)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, r := range recipes {
		entry, err := o.store.GetLedgerEntry(r.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return queued, err
		}
		if entry != nil && entry.LocalModifiedAt != nil && !r.UpdatedAt.After(*entry.LocalModifiedAt) {
			continue
		}
		res, err := o.QueueUpload(ctx, r.ID)
		if err != nil {
			return queued, err
		}
		if res.Queued {
			queued++
		}
	}
	return queued, nil
}

// EnsureSyncFolder finds the top-level remote folder with the given name,
// creating it if needed.
func (o *Orchestrator) EnsureSyncFolder(ctx context.Context, name string) (*RemoteFile, error) {
	folders, err := o.remote.ListFolders(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range folders {
		if folders[i].Name == name {
			return &folders[i], nil
		}
	}
	return o.remote.CreateFolder(ctx, name, "")
}

// EnableSync turns sync on for a remote folder, initializes the change
// cursor if there is none, and queues recipes that are not yet synced.
// Retargeting sync at a different folder forgets the old folder's ledger.
func (o *Orchestrator) EnableSync(ctx context.Context, folderID, folderName string) error {
	prev, err := o.store.GetSyncState()
	if err != nil {
		return err
	}
	if prev.RemoteFolderID != "" && prev.RemoteFolderID != folderID {
		o.logger.InfoContext(ctx, "sync folder changed, clearing ledger",
			"old_folder", prev.RemoteFolderID, "new_folder", folderID)
		if err := o.store.clearSyncData(); err != nil {
			return err
		}
	}

	if err := o.store.EnableSync(folderID, folderName); err != nil {
		return err
	}

	state, err := o.store.GetSyncState()
	if err != nil {
		return err
	}
	if state.ChangeCursor == "" {
		if err := o.initCursor(ctx); err != nil {
			// The first change poll retries; enabling still stands.
			o.logger.WarnContext(ctx, "could not initialize change cursor", "error", err)
		}
	}

	n, err := o.QueueUnsynced(ctx)
	if err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "sync enabled", "folder_id", folderID, "folder", folderName, "queued", n)
	return nil
}

// DisableSync turns sync off. Queued operations stay queued.
func (o *Orchestrator) DisableSync(ctx context.Context) error {
	if err := o.store.DisableSync(); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "sync disabled")
	return nil
}

func (o *Orchestrator) initCursor(ctx context.Context) error {
	token, err := o.remote.GetChangeCursorStart(ctx)
	if err != nil {
		return err
	}
	return o.store.SetChangeCursor(token, o.now())
}

// Execute runs one operation under its recipe's lock and records the
// outcome on the operation and ledger.
func (o *Orchestrator) Execute(ctx context.Context, op PendingOperation) (OperationResult, error) {
	switch op.Type {
	case OperationUpload:
		return o.ExecuteUpload(ctx, op)
	case OperationDelete:
		return o.ExecuteDelete(ctx, op)
	}
	return OperationResult{}, fmt.Errorf("execute: unknown operation type %q", op.Type)
}

// ExecuteUpload creates or updates the recipe's remote copy. An update is
// refused when the remote version is newer than the ledger's.
func (o *Orchestrator) ExecuteUpload(ctx context.Context, op PendingOperation) (OperationResult, error) {
	if op.Type != OperationUpload {
		return OperationResult{}, fmt.Errorf("execute upload: operation %s is %s", op.ID, op.Type)
	}
	return o.run(ctx, op, "larder.ExecuteUpload", o.upload)
}

// ExecuteDelete removes the recipe's remote copy unless it changed since
// the delete was queued. Deleting something already gone succeeds.
func (o *Orchestrator) ExecuteDelete(ctx context.Context, op PendingOperation) (OperationResult, error) {
	if op.Type != OperationDelete {
		return OperationResult{}, fmt.Errorf("execute delete: operation %s is %s", op.ID, op.Type)
	}
	return o.run(ctx, op, "larder.ExecuteDelete", o.delete)
}

type execFunc func(ctx context.Context, op *PendingOperation, state *SyncState) (OperationResult, error)

func (o *Orchestrator) run(ctx context.Context, op PendingOperation, spanName string, fn execFunc) (OperationResult, error) {
	ctx, span := o.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("larder.op_id", op.ID),
		attribute.String("larder.recipe_id", op.RecipeID),
	))
	defer span.End()

	result := OperationResult{OperationID: op.ID, RecipeID: op.RecipeID, Type: op.Type}
	if err := ctx.Err(); err != nil {
		result.Outcome = OutcomeSkipped
		return result, nil
	}

	unlock := o.locks.Lock(lockKey(op))
	defer unlock()

	// Re-read under the lock; another path may have settled it.
	current, err := o.store.GetOperation(op.ID)
	if errors.Is(err, ErrNotFound) {
		result.Outcome = OutcomeSkipped
		return result, nil
	}
	if err != nil {
		return result, o.fail(span, err)
	}
	if current.Status != StatusPending && current.Status != StatusFailedRetrying {
		result.Outcome = OutcomeSkipped
		return result, nil
	}

	state, err := o.store.GetSyncState()
	if err != nil {
		return result, o.fail(span, err)
	}
	if !state.Configured() {
		result.Outcome = OutcomeDeferred
		result.Err = ErrNotConfigured
		return result, nil
	}

	if err := o.store.MarkStatus(current.ID, StatusInProgress); err != nil {
		return result, o.fail(span, err)
	}

	res, err := fn(ctx, current, state)
	res.OperationID, res.RecipeID, res.Type = current.ID, current.RecipeID, current.Type
	if err != nil {
		// Leave the row retryable; local faults end the pass, not the operation.
		o.release(ctx, current)
		return res, o.fail(span, err)
	}

	res, err = o.settle(ctx, current, res)
	span.SetAttributes(attribute.String("larder.outcome", string(res.Outcome)))
	if err != nil {
		o.release(ctx, current)
		return res, o.fail(span, err)
	}
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	return res, nil
}

// release puts an operation back to the status it was claimed from. A row
// that cannot be released stays IN_PROGRESS until the next open recovers it.
func (o *Orchestrator) release(ctx context.Context, op *PendingOperation) {
	if _, err := o.store.ReleaseOperation(op.ID, op.Status); err != nil {
		o.logger.ErrorContext(ctx, "could not release operation",
			"op_id", op.ID, "recipe_id", op.RecipeID, "error", err)
	}
}

// settle moves the operation out of IN_PROGRESS according to the outcome.
func (o *Orchestrator) settle(ctx context.Context, op *PendingOperation, res OperationResult) (OperationResult, error) {
	log := o.logger.With("op_id", op.ID, "op_type", string(op.Type), "recipe_id", op.RecipeID)

	switch res.Outcome {
	case OutcomeSucceeded:
		log.InfoContext(ctx, "operation completed")
		return res, o.store.MarkStatus(op.ID, StatusCompleted)

	case OutcomeConflict, OutcomeVersionMismatch, OutcomeAbandoned:
		log.WarnContext(ctx, "operation abandoned", "outcome", string(res.Outcome))
		return res, o.store.MarkStatus(op.ID, StatusAbandoned)

	case OutcomeDeferred:
		log.InfoContext(ctx, "operation deferred", "error", res.Err)
		_, err := o.store.ReleaseOperation(op.ID, op.Status)
		return res, err

	case OutcomeRetry:
		if ctx.Err() != nil {
			// Cancelled, not failed: no attempt is charged.
			res.Outcome = OutcomeSkipped
			_, err := o.store.ReleaseOperation(op.ID, op.Status)
			return res, err
		}
		updated, err := o.store.RecordAttemptFailure(op.ID, res.Err, o.now())
		if err != nil {
			return res, err
		}
		if updated.Status == StatusAbandoned {
			// A newer upload was queued meanwhile and carries the recipe.
			res.Outcome = OutcomeAbandoned
			log.InfoContext(ctx, "failed upload superseded by a newer one", "error", res.Err)
			return res, nil
		}
		if IsRetryable(res.Err) && !o.policy.Exhausted(updated.AttemptCount) {
			log.WarnContext(ctx, "operation failed, will retry",
				"attempt", updated.AttemptCount,
				"retry_in", o.policy.Delay(updated.AttemptCount).String(),
				"error", res.Err)
			return res, nil
		}
		res.Outcome = OutcomeExhausted
		log.ErrorContext(ctx, "operation exhausted", "attempt", updated.AttemptCount, "error", res.Err)
		if err := o.store.MarkStatus(op.ID, StatusAbandoned); err != nil {
			return res, err
		}
		return res, o.markError(op, res.Err)
	}

	return res, fmt.Errorf("settle: unexpected outcome %q", res.Outcome)
}

// markError reports an exhausted operation on the ledger, or on the sync
// state when the recipe was never synced.
func (o *Orchestrator) markError(op *PendingOperation, cause error) error {
	if op.RecipeID != "" {
		err := o.store.UpdateLedgerStatus(op.RecipeID, SyncError)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return o.store.SetLastSyncError(fmt.Sprintf("%s %s gave up: %v", op.Type, op.RecipeID, cause))
}

func (o *Orchestrator) upload(ctx context.Context, op *PendingOperation, state *SyncState) (OperationResult, error) {
	recipe, err := o.recipes.GetRecipeByID(ctx, op.RecipeID)
	if errors.Is(err, ErrRecipeNotFound) {
		n, err := o.store.AbandonPendingUploads(op.RecipeID)
		if err != nil {
			return OperationResult{}, err
		}
		o.logger.InfoContext(ctx, "recipe deleted locally, upload dropped", "recipe_id", op.RecipeID, "abandoned", n)
		return OperationResult{Outcome: OutcomeAbandoned}, nil
	}
	if err != nil {
		return OperationResult{}, err
	}

	entry, err := o.store.GetLedgerEntry(recipe.ID)
	if errors.Is(err, ErrNotFound) {
		return o.create(ctx, recipe, state.RemoteFolderID)
	}
	if err != nil {
		return OperationResult{}, err
	}
	if entry.Status == SyncConflict {
		return OperationResult{Outcome: OutcomeConflict}, nil
	}
	return o.update(ctx, recipe, entry, state.RemoteFolderID)
}

func (o *Orchestrator) create(ctx context.Context, recipe *Recipe, rootID string) (OperationResult, error) {
	payload, err := EncodeRecipe(recipe)
	if err != nil {
		return OperationResult{}, err
	}

	folder, err := o.remote.CreateFolder(ctx, RecipeFolderName(recipe), rootID)
	if err != nil {
		return remoteFailure(err), nil
	}

	var source string
	file, err := o.remote.UploadFile(ctx, CanonicalFileName, payload, MimeJSON, folder.ID)
	if err == nil {
		source, err = o.writeAuxiliary(ctx, recipe, folder.ID, false, "")
	}
	if err != nil {
		o.cleanupFolder(ctx, folder.ID)
		return remoteFailure(err), nil
	}

	identity := file.Identity(folder.ID)
	if err := o.record(recipe, identity, source, SyncSynced); err != nil {
		return OperationResult{}, err
	}
	o.logger.InfoContext(ctx, "recipe created remotely", "recipe_id", recipe.ID,
		"folder_id", folder.ID, "file_id", file.ID, "version", file.Version)
	return OperationResult{Outcome: OutcomeSucceeded, Remote: &identity}, nil
}

func (o *Orchestrator) update(ctx context.Context, recipe *Recipe, entry *LedgerEntry, rootID string) (OperationResult, error) {
	meta, err := o.remote.GetFileMetadata(ctx, entry.RemoteFileID)
	if errors.Is(err, ErrRemoteNotFound) {
		return o.recreate(ctx, recipe, rootID)
	}
	if err != nil {
		return remoteFailure(err), nil
	}
	if meta.Version > entry.RemoteVersion {
		if err := o.store.UpdateLedgerStatus(recipe.ID, SyncConflict); err != nil {
			return OperationResult{}, err
		}
		o.logger.WarnContext(ctx, "remote changed since last sync, upload refused",
			"recipe_id", recipe.ID, "ledger_version", entry.RemoteVersion, "remote_version", meta.Version)
		return OperationResult{Outcome: OutcomeConflict}, nil
	}

	payload, err := EncodeRecipe(recipe)
	if err != nil {
		return OperationResult{}, err
	}
	file, err := o.remote.UpdateFile(ctx, entry.RemoteFileID, payload, MimeJSON)
	if errors.Is(err, ErrRemoteNotFound) {
		return o.recreate(ctx, recipe, rootID)
	}
	if err != nil {
		return remoteFailure(err), nil
	}

	// Record our own write before touching anything else so a retry does
	// not mistake it for a third-party change.
	identity := file.Identity(entry.RemoteFolderID)
	if err := o.record(recipe, identity, entry.RemoteSourceName, SyncPendingUpload); err != nil {
		return OperationResult{}, err
	}

	source, err := o.writeAuxiliary(ctx, recipe, entry.RemoteFolderID, true, entry.RemoteSourceName)
	if err != nil {
		return remoteFailure(err), nil
	}
	if err := o.record(recipe, identity, source, SyncSynced); err != nil {
		return OperationResult{}, err
	}
	o.logger.InfoContext(ctx, "recipe updated remotely", "recipe_id", recipe.ID,
		"file_id", file.ID, "version", file.Version)
	return OperationResult{Outcome: OutcomeSucceeded, Remote: &identity}, nil
}

func (o *Orchestrator) recreate(ctx context.Context, recipe *Recipe, rootID string) (OperationResult, error) {
	o.logger.InfoContext(ctx, "remote copy vanished, recreating", "recipe_id", recipe.ID)
	if err := o.store.DeleteLedgerEntry(recipe.ID); err != nil {
		return OperationResult{}, err
	}
	return o.create(ctx, recipe, rootID)
}

// record writes the ledger entry for a recipe after a successful remote
// write. source is the name of the source document copy, if any.
func (o *Orchestrator) record(recipe *Recipe, id RemoteIdentity, source string, status SyncStatus) error {
	now := o.now()
	entry := LedgerEntry{
		RecipeID:        recipe.ID,
		RemoteFolderID:  id.FolderID,
		RemoteFileID:    id.FileID,
		RemoteVersion:   id.Version,
		RemoteChecksum:  id.Checksum,
		LastSyncedAt:    &now,
		LocalModifiedAt:  &recipe.UpdatedAt,
		RemoteSourceName: source,
		Status:           status,
	}
	if !id.ModifiedTime.IsZero() {
		entry.RemoteModifiedTime = &id.ModifiedTime
	}
	return o.store.UpsertLedgerEntry(entry)
}

// writeAuxiliary writes the rendered text and the original source
// document next to the canonical file, and removes the previous source
// copy when its name changed. It returns the source copy's name.
func (o *Orchestrator) writeAuxiliary(ctx context.Context, recipe *Recipe, folderID string, existing bool, previous string) (string, error) {
	text, err := o.formatter.Format(recipe)
	if err != nil {
		o.logger.WarnContext(ctx, "render failed, skipping text copy", "recipe_id", recipe.ID, "error", err)
	} else if err := o.putFile(ctx, folderID, RenderedFileName, []byte(text), MimeText, existing); err != nil {
		return previous, err
	}

	doc, err := o.recipes.GetOriginalSourceDocument(ctx, recipe.ID)
	if err != nil {
		return previous, err
	}
	name := ""
	if doc != nil {
		name = SourceFileName(doc)
		mime := doc.MimeType
		if mime == "" {
			mime = "application/octet-stream"
		}
		if err := o.putFile(ctx, folderID, name, doc.Content, mime, existing); err != nil {
			return previous, err
		}
	}

	if existing && previous != "" && previous != name {
		if err := o.removeFile(ctx, folderID, previous); err != nil {
			return previous, err
		}
	}
	return name, nil
}

func (o *Orchestrator) removeFile(ctx context.Context, folderID, name string) error {
	f, err := o.remote.FindFileInFolder(ctx, folderID, name)
	if errors.Is(err, ErrRemoteNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := o.remote.DeleteFile(ctx, f.ID); err != nil && !errors.Is(err, ErrRemoteNotFound) {
		return err
	}
	return nil
}

func (o *Orchestrator) putFile(ctx context.Context, folderID, name string, content []byte, mimeType string, existing bool) error {
	if existing {
		f, err := o.remote.FindFileInFolder(ctx, folderID, name)
		if err == nil {
			_, err = o.remote.UpdateFile(ctx, f.ID, content, mimeType)
			return err
		}
		if !errors.Is(err, ErrRemoteNotFound) {
			return err
		}
	}
	_, err := o.remote.UploadFile(ctx, name, content, mimeType, folderID)
	return err
}

func (o *Orchestrator) cleanupFolder(ctx context.Context, folderID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := o.remote.DeleteFile(ctx, folderID); err != nil && !errors.Is(err, ErrRemoteNotFound) {
		o.logger.WarnContext(ctx, "could not remove partial remote folder", "folder_id", folderID, "error", err)
	}
}

func (o *Orchestrator) delete(ctx context.Context, op *PendingOperation, _ *SyncState) (OperationResult, error) {
	if op.FileID == "" {
		return OperationResult{Outcome: OutcomeSucceeded}, o.dropLedger(op.RecipeID)
	}

	meta, err := o.remote.GetFileMetadata(ctx, op.FileID)
	if errors.Is(err, ErrRemoteNotFound) {
		o.logger.InfoContext(ctx, "remote copy already gone", "recipe_id", op.RecipeID, "file_id", op.FileID)
		return OperationResult{Outcome: OutcomeSucceeded}, o.dropLedger(op.RecipeID)
	}
	if err != nil {
		return remoteFailure(err), nil
	}

	if changedSinceQueued(meta, op) && !o.wroteLast(op.RecipeID, meta) {
		o.logger.WarnContext(ctx, "remote changed since delete was queued, keeping it",
			"recipe_id", op.RecipeID, "expected_version", op.ExpectedVersion, "remote_version", meta.Version)
		return OperationResult{Outcome: OutcomeVersionMismatch}, o.dropLedger(op.RecipeID)
	}

	target := op.FolderID
	if target == "" {
		target = op.FileID
	}
	if err := o.remote.DeleteFile(ctx, target); err != nil && !errors.Is(err, ErrRemoteNotFound) {
		return remoteFailure(err), nil
	}
	return OperationResult{Outcome: OutcomeSucceeded}, o.dropLedger(op.RecipeID)
}

func (o *Orchestrator) dropLedger(recipeID string) error {
	if recipeID == "" {
		return nil
	}
	return o.store.DeleteLedgerEntry(recipeID)
}

// wroteLast reports whether the ledger already records meta as our own
// write, as when an upload lands after the delete was queued.
func (o *Orchestrator) wroteLast(recipeID string, meta *RemoteFile) bool {
	if recipeID == "" {
		return false
	}
	entry, err := o.store.GetLedgerEntry(recipeID)
	if err != nil || entry.RemoteFileID != meta.ID || entry.RemoteVersion != meta.Version {
		return false
	}
	return entry.RemoteModifiedTime == nil || meta.ModifiedTime.IsZero() || entry.RemoteModifiedTime.Equal(meta.ModifiedTime)
}

func changedSinceQueued(meta *RemoteFile, op *PendingOperation) bool {
	if meta.Version != op.ExpectedVersion {
		return true
	}
	return op.ExpectedModifiedTime != nil && !meta.ModifiedTime.Equal(*op.ExpectedModifiedTime)
}

func remoteFailure(err error) OperationResult {
	if errors.Is(err, ErrNotAuthenticated) {
		return OperationResult{Outcome: OutcomeDeferred, Err: err}
	}
	return OperationResult{Outcome: OutcomeRetry, Err: err}
}

func lockKey(op PendingOperation) string {
	if op.RecipeID != "" {
		return op.RecipeID
	}
	return "file:" + op.FileID
}

func (o *Orchestrator) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
