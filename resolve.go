package larder

import (
	"context"
	"errors"
	"fmt"
)

// Choice is the side a conflict resolution keeps.
type Choice string

const (
	KeepLocal  Choice = "local"
	KeepRemote Choice = "remote"
)

// ParseChoice accepts "local" or "remote".
func ParseChoice(s string) (Choice, error) {
	switch Choice(s) {
	case KeepLocal, KeepRemote:
		return Choice(s), nil
	}
	return "", fmt.Errorf("unknown resolution %q (want local or remote)", s)
}

// Resolution reports what resolving a conflict did.
type Resolution struct {
	RecipeID string `json:"recipe_id"`
	Choice   Choice `json:"choice"`
	// OperationID is the upload queued by a keep-local resolution.
	OperationID string `json:"operation_id,omitempty"`
	// RemoteDeleted is set when the remote copy no longer existed.
	RemoteDeleted bool `json:"remote_deleted,omitempty"`
	// LocalDeleted is set when keeping the remote meant accepting its deletion.
	LocalDeleted bool `json:"local_deleted,omitempty"`
}

// Resolve dispatches to ResolveKeepLocal or ResolveKeepRemote.
func (o *Orchestrator) Resolve(ctx context.Context, recipeID string, choice Choice) (*Resolution, error) {
	switch choice {
	case KeepLocal:
		return o.ResolveKeepLocal(ctx, recipeID)
	case KeepRemote:
		return o.ResolveKeepRemote(ctx, recipeID)
	}
	return nil, fmt.Errorf("resolve: unknown choice %q", choice)
}

// ResolveKeepLocal accepts the remote version as seen now and queues an
// upload that overwrites it. A further remote change before the upload
// runs raises a new conflict.
func (o *Orchestrator) ResolveKeepLocal(ctx context.Context, recipeID string) (*Resolution, error) {
	unlock := o.locks.Lock(recipeID)
	defer unlock()

	entry, err := o.conflictEntry(ctx, recipeID)
	if err != nil {
		return nil, err
	}

	res := &Resolution{RecipeID: recipeID, Choice: KeepLocal}
	meta, err := o.remote.GetFileMetadata(ctx, entry.RemoteFileID)
	switch {
	case errors.Is(err, ErrRemoteNotFound):
		// The upload recreates it.
		res.RemoteDeleted = true
	case err != nil:
		return nil, err
	default:
		entry.RemoteVersion = meta.Version
		entry.RemoteChecksum = meta.Checksum
		entry.RemoteModifiedTime = nil
		if !meta.ModifiedTime.IsZero() {
			mt := meta.ModifiedTime
			entry.RemoteModifiedTime = &mt
		}
	}

	entry.Status = SyncPendingUpload
	if err := o.store.UpsertLedgerEntry(*entry); err != nil {
		return nil, err
	}
	id, _, err := o.store.EnqueueUpload(recipeID)
	if err != nil {
		return nil, err
	}
	res.OperationID = id

	o.logger.InfoContext(ctx, "conflict resolved keeping local", "recipe_id", recipeID,
		"op_id", id, "remote_deleted", res.RemoteDeleted)
	return res, nil
}

// ResolveKeepRemote replaces the local recipe with the remote copy. If the
// remote copy was deleted, the local recipe is deleted too.
func (o *Orchestrator) ResolveKeepRemote(ctx context.Context, recipeID string) (*Resolution, error) {
	unlock := o.locks.Lock(recipeID)
	defer unlock()

	entry, err := o.conflictEntry(ctx, recipeID)
	if err != nil {
		return nil, err
	}
	res := &Resolution{RecipeID: recipeID, Choice: KeepRemote}

	// Metadata before content: if the file moves on in between, the
	// ledger lags and the next poll flags it again rather than missing it.
	meta, err := o.remote.GetFileMetadata(ctx, entry.RemoteFileID)
	var data []byte
	if err == nil {
		data, err = o.remote.DownloadFile(ctx, entry.RemoteFileID)
	}
	if errors.Is(err, ErrRemoteNotFound) {
		return o.acceptRemoteDeletion(ctx, res)
	}
	if err != nil {
		return nil, err
	}

	remote, err := DecodeRecipe(data)
	if err != nil {
		return nil, err
	}
	remote.ID = recipeID

	if _, err := o.store.AbandonPendingUploads(recipeID); err != nil {
		return nil, err
	}
	if err := o.recipes.ReplaceRecipe(ctx, remote); err != nil {
		return nil, err
	}
	if err := o.record(remote, meta.Identity(entry.RemoteFolderID), entry.RemoteSourceName, SyncSynced); err != nil {
		return nil, err
	}

	o.logger.InfoContext(ctx, "conflict resolved keeping remote", "recipe_id", recipeID, "version", meta.Version)
	return res, nil
}

func (o *Orchestrator) acceptRemoteDeletion(ctx context.Context, res *Resolution) (*Resolution, error) {
	res.RemoteDeleted = true
	if _, err := o.store.AbandonPendingUploads(res.RecipeID); err != nil {
		return nil, err
	}
	err := o.recipes.DeleteRecipe(ctx, res.RecipeID)
	if err != nil && !errors.Is(err, ErrRecipeNotFound) {
		return nil, err
	}
	res.LocalDeleted = err == nil
	if err := o.store.DeleteLedgerEntry(res.RecipeID); err != nil {
		return nil, err
	}
	o.logger.InfoContext(ctx, "conflict resolved accepting remote deletion", "recipe_id", res.RecipeID)
	return res, nil
}

func (o *Orchestrator) conflictEntry(ctx context.Context, recipeID string) (*LedgerEntry, error) {
	entry, err := o.store.GetLedgerEntry(recipeID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoConflict
	}
	if err != nil {
		return nil, err
	}
	if entry.Status != SyncConflict {
		return nil, ErrNoConflict
	}

	state, err := o.store.GetSyncState()
	if err != nil {
		return nil, err
	}
	if !state.Configured() {
		return nil, ErrNotConfigured
	}
	if !o.remote.IsAuthenticated(ctx) {
		return nil, ErrNotAuthenticated
	}
	return entry, nil
}

// ListAttention returns ledger entries in CONFLICT or ERROR.
func (o *Orchestrator) ListAttention() ([]LedgerEntry, error) {
	return o.store.ListLedgerByStatus(SyncConflict, SyncError)
}

// Retry re-queues the work for a recipe whose sync gave up (ledger ERROR):
// an upload if the recipe still exists locally, a delete otherwise.
func (o *Orchestrator) Retry(ctx context.Context, recipeID string) (QueueResult, error) {
	entry, err := o.store.GetLedgerEntry(recipeID)
	if errors.Is(err, ErrNotFound) {
		return QueueResult{}, ErrNotFound
	}
	if err != nil {
		return QueueResult{}, err
	}
	if entry.Status != SyncError {
		return QueueResult{}, fmt.Errorf("retry %s: status is %s, not %s", recipeID, entry.Status, SyncError)
	}

	_, err = o.recipes.GetRecipeByID(ctx, recipeID)
	if errors.Is(err, ErrRecipeNotFound) {
		return o.QueueDelete(ctx, recipeID)
	}
	if err != nil {
		return QueueResult{}, err
	}
	return o.QueueUpload(ctx, recipeID)
}
