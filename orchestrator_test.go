package larder_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/larder"
	"github.com/spf13/afero"
)

func TestQueueUpload_CoalescesOutstanding(t *testing.T) {
	h := newHarness(t)
	r := h.saveRecipe(tacos())

	first := h.queueUpload(r.ID)
	if !first.Queued || first.Reason != larder.ReasonQueued {
		t.Fatalf("first QueueUpload = %+v, want queued", first)
	}
	second := h.queueUpload(r.ID)
	if second.Queued || second.Reason != larder.ReasonAlreadyPending || second.OperationID != first.OperationID {
		t.Errorf("second QueueUpload = %+v, want already pending %s", second, first.OperationID)
	}

	ops, _ := h.store.ListPending()
	if len(ops) != 1 {
		t.Errorf("pending operations = %d, want 1", len(ops))
	}
}

func TestQueueUpload_SyncDisabled(t *testing.T) {
	h := newHarness(t)
	if err := h.orch.DisableSync(h.ctx); err != nil {
		t.Fatalf("DisableSync failed: %v", err)
	}
	r := h.saveRecipe(tacos())

	res := h.queueUpload(r.ID)
	if res.Queued || res.Reason != larder.ReasonSyncDisabled {
		t.Errorf("QueueUpload = %+v, want sync disabled", res)
	}
	report := h.pass()
	if report.Skipped != larder.SkipNotConfigured {
		t.Errorf("RunPass skipped = %q, want %q", report.Skipped, larder.SkipNotConfigured)
	}
}

func TestQueueDelete_NeverSynced(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.QueueDelete(h.ctx, "never-uploaded")
	if err != nil {
		t.Fatalf("QueueDelete failed: %v", err)
	}
	if res.Queued || res.Reason != larder.ReasonNeverSynced {
		t.Errorf("QueueDelete = %+v, want never synced", res)
	}
	ops, _ := h.store.ListPending()
	if len(ops) != 0 {
		t.Errorf("pending operations = %d, want 0", len(ops))
	}
}

func TestExecuteUpload_CreatesRemoteCopy(t *testing.T) {
	h := newHarness(t)
	r := h.saveRecipe(tacos())
	doc := larder.SourceDocument{Name: "Card.JPG", MimeType: "image/jpeg", Content: []byte("jpeg bytes")}
	if err := h.store.SaveSourceDocument(h.ctx, r.ID, doc); err != nil {
		t.Fatalf("SaveSourceDocument failed: %v", err)
	}
	h.queueUpload(r.ID)

	report := h.pass()
	if report.Succeeded != 1 {
		t.Fatalf("Succeeded = %d, want 1 (%+v)", report.Succeeded, report)
	}

	entry := h.ledger(r.ID)
	if entry.Status != larder.SyncSynced || entry.RemoteVersion != 1 {
		t.Errorf("ledger = %s v%d, want SYNCED v1", entry.Status, entry.RemoteVersion)
	}
	if entry.LastSyncedAt == nil || !entry.LastSyncedAt.Equal(h.clock.Now()) {
		t.Errorf("LastSyncedAt = %v, want %v", entry.LastSyncedAt, h.clock.Now())
	}
	if entry.LocalModifiedAt == nil || !entry.LocalModifiedAt.Equal(r.UpdatedAt) {
		t.Errorf("LocalModifiedAt = %v, want %v", entry.LocalModifiedAt, r.UpdatedAt)
	}

	folders, err := h.remote.Store.ListFolders(h.ctx, h.root.ID)
	if err != nil {
		t.Fatalf("ListFolders failed: %v", err)
	}
	if len(folders) != 1 || folders[0].ID != entry.RemoteFolderID || folders[0].Name != larder.RecipeFolderName(r) {
		t.Fatalf("recipe folders = %+v, want one named %s", folders, larder.RecipeFolderName(r))
	}
	for _, name := range []string{larder.CanonicalFileName, larder.RenderedFileName, "source.jpg"} {
		if _, err := h.remote.Store.FindFileInFolder(h.ctx, entry.RemoteFolderID, name); err != nil {
			t.Errorf("remote %s: %v", name, err)
		}
	}

	data, err := h.remote.Store.DownloadFile(h.ctx, entry.RemoteFileID)
	if err != nil {
		t.Fatalf("DownloadFile failed: %v", err)
	}
	remote, err := larder.DecodeRecipe(data)
	if err != nil {
		t.Fatalf("DecodeRecipe failed: %v", err)
	}
	if remote.ID != r.ID || remote.Title != "Tacos" || len(remote.Steps) != 3 {
		t.Errorf("remote recipe = %+v", remote)
	}

	ops, _ := h.store.ListOperations()
	if len(ops) != 0 {
		t.Errorf("operations after pass = %d, want 0 (purged)", len(ops))
	}
}

func TestExecuteUpload_UpdatesRemoteCopy(t *testing.T) {
	h := newHarness(t)
	entry := h.synced(tacos())

	r, _ := h.store.GetRecipeByID(h.ctx, entry.RecipeID)
	r.Notes = "More salsa."
	h.saveRecipe(r)
	h.queueUpload(r.ID)
	if got := h.ledger(r.ID).Status; got != larder.SyncPendingUpload {
		t.Errorf("status after queue = %s, want PENDING_UPLOAD", got)
	}

	report := h.pass()
	if report.Succeeded != 1 {
		t.Fatalf("Succeeded = %d, want 1", report.Succeeded)
	}
	if report.Changes == nil || len(report.Changes.Conflicts) != 0 {
		t.Errorf("own write reported as conflict: %+v", report.Changes)
	}

	updated := h.ledger(r.ID)
	if updated.Status != larder.SyncSynced || updated.RemoteVersion != 2 || updated.RemoteFileID != entry.RemoteFileID {
		t.Errorf("ledger = %s v%d %s, want SYNCED v2 %s", updated.Status, updated.RemoteVersion, updated.RemoteFileID, entry.RemoteFileID)
	}

	txt, err := h.remote.Store.FindFileInFolder(h.ctx, entry.RemoteFolderID, larder.RenderedFileName)
	if err != nil {
		t.Fatalf("FindFileInFolder failed: %v", err)
	}
	data, _ := h.remote.Store.DownloadFile(h.ctx, txt.ID)
	if !strings.Contains(string(data), "More salsa.") {
		t.Errorf("rendered copy not refreshed:\n%s", data)
	}
}

func TestExecuteUpload_NeverOverwritesNewerRemote(t *testing.T) {
	h := newHarness(t)
	entry := h.synced(tacos())
	h.editRemotely(entry, func(r *larder.Recipe) { r.Title = "Tacos al pastor" })

	r, _ := h.store.GetRecipeByID(h.ctx, entry.RecipeID)
	r.Notes = "Local edit."
	h.saveRecipe(r)
	h.queueUpload(r.ID)

	report := h.pass()
	if len(report.Conflicts) != 1 || report.Conflicts[0] != r.ID {
		t.Errorf("Conflicts = %v, want [%s]", report.Conflicts, r.ID)
	}
	if h.remote.callCount("UpdateFile") != 0 {
		t.Errorf("UpdateFile called %d times, want 0", h.remote.callCount("UpdateFile"))
	}

	got := h.ledger(r.ID)
	if got.Status != larder.SyncConflict || got.RemoteVersion != 1 {
		t.Errorf("ledger = %s v%d, want CONFLICT v1", got.Status, got.RemoteVersion)
	}

	data, _ := h.remote.Store.DownloadFile(h.ctx, entry.RemoteFileID)
	remote, _ := larder.DecodeRecipe(data)
	if remote.Title != "Tacos al pastor" || remote.Notes != "" {
		t.Errorf("remote was overwritten: %+v", remote)
	}
}

func TestExecuteUpload_ConflictStaysUntilResolved(t *testing.T) {
	h := newHarness(t)
	entry := h.synced(tacos())
	h.editRemotely(entry, func(r *larder.Recipe) { r.Servings = 8 })
	h.pass()

	res := h.queueUpload(entry.RecipeID)
	if !res.Queued {
		t.Fatalf("QueueUpload = %+v, want queued", res)
	}
	if got := h.ledger(entry.RecipeID).Status; got != larder.SyncConflict {
		t.Errorf("status after queue = %s, want CONFLICT", got)
	}

	report := h.pass()
	if len(report.Conflicts) != 1 {
		t.Errorf("Conflicts = %v, want one", report.Conflicts)
	}
	meta, _ := h.remote.Store.GetFileMetadata(h.ctx, entry.RemoteFileID)
	if meta.Version != 2 {
		t.Errorf("remote version = %d, want 2 (untouched)", meta.Version)
	}
}

func TestExecuteUpload_RecipeDeletedLocally(t *testing.T) {
	h := newHarness(t)
	r := h.saveRecipe(tacos())
	h.queueUpload(r.ID)
	if err := h.store.DeleteRecipe(h.ctx, r.ID); err != nil {
		t.Fatalf("DeleteRecipe failed: %v", err)
	}

	report := h.pass()
	if report.Abandoned != 1 || report.Succeeded != 0 {
		t.Errorf("report = %+v, want one abandoned", report)
	}
	folders, _ := h.remote.Store.ListFolders(h.ctx, h.root.ID)
	if len(folders) != 0 {
		t.Errorf("remote folders = %d, want 0", len(folders))
	}
}

func TestExecuteUpload_CleansUpPartialCreate(t *testing.T) {
	h := newHarness(t)
	r := h.saveRecipe(tacos())
	h.queueUpload(r.ID)
	h.remote.failOn("UploadFile", transient(), 1)

	report := h.pass()
	if report.Retrying != 1 {
		t.Fatalf("Retrying = %d, want 1", report.Retrying)
	}
	folders, _ := h.remote.Store.ListFolders(h.ctx, h.root.ID)
	if len(folders) != 0 {
		t.Errorf("partial folder left behind: %+v", folders)
	}
	if _, err := h.store.GetLedgerEntry(r.ID); !errors.Is(err, larder.ErrNotFound) {
		t.Errorf("ledger entry after failed create: %v, want ErrNotFound", err)
	}

	h.clock.Advance(time.Minute)
	report = h.pass()
	if report.Succeeded != 1 {
		t.Errorf("Succeeded on retry = %d, want 1", report.Succeeded)
	}
}

func TestExecuteUpload_RecreatesVanishedRemote(t *testing.T) {
	h := newHarness(t)
	entry := h.synced(tacos())
	if err := h.remote.Store.DeleteFile(h.ctx, entry.RemoteFileID); err != nil {
		t.Fatalf("DeleteFile failed: %v", err)
	}

	r, _ := h.store.GetRecipeByID(h.ctx, entry.RecipeID)
	h.saveRecipe(r)
	h.queueUpload(r.ID)

	op, _ := h.store.ListPending()
	res, err := h.orch.ExecuteUpload(h.ctx, op[0])
	if err != nil {
		t.Fatalf("ExecuteUpload failed: %v", err)
	}
	if res.Outcome != larder.OutcomeSucceeded || res.Remote == nil {
		t.Fatalf("outcome = %+v, want succeeded", res)
	}
	got := h.ledger(r.ID)
	if got.RemoteFileID == entry.RemoteFileID || got.Status != larder.SyncSynced {
		t.Errorf("ledger = %+v, want a new SYNCED file", got)
	}
}

func TestExecuteDelete_RemovesRemoteCopy(t *testing.T) {
	h := newHarness(t)
	entry := h.synced(tacos())
	h.store.DeleteRecipe(h.ctx, entry.RecipeID)

	res, err := h.orch.QueueDelete(h.ctx, entry.RecipeID)
	if err != nil || !res.Queued {
		t.Fatalf("QueueDelete = %+v, %v; want queued", res, err)
	}
	if got := h.ledger(entry.RecipeID).Status; got != larder.SyncPendingDelete {
		t.Errorf("status after queue = %s, want PENDING_DELETE", got)
	}

	report := h.pass()
	if report.Succeeded != 1 {
		t.Fatalf("Succeeded = %d, want 1", report.Succeeded)
	}
	if _, err := h.remote.Store.GetFileMetadata(h.ctx, entry.RemoteFolderID); !errors.Is(err, larder.ErrRemoteNotFound) {
		t.Errorf("remote folder after delete: %v, want ErrRemoteNotFound", err)
	}
	if _, err := h.store.GetLedgerEntry(entry.RecipeID); !errors.Is(err, larder.ErrNotFound) {
		t.Errorf("ledger after delete: %v, want ErrNotFound", err)
	}
	if len(report.Changes.Conflicts) != 0 {
		t.Errorf("own delete reported as conflict: %v", report.Changes.Conflicts)
	}
}

func TestExecuteDelete_AlreadyGone(t *testing.T) {
	h := newHarness(t)
	entry := h.synced(tacos())
	h.store.DeleteRecipe(h.ctx, entry.RecipeID)
	h.orch.QueueDelete(h.ctx, entry.RecipeID)
	if err := h.remote.Store.DeleteFile(h.ctx, entry.RemoteFolderID); err != nil {
		t.Fatalf("DeleteFile failed: %v", err)
	}

	ops, _ := h.store.ListPending()
	if len(ops) != 1 {
		t.Fatalf("pending = %d, want 1", len(ops))
	}
	res, err := h.orch.ExecuteDelete(h.ctx, ops[0])
	if err != nil {
		t.Fatalf("ExecuteDelete failed: %v", err)
	}
	if res.Outcome != larder.OutcomeSucceeded {
		t.Errorf("outcome = %s, want succeeded", res.Outcome)
	}
	if _, err := h.store.GetLedgerEntry(entry.RecipeID); !errors.Is(err, larder.ErrNotFound) {
		t.Errorf("ledger after delete: %v, want ErrNotFound", err)
	}
	op, _ := h.store.GetOperation(ops[0].ID)
	if op.Status != larder.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", op.Status)
	}

	again, err := h.orch.ExecuteDelete(h.ctx, ops[0])
	if err != nil || again.Outcome != larder.OutcomeSkipped {
		t.Errorf("second ExecuteDelete = %s, %v; want skipped", again.Outcome, err)
	}
}

// brokenRecipes fails every recipe read the way a corrupt database would.
type brokenRecipes struct{ *larder.Store }

func (brokenRecipes) GetRecipeByID(context.Context, string) (*larder.Recipe, error) {
	return nil, errors.New("database disk image is malformed")
}

func TestExecuteUpload_LocalFaultLeavesOperationPending(t *testing.T) {
	h := newHarness(t)
	r := h.saveRecipe(tacos())
	h.queueUpload(r.ID)
	broken := larder.NewOrchestrator(h.store, h.remote,
		larder.WithRecipeStore(brokenRecipes{h.store}), larder.WithLogger(discardLogger()))

	ops, _ := h.store.ListPending()
	if len(ops) != 1 {
		t.Fatalf("pending = %d, want 1", len(ops))
	}
	if _, err := broken.ExecuteUpload(h.ctx, ops[0]); err == nil {
		t.Fatal("ExecuteUpload returned nil error for a local fault")
	}
	op, _ := h.store.GetOperation(ops[0].ID)
	if op.Status != larder.StatusPending || op.AttemptCount != 0 {
		t.Errorf("operation = %s attempts %d, want PENDING attempts 0", op.Status, op.AttemptCount)
	}

	if report := h.pass(); report.Succeeded != 1 {
		t.Errorf("Succeeded after recovery = %d, want 1", report.Succeeded)
	}
}

func TestExecute_RejectsWrongType(t *testing.T) {
	h := newHarness(t)
	op := larder.PendingOperation{ID: "x", Type: larder.OperationDelete}

	if _, err := h.orch.ExecuteUpload(h.ctx, op); err == nil {
		t.Error("ExecuteUpload on a DELETE returned nil error")
	}
	if _, err := h.orch.Execute(h.ctx, larder.PendingOperation{ID: "y", Type: "RENAME"}); err == nil {
		t.Error("Execute on an unknown type returned nil error")
	}
}

func TestProcessRemoteChanges_MarksOnlyStatus(t *testing.T) {
	h := newHarness(t)
	before := h.synced(tacos())
	h.editRemotely(before, func(r *larder.Recipe) { r.Servings = 12 })

	report, err := h.orch.ProcessRemoteChanges(h.ctx)
	if err != nil {
		t.Fatalf("ProcessRemoteChanges failed: %v", err)
	}
	if len(report.Conflicts) != 1 || report.Conflicts[0] != before.RecipeID {
		t.Errorf("Conflicts = %v, want [%s]", report.Conflicts, before.RecipeID)
	}

	after := h.ledger(before.RecipeID)
	if after.Status != larder.SyncConflict {
		t.Fatalf("status = %s, want CONFLICT", after.Status)
	}
	after.Status = before.Status
	if !reflect.DeepEqual(after, before) {
		t.Errorf("ledger fields changed:\n got %+v\nwant %+v", after, before)
	}
}

func TestProcessRemoteChanges_OutsideRemovalIsConflict(t *testing.T) {
	h := newHarness(t)
	entry := h.synced(tacos())
	r, _ := h.store.GetRecipeByID(h.ctx, entry.RecipeID)

	dir := filepath.Join("/remote", "Larder", larder.RecipeFolderName(r))
	if ok, _ := afero.DirExists(h.fs, dir); !ok {
		t.Fatalf("recipe folder %s not found", dir)
	}
	if err := h.fs.RemoveAll(dir); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}

	report := h.pass()
	if report.Changes == nil || len(report.Changes.Conflicts) != 1 {
		t.Fatalf("Changes = %+v, want one conflict", report.Changes)
	}
	if got := h.ledger(r.ID).Status; got != larder.SyncConflict {
		t.Errorf("status = %s, want CONFLICT", got)
	}
}

func TestProcessRemoteChanges_IncrementalCursor(t *testing.T) {
	h := newHarness(t)
	entry := h.synced(tacos())
	start, _ := h.store.GetSyncState()

	h.editRemotely(entry, func(r *larder.Recipe) { r.Notes = "tablet" })
	first, err := h.orch.ProcessRemoteChanges(h.ctx)
	if err != nil {
		t.Fatalf("ProcessRemoteChanges failed: %v", err)
	}
	if first.Processed == 0 {
		t.Error("first poll processed no changes")
	}
	mid, _ := h.store.GetSyncState()
	if mid.ChangeCursor == start.ChangeCursor {
		t.Errorf("cursor did not advance from %q", start.ChangeCursor)
	}

	second, err := h.orch.ProcessRemoteChanges(h.ctx)
	if err != nil {
		t.Fatalf("second ProcessRemoteChanges failed: %v", err)
	}
	if second.Processed != 0 || len(second.Conflicts) != 0 {
		t.Errorf("second poll = %+v, want nothing new", second)
	}
}

func TestProcessRemoteChanges_ExpiredCursorRechecksLedger(t *testing.T) {
	h := newHarness(t)
	edited := h.synced(tacos())
	removed := h.synced(&larder.Recipe{Title: "Pho"})
	quiet := h.synced(&larder.Recipe{Title: "Gumbo"})

	h.editRemotely(edited, func(r *larder.Recipe) { r.Servings = 8 })
	if err := h.remote.Store.DeleteFile(h.ctx, removed.RemoteFolderID); err != nil {
		t.Fatalf("DeleteFile failed: %v", err)
	}
	h.remote.failOn("ListChanges", fmt.Errorf("list changes: %w", larder.ErrCursorExpired), 1)

	report, err := h.orch.ProcessRemoteChanges(h.ctx)
	if err != nil {
		t.Fatalf("ProcessRemoteChanges failed: %v", err)
	}
	if !report.Rebaselined {
		t.Errorf("Rebaselined = false, want true")
	}
	flagged := make(map[string]bool)
	for _, id := range report.Conflicts {
		flagged[id] = true
	}
	if len(flagged) != 2 || !flagged[edited.RecipeID] || !flagged[removed.RecipeID] {
		t.Errorf("Conflicts = %v, want %s and %s", report.Conflicts, edited.RecipeID, removed.RecipeID)
	}
	if got := h.ledger(quiet.RecipeID).Status; got != larder.SyncSynced {
		t.Errorf("untouched recipe status = %s, want SYNCED", got)
	}

	again, err := h.orch.ProcessRemoteChanges(h.ctx)
	if err != nil {
		t.Fatalf("second ProcessRemoteChanges failed: %v", err)
	}
	if again.Rebaselined || len(again.Conflicts) != 0 {
		t.Errorf("second poll = %+v, want an ordinary quiet poll", again)
	}
}

func TestProcessRemoteChanges_FirstPollOnlyInitializes(t *testing.T) {
	h := newHarness(t)
	entry := h.synced(tacos())
	if err := h.store.SetChangeCursor("", h.clock.Now()); err != nil {
		t.Fatalf("SetChangeCursor failed: %v", err)
	}
	h.editRemotely(entry, func(r *larder.Recipe) { r.Notes = "unseen" })

	report, err := h.orch.ProcessRemoteChanges(h.ctx)
	if err != nil {
		t.Fatalf("ProcessRemoteChanges failed: %v", err)
	}
	if !report.Initialized || report.Processed != 0 {
		t.Errorf("report = %+v, want initialized only", report)
	}
	state, _ := h.store.GetSyncState()
	if state.ChangeCursor == "" {
		t.Error("cursor not initialized")
	}
	if got := h.ledger(entry.RecipeID).Status; got != larder.SyncSynced {
		t.Errorf("status = %s, want SYNCED", got)
	}
}

func TestProcessRemoteChanges_CountsUnknownRecipes(t *testing.T) {
	h := newHarness(t)
	dir, err := h.remote.Store.CreateFolder(h.ctx, "arepas-from-laptop", h.root.ID)
	if err != nil {
		t.Fatalf("CreateFolder failed: %v", err)
	}
	if _, err := h.remote.Store.UploadFile(h.ctx, larder.CanonicalFileName, []byte(`{"title":"Arepas"}`), larder.MimeJSON, dir.ID); err != nil {
		t.Fatalf("UploadFile failed: %v", err)
	}

	report, err := h.orch.ProcessRemoteChanges(h.ctx)
	if err != nil {
		t.Fatalf("ProcessRemoteChanges failed: %v", err)
	}
	if len(report.NewRemote) != 1 {
		t.Errorf("NewRemote = %v, want one", report.NewRemote)
	}
	recipes, _ := h.store.ListRecipes(h.ctx)
	if len(recipes) != 0 {
		t.Errorf("local recipes = %d, want 0 (not imported)", len(recipes))
	}
}

func TestEnableSync_QueuesUnsyncedRecipes(t *testing.T) {
	store := newTestStore(t)
	remote, _ := newFaultyRemote(t)
	orch := larder.NewOrchestrator(store, remote, larder.WithLogger(discardLogger()))
	ctx := context.Background()

	for _, title := range []string{"Tacos", "Arepas"} {
		if err := store.SaveRecipe(ctx, &larder.Recipe{Title: title}); err != nil {
			t.Fatalf("SaveRecipe failed: %v", err)
		}
	}
	root, err := orch.EnsureSyncFolder(ctx, "Larder")
	if err != nil {
		t.Fatalf("EnsureSyncFolder failed: %v", err)
	}
	again, _ := orch.EnsureSyncFolder(ctx, "Larder")
	if again.ID != root.ID {
		t.Errorf("EnsureSyncFolder created a second folder")
	}

	if err := orch.EnableSync(ctx, root.ID, root.Name); err != nil {
		t.Fatalf("EnableSync failed: %v", err)
	}
	state, _ := store.GetSyncState()
	if !state.Configured() || state.ChangeCursor == "" {
		t.Errorf("state = %+v, want configured with a cursor", state)
	}
	ops, _ := store.ListPending(larder.OperationUpload)
	if len(ops) != 2 {
		t.Errorf("queued uploads = %d, want 2", len(ops))
	}
}

func TestEnableSync_RetargetClearsLedger(t *testing.T) {
	h := newHarness(t)
	entry := h.synced(tacos())

	other, err := h.orch.EnsureSyncFolder(h.ctx, "Recipes")
	if err != nil {
		t.Fatalf("EnsureSyncFolder failed: %v", err)
	}
	if err := h.orch.EnableSync(h.ctx, other.ID, other.Name); err != nil {
		t.Fatalf("EnableSync failed: %v", err)
	}
	if _, err := h.store.GetLedgerEntry(entry.RecipeID); !errors.Is(err, larder.ErrNotFound) {
		t.Errorf("ledger after retarget: %v, want ErrNotFound", err)
	}

	if report := h.pass(); report.Succeeded != 1 {
		t.Fatalf("Succeeded = %d, want 1", report.Succeeded)
	}
	moved := h.ledger(entry.RecipeID)
	meta, err := h.remote.Store.GetFileMetadata(h.ctx, moved.RemoteFolderID)
	if err != nil {
		t.Fatalf("GetFileMetadata failed: %v", err)
	}
	if meta.ParentID != other.ID {
		t.Errorf("recipe folder parent = %s, want %s", meta.ParentID, other.ID)
	}
}

func TestQueueUnsynced_OnlyModifiedRecipes(t *testing.T) {
	h := newHarness(t)
	entry := h.synced(tacos())

	n, err := h.orch.QueueUnsynced(h.ctx)
	if err != nil || n != 0 {
		t.Fatalf("QueueUnsynced = %d, %v; want 0", n, err)
	}

	r, _ := h.store.GetRecipeByID(h.ctx, entry.RecipeID)
	r.Servings = 2
	h.saveRecipe(r)

	n, err = h.orch.QueueUnsynced(h.ctx)
	if err != nil || n != 1 {
		t.Errorf("QueueUnsynced after edit = %d, %v; want 1", n, err)
	}
}

func TestRunPass_SkipsWhenNotAuthenticated(t *testing.T) {
	h := newHarness(t)
	r := h.saveRecipe(tacos())
	h.queueUpload(r.ID)
	h.remote.setAuthenticated(false)

	report := h.pass()
	if report.Skipped != larder.SkipNotAuthenticated {
		t.Errorf("Skipped = %q, want %q", report.Skipped, larder.SkipNotAuthenticated)
	}
	ops, _ := h.store.ListPending()
	if len(ops) != 1 || ops[0].Status != larder.StatusPending || ops[0].AttemptCount != 0 {
		t.Errorf("operation = %+v, want untouched PENDING", ops)
	}

	h.remote.setAuthenticated(true)
	if report := h.pass(); report.Succeeded != 1 {
		t.Errorf("Succeeded after sign-in = %d, want 1", report.Succeeded)
	}
}

func TestRunPass_DefersOnLostCredentials(t *testing.T) {
	h := newHarness(t)
	r := h.saveRecipe(tacos())
	h.queueUpload(r.ID)
	h.remote.failOn("CreateFolder", larder.ErrNotAuthenticated, 1)

	report := h.pass()
	if !report.Deferred || report.Changes != nil {
		t.Errorf("report = %+v, want deferred without a change poll", report)
	}
	ops, _ := h.store.ListPending()
	if len(ops) != 1 || ops[0].Status != larder.StatusPending || ops[0].AttemptCount != 0 {
		t.Errorf("operation = %+v, want PENDING with no attempt charged", ops)
	}
}

func TestRunPass_CancelledLeavesOperationsPending(t *testing.T) {
	h := newHarness(t)
	r := h.saveRecipe(tacos())
	h.queueUpload(r.ID)

	ctx, cancel := context.WithCancel(h.ctx)
	cancel()
	if _, err := h.orch.RunPass(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("RunPass error = %v, want context.Canceled", err)
	}
	ops, _ := h.store.ListPending()
	if len(ops) != 1 || ops[0].Status != larder.StatusPending || ops[0].AttemptCount != 0 {
		t.Errorf("operation = %+v, want PENDING", ops)
	}
}

func TestRunPass_ManyRecipesConcurrently(t *testing.T) {
	h := newHarness(t, larder.WithConcurrency(4))
	for i := 0; i < 12; i++ {
		r := h.saveRecipe(&larder.Recipe{Title: "Soup " + string(rune('A'+i))})
		h.queueUpload(r.ID)
	}

	report := h.pass()
	if report.Succeeded != 12 {
		t.Errorf("Succeeded = %d, want 12 (%+v)", report.Succeeded, report)
	}
	synced, _ := h.store.ListLedgerByStatus(larder.SyncSynced)
	if len(synced) != 12 {
		t.Errorf("synced entries = %d, want 12", len(synced))
	}
}

// startBlockedUpload runs the recipe's queued upload until it is inside
// UpdateFile and returns a release func and the run's result.
func (h *harness) startBlockedUpload(recipeID string) (release func(), done <-chan error) {
	h.t.Helper()
	entered, release := h.remote.blockOn("UpdateFile")
	h.t.Cleanup(release)

	result := make(chan error, 1)
	go func() {
		_, err := h.orch.RunRecipe(h.ctx, recipeID)
		result <- err
	}()
	select {
	case <-entered:
	case err := <-result:
		h.t.Fatalf("RunRecipe returned before updating the remote: %v", err)
	}
	return release, result
}

func TestRunPass_SaveDuringUploadIsDelivered(t *testing.T) {
	h := newHarness(t)
	entry := h.synced(tacos())

	r, _ := h.store.GetRecipeByID(h.ctx, entry.RecipeID)
	r.Title = "Fish Tacos"
	h.saveRecipe(r)
	h.queueUpload(r.ID)

	release, done := h.startBlockedUpload(r.ID)

	r.Title = "Shrimp Tacos"
	h.saveRecipe(r)
	if res := h.queueUpload(r.ID); !res.Queued {
		t.Errorf("QueueUpload during upload = %+v, want a new operation", res)
	}

	release()
	if err := <-done; err != nil {
		t.Fatalf("RunRecipe failed: %v", err)
	}
	if got := h.ledger(r.ID).Status; got != larder.SyncPendingUpload {
		t.Errorf("status after the first upload = %s, want PENDING_UPLOAD", got)
	}

	report := h.pass()
	if report.Succeeded != 1 {
		t.Fatalf("Succeeded = %d, want 1 (%+v)", report.Succeeded, report)
	}
	data, _ := h.remote.Store.DownloadFile(h.ctx, entry.RemoteFileID)
	remote, err := larder.DecodeRecipe(data)
	if err != nil {
		t.Fatalf("DecodeRecipe failed: %v", err)
	}
	if remote.Title != "Shrimp Tacos" {
		t.Errorf("remote title = %q, want the save made during the upload", remote.Title)
	}
	got := h.ledger(r.ID)
	if got.Status != larder.SyncSynced || got.RemoteVersion != 3 {
		t.Errorf("ledger = %s v%d, want SYNCED v3", got.Status, got.RemoteVersion)
	}
	if pending, _ := h.store.ListPendingForRecipe(r.ID); len(pending) != 0 {
		t.Errorf("pending = %+v, want none", pending)
	}
}

func TestRunPass_DeleteDuringUploadRemovesRemote(t *testing.T) {
	h := newHarness(t)
	entry := h.synced(tacos())

	r, _ := h.store.GetRecipeByID(h.ctx, entry.RecipeID)
	r.Notes = "Extra lime."
	h.saveRecipe(r)
	h.queueUpload(r.ID)

	release, done := h.startBlockedUpload(r.ID)

	if err := h.store.DeleteRecipe(h.ctx, r.ID); err != nil {
		t.Fatalf("DeleteRecipe failed: %v", err)
	}
	queued := make(chan larder.QueueResult, 1)
	go func() {
		res, err := h.orch.QueueDelete(h.ctx, r.ID)
		if err != nil {
			t.Errorf("QueueDelete failed: %v", err)
		}
		queued <- res
	}()
	select {
	case <-queued:
		t.Fatal("QueueDelete returned while the upload was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	if err := <-done; err != nil {
		t.Fatalf("RunRecipe failed: %v", err)
	}
	if res := <-queued; !res.Queued {
		t.Fatalf("QueueDelete = %+v, want queued", res)
	}
	if got := h.ledger(r.ID).Status; got != larder.SyncPendingDelete {
		t.Errorf("status = %s, want PENDING_DELETE", got)
	}

	report := h.pass()
	if report.Succeeded != 1 || len(report.Mismatches) != 0 {
		t.Errorf("pass = %+v, want the delete to succeed", report)
	}
	if _, err := h.remote.Store.GetFileMetadata(h.ctx, entry.RemoteFolderID); !errors.Is(err, larder.ErrRemoteNotFound) {
		t.Errorf("remote folder after delete: %v, want ErrRemoteNotFound", err)
	}
	if _, err := h.store.GetLedgerEntry(r.ID); !errors.Is(err, larder.ErrNotFound) {
		t.Errorf("ledger after delete: %v, want ErrNotFound", err)
	}
}

func TestExecuteDelete_SnapshotOlderThanOwnWrite(t *testing.T) {
	h := newHarness(t)
	first := h.synced(tacos())

	r, _ := h.store.GetRecipeByID(h.ctx, first.RecipeID)
	r.Notes = "Extra lime."
	h.saveRecipe(r)
	h.queueUpload(r.ID)
	if report := h.pass(); report.Succeeded != 1 {
		t.Fatalf("update Succeeded = %d, want 1", report.Succeeded)
	}

	// Queued elsewhere against v1 before our v2 landed.
	h.store.DeleteRecipe(h.ctx, r.ID)
	if _, err := h.store.EnqueueDelete(r.ID, first.Identity()); err != nil {
		t.Fatalf("EnqueueDelete failed: %v", err)
	}

	report := h.pass()
	if report.Succeeded != 1 || len(report.Mismatches) != 0 {
		t.Errorf("pass = %+v, want the delete to succeed", report)
	}
	if _, err := h.remote.Store.GetFileMetadata(h.ctx, first.RemoteFolderID); !errors.Is(err, larder.ErrRemoteNotFound) {
		t.Errorf("remote folder after delete: %v, want ErrRemoteNotFound", err)
	}
}

func TestExecuteUpload_ReplacesRenamedSourceCopy(t *testing.T) {
	h := newHarness(t)
	r := h.saveRecipe(tacos())
	pdf := larder.SourceDocument{Name: "card.PDF", MimeType: "application/pdf", Content: []byte("%PDF-1.4")}
	if err := h.store.SaveSourceDocument(h.ctx, r.ID, pdf); err != nil {
		t.Fatalf("SaveSourceDocument failed: %v", err)
	}
	h.queueUpload(r.ID)
	h.pass()

	entry := h.ledger(r.ID)
	if entry.RemoteSourceName != "source.pdf" {
		t.Fatalf("RemoteSourceName = %q, want source.pdf", entry.RemoteSourceName)
	}

	html := larder.SourceDocument{Name: "card.html", MimeType: "text/html", Content: []byte("<p>tacos</p>")}
	if err := h.store.SaveSourceDocument(h.ctx, r.ID, html); err != nil {
		t.Fatalf("SaveSourceDocument failed: %v", err)
	}
	h.queueUpload(r.ID)
	if report := h.pass(); report.Succeeded != 1 {
		t.Fatalf("Succeeded = %d, want 1 (%+v)", report.Succeeded, report)
	}

	if _, err := h.remote.Store.FindFileInFolder(h.ctx, entry.RemoteFolderID, "source.html"); err != nil {
		t.Errorf("new source copy: %v", err)
	}
	if _, err := h.remote.Store.FindFileInFolder(h.ctx, entry.RemoteFolderID, "source.pdf"); !errors.Is(err, larder.ErrRemoteNotFound) {
		t.Errorf("old source copy: %v, want ErrRemoteNotFound", err)
	}
	if got := h.ledger(r.ID).RemoteSourceName; got != "source.html" {
		t.Errorf("RemoteSourceName = %q, want source.html", got)
	}
}

func TestRunRecipe_OnlyThatRecipe(t *testing.T) {
	h := newHarness(t)
	a := h.saveRecipe(&larder.Recipe{Title: "Arepas"})
	b := h.saveRecipe(&larder.Recipe{Title: "Bibimbap"})
	h.queueUpload(a.ID)
	h.queueUpload(b.ID)

	report, err := h.orch.RunRecipe(h.ctx, a.ID)
	if err != nil {
		t.Fatalf("RunRecipe failed: %v", err)
	}
	if report.Succeeded != 1 {
		t.Errorf("Succeeded = %d, want 1", report.Succeeded)
	}
	pending, _ := h.store.ListPendingForRecipe(b.ID)
	if len(pending) != 1 {
		t.Errorf("other recipe pending = %d, want 1", len(pending))
	}
}
