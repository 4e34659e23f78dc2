package larder_test

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/hyperengineering/larder"
)

// Tacos is synced at v1, edited on another device to v2, flagged by the
// change poll and resolved by taking the remote copy.
func TestScenario_TacosKeepRemote(t *testing.T) {
	h := newHarness(t)
	r := h.saveRecipe(tacos())
	h.queueUpload(r.ID)
	if report := h.pass(); report.Succeeded != 1 {
		t.Fatalf("Succeeded = %d, want 1", report.Succeeded)
	}
	entry := h.ledger(r.ID)
	if entry.Status != larder.SyncSynced || entry.RemoteVersion != 1 {
		t.Fatalf("after upload: %s v%d, want SYNCED v1", entry.Status, entry.RemoteVersion)
	}

	v2 := h.editRemotely(entry, func(x *larder.Recipe) {
		x.Servings = 6
		x.Notes = "Edited on the tablet."
		x.Steps = append(x.Steps, "Add pickled onions.")
	})
	if v2.Version != 2 {
		t.Fatalf("remote version = %d, want 2", v2.Version)
	}

	report := h.pass()
	if report.Changes == nil || len(report.Changes.Conflicts) != 1 || report.Changes.Conflicts[0] != r.ID {
		t.Fatalf("Changes = %+v, want conflict for %s", report.Changes, r.ID)
	}
	if got := h.ledger(r.ID).Status; got != larder.SyncConflict {
		t.Fatalf("status = %s, want CONFLICT", got)
	}

	res, err := h.orch.ResolveKeepRemote(h.ctx, r.ID)
	if err != nil {
		t.Fatalf("ResolveKeepRemote failed: %v", err)
	}
	if res.Choice != larder.KeepRemote || res.RemoteDeleted || res.LocalDeleted {
		t.Errorf("Resolution = %+v", res)
	}

	data, _ := h.remote.Store.DownloadFile(h.ctx, entry.RemoteFileID)
	remote, _ := larder.DecodeRecipe(data)
	local, err := h.store.GetRecipeByID(h.ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRecipeByID failed: %v", err)
	}
	if local.Title != remote.Title || local.Servings != 6 || local.Notes != remote.Notes || !reflect.DeepEqual(local.Steps, remote.Steps) {
		t.Errorf("local = %+v\nwant remote content %+v", local, remote)
	}

	got := h.ledger(r.ID)
	if got.Status != larder.SyncSynced || got.RemoteVersion != 2 {
		t.Errorf("ledger = %s v%d, want SYNCED v2", got.Status, got.RemoteVersion)
	}

	report = h.pass()
	if report.Succeeded != 0 || len(report.Changes.Conflicts) != 0 {
		t.Errorf("pass after resolution = %+v, want quiet", report)
	}
}

// Tacos is synced at v1, deleted locally, and edited remotely before the
// delete runs: the remote copy survives.
func TestScenario_TacosDeleteMismatch(t *testing.T) {
	h := newHarness(t)
	entry := h.synced(tacos())

	if err := h.store.DeleteRecipe(h.ctx, entry.RecipeID); err != nil {
		t.Fatalf("DeleteRecipe failed: %v", err)
	}
	q, err := h.orch.QueueDelete(h.ctx, entry.RecipeID)
	if err != nil || !q.Queued {
		t.Fatalf("QueueDelete = %+v, %v; want queued", q, err)
	}
	op, err := h.store.GetOperation(q.OperationID)
	if err != nil {
		t.Fatalf("GetOperation failed: %v", err)
	}
	if op.ExpectedVersion != 1 || op.FileID != entry.RemoteFileID || op.FolderID != entry.RemoteFolderID {
		t.Errorf("snapshot = %+v, want v1 of %s", op, entry.RemoteFileID)
	}

	h.editRemotely(entry, func(x *larder.Recipe) { x.Notes = "Still making these." })

	res, err := h.orch.ExecuteDelete(h.ctx, *op)
	if err != nil {
		t.Fatalf("ExecuteDelete failed: %v", err)
	}
	if res.Outcome != larder.OutcomeVersionMismatch {
		t.Fatalf("outcome = %s, want version_mismatch", res.Outcome)
	}

	meta, err := h.remote.Store.GetFileMetadata(h.ctx, entry.RemoteFileID)
	if err != nil {
		t.Fatalf("remote copy gone: %v", err)
	}
	if meta.Version != 2 {
		t.Errorf("remote version = %d, want 2", meta.Version)
	}
	if _, err := h.store.GetLedgerEntry(entry.RecipeID); !errors.Is(err, larder.ErrNotFound) {
		t.Errorf("ledger: %v, want ErrNotFound", err)
	}
	settled, _ := h.store.GetOperation(op.ID)
	if settled.Status != larder.StatusAbandoned {
		t.Errorf("operation status = %s, want ABANDONED", settled.Status)
	}
}

func TestRunPass_ReportsMismatch(t *testing.T) {
	h := newHarness(t)
	entry := h.synced(tacos())
	h.store.DeleteRecipe(h.ctx, entry.RecipeID)
	h.orch.QueueDelete(h.ctx, entry.RecipeID)
	h.editRemotely(entry, func(x *larder.Recipe) { x.Notes = "edited" })

	report := h.pass()
	if len(report.Mismatches) != 1 || report.Mismatches[0] != entry.RecipeID {
		t.Errorf("Mismatches = %v, want [%s]", report.Mismatches, entry.RecipeID)
	}
	if report.Abandoned != 1 {
		t.Errorf("Abandoned = %d, want 1", report.Abandoned)
	}
}

func TestResolveKeepLocal_OverwritesAfterNextPass(t *testing.T) {
	h := newHarness(t)
	entry := h.synced(tacos())
	h.editRemotely(entry, func(x *larder.Recipe) { x.Title = "Tacos (tablet)" })
	h.pass()

	res, err := h.orch.ResolveKeepLocal(h.ctx, entry.RecipeID)
	if err != nil {
		t.Fatalf("ResolveKeepLocal failed: %v", err)
	}
	if res.OperationID == "" || res.RemoteDeleted {
		t.Errorf("Resolution = %+v, want a queued upload", res)
	}
	if got := h.ledger(entry.RecipeID); got.Status != larder.SyncPendingUpload || got.RemoteVersion != 2 {
		t.Errorf("ledger = %s v%d, want PENDING_UPLOAD v2", got.Status, got.RemoteVersion)
	}

	if report := h.pass(); report.Succeeded != 1 {
		t.Fatalf("Succeeded = %d, want 1", report.Succeeded)
	}
	got := h.ledger(entry.RecipeID)
	meta, _ := h.remote.Store.GetFileMetadata(h.ctx, entry.RemoteFileID)
	if got.Status != larder.SyncSynced || got.RemoteVersion != meta.Version || meta.Version != 3 {
		t.Errorf("ledger = %s v%d, remote v%d; want SYNCED at v3", got.Status, got.RemoteVersion, meta.Version)
	}
	data, _ := h.remote.Store.DownloadFile(h.ctx, entry.RemoteFileID)
	remote, _ := larder.DecodeRecipe(data)
	if remote.Title != "Tacos" {
		t.Errorf("remote title = %q, want local %q", remote.Title, "Tacos")
	}
}

func TestResolveKeepLocal_ThirdPartyEditReconflicts(t *testing.T) {
	h := newHarness(t)
	entry := h.synced(tacos())
	h.editRemotely(entry, func(x *larder.Recipe) { x.Servings = 3 })
	h.pass()

	if _, err := h.orch.ResolveKeepLocal(h.ctx, entry.RecipeID); err != nil {
		t.Fatalf("ResolveKeepLocal failed: %v", err)
	}
	h.editRemotely(entry, func(x *larder.Recipe) { x.Servings = 5 })

	report := h.pass()
	if len(report.Conflicts) != 1 {
		t.Errorf("Conflicts = %v, want a new conflict", report.Conflicts)
	}
	if got := h.ledger(entry.RecipeID).Status; got != larder.SyncConflict {
		t.Errorf("status = %s, want CONFLICT", got)
	}
}

func TestResolveKeepLocal_RemoteDeleted(t *testing.T) {
	h := newHarness(t)
	entry := h.synced(tacos())
	if err := h.remote.Store.DeleteFile(h.ctx, entry.RemoteFolderID); err != nil {
		t.Fatalf("DeleteFile failed: %v", err)
	}
	h.pass()
	if got := h.ledger(entry.RecipeID).Status; got != larder.SyncConflict {
		t.Fatalf("status = %s, want CONFLICT", got)
	}

	res, err := h.orch.Resolve(h.ctx, entry.RecipeID, larder.KeepLocal)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !res.RemoteDeleted {
		t.Errorf("Resolution = %+v, want RemoteDeleted", res)
	}

	if report := h.pass(); report.Succeeded != 1 {
		t.Fatalf("Succeeded = %d, want 1", report.Succeeded)
	}
	got := h.ledger(entry.RecipeID)
	if got.Status != larder.SyncSynced || got.RemoteFileID == entry.RemoteFileID {
		t.Errorf("ledger = %+v, want SYNCED on a recreated file", got)
	}
}

func TestResolveKeepRemote_RemoteDeletedDeletesLocal(t *testing.T) {
	h := newHarness(t)
	entry := h.synced(tacos())
	h.remote.Store.DeleteFile(h.ctx, entry.RemoteFolderID)
	h.pass()

	res, err := h.orch.ResolveKeepRemote(h.ctx, entry.RecipeID)
	if err != nil {
		t.Fatalf("ResolveKeepRemote failed: %v", err)
	}
	if !res.RemoteDeleted || !res.LocalDeleted {
		t.Errorf("Resolution = %+v, want remote and local deleted", res)
	}
	if _, err := h.store.GetRecipeByID(h.ctx, entry.RecipeID); !errors.Is(err, larder.ErrRecipeNotFound) {
		t.Errorf("local recipe: %v, want ErrRecipeNotFound", err)
	}
	if _, err := h.store.GetLedgerEntry(entry.RecipeID); !errors.Is(err, larder.ErrNotFound) {
		t.Errorf("ledger: %v, want ErrNotFound", err)
	}
}

func TestResolve_RequiresConflict(t *testing.T) {
	h := newHarness(t)
	entry := h.synced(tacos())

	for _, choice := range []larder.Choice{larder.KeepLocal, larder.KeepRemote} {
		if _, err := h.orch.Resolve(h.ctx, entry.RecipeID, choice); !errors.Is(err, larder.ErrNoConflict) {
			t.Errorf("Resolve(%s) on SYNCED error = %v, want ErrNoConflict", choice, err)
		}
	}
	if _, err := h.orch.Resolve(h.ctx, "missing", larder.KeepLocal); !errors.Is(err, larder.ErrNoConflict) {
		t.Errorf("Resolve(missing) error = %v, want ErrNoConflict", err)
	}
	if _, err := h.orch.Resolve(h.ctx, entry.RecipeID, "merge"); err == nil {
		t.Error("Resolve(merge) returned nil error")
	}
}

func TestResolve_RequiresSignIn(t *testing.T) {
	h := newHarness(t)
	entry := h.synced(tacos())
	h.editRemotely(entry, func(x *larder.Recipe) { x.Servings = 1 })
	h.pass()
	h.remote.setAuthenticated(false)

	if _, err := h.orch.ResolveKeepRemote(h.ctx, entry.RecipeID); !errors.Is(err, larder.ErrNotAuthenticated) {
		t.Errorf("ResolveKeepRemote error = %v, want ErrNotAuthenticated", err)
	}
	if got := h.ledger(entry.RecipeID).Status; got != larder.SyncConflict {
		t.Errorf("status = %s, want CONFLICT", got)
	}
}

func TestParseChoice(t *testing.T) {
	tests := []struct {
		in      string
		want    larder.Choice
		wantErr bool
	}{
		{"local", larder.KeepLocal, false},
		{"remote", larder.KeepRemote, false},
		{"both", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := larder.ParseChoice(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseChoice(%q) = %q, %v; want %q, err=%v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestResolveKeepRemote_KeepsRemoteTimestamps(t *testing.T) {
	h := newHarness(t)
	entry := h.synced(tacos())

	edited := time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)
	h.editRemotely(entry, func(r *larder.Recipe) {
		r.Notes = "From the tablet."
		r.UpdatedAt = edited
	})
	h.pass()
	if got := h.ledger(entry.RecipeID).Status; got != larder.SyncConflict {
		t.Fatalf("status = %s, want CONFLICT", got)
	}

	if _, err := h.orch.ResolveKeepRemote(h.ctx, entry.RecipeID); err != nil {
		t.Fatalf("ResolveKeepRemote failed: %v", err)
	}
	local, err := h.store.GetRecipeByID(h.ctx, entry.RecipeID)
	if err != nil {
		t.Fatalf("GetRecipeByID failed: %v", err)
	}
	if !local.UpdatedAt.Equal(edited) {
		t.Errorf("local UpdatedAt = %v, want the remote's %v", local.UpdatedAt, edited)
	}
	n, err := h.orch.QueueUnsynced(h.ctx)
	if err != nil || n != 0 {
		t.Errorf("QueueUnsynced = %d, %v; want nothing queued", n, err)
	}
}
