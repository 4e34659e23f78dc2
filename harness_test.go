package larder_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/larder"
	"github.com/hyperengineering/larder/internal/folder"
	"github.com/spf13/afero"
)

func newTestStore(t *testing.T) *larder.Store {
	t.Helper()
	store, err := larder.NewStore(filepath.Join(t.TempDir(), "larder.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// faultyRemote wraps a folder store and fails selected calls on demand.
type faultyRemote struct {
	*folder.Store

	mu              sync.Mutex
	faults          map[string]*fault
	calls           map[string]int
	gates           map[string]*gate
	unauthenticated bool
}

type fault struct {
	err       error
	remaining int // -1 fails forever
}

type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newFaultyRemote(t *testing.T) (*faultyRemote, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	s, err := folder.New(fs, "/remote")
	if err != nil {
		t.Fatalf("folder.New failed: %v", err)
	}
	return &faultyRemote{Store: s, faults: make(map[string]*fault), calls: make(map[string]int), gates: make(map[string]*gate)}, fs
}

// failOn makes the next n calls to method fail with err; n < 0 fails every call.
func (f *faultyRemote) failOn(method string, err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[method] = &fault{err: err, remaining: n}
}

// blockOn holds the next call to method until release is called. entered
// is closed once that call is waiting.
func (f *faultyRemote) blockOn(method string) (entered <-chan struct{}, release func()) {
	g := &gate{entered: make(chan struct{}), release: make(chan struct{})}
	f.mu.Lock()
	f.gates[method] = g
	f.mu.Unlock()

	var once sync.Once
	return g.entered, func() { once.Do(func() { close(g.release) }) }
}

func (f *faultyRemote) hold(method string) {
	f.mu.Lock()
	g := f.gates[method]
	delete(f.gates, method)
	f.mu.Unlock()
	if g == nil {
		return
	}
	close(g.entered)
	<-g.release
}

func (f *faultyRemote) clearFaults() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = make(map[string]*fault)
}

func (f *faultyRemote) setAuthenticated(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unauthenticated = !ok
}

func (f *faultyRemote) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *faultyRemote) take(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	ft, ok := f.faults[method]
	if !ok || ft.remaining == 0 {
		return nil
	}
	if ft.remaining > 0 {
		ft.remaining--
	}
	return ft.err
}

func (f *faultyRemote) IsAuthenticated(ctx context.Context) bool {
	f.mu.Lock()
	unauth := f.unauthenticated
	f.mu.Unlock()
	return !unauth && f.Store.IsAuthenticated(ctx)
}

func (f *faultyRemote) CreateFolder(ctx context.Context, name, parentID string) (*larder.RemoteFile, error) {
	if err := f.take("CreateFolder"); err != nil {
		return nil, err
	}
	return f.Store.CreateFolder(ctx, name, parentID)
}

func (f *faultyRemote) UploadFile(ctx context.Context, name string, content []byte, mimeType, parentID string) (*larder.RemoteFile, error) {
	if err := f.take("UploadFile"); err != nil {
		return nil, err
	}
	return f.Store.UploadFile(ctx, name, content, mimeType, parentID)
}

func (f *faultyRemote) UpdateFile(ctx context.Context, fileID string, content []byte, mimeType string) (*larder.RemoteFile, error) {
	if err := f.take("UpdateFile"); err != nil {
		return nil, err
	}
	f.hold("UpdateFile")
	return f.Store.UpdateFile(ctx, fileID, content, mimeType)
}

func (f *faultyRemote) GetFileMetadata(ctx context.Context, fileID string) (*larder.RemoteFile, error) {
	if err := f.take("GetFileMetadata"); err != nil {
		return nil, err
	}
	return f.Store.GetFileMetadata(ctx, fileID)
}

func (f *faultyRemote) DeleteFile(ctx context.Context, fileID string) error {
	if err := f.take("DeleteFile"); err != nil {
		return err
	}
	return f.Store.DeleteFile(ctx, fileID)
}

func (f *faultyRemote) ListChanges(ctx context.Context, cursor, scopeFolderID string) (*larder.ChangePage, error) {
	if err := f.take("ListChanges"); err != nil {
		return nil, err
	}
	return f.Store.ListChanges(ctx, cursor, scopeFolderID)
}

// harness is a store, folder remote and orchestrator with sync enabled.
type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *larder.Store
	remote *faultyRemote
	fs     afero.Fs
	clock  *fakeClock
	orch   *larder.Orchestrator
	root   *larder.RemoteFile
}

func newHarness(t *testing.T, opts ...larder.Option) *harness {
	t.Helper()
	h := &harness{t: t, ctx: context.Background(), store: newTestStore(t), clock: newFakeClock()}
	h.remote, h.fs = newFaultyRemote(t)

	opts = append([]larder.Option{larder.WithClock(h.clock.Now), larder.WithLogger(discardLogger())}, opts...)
	h.orch = larder.NewOrchestrator(h.store, h.remote, opts...)

	root, err := h.orch.EnsureSyncFolder(h.ctx, "Larder")
	if err != nil {
		t.Fatalf("EnsureSyncFolder failed: %v", err)
	}
	h.root = root
	if err := h.orch.EnableSync(h.ctx, root.ID, root.Name); err != nil {
		t.Fatalf("EnableSync failed: %v", err)
	}
	return h
}

func tacos() *larder.Recipe {
	return &larder.Recipe{
		Title:       "Tacos",
		Servings:    4,
		Ingredients: []larder.Ingredient{{Quantity: "8", Name: "corn tortillas"}, {Quantity: "500", Unit: "g", Name: "beef"}},
		Steps:       []string{"Brown the beef.", "Warm the tortillas.", "Assemble."},
	}
}

func (h *harness) saveRecipe(r *larder.Recipe) *larder.Recipe {
	h.t.Helper()
	if err := h.store.SaveRecipe(h.ctx, r); err != nil {
		h.t.Fatalf("SaveRecipe failed: %v", err)
	}
	return r
}

func (h *harness) queueUpload(id string) larder.QueueResult {
	h.t.Helper()
	res, err := h.orch.QueueUpload(h.ctx, id)
	if err != nil {
		h.t.Fatalf("QueueUpload failed: %v", err)
	}
	return res
}

func (h *harness) pass() *larder.PassReport {
	h.t.Helper()
	report, err := h.orch.RunPass(h.ctx)
	if err != nil {
		h.t.Fatalf("RunPass failed: %v", err)
	}
	return report
}

func (h *harness) ledger(id string) *larder.LedgerEntry {
	h.t.Helper()
	entry, err := h.store.GetLedgerEntry(id)
	if err != nil {
		h.t.Fatalf("GetLedgerEntry(%s) failed: %v", id, err)
	}
	return entry
}

// synced saves a recipe and runs a pass so it is SYNCED remotely.
func (h *harness) synced(r *larder.Recipe) *larder.LedgerEntry {
	h.t.Helper()
	h.saveRecipe(r)
	h.queueUpload(r.ID)
	report := h.pass()
	if report.Succeeded != 1 {
		h.t.Fatalf("initial sync Succeeded = %d, want 1 (%+v)", report.Succeeded, report)
	}
	entry := h.ledger(r.ID)
	if entry.Status != larder.SyncSynced {
		h.t.Fatalf("initial sync status = %s, want %s", entry.Status, larder.SyncSynced)
	}
	return entry
}

// editRemotely rewrites the canonical remote file as another device would.
func (h *harness) editRemotely(entry *larder.LedgerEntry, edit func(*larder.Recipe)) *larder.RemoteFile {
	h.t.Helper()
	data, err := h.remote.Store.DownloadFile(h.ctx, entry.RemoteFileID)
	if err != nil {
		h.t.Fatalf("DownloadFile failed: %v", err)
	}
	r, err := larder.DecodeRecipe(data)
	if err != nil {
		h.t.Fatalf("DecodeRecipe failed: %v", err)
	}
	edit(r)
	payload, err := larder.EncodeRecipe(r)
	if err != nil {
		h.t.Fatalf("EncodeRecipe failed: %v", err)
	}
	f, err := h.remote.Store.UpdateFile(h.ctx, entry.RemoteFileID, payload, larder.MimeJSON)
	if err != nil {
		h.t.Fatalf("UpdateFile failed: %v", err)
	}
	return f
}

func transient() error {
	return &larder.RemoteError{Operation: "upload", StatusCode: 503, Retryable: true, Err: io.ErrUnexpectedEOF}
}
