package larder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// stopTimeout bounds how long Close waits for in-flight sync work.
const stopTimeout = 5 * time.Second

// Client is the main interface for a Larder library: local recipe edits
// plus remote sync.
type Client struct {
	store   *Store
	remote  RemoteStore
	orch    *Orchestrator
	runner  *Runner
	session *Session
	config  Config
	logger  *slog.Logger
	logs    io.Closer

	mu     sync.Mutex
	closed bool
}

// Conflict is a recipe that needs the user's attention.
type Conflict struct {
	Ref           string     `json:"ref"`
	RecipeID      string     `json:"recipe_id"`
	Title         string     `json:"title"`
	Status        SyncStatus `json:"status"`
	RemoteVersion int64      `json:"remote_version"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	LocalDeleted  bool       `json:"local_deleted,omitempty"`
}

// Status is a snapshot of the library's sync state.
type Status struct {
	Library   string     `json:"library"`
	Remote    string     `json:"remote"`
	State     SyncState  `json:"state"`
	Stats     StoreStats `json:"stats"`
	Conflicts int        `json:"conflicts"`
	Errors    int        `json:"errors"`
	Running   bool       `json:"running"`
	Queued    []string   `json:"queued,omitempty"`
}

// New opens the library described by cfg. remote may be nil for a
// local-only client; edits are still queued while sync is enabled and go
// out once a remote is available.
func New(cfg Config, remote RemoteStore) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, logs := cfg.Logger, io.Closer(nopCloser{})
	if logger == nil {
		l, closer, err := NewLogger(cfg.LogLevel, cfg.LogPath)
		if err != nil {
			return nil, fmt.Errorf("client: %w", err)
		}
		logger, logs = l, closer
	}
	logger = logger.With("library", cfg.Library)

	store, err := NewStore(cfg.LocalPath)
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("client: %w", err)
	}

	c := &Client{
		store:   store,
		remote:  remote,
		session: NewSession(),
		config:  cfg,
		logger:  logger,
		logs:    logs,
	}

	target := remote
	if target == nil {
		target = offlineRemote{}
	}
	c.orch = NewOrchestrator(store, target,
		WithLogger(logger),
		WithConcurrency(cfg.Concurrency),
		WithRetryPolicy(RetryPolicy{MaxAttempts: cfg.MaxAttempts, Backoff: DefaultBackoff}),
	)

	if remote != nil && cfg.AutoSync {
		runner := NewRunner(c.orch, LockPath(store.Path()),
			WithInterval(cfg.SyncInterval),
			WithWorkers(cfg.Concurrency),
			WithRunnerLogger(logger),
		)
		switch err := runner.Start(context.Background()); {
		case err == nil:
			c.runner = runner
		case errors.Is(err, ErrSyncLocked):
			logger.Warn("background sync disabled", "error", err)
		default:
			_ = store.Close()
			_ = logs.Close()
			return nil, fmt.Errorf("client: %w", err)
		}
	}

	return c, nil
}

// Library returns the library ID the client operates on.
func (c *Client) Library() string {
	return c.config.Library
}

// Store returns the underlying local store.
func (c *Client) Store() *Store {
	return c.store
}

// SaveRecipe creates or updates a recipe and queues its upload.
func (c *Client) SaveRecipe(ctx context.Context, r *Recipe) (*Recipe, error) {
	if err := c.store.SaveRecipe(ctx, r); err != nil {
		return nil, err
	}
	res, err := c.orch.QueueUpload(ctx, r.ID)
	if err != nil {
		return r, fmt.Errorf("client: queue upload: %w", err)
	}
	if res.Queued {
		c.trigger(r.ID)
	}
	return r, nil
}

// AttachSource stores the original document for a recipe and queues an
// upload so the remote copy gains it.
func (c *Client) AttachSource(ctx context.Context, recipeID string, doc SourceDocument) error {
	if err := c.store.SaveSourceDocument(ctx, recipeID, doc); err != nil {
		return err
	}
	res, err := c.orch.QueueUpload(ctx, recipeID)
	if err != nil {
		return fmt.Errorf("client: queue upload: %w", err)
	}
	if res.Queued {
		c.trigger(recipeID)
	}
	return nil
}

// GetRecipe returns one recipe.
func (c *Client) GetRecipe(ctx context.Context, id string) (*Recipe, error) {
	return c.store.GetRecipeByID(ctx, id)
}

// ListRecipes returns every recipe ordered by title.
func (c *Client) ListRecipes(ctx context.Context) ([]Recipe, error) {
	return c.store.ListRecipes(ctx)
}

// DeleteRecipe deletes a recipe locally and queues removal of its remote copy.
func (c *Client) DeleteRecipe(ctx context.Context, id string) error {
	if _, err := c.store.GetRecipeByID(ctx, id); err != nil {
		return err
	}
	res, err := c.orch.QueueDelete(ctx, id)
	if err != nil {
		return fmt.Errorf("client: queue delete: %w", err)
	}
	if err := c.store.DeleteRecipe(ctx, id); err != nil {
		return err
	}
	if res.Queued {
		c.trigger(id)
	}
	return nil
}

// EnableSync finds or creates the top-level remote folder and points sync
// at it. An empty folderName uses Config.SyncFolderName.
func (c *Client) EnableSync(ctx context.Context, folderName string) (*RemoteFile, error) {
	if c.remote == nil {
		return nil, ErrOffline
	}
	if !c.remote.IsAuthenticated(ctx) {
		return nil, ErrNotAuthenticated
	}
	if folderName == "" {
		folderName = c.config.SyncFolderName
	}

	folder, err := c.orch.EnsureSyncFolder(ctx, folderName)
	if err != nil {
		return nil, fmt.Errorf("client: sync folder: %w", err)
	}
	if err := c.orch.EnableSync(ctx, folder.ID, folder.Name); err != nil {
		return nil, err
	}
	if c.runner != nil {
		c.runner.TriggerPass()
	}
	return folder, nil
}

// DisableSync stops syncing. Queued operations are kept.
func (c *Client) DisableSync(ctx context.Context) error {
	return c.orch.DisableSync(ctx)
}

// Sync runs one full pass now. Without a background runner the library's
// sync lock is taken for the duration of the pass.
func (c *Client) Sync(ctx context.Context) (*PassReport, error) {
	if c.remote == nil {
		return nil, ErrOffline
	}
	if c.runner == nil {
		lock := flock.New(LockPath(c.store.Path()))
		locked, err := lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("client: sync lock: %w", err)
		}
		if !locked {
			return nil, ErrSyncLocked
		}
		defer func() { _ = lock.Unlock() }()
	}
	return c.orch.RunPass(ctx)
}

// Status reports the sync configuration, counters and runner activity.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	state, err := c.store.GetSyncState()
	if err != nil {
		return nil, err
	}
	stats, err := c.store.Stats()
	if err != nil {
		return nil, err
	}
	st := &Status{
		Library:   c.config.Library,
		Remote:    c.config.Remote,
		State:     *state,
		Stats:     *stats,
		Conflicts: stats.Conflicts,
		Errors:    stats.Errors,
	}
	if c.runner != nil {
		st.Running = true
		st.Queued = c.runner.Queued()
	}
	return st, nil
}

// Conflicts lists recipes in CONFLICT or ERROR with session references.
func (c *Client) Conflicts(ctx context.Context) ([]Conflict, error) {
	entries, err := c.orch.ListAttention()
	if err != nil {
		return nil, err
	}
	out := make([]Conflict, 0, len(entries))
	for _, e := range entries {
		conflict := Conflict{
			Ref:           c.session.Track(e.RecipeID),
			RecipeID:      e.RecipeID,
			Status:        e.Status,
			RemoteVersion: e.RemoteVersion,
			LastSyncedAt:  e.LastSyncedAt,
		}
		r, err := c.store.GetRecipeByID(ctx, e.RecipeID)
		switch {
		case err == nil:
			conflict.Title = r.Title
		case errors.Is(err, ErrRecipeNotFound):
			conflict.LocalDeleted = true
		default:
			return nil, err
		}
		out = append(out, conflict)
	}
	return out, nil
}

// LookupConflict resolves a conflict reference, recipe ID or title
// fragment to a recipe ID. Conflicts must have been listed first for refs
// and titles to be known.
func (c *Client) LookupConflict(ctx context.Context, ref string) (string, error) {
	id, ok := c.session.Match(ref, func(id string) string {
		r, err := c.store.GetRecipeByID(ctx, id)
		if err != nil {
			return ""
		}
		return r.Title
	})
	if ok {
		return id, nil
	}
	if _, err := c.store.GetLedgerEntry(ref); err == nil {
		return ref, nil
	}
	return "", fmt.Errorf("%w: %s", ErrConflictRefNotFound, ref)
}

// Resolve settles a conflict by keeping one side. ref may be a conflict
// reference, a recipe ID or a title fragment.
func (c *Client) Resolve(ctx context.Context, ref string, choice Choice) (*Resolution, error) {
	if c.remote == nil {
		return nil, ErrOffline
	}
	id, err := c.LookupConflict(ctx, ref)
	if err != nil {
		return nil, err
	}
	res, err := c.orch.Resolve(ctx, id, choice)
	if err != nil {
		return nil, err
	}
	if res.OperationID != "" {
		c.trigger(id)
	}
	return res, nil
}

// Retry requeues a recipe whose sync gave up.
func (c *Client) Retry(ctx context.Context, ref string) (QueueResult, error) {
	id, err := c.LookupConflict(ctx, ref)
	if err != nil {
		return QueueResult{}, err
	}
	res, err := c.orch.Retry(ctx, id)
	if err != nil {
		return res, err
	}
	if res.Queued {
		c.trigger(id)
	}
	return res, nil
}

// HealthCheck reports whether the store is usable and the remote reachable.
func (c *Client) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{Healthy: true, StoreOK: true}

	state, err := c.store.GetSyncState()
	if err != nil {
		status.StoreOK = false
		status.Healthy = false
		status.Error = err.Error()
		return status
	}
	status.SyncEnabled = state.Configured()

	if c.remote != nil {
		status.RemoteReachable = c.remote.IsAuthenticated(ctx)
		if !status.RemoteReachable {
			status.Error = ErrNotAuthenticated.Error()
		}
	}
	if state.LastSyncError != "" && status.Error == "" {
		status.Error = state.LastSyncError
	}
	return status
}

// Close stops the background runner and closes the store.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if c.runner != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := c.runner.Stop(ctx); err != nil {
			c.logger.Warn("runner did not stop in time", "error", err)
		}
		cancel()
	}

	err := c.store.Close()
	if cerr := c.logs.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *Client) trigger(recipeID string) {
	if c.runner != nil {
		c.runner.TriggerRecipe(recipeID)
	}
}

// offlineRemote stands in when no remote is configured: every pass is
// skipped as not authenticated and queued work waits.
type offlineRemote struct{}

func (offlineRemote) IsAuthenticated(context.Context) bool { return false }
func (offlineRemote) CreateFolder(context.Context, string, string) (*RemoteFile, error) {
	return nil, ErrOffline
}
func (offlineRemote) ListFolders(context.Context, string) ([]RemoteFile, error) {
	return nil, ErrOffline
}
func (offlineRemote) FindFileInFolder(context.Context, string, string) (*RemoteFile, error) {
	return nil, ErrOffline
}
func (offlineRemote) UploadFile(context.Context, string, []byte, string, string) (*RemoteFile, error) {
	return nil, ErrOffline
}
func (offlineRemote) UpdateFile(context.Context, string, []byte, string) (*RemoteFile, error) {
	return nil, ErrOffline
}
func (offlineRemote) GetFileMetadata(context.Context, string) (*RemoteFile, error) {
	return nil, ErrOffline
}
func (offlineRemote) DeleteFile(context.Context, string) error { return ErrOffline }
func (offlineRemote) DownloadFile(context.Context, string) ([]byte, error) {
	return nil, ErrOffline
}
func (offlineRemote) GetChangeCursorStart(context.Context) (string, error) {
	return "", ErrOffline
}
func (offlineRemote) ListChanges(context.Context, string, string) (*ChangePage, error) {
	return nil, ErrOffline
}
