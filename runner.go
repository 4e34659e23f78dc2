package larder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
)

// LockFileName is the advisory lock taken next to the database while a
// process syncs the library.
const LockFileName = ".sync.lock"

// Work unit names used by the runner's own triggers.
const (
	UnitPass         = "pass"
	unitRecipePrefix = "recipe:"
)

// ErrSyncLocked is returned when another process holds the library's sync lock.
var ErrSyncLocked = errors.New("another process is syncing this library")

// ErrRunnerStopped is returned when submitting to a stopped runner.
var ErrRunnerStopped = errors.New("runner stopped")

// WorkFunc is a unit of background sync work.
type WorkFunc func(ctx context.Context) error

// LockPath returns the sync lock path for the database at dbPath.
func LockPath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), LockFileName)
}

// Runner executes uniquely named work units on a small worker pool.
// Submitting a name that is queued but not started replaces its function;
// a running unit is never run twice at once.
type Runner struct {
	orch     *Orchestrator
	lock     *flock.Flock
	logger   *slog.Logger
	interval time.Duration
	workers  int
	timeout  time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	order   []string
	pending map[string]WorkFunc
	running map[string]bool
	started bool
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithInterval sets how often a full pass is submitted. Zero disables the ticker.
func WithInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.interval = d }
}

// WithWorkers sets the worker pool size.
func WithWorkers(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithUnitTimeout bounds how long a single unit may run.
func WithUnitTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRunnerLogger sets the runner's logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner creates a stopped runner driving orch. lockPath is the
// cross-process lock file, usually LockPath(store.Path()).
func NewRunner(orch *Orchestrator, lockPath string, opts ...RunnerOption) *Runner {
	r := &Runner{
		orch:     orch,
		lock:     flock.New(lockPath),
		logger:   slog.Default(),
		interval: 15 * time.Minute,
		workers:  2,
		timeout:  5 * time.Minute,
		pending:  make(map[string]WorkFunc),
		running:  make(map[string]bool),
		done:     make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start takes the sync lock, starts the workers and submits a first pass.
// It returns ErrSyncLocked when another process already syncs the library.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("runner already started")
	}
	r.started = true
	r.mu.Unlock()

	locked, err := r.lock.TryLock()
	if err != nil {
		return fmt.Errorf("runner: acquire %s: %w", r.lock.Path(), err)
	}
	if !locked {
		return ErrSyncLocked
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		g.Go(func() error {
			r.work(gctx)
			return nil
		})
	}
	if r.interval > 0 {
		g.Go(func() error {
			r.tick(gctx)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		_ = r.lock.Unlock()
		close(r.done)
	}()

	r.TriggerPass()
	r.logger.Info("runner started", "workers", r.workers, "interval", r.interval)
	return nil
}

// Submit queues fn under name. It reports whether a queued unit of the
// same name was replaced.
func (r *Runner) Submit(name string, fn WorkFunc) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, ErrRunnerStopped
	}

	_, replaced := r.pending[name]
	if !replaced {
		r.order = append(r.order, name)
	}
	r.pending[name] = fn
	r.cond.Signal()
	return replaced, nil
}

// TriggerPass submits a full pass.
func (r *Runner) TriggerPass() {
	_, err := r.Submit(UnitPass, func(ctx context.Context) error {
		_, err := r.orch.RunPass(ctx)
		return err
	})
	if err != nil {
		r.logger.Debug("pass not submitted", "error", err)
	}
}

// TriggerRecipe submits a run of one recipe's pending operations.
func (r *Runner) TriggerRecipe(recipeID string) {
	_, err := r.Submit(unitRecipePrefix+recipeID, func(ctx context.Context) error {
		_, err := r.orch.RunRecipe(ctx, recipeID)
		return err
	})
	if err != nil {
		r.logger.Debug("recipe run not submitted", "recipe_id", recipeID, "error", err)
	}
}

// Queued returns the names of units waiting to start, in order.
func (r *Runner) Queued() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Stop cancels running units, drops queued ones, and waits for the
// workers to exit or ctx to end. Queued work is durable in the operation
// log and is picked up by the next pass.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started := r.cancel != nil
	dropped := len(r.order)
	r.order, r.pending = nil, make(map[string]WorkFunc)
	r.cond.Broadcast()
	r.mu.Unlock()

	if !started {
		return nil
	}
	r.cancel()

	select {
	case <-r.done:
		r.logger.Info("runner stopped", "dropped", dropped)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runner: stop: %w", ctx.Err())
	}
}

func (r *Runner) work(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.closed = true
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	for {
		name, fn, ok := r.next()
		if !ok {
			return
		}
		r.run(ctx, name, fn)
	}
}

// next blocks until a unit whose name is not already running is queued.
func (r *Runner) next() (string, WorkFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if r.closed {
			return "", nil, false
		}
		for i, name := range r.order {
			if r.running[name] {
				continue
			}
			fn := r.pending[name]
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			delete(r.pending, name)
			r.running[name] = true
			return name, fn, true
		}
		r.cond.Wait()
	}
}

func (r *Runner) run(ctx context.Context, name string, fn WorkFunc) {
	defer func() {
		r.mu.Lock()
		delete(r.running, name)
		r.cond.Broadcast()
		r.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("sync unit failed", "unit", name, "error", err)
		return
	}
	r.logger.Debug("sync unit done", "unit", name, "elapsed", time.Since(start))
}

func (r *Runner) tick(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.TriggerPass()
		}
	}
}
