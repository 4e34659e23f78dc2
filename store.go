package larder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hyperengineering/larder/internal/store/migrations"
	"github.com/oklog/ulid/v2"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

const schemaVersion = "1"

// Store manages the local SQLite library database: recipes plus the
// operation log, sync ledger and sync configuration used by the engine.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
	now    func() time.Time
}

// NewStore opens or creates a local library store.
func NewStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	store := &Store{db: db, path: path, now: func() time.Time { return time.Now().UTC() }}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	// A crash mid-call can leave rows IN_PROGRESS; nothing is running yet.
	if _, err := store.RecoverInterrupted(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: set goose dialect: %w", err)
	}
	if err := goose.Up(s.db, "."); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}

	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', ?), ('created_at', ?)
	`, schemaVersion, formatTime(s.now()))
	return err
}

// GetMetadata returns a metadata value, or "" if the key is unset.
func (s *Store) GetMetadata(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	var value string
	err := s.db.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get metadata %s: %w", key, err)
	}
	return value, nil
}

// SetMetadata upserts a metadata value.
func (s *Store) SetMetadata(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("store: set metadata %s: %w", key, err)
	}
	return nil
}

// SaveRecipe inserts or replaces a recipe. A missing ID is generated and
// UpdatedAt is stamped with the current time.
func (s *Store) SaveRecipe(_ context.Context, r *Recipe) error {
	if strings.TrimSpace(r.Title) == "" {
		return ErrEmptyTitle
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	now := s.now()
	if r.ID == "" {
		r.ID = ulid.Make().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	return s.putRecipe(r)
}

// ReplaceRecipe stores a recipe copied from elsewhere, such as the remote,
// without restamping UpdatedAt. Zero timestamps are set to now.
func (s *Store) ReplaceRecipe(_ context.Context, r *Recipe) error {
	if strings.TrimSpace(r.Title) == "" {
		return ErrEmptyTitle
	}
	if r.ID == "" {
		return errors.New("store: replace recipe: id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	now := s.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = now
	}
	return s.putRecipe(r)
}

// putRecipe upserts r. Callers hold s.mu.
func (s *Store) putRecipe(r *Recipe) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("store: encode recipe: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO recipes (id, title, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, r.ID, r.Title, string(payload), formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: save recipe: %w", err)
	}
	return nil
}

// GetRecipeByID returns a recipe or ErrRecipeNotFound.
func (s *Store) GetRecipeByID(_ context.Context, id string) (*Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var payload string
	err := s.db.QueryRow(`SELECT payload FROM recipes WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecipeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get recipe: %w", err)
	}
	return decodeRecipe(payload)
}

// ListRecipes returns all recipes ordered by title.
func (s *Store) ListRecipes(_ context.Context) ([]Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.Query(`SELECT payload FROM recipes ORDER BY title COLLATE NOCASE, id`)
	if err != nil {
		return nil, fmt.Errorf("store: list recipes: %w", err)
	}
	defer rows.Close()

	var recipes []Recipe
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("store: scan recipe: %w", err)
		}
		r, err := decodeRecipe(payload)
		if err != nil {
			return nil, err
		}
		recipes = append(recipes, *r)
	}
	return recipes, rows.Err()
}

// DeleteRecipe removes a recipe and its source document.
func (s *Store) DeleteRecipe(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	res, err := tx.Exec(`DELETE FROM recipes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete recipe: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecipeNotFound
	}
	if _, err := tx.Exec(`DELETE FROM recipe_sources WHERE recipe_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete recipe source: %w", err)
	}
	return tx.Commit()
}

// SaveSourceDocument attaches the original source document to a recipe.
func (s *Store) SaveSourceDocument(_ context.Context, recipeID string, doc SourceDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO recipe_sources (recipe_id, name, mime_type, content) VALUES (?, ?, ?, ?)
		ON CONFLICT(recipe_id) DO UPDATE SET
			name = excluded.name,
			mime_type = excluded.mime_type,
			content = excluded.content
	`, recipeID, doc.Name, doc.MimeType, doc.Content)
	if err != nil {
		return fmt.Errorf("store: save source document: %w", err)
	}
	return nil
}

// GetOriginalSourceDocument returns the recipe's source document, or nil if it has none.
func (s *Store) GetOriginalSourceDocument(_ context.Context, recipeID string) (*SourceDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var doc SourceDocument
	err := s.db.QueryRow(`
		SELECT name, mime_type, content FROM recipe_sources WHERE recipe_id = ?
	`, recipeID).Scan(&doc.Name, &doc.MimeType, &doc.Content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get source document: %w", err)
	}
	return &doc, nil
}

// Stats returns store statistics.
func (s *Store) Stats() (*StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &StoreStats{SchemaVersion: schemaVersion}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM recipes").Scan(&stats.RecipeCount); err != nil {
		return nil, fmt.Errorf("store: count recipes: %w", err)
	}
	if err := s.db.QueryRow(`
		SELECT COUNT(*) FROM pending_sync_operations WHERE status IN ('PENDING', 'IN_PROGRESS', 'FAILED_RETRYING')
	`).Scan(&stats.PendingOperations); err != nil {
		return nil, fmt.Errorf("store: count operations: %w", err)
	}

	rows, err := s.db.Query(`SELECT sync_status, COUNT(*) FROM sync_ledger GROUP BY sync_status`)
	if err != nil {
		return nil, fmt.Errorf("store: count ledger: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch SyncStatus(status) {
		case SyncSynced:
			stats.Synced = n
		case SyncConflict:
			stats.Conflicts = n
		case SyncError:
			stats.Errors = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var lastFull sql.NullString
	if err := s.db.QueryRow(`SELECT last_full_sync_at FROM sync_configuration WHERE id = 1`).Scan(&lastFull); err != nil {
		return nil, fmt.Errorf("store: read sync configuration: %w", err)
	}
	stats.LastFullSync = parseNullTime(lastFull)

	return stats, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

func decodeRecipe(payload string) (*Recipe, error) {
	var r Recipe
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return nil, fmt.Errorf("store: decode recipe: %w", err)
	}
	return &r, nil
}

// scanner abstracts the Scan method shared by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
