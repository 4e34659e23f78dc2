package larder

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const operationColumns = `id, operation_type, local_recipe_id, drive_folder_id, drive_file_id,
	expected_version, expected_modified_time, status, attempt_count, last_attempt_at,
	last_error, created_at`

// supersededUpload holds for an UPLOAD row when a newer upload of the same
// recipe is already queued. Such a row is abandoned instead of requeued.
const supersededUpload = `operation_type = 'UPLOAD' AND EXISTS (
		SELECT 1 FROM pending_sync_operations q
		WHERE q.local_recipe_id = pending_sync_operations.local_recipe_id
		  AND q.operation_type = 'UPLOAD'
		  AND q.id <> pending_sync_operations.id
		  AND q.status IN ('PENDING', 'FAILED_RETRYING'))`

// EnqueueUpload inserts an UPLOAD for the recipe unless one is already
// queued, in which case the existing id is returned with created=false.
// An upload in flight does not count: it may have read the recipe before
// the change being queued.
func (s *Store) EnqueueUpload(recipeID string) (string, bool, error) {
	if recipeID == "" {
		return "", false, errors.New("store: enqueue upload: recipe id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", false, ErrStoreClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", false, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback() // no-op if committed

	var existing string
	err = tx.QueryRow(`
		SELECT id FROM pending_sync_operations
		WHERE local_recipe_id = ? AND operation_type = 'UPLOAD'
		  AND status IN ('PENDING', 'FAILED_RETRYING')
	`, recipeID).Scan(&existing)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("store: find outstanding upload: %w", err)
	}

	id := ulid.Make().String()
	_, err = tx.Exec(`
		INSERT INTO pending_sync_operations (id, operation_type, local_recipe_id, status, created_at)
		VALUES (?, 'UPLOAD', ?, 'PENDING', ?)
	`, id, recipeID, formatTime(s.now()))
	if err != nil {
		return "", false, fmt.Errorf("store: insert upload: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("store: commit upload: %w", err)
	}
	return id, true, nil
}

// EnqueueDelete inserts a DELETE carrying a snapshot of the remote identity.
func (s *Store) EnqueueDelete(recipeID string, remote RemoteIdentity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	var modified *string
	if !remote.ModifiedTime.IsZero() {
		modified = nullTime(&remote.ModifiedTime)
	}

	id := ulid.Make().String()
	_, err := s.db.Exec(`
		INSERT INTO pending_sync_operations
			(id, operation_type, local_recipe_id, drive_folder_id, drive_file_id,
			 expected_version, expected_modified_time, status, created_at)
		VALUES (?, 'DELETE', ?, ?, ?, ?, ?, 'PENDING', ?)
	`, id, nullString(recipeID), nullString(remote.FolderID), nullString(remote.FileID),
		remote.Version, modified, formatTime(s.now()))
	if err != nil {
		return "", fmt.Errorf("store: insert delete: %w", err)
	}
	return id, nil
}

// ListPending returns PENDING and FAILED_RETRYING operations, oldest first,
// optionally restricted to the given types.
func (s *Store) ListPending(types ...OperationType) ([]PendingOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	query := `SELECT ` + operationColumns + ` FROM pending_sync_operations
		WHERE status IN ('PENDING', 'FAILED_RETRYING')`
	var args []any
	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		query += fmt.Sprintf(` AND operation_type IN (%s)`, strings.Join(placeholders, ","))
	}
	query += ` ORDER BY created_at, id`

	return s.queryOperations(query, args...)
}

// ListPendingForRecipe returns the recipe's PENDING and FAILED_RETRYING operations, oldest first.
func (s *Store) ListPendingForRecipe(recipeID string) ([]PendingOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	return s.queryOperations(`SELECT `+operationColumns+` FROM pending_sync_operations
		WHERE local_recipe_id = ? AND status IN ('PENDING', 'FAILED_RETRYING')
		ORDER BY created_at, id`, recipeID)
}

// ListOperations returns every operation still held in the log, oldest first.
func (s *Store) ListOperations() ([]PendingOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	return s.queryOperations(`SELECT ` + operationColumns + ` FROM pending_sync_operations ORDER BY created_at, id`)
}

// GetOperation returns an operation by id or ErrNotFound.
func (s *Store) GetOperation(id string) (*PendingOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRow(`SELECT `+operationColumns+` FROM pending_sync_operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get operation: %w", err)
	}
	return op, nil
}

// MarkStatus sets an operation's status.
func (s *Store) MarkStatus(id string, status OperationStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("store: invalid operation status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.Exec(`UPDATE pending_sync_operations SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("store: mark status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordAttemptFailure increments the attempt count, records the error and
// timestamp, and moves the operation to FAILED_RETRYING, or to ABANDONED
// when a newer upload of the recipe was queued meanwhile.
func (s *Store) RecordAttemptFailure(id string, cause error, at time.Time) (*PendingOperation, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRow(`
		UPDATE pending_sync_operations
		SET attempt_count = attempt_count + 1,
		    last_attempt_at = ?,
		    last_error = ?,
		    status = CASE WHEN `+supersededUpload+` THEN 'ABANDONED' ELSE 'FAILED_RETRYING' END
		WHERE id = ?
		RETURNING `+operationColumns, formatTime(at), msg, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: record attempt failure: %w", err)
	}
	return op, nil
}

// ReleaseOperation returns an IN_PROGRESS operation to status without
// charging an attempt. An upload superseded by a newer queued upload is
// abandoned instead. The resulting status is returned; an operation that
// is no longer IN_PROGRESS is left alone.
func (s *Store) ReleaseOperation(id string, status OperationStatus) (OperationStatus, error) {
	if status != StatusPending && status != StatusFailedRetrying {
		return "", fmt.Errorf("store: release operation: cannot release to %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrStoreClosed
	}

	var got string
	err := s.db.QueryRow(`
		UPDATE pending_sync_operations
		SET status = CASE WHEN `+supersededUpload+` THEN 'ABANDONED' ELSE ? END
		WHERE id = ? AND status = 'IN_PROGRESS'
		RETURNING status
	`, string(status), id).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		err = s.db.QueryRow(`SELECT status FROM pending_sync_operations WHERE id = ?`, id).Scan(&got)
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
	}
	if err != nil {
		return "", fmt.Errorf("store: release operation: %w", err)
	}
	return OperationStatus(got), nil
}

// AbandonPendingUploads abandons every outstanding UPLOAD for the recipe.
func (s *Store) AbandonPendingUploads(recipeID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.Exec(`
		UPDATE pending_sync_operations SET status = 'ABANDONED'
		WHERE local_recipe_id = ? AND operation_type = 'UPLOAD'
		  AND status IN ('PENDING', 'IN_PROGRESS', 'FAILED_RETRYING')
	`, recipeID)
	if err != nil {
		return 0, fmt.Errorf("store: abandon uploads: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecoverInterrupted returns IN_PROGRESS operations to PENDING. Rows are
// only IN_PROGRESS while a remote call is in flight, so any found here were
// interrupted by a crash or cancellation. Interrupted uploads superseded by
// a newer queued upload are abandoned.
func (s *Store) RecoverInterrupted() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.Exec(`
		UPDATE pending_sync_operations
		SET status = CASE
			WHEN `+supersededUpload+` THEN 'ABANDONED'
			WHEN attempt_count > 0 THEN 'FAILED_RETRYING'
			ELSE 'PENDING'
		END
		WHERE status = 'IN_PROGRESS'
	`)
	if err != nil {
		return 0, fmt.Errorf("store: recover interrupted: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeTerminal deletes COMPLETED and ABANDONED operations.
func (s *Store) PurgeTerminal() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	res, err := s.db.Exec(`DELETE FROM pending_sync_operations WHERE status IN ('COMPLETED', 'ABANDONED')`)
	if err != nil {
		return 0, fmt.Errorf("store: purge terminal: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) queryOperations(query string, args ...any) ([]PendingOperation, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query operations: %w", err)
	}
	defer rows.Close()

	var ops []PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan operation: %w", err)
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

func scanOperation(sc scanner) (*PendingOperation, error) {
	var (
		op        PendingOperation
		opType    string
		status    string
		recipeID  sql.NullString
		folderID  sql.NullString
		fileID    sql.NullString
		version   sql.NullInt64
		modified  sql.NullString
		lastAt    sql.NullString
		lastError sql.NullString
		createdAt string
	)

	err := sc.Scan(&op.ID, &opType, &recipeID, &folderID, &fileID, &version, &modified,
		&status, &op.AttemptCount, &lastAt, &lastError, &createdAt)
	if err != nil {
		return nil, err
	}

	op.Type = OperationType(opType)
	op.Status = OperationStatus(status)
	op.RecipeID = recipeID.String
	op.FolderID = folderID.String
	op.FileID = fileID.String
	op.ExpectedVersion = version.Int64
	op.ExpectedModifiedTime = parseNullTime(modified)
	op.LastAttemptAt = parseNullTime(lastAt)
	op.LastError = lastError.String
	op.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &op, nil
}
