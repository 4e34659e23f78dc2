package larder

import (
	"database/sql"
	"fmt"
	"time"
)

// GetSyncState returns the singleton sync configuration.
func (s *Store) GetSyncState() (*SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var (
		state      SyncState
		enabled    int
		folderID   sql.NullString
		folderName sql.NullString
		cursor     sql.NullString
		cursorAt   sql.NullString
		lastFull   sql.NullString
		lastErr    sql.NullString
	)
	err := s.db.QueryRow(`
		SELECT sync_enabled, remote_folder_id, remote_folder_name, change_cursor,
		       cursor_updated_at, last_full_sync_at, last_sync_error
		FROM sync_configuration WHERE id = 1
	`).Scan(&enabled, &folderID, &folderName, &cursor, &cursorAt, &lastFull, &lastErr)
	if err != nil {
		return nil, fmt.Errorf("store: read sync configuration: %w", err)
	}

	state.Enabled = enabled != 0
	state.RemoteFolderID = folderID.String
	state.RemoteFolderName = folderName.String
	state.ChangeCursor = cursor.String
	state.CursorUpdatedAt = parseNullTime(cursorAt)
	state.LastFullSyncAt = parseNullTime(lastFull)
	state.LastSyncError = lastErr.String
	return &state, nil
}

// EnableSync turns sync on for the given folder. Pointing sync at a
// different folder clears the change cursor.
func (s *Store) EnableSync(folderID, folderName string) error {
	if folderID == "" {
		return &ValidationError{Field: "RemoteFolderID", Message: "required to enable sync"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		UPDATE sync_configuration
		SET sync_enabled = 1,
		    change_cursor = CASE WHEN remote_folder_id IS ? THEN change_cursor ELSE NULL END,
		    cursor_updated_at = CASE WHEN remote_folder_id IS ? THEN cursor_updated_at ELSE NULL END,
		    remote_folder_id = ?,
		    remote_folder_name = ?
		WHERE id = 1
	`, folderID, folderID, folderID, nullString(folderName))
	if err != nil {
		return fmt.Errorf("store: enable sync: %w", err)
	}
	return nil
}

// DisableSync turns sync off. The folder and cursor are kept so that
// re-enabling sees remote changes made in the meantime.
func (s *Store) DisableSync() error {
	return s.execSyncConfig(`UPDATE sync_configuration SET sync_enabled = 0 WHERE id = 1`)
}

// SetChangeCursor persists the incremental change cursor.
func (s *Store) SetChangeCursor(cursor string, at time.Time) error {
	return s.execSyncConfig(`UPDATE sync_configuration SET change_cursor = ?, cursor_updated_at = ? WHERE id = 1`,
		nullString(cursor), formatTime(at))
}

// SetLastFullSync records the completion time of a full pass.
func (s *Store) SetLastFullSync(at time.Time) error {
	return s.execSyncConfig(`UPDATE sync_configuration SET last_full_sync_at = ? WHERE id = 1`,
		formatTime(at))
}

// SetLastSyncError records a pass-level error message for status output.
func (s *Store) SetLastSyncError(msg string) error {
	return s.execSyncConfig(`UPDATE sync_configuration SET last_sync_error = ? WHERE id = 1`, nullString(msg))
}

func (s *Store) execSyncConfig(query string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("store: update sync configuration: %w", err)
	}
	return nil
}
