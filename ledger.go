package larder

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const ledgerColumns = `local_recipe_id, remote_folder_id, remote_file_id, remote_version,
	remote_modified_time, remote_checksum, last_synced_at, local_modified_at, remote_source_name,
	sync_status`

// GetLedgerEntry returns the ledger entry for a recipe or ErrNotFound.
func (s *Store) GetLedgerEntry(recipeID string) (*LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	return s.getLedgerWhere(`local_recipe_id = ?`, recipeID)
}

// FindLedgerByRemoteFileID returns the entry whose canonical file is fileID, or ErrNotFound.
func (s *Store) FindLedgerByRemoteFileID(fileID string) (*LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	return s.getLedgerWhere(`remote_file_id = ?`, fileID)
}

// FindLedgerByRemoteFolderID returns the entry whose recipe folder is folderID, or ErrNotFound.
func (s *Store) FindLedgerByRemoteFolderID(folderID string) (*LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	return s.getLedgerWhere(`remote_folder_id = ?`, folderID)
}

func (s *Store) getLedgerWhere(cond string, arg any) (*LedgerEntry, error) {
	row := s.db.QueryRow(`SELECT `+ledgerColumns+` FROM sync_ledger WHERE `+cond+` LIMIT 1`, arg)
	entry, err := scanLedger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get ledger entry: %w", err)
	}
	return entry, nil
}

// restingStatus stores SYNCED as the pending status when the recipe still
// has queued work, so a save or delete queued during an upload is not
// hidden by that upload finishing. Binds status, status, id, id.
const restingStatus = `CASE
		WHEN ? <> 'SYNCED' THEN ?
		WHEN EXISTS (SELECT 1 FROM pending_sync_operations WHERE local_recipe_id = ?
			AND operation_type = 'DELETE' AND status IN ('PENDING', 'FAILED_RETRYING')) THEN 'PENDING_DELETE'
		WHEN EXISTS (SELECT 1 FROM pending_sync_operations WHERE local_recipe_id = ?
			AND operation_type = 'UPLOAD' AND status IN ('PENDING', 'FAILED_RETRYING')) THEN 'PENDING_UPLOAD'
		ELSE 'SYNCED' END`

// UpsertLedgerEntry inserts or replaces a recipe's ledger entry. A SYNCED
// entry is stored as PENDING_DELETE or PENDING_UPLOAD while such an
// operation is still queued for the recipe.
func (s *Store) UpsertLedgerEntry(e LedgerEntry) error {
	if e.RecipeID == "" {
		return errors.New("store: upsert ledger: recipe id required")
	}
	if !e.Status.IsValid() {
		return fmt.Errorf("store: invalid sync status %q", e.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		INSERT INTO sync_ledger (`+ledgerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, `+restingStatus+`)
		ON CONFLICT(local_recipe_id) DO UPDATE SET
			remote_folder_id = excluded.remote_folder_id,
			remote_file_id = excluded.remote_file_id,
			remote_version = excluded.remote_version,
			remote_modified_time = excluded.remote_modified_time,
			remote_checksum = excluded.remote_checksum,
			last_synced_at = excluded.last_synced_at,
			local_modified_at = excluded.local_modified_at,
			remote_source_name = excluded.remote_source_name,
			sync_status = excluded.sync_status
	`, e.RecipeID, e.RemoteFolderID, e.RemoteFileID, e.RemoteVersion,
		nullTime(e.RemoteModifiedTime), nullString(e.RemoteChecksum),
		nullTime(e.LastSyncedAt), nullTime(e.LocalModifiedAt), nullString(e.RemoteSourceName),
		string(e.Status), string(e.Status), e.RecipeID, e.RecipeID)
	if err != nil {
		return fmt.Errorf("store: upsert ledger entry: %w", err)
	}
	return nil
}

// UpdateLedgerStatus sets only the status of an existing entry, with the
// same queued-work rule for SYNCED as UpsertLedgerEntry.
// Returns ErrNotFound when the recipe has no entry.
func (s *Store) UpdateLedgerStatus(recipeID string, status SyncStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("store: invalid sync status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	res, err := s.db.Exec(`UPDATE sync_ledger SET sync_status = `+restingStatus+` WHERE local_recipe_id = ?`,
		string(status), string(status), recipeID, recipeID, recipeID)
	if err != nil {
		return fmt.Errorf("store: update ledger status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkPendingUpload moves an entry to PENDING_UPLOAD unless it is in
// CONFLICT. Missing entries are ignored.
func (s *Store) MarkPendingUpload(recipeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.Exec(`
		UPDATE sync_ledger SET sync_status = 'PENDING_UPLOAD'
		WHERE local_recipe_id = ? AND sync_status NOT IN ('CONFLICT', 'PENDING_UPLOAD')
	`, recipeID)
	if err != nil {
		return fmt.Errorf("store: mark pending upload: %w", err)
	}
	return nil
}

// DeleteLedgerEntry removes a recipe's entry. Deleting a missing entry is not an error.
func (s *Store) DeleteLedgerEntry(recipeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, err := s.db.Exec(`DELETE FROM sync_ledger WHERE local_recipe_id = ?`, recipeID); err != nil {
		return fmt.Errorf("store: delete ledger entry: %w", err)
	}
	return nil
}

// ListLedgerByStatus returns entries in any of the given statuses, or all
// entries when none are given.
func (s *Store) ListLedgerByStatus(statuses ...SyncStatus) ([]LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	query := `SELECT ` + ledgerColumns + ` FROM sync_ledger`
	var args []any
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += fmt.Sprintf(` WHERE sync_status IN (%s)`, strings.Join(placeholders, ","))
	}
	query += ` ORDER BY local_recipe_id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list ledger: %w", err)
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		e, err := scanLedger(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan ledger entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// clearSyncData drops every ledger entry and outstanding operation. Used
// when sync is retargeted at a different remote folder.
func (s *Store) clearSyncData() error {
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

	if _, err := tx.Exec(`DELETE FROM sync_ledger`); err != nil {
		return fmt.Errorf("store: clear ledger: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM pending_sync_operations`); err != nil {
		return fmt.Errorf("store: clear operations: %w", err)
	}
	return tx.Commit()
}

func scanLedger(sc scanner) (*LedgerEntry, error) {
	var (
		e        LedgerEntry
		status   string
		modified sql.NullString
		checksum sql.NullString
		syncedAt sql.NullString
		localMod sql.NullString
		source   sql.NullString
	)

	err := sc.Scan(&e.RecipeID, &e.RemoteFolderID, &e.RemoteFileID, &e.RemoteVersion,
		&modified, &checksum, &syncedAt, &localMod, &source, &status)
	if err != nil {
		return nil, err
	}

	e.Status = SyncStatus(status)
	e.RemoteModifiedTime = parseNullTime(modified)
	e.RemoteChecksum = checksum.String
	e.LastSyncedAt = parseNullTime(syncedAt)
	e.LocalModifiedAt = parseNullTime(localMod)
	e.RemoteSourceName = source.String
	return &e, nil
}
