package larder

import "time"

// Recipe is the portion of a recipe the sync engine serializes to the remote.
type Recipe struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Servings    int          `json:"servings,omitempty"`
	PrepMinutes int          `json:"prep_minutes,omitempty"`
	CookMinutes int          `json:"cook_minutes,omitempty"`
	Ingredients []Ingredient `json:"ingredients,omitempty"`
	Steps       []string     `json:"steps,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	SourceURL   string       `json:"source_url,omitempty"`
	Notes       string       `json:"notes,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Ingredient is one line of a recipe's ingredient list.
type Ingredient struct {
	Quantity string `json:"quantity,omitempty"`
	Unit     string `json:"unit,omitempty"`
	Name     string `json:"name"`
	Note     string `json:"note,omitempty"`
}

// SourceDocument is the original document a recipe was imported from
// (a photo, PDF or web page snapshot).
type SourceDocument struct {
	Name     string
	MimeType string
	Content  []byte
}

// OperationType identifies what a pending operation does to the remote.
type OperationType string

const (
	OperationUpload OperationType = "UPLOAD"
	OperationDelete OperationType = "DELETE"
)

// IsValid reports whether t is a known operation type.
func (t OperationType) IsValid() bool {
	return t == OperationUpload || t == OperationDelete
}

// OperationStatus is the lifecycle state of a pending operation.
type OperationStatus string

const (
	StatusPending        OperationStatus = "PENDING"
	StatusInProgress     OperationStatus = "IN_PROGRESS"
	StatusCompleted      OperationStatus = "COMPLETED"
	StatusFailedRetrying OperationStatus = "FAILED_RETRYING"
	StatusAbandoned      OperationStatus = "ABANDONED"
)

// IsTerminal reports whether the status is COMPLETED or ABANDONED.
func (s OperationStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// IsValid reports whether s is a known operation status.
func (s OperationStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailedRetrying, StatusAbandoned:
		return true
	}
	return false
}

// SyncStatus is the per-recipe state recorded in the ledger.
type SyncStatus string

const (
	SyncSynced        SyncStatus = "SYNCED"
	SyncPendingUpload SyncStatus = "PENDING_UPLOAD"
	SyncPendingDelete SyncStatus = "PENDING_DELETE"
	SyncConflict      SyncStatus = "CONFLICT"
	SyncError         SyncStatus = "ERROR"
)

// IsValid reports whether s is a known ledger status.
func (s SyncStatus) IsValid() bool {
	switch s {
	case SyncSynced, SyncPendingUpload, SyncPendingDelete, SyncConflict, SyncError:
		return true
	}
	return false
}

// NeedsAttention reports whether the entry must be shown to the user.
func (s SyncStatus) NeedsAttention() bool {
	return s == SyncConflict || s == SyncError
}

// RemoteIdentity is the last observed identity of a recipe's canonical remote file.
type RemoteIdentity struct {
	FolderID     string
	FileID       string
	Version      int64
	ModifiedTime time.Time
	Checksum     string
}

// PendingOperation is a durable record of an intended remote mutation.
type PendingOperation struct {
	ID                   string          `json:"id"`
	Type                 OperationType   `json:"type"`
	RecipeID             string          `json:"recipe_id,omitempty"`
	FolderID             string          `json:"folder_id,omitempty"`
	FileID               string          `json:"file_id,omitempty"`
	ExpectedVersion      int64           `json:"expected_version,omitempty"`
	ExpectedModifiedTime *time.Time      `json:"expected_modified_time,omitempty"`
	Status               OperationStatus `json:"status"`
	AttemptCount         int             `json:"attempt_count"`
	LastAttemptAt        *time.Time      `json:"last_attempt_at,omitempty"`
	LastError            string          `json:"last_error,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
}

// LedgerEntry maps a local recipe to its last known remote identity.
type LedgerEntry struct {
	RecipeID           string     `json:"recipe_id"`
	RemoteFolderID     string     `json:"remote_folder_id"`
	RemoteFileID       string     `json:"remote_file_id"`
	RemoteVersion      int64      `json:"remote_version"`
	RemoteModifiedTime *time.Time `json:"remote_modified_time,omitempty"`
	RemoteChecksum     string     `json:"remote_checksum,omitempty"`
	LastSyncedAt       *time.Time `json:"last_synced_at,omitempty"`
	LocalModifiedAt    *time.Time `json:"local_modified_at,omitempty"`
	RemoteSourceName   string     `json:"remote_source_name,omitempty"`
	Status             SyncStatus `json:"status"`
}

// Identity returns the remote identity recorded in the entry.
func (e *LedgerEntry) Identity() RemoteIdentity {
	id := RemoteIdentity{
		FolderID: e.RemoteFolderID,
		FileID:   e.RemoteFileID,
		Version:  e.RemoteVersion,
		Checksum: e.RemoteChecksum,
	}
	if e.RemoteModifiedTime != nil {
		id.ModifiedTime = *e.RemoteModifiedTime
	}
	return id
}

// SyncState is the singleton sync configuration row.
type SyncState struct {
	Enabled          bool       `json:"enabled"`
	RemoteFolderID   string     `json:"remote_folder_id,omitempty"`
	RemoteFolderName string     `json:"remote_folder_name,omitempty"`
	ChangeCursor     string     `json:"change_cursor,omitempty"`
	CursorUpdatedAt  *time.Time `json:"cursor_updated_at,omitempty"`
	LastFullSyncAt   *time.Time `json:"last_full_sync_at,omitempty"`
	LastSyncError    string     `json:"last_sync_error,omitempty"`
}

// Configured reports whether sync is enabled and pointed at a folder.
func (s *SyncState) Configured() bool {
	return s.Enabled && s.RemoteFolderID != ""
}

// StoreStats summarizes the local library.
type StoreStats struct {
	RecipeCount       int        `json:"recipe_count"`
	PendingOperations int        `json:"pending_operations"`
	Synced            int        `json:"synced"`
	Conflicts         int        `json:"conflicts"`
	Errors            int        `json:"errors"`
	LastFullSync      *time.Time `json:"last_full_sync,omitempty"`
	SchemaVersion     string     `json:"schema_version"`
}

// HealthStatus reports the client's health.
type HealthStatus struct {
	Healthy         bool   `json:"healthy"`
	StoreOK         bool   `json:"store_ok"`
	RemoteReachable bool   `json:"remote_reachable"`
	SyncEnabled     bool   `json:"sync_enabled"`
	Error           string `json:"error,omitempty"`
}
