package larder

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Canonical file names inside a recipe's remote folder.
const (
	CanonicalFileName = "recipe.json"
	RenderedFileName  = "recipe.txt"
	sourceFileStem    = "source"
)

// MIME types used for remote files.
const (
	MimeFolder = "application/vnd.google-apps.folder"
	MimeJSON   = "application/json"
	MimeText   = "text/plain"
)

// RemoteFile is a file or folder as reported by a remote store.
type RemoteFile struct {
	ID           string
	Name         string
	MimeType     string
	ParentID     string
	Version      int64
	ModifiedTime time.Time
	Checksum     string
	IsFolder     bool
}

// Identity returns the remote identity of f within folderID.
func (f *RemoteFile) Identity(folderID string) RemoteIdentity {
	return RemoteIdentity{
		FolderID:     folderID,
		FileID:       f.ID,
		Version:      f.Version,
		ModifiedTime: f.ModifiedTime,
		Checksum:     f.Checksum,
	}
}

// RemoteChange is one entry of an incremental change feed.
type RemoteChange struct {
	FileID  string
	Removed bool
	// File is nil when Removed is true.
	File *RemoteFile
}

// ChangePage is one page of the change feed. NextCursor continues the
// current listing when More is true and is the cursor to persist otherwise.
type ChangePage struct {
	Changes    []RemoteChange
	NextCursor string
	More       bool
}

// RemoteStore is a file-based remote backend. Implementations report
// missing objects with ErrRemoteNotFound and credential failures with
// ErrNotAuthenticated; other failures should be *RemoteError.
type RemoteStore interface {
	IsAuthenticated(ctx context.Context) bool
	CreateFolder(ctx context.Context, name, parentID string) (*RemoteFile, error)
	ListFolders(ctx context.Context, parentID string) ([]RemoteFile, error)
	FindFileInFolder(ctx context.Context, folderID, name string) (*RemoteFile, error)
	UploadFile(ctx context.Context, name string, content []byte, mimeType, parentID string) (*RemoteFile, error)
	UpdateFile(ctx context.Context, fileID string, content []byte, mimeType string) (*RemoteFile, error)
	GetFileMetadata(ctx context.Context, fileID string) (*RemoteFile, error)
	DeleteFile(ctx context.Context, fileID string) error
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
	GetChangeCursorStart(ctx context.Context) (string, error)
	ListChanges(ctx context.Context, cursor, scopeFolderID string) (*ChangePage, error)
}

// RecipeStore is the local recipe store the engine reads from and, on
// conflict resolution, writes to.
type RecipeStore interface {
	GetRecipeByID(ctx context.Context, id string) (*Recipe, error)
	SaveRecipe(ctx context.Context, r *Recipe) error
	// ReplaceRecipe stores r as given, keeping its timestamps.
	ReplaceRecipe(ctx context.Context, r *Recipe) error
	DeleteRecipe(ctx context.Context, id string) error
	GetOriginalSourceDocument(ctx context.Context, recipeID string) (*SourceDocument, error)
}

// RecipeLister is implemented by recipe stores that can enumerate recipes.
type RecipeLister interface {
	ListRecipes(ctx context.Context) ([]Recipe, error)
}

// EncodeRecipe returns the canonical remote representation of a recipe.
func EncodeRecipe(r *Recipe) ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode recipe %s: %w", r.ID, err)
	}
	return append(data, '\n'), nil
}

// DecodeRecipe parses a canonical remote representation.
func DecodeRecipe(data []byte) (*Recipe, error) {
	var r Recipe
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode recipe: %w", err)
	}
	return &r, nil
}

// RecipeFolderName returns the remote folder name for a recipe: an ASCII
// slug of the title followed by the lowercased recipe id.
func RecipeFolderName(r *Recipe) string {
	slug := Slugify(r.Title)
	if slug == "" {
		slug = "recipe"
	}
	return slug + "-" + strings.ToLower(r.ID)
}

// SourceFileName returns the file name for a recipe's source document,
// keeping the original extension.
func SourceFileName(doc *SourceDocument) string {
	ext := strings.ToLower(path.Ext(doc.Name))
	return sourceFileStem + ext
}

// Slugify lowercases s, strips diacritics and collapses anything that is
// not an ASCII letter or digit into single hyphens.
func Slugify(s string) string {
	stripMarks := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if len(out) > 48 {
		out = strings.TrimSuffix(out[:48], "-")
	}
	return out
}
