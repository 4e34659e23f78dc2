// Package drive implements a larder remote on Google Drive.
package drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hyperengineering/larder"
	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	fileFields   = "id,name,mimeType,parents,version,modifiedTime,md5Checksum,trashed"
	changeFields = "nextPageToken,newStartPageToken,changes(fileId,removed,file(" + fileFields + "))"
	listFields   = "nextPageToken,files(" + fileFields + ")"

	// maxDepth bounds the parent walk used to scope the change feed.
	maxDepth = 8

	// DefaultPageSize is the number of changes requested per ListChanges page.
	DefaultPageSize = 100
)

// Store is a Drive-backed larder.RemoteStore.
type Store struct {
	svc      *drive.Service
	pageSize int64

	mu      sync.Mutex
	parents map[string][]string
}

// New returns a Store using the given client options, typically
// option.WithTokenSource or option.WithHTTPClient.
func New(ctx context.Context, opts ...option.ClientOption) (*Store, error) {
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("drive: create service: %w", err)
	}
	return &Store{svc: svc, pageSize: DefaultPageSize, parents: make(map[string][]string)}, nil
}

// NewFromFiles builds a Store from an OAuth client secret file and a
// cached token file. See Authorize for producing the token.
func NewFromFiles(ctx context.Context, credentialsPath, tokenPath string) (*Store, error) {
	cfg, err := LoadOAuthConfig(credentialsPath)
	if err != nil {
		return nil, err
	}
	ts, err := TokenSource(ctx, cfg, tokenPath)
	if err != nil {
		return nil, err
	}
	return New(ctx, option.WithTokenSource(ts))
}

// IsAuthenticated reports whether the credentials are accepted by Drive.
func (s *Store) IsAuthenticated(ctx context.Context) bool {
	_, err := s.svc.About.Get().Fields("user(emailAddress)").Context(ctx).Do()
	return err == nil
}

// CreateFolder creates a folder, or returns the existing one of that name.
func (s *Store) CreateFolder(ctx context.Context, name, parentID string) (*larder.RemoteFile, error) {
	existing, err := s.findChild(ctx, parentOrRoot(parentID), name, true)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, larder.ErrRemoteNotFound) {
		return nil, err
	}

	f := &drive.File{Name: name, MimeType: larder.MimeFolder, Parents: []string{parentOrRoot(parentID)}}
	created, err := s.svc.Files.Create(f).Fields(fileFields).Context(ctx).Do()
	if err != nil {
		return nil, mapErr("create folder", err)
	}
	return s.remote(created), nil
}

// ListFolders lists the folders directly under parentID ("" for My Drive).
func (s *Store) ListFolders(ctx context.Context, parentID string) ([]larder.RemoteFile, error) {
	q := fmt.Sprintf("'%s' in parents and mimeType = '%s' and trashed = false", parentOrRoot(parentID), larder.MimeFolder)
	files, err := s.list(ctx, q)
	if err != nil {
		return nil, mapErr("list folders", err)
	}
	out := make([]larder.RemoteFile, 0, len(files))
	for _, f := range files {
		out = append(out, *s.remote(f))
	}
	return out, nil
}

// FindFileInFolder returns the file called name in folderID.
func (s *Store) FindFileInFolder(ctx context.Context, folderID, name string) (*larder.RemoteFile, error) {
	return s.findChild(ctx, parentOrRoot(folderID), name, false)
}

// UploadFile creates a new file in parentID.
func (s *Store) UploadFile(ctx context.Context, name string, content []byte, mimeType, parentID string) (*larder.RemoteFile, error) {
	f := &drive.File{Name: name, MimeType: mimeType, Parents: []string{parentOrRoot(parentID)}}
	created, err := s.svc.Files.Create(f).
		Media(bytes.NewReader(content), googleapi.ContentType(mimeType)).
		Fields(fileFields).Context(ctx).Do()
	if err != nil {
		return nil, mapErr("upload", err)
	}
	return s.remote(created), nil
}

// UpdateFile replaces a file's content. Drive bumps the version.
func (s *Store) UpdateFile(ctx context.Context, fileID string, content []byte, mimeType string) (*larder.RemoteFile, error) {
	updated, err := s.svc.Files.Update(fileID, &drive.File{}).
		Media(bytes.NewReader(content), googleapi.ContentType(mimeType)).
		Fields(fileFields).Context(ctx).Do()
	if err != nil {
		return nil, mapErr("update", err)
	}
	return s.remote(updated), nil
}

// GetFileMetadata returns a file's current metadata. Trashed files count
// as missing.
func (s *Store) GetFileMetadata(ctx context.Context, fileID string) (*larder.RemoteFile, error) {
	f, err := s.svc.Files.Get(fileID).Fields(fileFields).Context(ctx).Do()
	if err != nil {
		return nil, mapErr("get metadata", err)
	}
	if f.Trashed {
		return nil, larder.ErrRemoteNotFound
	}
	return s.remote(f), nil
}

// DeleteFile permanently deletes a file, or a folder and its contents.
func (s *Store) DeleteFile(ctx context.Context, fileID string) error {
	if err := s.svc.Files.Delete(fileID).Context(ctx).Do(); err != nil {
		return mapErr("delete", err)
	}
	s.mu.Lock()
	delete(s.parents, fileID)
	s.mu.Unlock()
	return nil
}

// DownloadFile returns a file's content.
func (s *Store) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	resp, err := s.svc.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return nil, mapErr("download", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, mapErr("download", err)
	}
	return data, nil
}

// GetChangeCursorStart returns Drive's current start page token.
func (s *Store) GetChangeCursorStart(ctx context.Context) (string, error) {
	tok, err := s.svc.Changes.GetStartPageToken().Context(ctx).Do()
	if err != nil {
		return "", mapErr("start cursor", err)
	}
	return tok.StartPageToken, nil
}

// ListChanges returns one page of changes after cursor. Changes to files
// outside scopeFolderID are dropped; removals are always reported because
// Drive no longer knows where a removed file lived.
func (s *Store) ListChanges(ctx context.Context, cursor, scopeFolderID string) (*larder.ChangePage, error) {
	list, err := s.svc.Changes.List(cursor).
		PageSize(s.pageSize).
		IncludeRemoved(true).
		Fields(changeFields).
		Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && (gerr.Code == http.StatusGone || gerr.Code == http.StatusNotFound) {
			// The page token is no longer valid.
			return nil, fmt.Errorf("drive: list changes: %w: %v", larder.ErrCursorExpired, gerr.Message)
		}
		return nil, mapErr("list changes", err)
	}

	page := &larder.ChangePage{}
	for _, ch := range list.Changes {
		if ch.Removed || ch.File == nil || ch.File.Trashed {
			page.Changes = append(page.Changes, larder.RemoteChange{FileID: ch.FileId, Removed: true})
			continue
		}
		s.remember(ch.File)
		if scopeFolderID != "" {
			in, err := s.within(ctx, ch.File.Id, scopeFolderID)
			if err != nil {
				return nil, err
			}
			if !in {
				continue
			}
		}
		page.Changes = append(page.Changes, larder.RemoteChange{FileID: ch.FileId, File: s.remote(ch.File)})
	}

	if list.NextPageToken != "" {
		page.NextCursor, page.More = list.NextPageToken, true
	} else {
		page.NextCursor = list.NewStartPageToken
	}
	return page, nil
}

func (s *Store) findChild(ctx context.Context, parentID, name string, folder bool) (*larder.RemoteFile, error) {
	q := fmt.Sprintf("'%s' in parents and name = '%s' and trashed = false", parentID, escape(name))
	if folder {
		q += fmt.Sprintf(" and mimeType = '%s'", larder.MimeFolder)
	} else {
		q += fmt.Sprintf(" and mimeType != '%s'", larder.MimeFolder)
	}
	files, err := s.list(ctx, q)
	if err != nil {
		return nil, mapErr("find", err)
	}
	if len(files) == 0 {
		return nil, larder.ErrRemoteNotFound
	}
	return s.remote(files[0]), nil
}

func (s *Store) list(ctx context.Context, q string) ([]*drive.File, error) {
	var out []*drive.File
	call := s.svc.Files.List().Q(q).Fields(listFields).Spaces("drive")
	err := call.Pages(ctx, func(fl *drive.FileList) error {
		out = append(out, fl.Files...)
		return nil
	})
	return out, err
}

// within reports whether id sits somewhere below folderID.
func (s *Store) within(ctx context.Context, id, folderID string) (bool, error) {
	frontier := []string{id}
	visited := map[string]bool{id: true}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, cur := range frontier {
			parents, err := s.parentsOf(ctx, cur)
			if err != nil {
				return false, err
			}
			for _, p := range parents {
				if p == folderID {
					return true, nil
				}
				if !visited[p] {
					visited[p] = true
					next = append(next, p)
				}
			}
		}
		frontier = next
	}
	return false, nil
}

func (s *Store) parentsOf(ctx context.Context, id string) ([]string, error) {
	s.mu.Lock()
	parents, ok := s.parents[id]
	s.mu.Unlock()
	if ok {
		return parents, nil
	}

	f, err := s.svc.Files.Get(id).Fields("id,parents").Context(ctx).Do()
	if err != nil {
		err = mapErr("get parents", err)
		if errors.Is(err, larder.ErrRemoteNotFound) {
			return nil, nil
		}
		return nil, err
	}
	s.remember(f)
	return f.Parents, nil
}

func (s *Store) remember(f *drive.File) {
	s.mu.Lock()
	s.parents[f.Id] = f.Parents
	s.mu.Unlock()
}

func (s *Store) remote(f *drive.File) *larder.RemoteFile {
	s.remember(f)
	rf := &larder.RemoteFile{
		ID:       f.Id,
		Name:     f.Name,
		MimeType: f.MimeType,
		Version:  f.Version,
		Checksum: f.Md5Checksum,
		IsFolder: f.MimeType == larder.MimeFolder,
	}
	if len(f.Parents) > 0 {
		rf.ParentID = f.Parents[0]
	}
	if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
		rf.ModifiedTime = t.UTC()
	}
	return rf
}

func parentOrRoot(id string) string {
	if id == "" {
		return "root"
	}
	return id
}

func escape(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		if r == '\'' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// mapErr converts Drive and OAuth failures into the larder error taxonomy.
func mapErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return fmt.Errorf("drive: %s: %w: %v", op, larder.ErrNotAuthenticated, err)
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return &larder.RemoteError{Operation: op, Retryable: true, Err: err}
	}
	switch {
	case gerr.Code == http.StatusNotFound:
		return fmt.Errorf("drive: %s: %w", op, larder.ErrRemoteNotFound)
	case gerr.Code == http.StatusUnauthorized:
		return fmt.Errorf("drive: %s: %w: %v", op, larder.ErrNotAuthenticated, gerr.Message)
	case gerr.Code == http.StatusForbidden && rateLimited(gerr):
		return &larder.RemoteError{Operation: op, StatusCode: gerr.Code, Retryable: true, Err: err}
	case gerr.Code == http.StatusTooManyRequests, gerr.Code >= 500:
		return &larder.RemoteError{Operation: op, StatusCode: gerr.Code, Retryable: true, Err: err}
	}
	return &larder.RemoteError{Operation: op, StatusCode: gerr.Code, Err: err}
}

func rateLimited(e *googleapi.Error) bool {
	for _, item := range e.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded":
			return true
		}
	}
	return false
}
