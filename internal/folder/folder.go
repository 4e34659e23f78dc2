// Package folder implements a larder remote on a plain directory tree, such
// as a Dropbox, iCloud Drive or NAS mount. Files get stable ids, versions
// and a change journal kept in a hidden index, and edits made to the tree
// by other programs are picked up by rescanning.
package folder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyperengineering/larder"
	"github.com/spf13/afero"
)

const (
	metaDir   = ".larder"
	indexFile = "index.json"
	rootID    = "root"

	// DefaultPageSize is the number of changes returned per ListChanges page.
	DefaultPageSize = 100
	// DefaultJournalLimit caps how many changes the index retains.
	DefaultJournalLimit = 10000
)

type node struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ParentID     string    `json:"parent_id"`
	Folder       bool      `json:"folder,omitempty"`
	MimeType     string    `json:"mime_type,omitempty"`
	Version      int64     `json:"version"`
	ModifiedTime time.Time `json:"modified_time"`
	Size         int64     `json:"size,omitempty"`
	Checksum     string    `json:"checksum,omitempty"`
}

type change struct {
	Seq       int64    `json:"seq"`
	FileID    string   `json:"file_id"`
	Removed   bool     `json:"removed,omitempty"`
	Ancestors []string `json:"ancestors,omitempty"`
}

type index struct {
	Nodes   map[string]*node `json:"nodes"`
	Journal []change         `json:"journal"`
	Seq     int64            `json:"seq"`
}

// Store is a folder-backed larder.RemoteStore.
type Store struct {
	fs           afero.Fs
	root         string
	pageSize     int
	journalLimit int

	mu  sync.Mutex
	idx *index
}

// Option configures a Store.
type Option func(*Store)

// WithPageSize sets how many changes ListChanges returns per page.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithJournalLimit sets how many changes the index retains. Cursors older
// than the oldest retained change fail with larder.ErrCursorExpired.
func WithJournalLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.journalLimit = n
		}
	}
}

// New returns a Store rooted at root on fs, creating root if needed.
func New(fs afero.Fs, root string, opts ...Option) (*Store, error) {
	root = filepath.Clean(root)
	if err := fs.MkdirAll(filepath.Join(root, metaDir), 0755); err != nil {
		return nil, fmt.Errorf("folder: create %s: %w", root, err)
	}
	s := &Store{fs: fs, root: root, pageSize: DefaultPageSize, journalLimit: DefaultJournalLimit}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewOS returns a Store on the local filesystem.
func NewOS(root string, opts ...Option) (*Store, error) {
	return New(afero.NewOsFs(), root, opts...)
}

// Root returns the directory the store lives in.
func (s *Store) Root() string {
	return s.root
}

// IsAuthenticated reports whether the root directory is reachable.
func (s *Store) IsAuthenticated(_ context.Context) bool {
	ok, err := afero.DirExists(s.fs, s.root)
	return err == nil && ok
}

// CreateFolder creates a folder, or returns the existing one of that name.
func (s *Store) CreateFolder(ctx context.Context, name, parentID string) (*larder.RemoteFile, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	var out *larder.RemoteFile
	err := s.mutate(ctx, "create folder", func(idx *index) error {
		parent, err := s.parent(idx, parentID)
		if err != nil {
			return err
		}
		if existing := idx.child(parent, name); existing != nil && existing.Folder {
			out = existing.remote()
			return nil
		}

		if err := s.fs.MkdirAll(s.abs(idx, parent, name), 0755); err != nil {
			return err
		}
		n := &node{ID: uuid.NewString(), Name: name, ParentID: parent, Folder: true,
			MimeType: larder.MimeFolder, Version: 1, ModifiedTime: time.Now().UTC()}
		idx.Nodes[n.ID] = n
		idx.record(n.ID, false)
		out = n.remote()
		return nil
	})
	return out, err
}

// ListFolders lists the folders directly under parentID ("" for the root).
func (s *Store) ListFolders(ctx context.Context, parentID string) ([]larder.RemoteFile, error) {
	var out []larder.RemoteFile
	err := s.mutate(ctx, "list folders", func(idx *index) error {
		parent, err := s.parent(idx, parentID)
		if err != nil {
			return err
		}
		for _, n := range idx.children(parent) {
			if n.Folder {
				out = append(out, *n.remote())
			}
		}
		return nil
	})
	return out, err
}

// FindFileInFolder returns the file called name in folderID.
func (s *Store) FindFileInFolder(ctx context.Context, folderID, name string) (*larder.RemoteFile, error) {
	var out *larder.RemoteFile
	err := s.mutate(ctx, "find file", func(idx *index) error {
		parent, err := s.parent(idx, folderID)
		if err != nil {
			return err
		}
		n := idx.child(parent, name)
		if n == nil || n.Folder {
			return larder.ErrRemoteNotFound
		}
		if err := s.refresh(idx, n); err != nil {
			return err
		}
		out = n.remote()
		return nil
	})
	return out, err
}

// UploadFile writes a new file into parentID. Writing over an existing
// name replaces its content as a new version of that file.
func (s *Store) UploadFile(ctx context.Context, name string, content []byte, mimeType, parentID string) (*larder.RemoteFile, error) {
	if err := validName(name); err != nil {
		return nil, err
	}

	var out *larder.RemoteFile
	err := s.mutate(ctx, "upload", func(idx *index) error {
		parent, err := s.parent(idx, parentID)
		if err != nil {
			return err
		}
		n := idx.child(parent, name)
		if n == nil {
			n = &node{ID: uuid.NewString(), Name: name, ParentID: parent}
			idx.Nodes[n.ID] = n
		} else if n.Folder {
			return fmt.Errorf("%s is a folder", name)
		}
		if err := s.write(idx, n, content, mimeType); err != nil {
			return err
		}
		out = n.remote()
		return nil
	})
	return out, err
}

// UpdateFile replaces a file's content and bumps its version.
func (s *Store) UpdateFile(ctx context.Context, fileID string, content []byte, mimeType string) (*larder.RemoteFile, error) {
	var out *larder.RemoteFile
	err := s.mutate(ctx, "update", func(idx *index) error {
		n, err := s.file(idx, fileID)
		if err != nil {
			return err
		}
		if err := s.write(idx, n, content, mimeType); err != nil {
			return err
		}
		out = n.remote()
		return nil
	})
	return out, err
}

// GetFileMetadata returns a file or folder's current metadata, noticing
// edits made outside the store.
func (s *Store) GetFileMetadata(ctx context.Context, fileID string) (*larder.RemoteFile, error) {
	var out *larder.RemoteFile
	err := s.mutate(ctx, "get metadata", func(idx *index) error {
		n, ok := idx.Nodes[fileID]
		if !ok {
			return larder.ErrRemoteNotFound
		}
		if err := s.refresh(idx, n); err != nil {
			return err
		}
		out = n.remote()
		return nil
	})
	return out, err
}

// DeleteFile removes a file, or a folder and everything in it.
func (s *Store) DeleteFile(ctx context.Context, fileID string) error {
	return s.mutate(ctx, "delete", func(idx *index) error {
		n, ok := idx.Nodes[fileID]
		if !ok {
			return larder.ErrRemoteNotFound
		}
		if err := s.fs.RemoveAll(s.pathOf(idx, n)); err != nil {
			return err
		}
		idx.remove(n)
		return nil
	})
}

// DownloadFile returns a file's content.
func (s *Store) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	var out []byte
	err := s.mutate(ctx, "download", func(idx *index) error {
		n, err := s.file(idx, fileID)
		if err != nil {
			return err
		}
		data, err := afero.ReadFile(s.fs, s.pathOf(idx, n))
		if errors.Is(err, os.ErrNotExist) {
			idx.remove(n)
			return larder.ErrRemoteNotFound
		}
		out = data
		return err
	})
	return out, err
}

// GetChangeCursorStart returns a cursor positioned after every change so far.
func (s *Store) GetChangeCursorStart(ctx context.Context) (string, error) {
	var cursor string
	err := s.mutate(ctx, "start cursor", func(idx *index) error {
		if err := s.rescan(idx); err != nil {
			return err
		}
		cursor = strconv.FormatInt(idx.Seq, 10)
		return nil
	})
	return cursor, err
}

// ListChanges returns changes after cursor under scopeFolderID ("" for
// everything). The tree is rescanned first so outside edits are included.
func (s *Store) ListChanges(ctx context.Context, cursor, scopeFolderID string) (*larder.ChangePage, error) {
	after, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil {
		return nil, &larder.RemoteError{Operation: "list changes", StatusCode: 400, Err: fmt.Errorf("bad cursor %q", cursor)}
	}

	page := &larder.ChangePage{NextCursor: cursor}
	err = s.mutate(ctx, "list changes", func(idx *index) error {
		if err := s.rescan(idx); err != nil {
			return err
		}
		if after < idx.Seq && (len(idx.Journal) == 0 || idx.Journal[0].Seq > after+1) {
			return fmt.Errorf("cursor %d predates the journal: %w", after, larder.ErrCursorExpired)
		}
		last := after
		for _, ch := range idx.Journal {
			if ch.Seq <= after {
				continue
			}
			if len(page.Changes) == s.pageSize {
				page.More = true
				break
			}
			last = ch.Seq
			if scopeFolderID != "" && !contains(ch.Ancestors, scopeFolderID) {
				continue
			}
			rc := larder.RemoteChange{FileID: ch.FileID, Removed: ch.Removed}
			if !ch.Removed {
				n, ok := idx.Nodes[ch.FileID]
				if !ok {
					// Removed later in the journal.
					continue
				}
				rc.File = n.remote()
			}
			page.Changes = append(page.Changes, rc)
		}
		if last < idx.Seq && !page.More {
			last = idx.Seq
		}
		page.NextCursor = strconv.FormatInt(last, 10)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

// mutate runs fn against the loaded index under the store lock and saves
// the index afterwards.
func (s *Store) mutate(ctx context.Context, op string, fn func(*index) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.idx == nil {
		idx, err := s.load()
		if err != nil {
			return remoteErr(op, err)
		}
		s.idx = idx
	}

	seq := s.idx.Seq
	fnErr := fn(s.idx)
	if s.idx.Seq != seq {
		s.idx.trim(s.journalLimit)
		if err := s.save(s.idx); err != nil {
			return remoteErr(op, err)
		}
	}
	if fnErr != nil {
		return remoteErr(op, fnErr)
	}
	return nil
}

func (s *Store) load() (*index, error) {
	idx := &index{Nodes: make(map[string]*node)}
	data, err := afero.ReadFile(s.fs, filepath.Join(s.root, metaDir, indexFile))
	if errors.Is(err, os.ErrNotExist) {
		// First use; adopt whatever is already in the tree.
		return idx, s.rescan(idx)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	if idx.Nodes == nil {
		idx.Nodes = make(map[string]*node)
	}
	return idx, nil
}

func (s *Store) save(idx *index) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.root, metaDir, indexFile+".tmp")
	if err := afero.WriteFile(s.fs, tmp, data, 0644); err != nil {
		return err
	}
	return s.fs.Rename(tmp, filepath.Join(s.root, metaDir, indexFile))
}

func (s *Store) write(idx *index, n *node, content []byte, mimeType string) error {
	p := s.pathOf(idx, n)
	if err := afero.WriteFile(s.fs, p, content, 0644); err != nil {
		return err
	}
	info, err := s.fs.Stat(p)
	if err != nil {
		return err
	}
	n.MimeType = mimeType
	n.Version++
	n.Size = info.Size()
	n.ModifiedTime = info.ModTime().UTC()
	n.Checksum = checksum(content)
	idx.record(n.ID, false)
	return nil
}

// refresh brings one node in line with the tree. A file that vanished is
// removed and reported as not found.
func (s *Store) refresh(idx *index, n *node) error {
	p := s.pathOf(idx, n)
	info, err := s.fs.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		idx.remove(n)
		return larder.ErrRemoteNotFound
	}
	if err != nil {
		return err
	}
	if n.Folder || (info.Size() == n.Size && info.ModTime().UTC().Equal(n.ModifiedTime)) {
		return nil
	}

	data, err := afero.ReadFile(s.fs, p)
	if err != nil {
		return err
	}
	n.ModifiedTime = info.ModTime().UTC()
	n.Size = info.Size()
	if sum := checksum(data); sum != n.Checksum {
		n.Checksum = sum
		n.Version++
		idx.record(n.ID, false)
	}
	return nil
}

// rescan reconciles the whole index with the tree: vanished entries are
// removed, new entries adopted and edited files given a new version.
func (s *Store) rescan(idx *index) error {
	// Refresh parents before children so a removed folder takes its
	// contents with it in one step.
	nodes := make([]*node, 0, len(idx.Nodes))
	for _, n := range idx.Nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return idx.depth(nodes[i]) < idx.depth(nodes[j]) ||
			(idx.depth(nodes[i]) == idx.depth(nodes[j]) && nodes[i].ID < nodes[j].ID)
	})
	for _, n := range nodes {
		if _, ok := idx.Nodes[n.ID]; !ok {
			continue
		}
		if err := s.refresh(idx, n); err != nil && !errors.Is(err, larder.ErrRemoteNotFound) {
			return err
		}
	}

	byPath := make(map[string]*node, len(idx.Nodes))
	for _, n := range idx.Nodes {
		byPath[s.pathOf(idx, n)] = n
	}

	return afero.Walk(s.fs, s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == s.root {
			return nil
		}
		if info.IsDir() && info.Name() == metaDir && filepath.Dir(p) == s.root {
			return filepath.SkipDir
		}
		if _, ok := byPath[p]; ok {
			return nil
		}

		parent := rootID
		if dir := filepath.Dir(p); dir != s.root {
			pn, ok := byPath[dir]
			if !ok {
				return nil
			}
			parent = pn.ID
		}
		n := &node{ID: uuid.NewString(), Name: info.Name(), ParentID: parent,
			Folder: info.IsDir(), Version: 1, ModifiedTime: info.ModTime().UTC(), Size: info.Size()}
		if n.Folder {
			n.MimeType = larder.MimeFolder
			n.Size = 0
		} else {
			data, err := afero.ReadFile(s.fs, p)
			if err != nil {
				return err
			}
			n.Checksum = checksum(data)
			n.MimeType = guessMime(n.Name)
		}
		idx.Nodes[n.ID] = n
		byPath[p] = n
		idx.record(n.ID, false)
		return nil
	})
}

func (s *Store) parent(idx *index, id string) (string, error) {
	if id == "" || id == rootID {
		return rootID, nil
	}
	n, ok := idx.Nodes[id]
	if !ok || !n.Folder {
		return "", larder.ErrRemoteNotFound
	}
	return n.ID, nil
}

func (s *Store) file(idx *index, id string) (*node, error) {
	n, ok := idx.Nodes[id]
	if !ok || n.Folder {
		return nil, larder.ErrRemoteNotFound
	}
	if err := s.refresh(idx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *Store) abs(idx *index, parentID, name string) string {
	if parentID == rootID {
		return filepath.Join(s.root, name)
	}
	return filepath.Join(s.pathOf(idx, idx.Nodes[parentID]), name)
}

func (s *Store) pathOf(idx *index, n *node) string {
	parts := []string{n.Name}
	for p := n.ParentID; p != rootID && p != ""; {
		pn, ok := idx.Nodes[p]
		if !ok {
			break
		}
		parts = append(parts, pn.Name)
		p = pn.ParentID
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return filepath.Join(append([]string{s.root}, parts...)...)
}

func (idx *index) child(parentID, name string) *node {
	for _, n := range idx.Nodes {
		if n.ParentID == parentID && n.Name == name {
			return n
		}
	}
	return nil
}

func (idx *index) children(parentID string) []*node {
	var out []*node
	for _, n := range idx.Nodes {
		if n.ParentID == parentID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (idx *index) ancestors(n *node) []string {
	var out []string
	for p := n.ParentID; p != rootID && p != ""; {
		out = append(out, p)
		pn, ok := idx.Nodes[p]
		if !ok {
			break
		}
		p = pn.ParentID
	}
	return out
}

func (idx *index) depth(n *node) int {
	return len(idx.ancestors(n))
}

func (idx *index) record(id string, removed bool) {
	idx.Seq++
	ch := change{Seq: idx.Seq, FileID: id, Removed: removed}
	if n, ok := idx.Nodes[id]; ok {
		ch.Ancestors = idx.ancestors(n)
	}
	idx.Journal = append(idx.Journal, ch)
}

// remove drops n and its descendants, journaling each removal.
func (idx *index) remove(n *node) {
	for _, c := range idx.children(n.ID) {
		idx.remove(c)
	}
	idx.record(n.ID, true)
	delete(idx.Nodes, n.ID)
}

func (idx *index) trim(limit int) {
	if over := len(idx.Journal) - limit; over > 0 {
		idx.Journal = append([]change(nil), idx.Journal[over:]...)
	}
}

func (n *node) remote() *larder.RemoteFile {
	parent := n.ParentID
	if parent == rootID {
		parent = ""
	}
	return &larder.RemoteFile{
		ID:           n.ID,
		Name:         n.Name,
		MimeType:     n.MimeType,
		ParentID:     parent,
		Version:      n.Version,
		ModifiedTime: n.ModifiedTime,
		Checksum:     n.Checksum,
		IsFolder:     n.Folder,
	}
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func guessMime(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return larder.MimeJSON
	case ".txt":
		return larder.MimeText
	case ".pdf":
		return "application/pdf"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".html", ".htm":
		return "text/html"
	}
	return "application/octet-stream"
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || name == metaDir {
		return &larder.RemoteError{Operation: "validate name", StatusCode: 400, Err: fmt.Errorf("invalid name %q", name)}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remoteErr(op string, err error) error {
	var re *larder.RemoteError
	switch {
	case errors.Is(err, larder.ErrRemoteNotFound), errors.Is(err, larder.ErrCursorExpired), errors.As(err, &re),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return &larder.RemoteError{Operation: op, Retryable: true, Err: err}
}
