// Package files implements structural file operations: folder creation,
// renames, moves and deletes. Every operation resolves paths through the path
// cache and holds the matching locks for the length of its database work.
package files

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chunkvault/chunkvault/internal/locks"
	"github.com/chunkvault/chunkvault/internal/logging/audit"
	"github.com/chunkvault/chunkvault/internal/pathcache"
	"github.com/chunkvault/chunkvault/internal/store"
)

var (
	ErrLocked           = errors.New("locked by another operation")
	ErrNotFound         = errors.New("not found")
	ErrExists           = errors.New("already exists")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidPath      = errors.New("invalid path")
)

const maxNameLength = 255

// Store is the part of the database the service uses.
type Store interface {
	GetFile(ctx context.Context, folderID, name string) (*store.File, error)
	GetFileByID(ctx context.Context, id string) (*store.File, error)
	UpdateFile(ctx context.Context, id string, patch func(*store.File)) (*store.File, error)
	DeleteFile(ctx context.Context, id string) (bool, error)
	ListFiles(ctx context.Context, folderID string) ([]store.File, error)
	FindFolder(ctx context.Context, name, parentID string) (string, bool, error)
	ListFolders(ctx context.Context, parentID string) ([]store.Folder, error)
	MoveFolder(ctx context.Context, id, newName, newParentID string) error
	DeleteFolder(ctx context.Context, id string) ([]store.File, error)
	GetShare(ctx context.Context, fileID, userID string) (*store.Share, error)
}

// Paths resolves and forgets folder paths.
type Paths interface {
	Resolve(ctx context.Context, path string, create bool) (string, error)
	Invalidate(path string)
}

// Thumbnails removes stored thumbnails.
type Thumbnails interface {
	Delete(ctx context.Context, fileID string) error
}

// Listing is the content of one folder.
type Listing struct {
	Path    string         `json:"path"`
	Folders []store.Folder `json:"folders"`
	Files   []store.File   `json:"files"`
}

// Service runs file operations.
type Service struct {
	db     Store
	paths  Paths
	locks  *locks.Registry
	thumbs Thumbnails
	audit  *audit.Logger
	log    zerolog.Logger
}

// NewService creates a file service. thumbs and auditLog may be nil.
func NewService(db Store, paths Paths, lk *locks.Registry, thumbs Thumbnails, auditLog *audit.Logger) *Service {
	if auditLog == nil {
		auditLog = audit.Nop()
	}
	return &Service{
		db:     db,
		paths:  paths,
		locks:  lk,
		thumbs: thumbs,
		audit:  auditLog,
		log:    log.With().Str("component", "files").Logger(),
	}
}

// CleanPath validates an absolute folder path and returns it cleaned.
func CleanPath(p string) (string, error) {
	if !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q is not absolute", ErrInvalidPath, p)
	}
	for _, seg := range locks.Split(p) {
		if err := CheckName(seg); err != nil {
			return "", err
		}
	}
	return path.Clean(p), nil
}

// CheckName validates a single file or folder name.
func CheckName(name string) error {
	switch {
	case name == "" || name == "." || name == "..":
		return fmt.Errorf("%w: bad name %q", ErrInvalidPath, name)
	case len(name) > maxNameLength:
		return fmt.Errorf("%w: name longer than %d bytes", ErrInvalidPath, maxNameLength)
	case strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: bad character in %q", ErrInvalidPath, name)
	}
	return nil
}

// resolve looks up an existing folder.
func (s *Service) resolve(ctx context.Context, dir string) (string, error) {
	id, err := s.paths.Resolve(ctx, dir, false)
	if errors.Is(err, pathcache.ErrNotFound) {
		return "", fmt.Errorf("folder %s: %w", dir, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	return id, nil
}

func (s *Service) file(ctx context.Context, folderID, dir, name string) (*store.File, error) {
	f, err := s.db.GetFile(ctx, folderID, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("file %s: %w", path.Join(dir, name), ErrNotFound)
	}
	return f, err
}

// Lookup returns the file at dir/name without any permission check.
func (s *Service) Lookup(ctx context.Context, dir, name string) (*store.File, error) {
	dir, err := CleanPath(dir)
	if err != nil {
		return nil, err
	}
	folderID, err := s.resolve(ctx, dir)
	if err != nil {
		return nil, err
	}
	return s.file(ctx, folderID, dir, name)
}

// Open returns the file at dir/name if userID may read it.
func (s *Service) Open(ctx context.Context, userID, dir, name string) (*store.File, error) {
	f, err := s.Lookup(ctx, dir, name)
	if err != nil {
		return nil, err
	}
	ok, err := s.canRead(ctx, userID, f)
	if err != nil {
		return nil, err
	}
	if !ok {
		// unreadable files look absent
		return nil, fmt.Errorf("file %s: %w", path.Join(dir, name), ErrNotFound)
	}
	return f, nil
}

// OpenByID is Open for a file id.
func (s *Service) OpenByID(ctx context.Context, userID, id string) (*store.File, error) {
	f, err := s.db.GetFileByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	ok, err := s.canRead(ctx, userID, f)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("file %s: %w", id, ErrNotFound)
	}
	return f, nil
}

func (s *Service) canRead(ctx context.Context, userID string, f *store.File) (bool, error) {
	if f.IsPublic || f.OwnerID == "" || f.OwnerID == userID {
		return true, nil
	}
	_, err := s.db.GetShare(ctx, f.ID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Service) canWrite(ctx context.Context, userID string, f *store.File) error {
	if f.OwnerID == "" || f.OwnerID == userID {
		return nil
	}
	sh, err := s.db.GetShare(ctx, f.ID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrPermissionDenied
	}
	if err != nil {
		return err
	}
	if !sh.CanWrite {
		return ErrPermissionDenied
	}
	return nil
}

// List returns the folders and the readable files inside dir.
func (s *Service) List(ctx context.Context, userID, dir string) (*Listing, error) {
	dir, err := CleanPath(dir)
	if err != nil {
		return nil, err
	}
	folderID, err := s.resolve(ctx, dir)
	if err != nil {
		return nil, err
	}

	folders, err := s.db.ListFolders(ctx, folderID)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	all, err := s.db.ListFiles(ctx, folderID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	out := &Listing{Path: dir, Folders: folders, Files: make([]store.File, 0, len(all))}
	for i := range all {
		ok, err := s.canRead(ctx, userID, &all[i])
		if err != nil {
			return nil, err
		}
		if ok {
			out.Files = append(out.Files, all[i])
		}
	}
	if out.Folders == nil {
		out.Folders = []store.Folder{}
	}
	return out, nil
}

// CreateFolder creates dir and any missing parents.
func (s *Service) CreateFolder(ctx context.Context, userID, dir string) (string, error) {
	dir, err := CleanPath(dir)
	if err != nil {
		return "", err
	}
	if s.locks.IsFolderLocked(dir) {
		return "", ErrLocked
	}
	id, err := s.paths.Resolve(ctx, dir, true)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	s.audit.LogFileOp(userID, "create_folder", dir, "", audit.Allowed, "")
	return id, nil
}

// DeleteFile removes dir/name. Only owners and write-sharers may delete.
func (s *Service) DeleteFile(ctx context.Context, userID, dir, name string) error {
	dir, err := CleanPath(dir)
	if err != nil {
		return err
	}
	folderID, err := s.resolve(ctx, dir)
	if err != nil {
		return err
	}

	if !s.locks.TryLockFile(dir, name) {
		return ErrLocked
	}
	defer s.locks.UnlockFile(dir, name)

	f, err := s.file(ctx, folderID, dir, name)
	if err != nil {
		return err
	}
	if err := s.canWrite(ctx, userID, f); err != nil {
		s.audit.LogFileOp(userID, "delete_file", path.Join(dir, name), "", audit.Denied, err.Error())
		return err
	}
	if _, err := s.db.DeleteFile(ctx, f.ID); err != nil {
		return err
	}

	s.dropThumbnails(ctx, *f)
	s.audit.LogFileOp(userID, "delete_file", path.Join(dir, name), "", audit.Allowed, "")
	return nil
}

// RenameFile moves dir/name to newDir/newName, creating newDir if needed.
// Both names stay locked for the duration.
func (s *Service) RenameFile(ctx context.Context, userID, dir, name, newDir, newName string) (*store.File, error) {
	dir, err := CleanPath(dir)
	if err != nil {
		return nil, err
	}
	if newDir, err = CleanPath(newDir); err != nil {
		return nil, err
	}
	if err := CheckName(newName); err != nil {
		return nil, err
	}
	if dir == newDir && name == newName {
		return s.Lookup(ctx, dir, name)
	}

	folderID, err := s.resolve(ctx, dir)
	if err != nil {
		return nil, err
	}

	if !s.locks.TryLockFile(dir, name) {
		return nil, ErrLocked
	}
	defer s.locks.UnlockFile(dir, name)
	if !s.locks.TryLockFile(newDir, newName) {
		return nil, ErrLocked
	}
	defer s.locks.UnlockFile(newDir, newName)

	f, err := s.file(ctx, folderID, dir, name)
	if err != nil {
		return nil, err
	}
	if err := s.canWrite(ctx, userID, f); err != nil {
		s.audit.LogFileOp(userID, "rename_file", path.Join(dir, name), path.Join(newDir, newName), audit.Denied, err.Error())
		return nil, err
	}

	newFolderID, err := s.paths.Resolve(ctx, newDir, true)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", newDir, err)
	}
	moved, err := s.db.UpdateFile(ctx, f.ID, func(f *store.File) {
		f.Name = newName
		f.FolderID = newFolderID
	})
	if errors.Is(err, store.ErrExists) {
		return nil, fmt.Errorf("file %s: %w", path.Join(newDir, newName), ErrExists)
	}
	if err != nil {
		return nil, err
	}

	s.audit.LogFileOp(userID, "rename_file", path.Join(dir, name), path.Join(newDir, newName), audit.Allowed, "")
	return moved, nil
}

// DeleteFolder removes dir with everything beneath it. It refuses while
// anything beneath dir is locked, and while dir holds files userID may not
// delete.
func (s *Service) DeleteFolder(ctx context.Context, userID, dir string) error {
	dir, err := CleanPath(dir)
	if err != nil {
		return err
	}
	if dir == "/" {
		return fmt.Errorf("%w: cannot delete the root folder", ErrInvalidPath)
	}
	folderID, err := s.resolve(ctx, dir)
	if err != nil {
		return err
	}

	if s.locks.IsFolderContentLocked(dir) || !s.locks.TryLockFolder(dir) {
		return ErrLocked
	}
	unlock := true
	defer func() {
		if unlock {
			s.locks.UnlockFolder(dir)
		}
	}()

	if err := s.checkTree(ctx, userID, folderID); err != nil {
		s.audit.LogFileOp(userID, "delete_folder", dir, "", audit.Denied, err.Error())
		return err
	}

	removed, err := s.db.DeleteFolder(ctx, folderID)
	if err != nil {
		return err
	}
	s.paths.Invalidate(dir)
	s.locks.DropLock(dir)
	unlock = false

	for _, f := range removed {
		s.dropThumbnails(ctx, f)
	}
	s.audit.LogFileOp(userID, "delete_folder", dir, "", audit.Allowed, fmt.Sprintf("%d files removed", len(removed)))
	return nil
}

// checkTree verifies userID may delete every file beneath folderID.
func (s *Service) checkTree(ctx context.Context, userID, folderID string) error {
	files, err := s.db.ListFiles(ctx, folderID)
	if err != nil {
		return err
	}
	for i := range files {
		if err := s.canWrite(ctx, userID, &files[i]); err != nil {
			return err
		}
	}
	folders, err := s.db.ListFolders(ctx, folderID)
	if err != nil {
		return err
	}
	for _, sub := range folders {
		if err := s.checkTree(ctx, userID, sub.ID); err != nil {
			return err
		}
	}
	return nil
}

// RenameFolder moves the folder at dir to newPath. Both paths stay locked for
// the duration; a folder cannot move beneath itself.
func (s *Service) RenameFolder(ctx context.Context, userID, dir, newPath string) error {
	dir, err := CleanPath(dir)
	if err != nil {
		return err
	}
	if newPath, err = CleanPath(newPath); err != nil {
		return err
	}
	if dir == "/" || newPath == "/" {
		return fmt.Errorf("%w: cannot move the root folder", ErrInvalidPath)
	}
	if dir == newPath {
		return nil
	}
	if strings.HasPrefix(newPath, dir+"/") {
		return fmt.Errorf("%w: cannot move a folder beneath itself", ErrInvalidPath)
	}

	folderID, err := s.resolve(ctx, dir)
	if err != nil {
		return err
	}

	if !s.locks.TryLockFolder(dir) {
		return ErrLocked
	}
	defer s.locks.UnlockFolder(dir)
	if !s.locks.TryLockFolder(newPath) {
		return ErrLocked
	}
	defer s.locks.UnlockFolder(newPath)

	parent, name := path.Split(newPath)
	parentID, err := s.paths.Resolve(ctx, path.Clean(parent), true)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", parent, err)
	}
	if _, ok, err := s.db.FindFolder(ctx, name, parentID); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("folder %s: %w", newPath, ErrExists)
	}

	if err := s.db.MoveFolder(ctx, folderID, name, parentID); err != nil {
		if errors.Is(err, store.ErrExists) {
			return fmt.Errorf("folder %s: %w", newPath, ErrExists)
		}
		return err
	}
	s.paths.Invalidate(dir)
	s.paths.Invalidate(newPath)

	s.audit.LogFileOp(userID, "rename_folder", dir, newPath, audit.Allowed, "")
	return nil
}

func (s *Service) dropThumbnails(ctx context.Context, f store.File) {
	if s.thumbs == nil || !strings.HasPrefix(f.Type, "image/") && !strings.HasPrefix(f.Type, "video/") {
		return
	}
	if err := s.thumbs.Delete(ctx, f.ID); err != nil {
		s.log.Warn().Err(err).Str("file_id", f.ID).Msg("failed to delete thumbnail")
	}
}
