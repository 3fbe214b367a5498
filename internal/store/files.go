package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// GetFile returns the file called name inside folderID.
func (s *Store) GetFile(ctx context.Context, folderID, name string) (*File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var f File
	err := s.db.View(func(txn *badger.Txn) error {
		id, err := getString(txn, keyFolderFile(folderID, name))
		if err != nil {
			return err
		}
		return getJSON(txn, keyFile(id), &f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetFileByID returns a file by id.
func (s *Store) GetFileByID(ctx context.Context, id string) (*File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var f File
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, keyFile(id), &f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// InsertFile stores a new file, assigning its id and timestamps.
func (s *Store) InsertFile(ctx context.Context, f File) (*File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	f.ID = newID()
	f.CreatedAt, f.UpdatedAt = now, now

	err := s.db.Update(func(txn *badger.Txn) error {
		if ok, err := exists(txn, keyFolderFile(f.FolderID, f.Name)); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("file %q: %w", f.Name, ErrExists)
		}
		if err := setJSON(txn, keyFile(f.ID), f); err != nil {
			return err
		}
		return txn.Set(keyFolderFile(f.FolderID, f.Name), []byte(f.ID))
	})
	if err != nil {
		return nil, fmt.Errorf("insert file %q: %w", f.Name, err)
	}
	return &f, nil
}

// UpdateFile applies patch to the stored file. Changing Name or FolderID moves
// the file; the destination must be free.
func (s *Store) UpdateFile(ctx context.Context, id string, patch func(*File)) (*File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var f File
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := getJSON(txn, keyFile(id), &f); err != nil {
			return err
		}
		oldFolder, oldName := f.FolderID, f.Name
		patch(&f)
		f.ID = id
		f.UpdatedAt = time.Now().UTC()

		if f.FolderID != oldFolder || f.Name != oldName {
			if ok, err := exists(txn, keyFolderFile(f.FolderID, f.Name)); err != nil {
				return err
			} else if ok {
				return fmt.Errorf("file %q: %w", f.Name, ErrExists)
			}
			if err := txn.Delete(keyFolderFile(oldFolder, oldName)); err != nil {
				return err
			}
			if err := txn.Set(keyFolderFile(f.FolderID, f.Name), []byte(id)); err != nil {
				return err
			}
		}
		return setJSON(txn, keyFile(id), f)
	})
	if err != nil {
		return nil, fmt.Errorf("update file %s: %w", id, err)
	}
	return &f, nil
}

// DeleteFile removes a file and its shares. It reports false when the file did not exist.
func (s *Store) DeleteFile(ctx context.Context, id string) (bool, error) {
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := deleteFileTxn(ctx, txn, id)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete file %s: %w", id, err)
	}
	return true, nil
}

func deleteFileTxn(ctx context.Context, txn *badger.Txn, id string) (*File, error) {
	var f File
	if err := getJSON(txn, keyFile(id), &f); err != nil {
		return nil, err
	}
	var shares [][]byte
	if err := scan(ctx, txn, keyShares(id), func(val []byte) error {
		var sh Share
		if err := json.Unmarshal(val, &sh); err != nil {
			return err
		}
		shares = append(shares, keyShare(sh.FileID, sh.UserID))
		return nil
	}); err != nil {
		return nil, err
	}
	for _, k := range shares {
		if err := txn.Delete(k); err != nil {
			return nil, err
		}
	}
	if err := txn.Delete(keyFolderFile(f.FolderID, f.Name)); err != nil {
		return nil, err
	}
	if err := txn.Delete(keyFile(id)); err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFiles returns the files inside folderID sorted by name.
func (s *Store) ListFiles(ctx context.Context, folderID string) ([]File, error) {
	var out []File
	err := s.db.View(func(txn *badger.Txn) error {
		var ids []string
		if err := scan(ctx, txn, keyFolderFiles(folderID), func(val []byte) error {
			ids = append(ids, string(val))
			return nil
		}); err != nil {
			return err
		}
		for _, id := range ids {
			var f File
			if err := getJSON(txn, keyFile(id), &f); err != nil {
				return err
			}
			out = append(out, f)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list files of %s: %w", folderID, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
