package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// FindFolder returns the id of the folder called name under parentID.
func (s *Store) FindFolder(ctx context.Context, name, parentID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var id string
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		id, err = getString(txn, keyFolderChild(parentID, name))
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("find folder %q: %w", name, err)
	}
	return id, true, nil
}

// CreateFolder creates a folder, or returns the id of the one that already
// has that name under parentID.
func (s *Store) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var id string
	err := s.db.Update(func(txn *badger.Txn) error {
		existing, err := getString(txn, keyFolderChild(parentID, name))
		if err == nil {
			id = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if parentID != RootFolderID {
			if ok, err := exists(txn, keyFolder(parentID)); err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("parent folder %s: %w", parentID, ErrNotFound)
			}
		}

		f := Folder{ID: newID(), Name: name, ParentID: parentID, CreatedAt: time.Now().UTC()}
		if err := setJSON(txn, keyFolder(f.ID), f); err != nil {
			return err
		}
		if err := txn.Set(keyFolderChild(parentID, name), []byte(f.ID)); err != nil {
			return err
		}
		id = f.ID
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		// lost a race with a concurrent create; the winner's row is there now
		found, ok, ferr := s.FindFolder(ctx, name, parentID)
		if ferr == nil && ok {
			return found, nil
		}
	}
	if err != nil {
		return "", fmt.Errorf("create folder %q: %w", name, err)
	}
	return id, nil
}

// GetFolder returns a folder by id.
func (s *Store) GetFolder(ctx context.Context, id string) (*Folder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var f Folder
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, keyFolder(id), &f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFolders returns the subfolders of parentID sorted by name.
func (s *Store) ListFolders(ctx context.Context, parentID string) ([]Folder, error) {
	var out []Folder
	err := s.db.View(func(txn *badger.Txn) error {
		var ids []string
		err := scan(ctx, txn, keyFolderChildren(parentID), func(val []byte) error {
			ids = append(ids, string(val))
			return nil
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			var f Folder
			if err := getJSON(txn, keyFolder(id), &f); err != nil {
				return err
			}
			out = append(out, f)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list folders of %s: %w", parentID, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// MoveFolder renames a folder and/or moves it under another parent.
func (s *Store) MoveFolder(ctx context.Context, id, newName, newParentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		var f Folder
		if err := getJSON(txn, keyFolder(id), &f); err != nil {
			return err
		}
		if ok, err := exists(txn, keyFolderChild(newParentID, newName)); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("folder %q: %w", newName, ErrExists)
		}
		if err := txn.Delete(keyFolderChild(f.ParentID, f.Name)); err != nil {
			return err
		}
		f.Name, f.ParentID = newName, newParentID
		if err := setJSON(txn, keyFolder(id), f); err != nil {
			return err
		}
		return txn.Set(keyFolderChild(newParentID, newName), []byte(id))
	})
}

// DeleteFolder removes a folder with all its subfolders and files, returning
// the removed files.
func (s *Store) DeleteFolder(ctx context.Context, id string) ([]File, error) {
	if id == RootFolderID {
		return nil, errors.New("cannot delete the root folder")
	}
	var removed []File
	err := s.db.Update(func(txn *badger.Txn) error {
		var f Folder
		if err := getJSON(txn, keyFolder(id), &f); err != nil {
			return err
		}
		if err := s.deleteTree(ctx, txn, id, &removed); err != nil {
			return err
		}
		return txn.Delete(keyFolderChild(f.ParentID, f.Name))
	})
	if err != nil {
		return nil, fmt.Errorf("delete folder %s: %w", id, err)
	}
	return removed, nil
}

func (s *Store) deleteTree(ctx context.Context, txn *badger.Txn, id string, removed *[]File) error {
	var children []string
	var fileIDs []string
	if err := scan(ctx, txn, keyFolderChildren(id), func(val []byte) error {
		children = append(children, string(val))
		return nil
	}); err != nil {
		return err
	}
	if err := scan(ctx, txn, keyFolderFiles(id), func(val []byte) error {
		fileIDs = append(fileIDs, string(val))
		return nil
	}); err != nil {
		return err
	}

	for _, child := range children {
		var sub Folder
		if err := getJSON(txn, keyFolder(child), &sub); err != nil {
			return err
		}
		if err := s.deleteTree(ctx, txn, child, removed); err != nil {
			return err
		}
		if err := txn.Delete(keyFolderChild(id, sub.Name)); err != nil {
			return err
		}
	}
	for _, fid := range fileIDs {
		f, err := deleteFileTxn(ctx, txn, fid)
		if err != nil {
			return err
		}
		*removed = append(*removed, *f)
	}
	return txn.Delete(keyFolder(id))
}
