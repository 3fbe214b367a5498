package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// CreateUser stores a new account. Usernames are unique.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u := User{ID: newID(), Username: username, PasswordHash: passwordHash, CreatedAt: time.Now().UTC()}
	err := s.db.Update(func(txn *badger.Txn) error {
		if ok, err := exists(txn, keyUserName(username)); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("user %q: %w", username, ErrExists)
		}
		if err := setJSON(txn, keyUser(u.ID), u); err != nil {
			return err
		}
		return txn.Set(keyUserName(username), []byte(u.ID))
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser returns an account by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var u User
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, keyUser(id), &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByName returns an account by username.
func (s *Store) GetUserByName(ctx context.Context, username string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var u User
	err := s.db.View(func(txn *badger.Txn) error {
		id, err := getString(txn, keyUserName(username))
		if err != nil {
			return err
		}
		return getJSON(txn, keyUser(id), &u)
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SetPassword replaces an account's password hash.
func (s *Store) SetPassword(ctx context.Context, id, passwordHash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		var u User
		if err := getJSON(txn, keyUser(id), &u); err != nil {
			return err
		}
		u.PasswordHash = passwordHash
		return setJSON(txn, keyUser(id), u)
	})
}

// PutShare creates or replaces a share.
func (s *Store) PutShare(ctx context.Context, sh Share) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if ok, err := exists(txn, keyFile(sh.FileID)); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("file %s: %w", sh.FileID, ErrNotFound)
		}
		return setJSON(txn, keyShare(sh.FileID, sh.UserID), sh)
	})
}

// GetShare returns the share of fileID with userID.
func (s *Store) GetShare(ctx context.Context, fileID, userID string) (*Share, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sh Share
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, keyShare(fileID, userID), &sh)
	})
	if err != nil {
		return nil, err
	}
	return &sh, nil
}

// DeleteShare revokes a share.
func (s *Store) DeleteShare(ctx context.Context, fileID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keyShare(fileID, userID))
	})
}

// ListShares returns every share of fileID.
func (s *Store) ListShares(ctx context.Context, fileID string) ([]Share, error) {
	var out []Share
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(ctx, txn, keyShares(fileID), func(val []byte) error {
			var sh Share
			if err := json.Unmarshal(val, &sh); err != nil {
				return err
			}
			out = append(out, sh)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list shares of %s: %w", fileID, err)
	}
	return out, nil
}
