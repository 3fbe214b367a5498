// Package store persists folders, files, shares and users in BadgerDB.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/google/uuid"
)

// RootFolderID is the parent id of top-level folders and files. It is never
// stored as a folder itself.
const RootFolderID = "root"

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// Key namespaces.
//
//	fo:<id>               Folder (JSON)
//	fc:<parent>:<name>    folder id
//	fi:<id>               File (JSON)
//	ff:<folder>:<name>    file id
//	sh:<file>:<user>      Share (JSON)
//	us:<id>               User (JSON)
//	un:<username>         user id
const (
	prefixFolder      = "fo:"
	prefixFolderChild = "fc:"
	prefixFile        = "fi:"
	prefixFolderFile  = "ff:"
	prefixShare       = "sh:"
	prefixUser        = "us:"
	prefixUserName    = "un:"
)

func keyFolder(id string) []byte               { return []byte(prefixFolder + id) }
func keyFolderChild(parent, name string) []byte { return []byte(prefixFolderChild + parent + ":" + name) }
func keyFolderChildren(parent string) []byte    { return []byte(prefixFolderChild + parent + ":") }
func keyFile(id string) []byte                 { return []byte(prefixFile + id) }
func keyFolderFile(folder, name string) []byte  { return []byte(prefixFolderFile + folder + ":" + name) }
func keyFolderFiles(folder string) []byte       { return []byte(prefixFolderFile + folder + ":") }
func keyShare(fileID, userID string) []byte     { return []byte(prefixShare + fileID + ":" + userID) }
func keyShares(fileID string) []byte            { return []byte(prefixShare + fileID + ":") }
func keyUser(id string) []byte                 { return []byte(prefixUser + id) }
func keyUserName(name string) []byte            { return []byte(prefixUserName + name) }

// Folder is a directory node.
type Folder struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ParentID  string    `json:"parent_id"`
	CreatedAt time.Time `json:"created_at"`
}

// File is a stored file. Its content lives in the blob backend as Chunks.
type File struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	FolderID  string    `json:"folder_id"`
	OwnerID   string    `json:"owner_id,omitempty"`
	Size      int64     `json:"size"`
	ChunkSize int64     `json:"chunk_size"`
	Chunks    []string  `json:"chunks"`
	Channel   string    `json:"channel"`
	Hash      string    `json:"hash"`
	Type      string    `json:"type"`
	Encrypted bool      `json:"encrypted"`
	KeySalt   string    `json:"key_salt,omitempty"`
	IsPublic  bool      `json:"is_public"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Share grants a user access to a file it does not own.
type Share struct {
	FileID   string `json:"file_id"`
	UserID   string `json:"user_id"`
	CanWrite bool   `json:"can_write"`
}

// User is an account.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Options configures Open.
type Options struct {
	Dir      string
	InMemory bool
}

// Store is the BadgerDB-backed metadata database.
type Store struct {
	db *badger.DB
}

// Open opens or creates the database.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bopts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts = bopts.WithLoggingLevel(badger.WARNING).WithCompression(options.None)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", opts.Dir, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getString(txn *badger.Txn, key []byte) (string, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// scan calls fn with the value of every key under prefix.
func scan(ctx context.Context, txn *badger.Txn, prefix []byte, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Rewind(); it.Valid(); it.Next() {
		if n%100 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		n++
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

func newID() string { return uuid.NewString() }
