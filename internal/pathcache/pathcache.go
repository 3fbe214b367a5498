// Package pathcache resolves slash-delimited folder paths to folder ids,
// remembering both the folders it found and the names it found missing.
package pathcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chunkvault/chunkvault/internal/locks"
)

// Root is the id every path resolves through. "/" maps to it without a lookup.
const Root = "root"

// ErrNotFound is returned by Resolve when a folder on the path does not exist
// and creation was not requested.
var ErrNotFound = errors.New("folder not found")

// Folders is the database the cache fronts.
type Folders interface {
	// FindFolder returns the id of the child folder called name, and false when
	// it does not exist.
	FindFolder(ctx context.Context, name, parentID string) (string, bool, error)
	// CreateFolder creates the child folder, returning the existing id if it
	// was created concurrently.
	CreateFolder(ctx context.Context, name, parentID string) (string, error)
}

type nodeID int

const rootID nodeID = 0

type node struct {
	folderID string
	name     string
	parent   nodeID
	children map[string]nodeID
	absent   map[string]struct{}
}

// Cache memoizes folder lookups. It is not transactional: two resolves of
// the same uncached path may both reach the database.
type Cache struct {
	folders Folders

	mu    sync.Mutex
	nodes map[nodeID]*node
	next  nodeID

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates an empty cache in front of folders.
func New(folders Folders) *Cache {
	c := &Cache{folders: folders}
	c.reset()
	return c
}

func (c *Cache) reset() {
	c.nodes = map[nodeID]*node{rootID: newNode(Root, "", -1)}
	c.next = rootID + 1
}

func newNode(folderID, name string, parent nodeID) *node {
	return &node{
		folderID: folderID,
		name:     name,
		parent:   parent,
		children: make(map[string]nodeID),
		absent:   make(map[string]struct{}),
	}
}

// Resolve returns the folder id for path. With create set, missing folders
// along the path are created.
func (c *Cache) Resolve(ctx context.Context, path string, create bool) (string, error) {
	route := locks.Split(path)
	if len(route) == 0 {
		return Root, nil
	}

	c.mu.Lock()
	cur := rootID
	for i, name := range route {
		n := c.nodes[cur]
		if child, ok := n.children[name]; ok {
			c.hits.Add(1)
			cur = child
			continue
		}
		_, absent := n.absent[name]
		parentID := n.folderID
		c.mu.Unlock()

		if absent {
			c.hits.Add(1)
		} else {
			c.misses.Add(1)
		}
		id, err := c.lookup(ctx, name, parentID, absent, create)
		if errors.Is(err, ErrNotFound) {
			c.markAbsent(cur, name)
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		if err != nil {
			return "", err
		}

		c.mu.Lock()
		n, ok := c.nodes[cur]
		if !ok {
			// invalidated while we were in the database; finish without caching
			c.mu.Unlock()
			return c.walk(ctx, id, route[i+1:], create)
		}
		if child, ok := n.children[name]; ok {
			cur = child
			continue
		}
		delete(n.absent, name)
		cur = c.add(cur, name, id)
	}
	id := c.nodes[cur].folderID
	c.mu.Unlock()
	return id, nil
}

// lookup consults the database for one path segment.
func (c *Cache) lookup(ctx context.Context, name, parentID string, knownAbsent, create bool) (string, error) {
	if !knownAbsent {
		id, found, err := c.folders.FindFolder(ctx, name, parentID)
		if err != nil {
			return "", fmt.Errorf("find folder %q: %w", name, err)
		}
		if found {
			return id, nil
		}
	}
	if !create {
		return "", ErrNotFound
	}
	id, err := c.folders.CreateFolder(ctx, name, parentID)
	if err != nil {
		return "", fmt.Errorf("create folder %q: %w", name, err)
	}
	return id, nil
}

// walk resolves the rest of a route straight from the database.
func (c *Cache) walk(ctx context.Context, parentID string, route []string, create bool) (string, error) {
	for _, name := range route {
		id, err := c.lookup(ctx, name, parentID, false, create)
		if err != nil {
			return "", err
		}
		parentID = id
	}
	return parentID, nil
}

func (c *Cache) markAbsent(parent nodeID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[parent]
	if !ok {
		return
	}
	if _, known := n.children[name]; known {
		return
	}
	n.absent[name] = struct{}{}
}

func (c *Cache) add(parent nodeID, name, folderID string) nodeID {
	id := c.next
	c.next++
	c.nodes[id] = newNode(folderID, name, parent)
	c.nodes[parent].children[name] = id
	return id
}

// Invalidate forgets the last segment of path, whether it was cached as
// present or as absent. Everything cached beneath it goes too. Invalidating
// "/" clears the cache.
func (c *Cache) Invalidate(path string) {
	route := locks.Split(path)

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(route) == 0 {
		c.reset()
		return
	}

	cur := rootID
	for _, name := range route[:len(route)-1] {
		child, ok := c.nodes[cur].children[name]
		if !ok {
			return
		}
		cur = child
	}

	last := route[len(route)-1]
	n := c.nodes[cur]
	delete(n.absent, last)
	if child, ok := n.children[last]; ok {
		delete(n.children, last)
		c.drop(child)
	}
}

func (c *Cache) drop(id nodeID) {
	for _, child := range c.nodes[id].children {
		c.drop(child)
	}
	delete(c.nodes, id)
}

// Len returns the number of cached folders, root included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

// Stats returns how many path segments were answered from the cache and how
// many needed the database.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
