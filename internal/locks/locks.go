// Package locks is an in-memory advisory lock table over the folder tree.
//
// Folder locks cascade to everything beneath the folder. File locks cover a
// single name inside one folder. Nodes that hold nothing are pruned as soon
// as the last lock beneath them is released, so the table only ever holds
// the paths with activity on them. Nothing here is persisted.
package locks

import (
	"strings"
	"sync"
)

type nodeID int

const rootID nodeID = 0

type node struct {
	name     string
	parent   nodeID
	locked   bool
	files    map[string]struct{}
	children map[string]nodeID
}

func (n *node) empty() bool {
	return !n.locked && len(n.files) == 0 && len(n.children) == 0
}

// Registry is the lock table. The zero value is not usable; use New.
type Registry struct {
	mu    sync.Mutex
	nodes map[nodeID]*node
	next  nodeID
}

// New creates an empty registry holding only the root node.
func New() *Registry {
	r := &Registry{nodes: make(map[nodeID]*node)}
	r.nodes[rootID] = newNode("", -1)
	r.next = rootID + 1
	return r
}

func newNode(name string, parent nodeID) *node {
	return &node{
		name:     name,
		parent:   parent,
		files:    make(map[string]struct{}),
		children: make(map[string]nodeID),
	}
}

// Split turns a slash-delimited path into its segments. "/" and "" yield none.
func Split(path string) []string {
	parts := strings.Split(path, "/")
	route := parts[:0]
	for _, p := range parts {
		if p != "" {
			route = append(route, p)
		}
	}
	return route
}

// find returns the node for route without creating anything.
func (r *Registry) find(route []string) (nodeID, bool) {
	cur := rootID
	for _, name := range route {
		child, ok := r.nodes[cur].children[name]
		if !ok {
			return 0, false
		}
		cur = child
	}
	return cur, true
}

// ensure returns the node for route, creating missing nodes on the way.
func (r *Registry) ensure(route []string) nodeID {
	cur := rootID
	for _, name := range route {
		n := r.nodes[cur]
		child, ok := n.children[name]
		if !ok {
			child = r.next
			r.next++
			r.nodes[child] = newNode(name, cur)
			n.children[name] = child
		}
		cur = child
	}
	return cur
}

// collect prunes id and its ancestors while they hold nothing. Root stays.
func (r *Registry) collect(id nodeID) {
	for id != rootID {
		n := r.nodes[id]
		if !n.empty() {
			return
		}
		parent := r.nodes[n.parent]
		delete(parent.children, n.name)
		delete(r.nodes, id)
		id = n.parent
	}
}

// lockedAbove reports whether the folder at route or any ancestor is locked.
func (r *Registry) lockedAbove(route []string) bool {
	cur := rootID
	if r.nodes[cur].locked {
		return true
	}
	for _, name := range route {
		child, ok := r.nodes[cur].children[name]
		if !ok {
			return false
		}
		if r.nodes[child].locked {
			return true
		}
		cur = child
	}
	return false
}

// busyBelow reports whether anything beneath id holds a lock, including file
// locks held directly in id. The folder lock of id itself does not count.
func (r *Registry) busyBelow(id nodeID) bool {
	n := r.nodes[id]
	if len(n.files) > 0 {
		return true
	}
	for _, child := range n.children {
		c := r.nodes[child]
		if c.locked || r.busyBelow(child) {
			return true
		}
	}
	return false
}

// LockFolder locks the folder at path and everything beneath it.
func (r *Registry) LockFolder(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[r.ensure(Split(path))].locked = true
}

// TryLockFolder locks the folder at path unless it is already locked, an
// ancestor is locked, or anything beneath it is locked.
func (r *Registry) TryLockFolder(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	route := Split(path)
	if r.lockedAbove(route) {
		return false
	}
	if id, ok := r.find(route); ok && r.busyBelow(id) {
		return false
	}
	r.nodes[r.ensure(route)].locked = true
	return true
}

// UnlockFolder releases a folder lock and reports whether it was held.
func (r *Registry) UnlockFolder(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.find(Split(path))
	if !ok {
		return false
	}
	n := r.nodes[id]
	was := n.locked
	n.locked = false
	r.collect(id)
	return was
}

// IsFolderLocked reports whether the folder or any of its ancestors is locked.
func (r *Registry) IsFolderLocked(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lockedAbove(Split(path))
}

// IsFolderContentLocked reports whether any folder beneath path is locked or
// any file beneath it, including its own files, is locked.
func (r *Registry) IsFolderContentLocked(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.find(Split(path))
	if !ok {
		return false
	}
	return r.busyBelow(id)
}

// LockFile locks a single name inside the folder at path.
func (r *Registry) LockFile(path, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[r.ensure(Split(path))].files[name] = struct{}{}
}

// TryLockFile locks name inside path unless it is already covered by a lock.
func (r *Registry) TryLockFile(path, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	route := Split(path)
	if r.fileLocked(route, name) {
		return false
	}
	r.nodes[r.ensure(route)].files[name] = struct{}{}
	return true
}

// UnlockFile releases a file lock and reports whether it was held.
func (r *Registry) UnlockFile(path, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.find(Split(path))
	if !ok {
		return false
	}
	n := r.nodes[id]
	if _, held := n.files[name]; !held {
		return false
	}
	delete(n.files, name)
	r.collect(id)
	return true
}

// IsFileLocked reports whether name inside path is locked, directly or
// through a lock on the folder or an ancestor.
func (r *Registry) IsFileLocked(path, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fileLocked(Split(path), name)
}

func (r *Registry) fileLocked(route []string, name string) bool {
	if r.lockedAbove(route) {
		return true
	}
	id, ok := r.find(route)
	if !ok {
		return false
	}
	_, held := r.nodes[id].files[name]
	return held
}

// DropLock removes the folder's node and everything beneath it. Callers check
// IsFolderContentLocked first; this is used once the folder no longer exists.
func (r *Registry) DropLock(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.find(Split(path))
	if !ok {
		return
	}
	r.drop(id)
	if id == rootID {
		r.nodes[rootID] = newNode("", -1)
		return
	}
	n := r.nodes[id]
	delete(r.nodes[n.parent].children, n.name)
	delete(r.nodes, id)
	r.collect(n.parent)
}

// drop deletes every descendant of id from the arena.
func (r *Registry) drop(id nodeID) {
	for _, child := range r.nodes[id].children {
		r.drop(child)
		delete(r.nodes, child)
	}
}

// NodeCount returns the number of nodes in the table, root included.
func (r *Registry) NodeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}
