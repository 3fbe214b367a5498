package pathcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFolders struct {
	mu      sync.Mutex
	folders map[string]string // parent/name -> id
	finds   int
	creates int
	fail    error
}

func newFakeFolders() *fakeFolders {
	return &fakeFolders{folders: make(map[string]string)}
}

func (f *fakeFolders) FindFolder(_ context.Context, name, parentID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	if f.fail != nil {
		return "", false, f.fail
	}
	id, ok := f.folders[parentID+"/"+name]
	return id, ok, nil
}

func (f *fakeFolders) CreateFolder(_ context.Context, name, parentID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	key := parentID + "/" + name
	if id, ok := f.folders[key]; ok {
		return id, nil
	}
	id := fmt.Sprintf("f%d", len(f.folders)+1)
	f.folders[key] = id
	return id, nil
}

func (f *fakeFolders) add(parentID, name, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.folders[parentID+"/"+name] = id
}

func (f *fakeFolders) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finds + f.creates
}

func TestResolveRoot(t *testing.T) {
	db := newFakeFolders()
	c := New(db)

	for _, p := range []string{"/", "", "//"} {
		id, err := c.Resolve(context.Background(), p, false)
		require.NoError(t, err)
		assert.Equal(t, Root, id)
	}
	assert.Zero(t, db.calls())
}

func TestResolveIsIdempotent(t *testing.T) {
	db := newFakeFolders()
	db.add(Root, "docs", "d1")
	c := New(db)
	ctx := context.Background()

	id, err := c.Resolve(ctx, "/docs", false)
	require.NoError(t, err)
	assert.Equal(t, "d1", id)
	assert.Equal(t, 1, db.calls())

	id, err = c.Resolve(ctx, "/docs", false)
	require.NoError(t, err)
	assert.Equal(t, "d1", id)
	assert.Equal(t, 1, db.calls())

	hits, misses := c.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestResolveRemembersAbsence(t *testing.T) {
	db := newFakeFolders()
	c := New(db)
	ctx := context.Background()

	_, err := c.Resolve(ctx, "/missing", false)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, db.calls())

	_, err = c.Resolve(ctx, "/missing/deeper", false)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, db.calls())

	// creating through a known-absent name skips the find
	id, err := c.Resolve(ctx, "/missing", true)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, db.finds)
	assert.Equal(t, 1, db.creates)

	again, err := c.Resolve(ctx, "/missing", false)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 2, db.calls())
}

func TestResolveCreatesChain(t *testing.T) {
	db := newFakeFolders()
	db.add(Root, "a", "a1")
	c := New(db)
	ctx := context.Background()

	id, err := c.Resolve(ctx, "/a/b/c", true)
	require.NoError(t, err)
	assert.Equal(t, 3, db.finds)
	assert.Equal(t, 2, db.creates)
	assert.Equal(t, 4, c.Len())

	again, err := c.Resolve(ctx, "/a/b/c", false)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 5, db.calls())
}

func TestInvalidateForcesLookup(t *testing.T) {
	db := newFakeFolders()
	db.add(Root, "docs", "d1")
	c := New(db)
	ctx := context.Background()

	_, err := c.Resolve(ctx, "/docs", false)
	require.NoError(t, err)

	// simulate a rename: the path now points elsewhere
	db.add(Root, "docs", "d2")
	c.Invalidate("/docs")

	id, err := c.Resolve(ctx, "/docs", false)
	require.NoError(t, err)
	assert.Equal(t, "d2", id)
	assert.Equal(t, 2, db.calls())
}

func TestInvalidateClearsAbsentMarker(t *testing.T) {
	db := newFakeFolders()
	c := New(db)
	ctx := context.Background()

	_, err := c.Resolve(ctx, "/new", false)
	require.ErrorIs(t, err, ErrNotFound)

	db.add(Root, "new", "n1")
	c.Invalidate("/new")

	id, err := c.Resolve(ctx, "/new", false)
	require.NoError(t, err)
	assert.Equal(t, "n1", id)
}

func TestInvalidateDropsSubtree(t *testing.T) {
	db := newFakeFolders()
	c := New(db)
	ctx := context.Background()

	_, err := c.Resolve(ctx, "/a/b/c", true)
	require.NoError(t, err)
	assert.Equal(t, 4, c.Len())

	c.Invalidate("/a/b")
	assert.Equal(t, 2, c.Len())

	c.Invalidate("/not/cached")
	assert.Equal(t, 2, c.Len())

	c.Invalidate("/")
	assert.Equal(t, 1, c.Len())
}

func TestResolveDatabaseError(t *testing.T) {
	db := newFakeFolders()
	db.fail = errors.New("disk on fire")
	c := New(db)

	_, err := c.Resolve(context.Background(), "/a", true)
	assert.ErrorIs(t, err, db.fail)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, c.Len())
}

func TestConcurrentResolve(t *testing.T) {
	db := newFakeFolders()
	c := New(db)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := c.Resolve(ctx, "/shared/leaf", true)
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 3, c.Len())
}
