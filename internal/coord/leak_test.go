package coord

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no goroutine leaks occur during testing.
// Sessions, packet handlers and writer loops must all be gone once a test's
// server has shut down.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Ignore known background goroutines from testing infrastructure
		goleak.IgnoreTopFunction("testing.(*M).Run.func1"),
		goleak.IgnoreTopFunction("testing.tRunner"),
		// Idle keep-alive connections of the test HTTP clients
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		// badger's in-memory store keeps a few watchers until Close returns
		goleak.IgnoreAnyFunction("github.com/dgraph-io/badger/v4.(*DB).monitorCache"),
		goleak.IgnoreAnyFunction("github.com/dgraph-io/ristretto/v2.(*Cache).processItems"),
		goleak.IgnoreAnyFunction("github.com/dgraph-io/ristretto/v2/z.(*AllocatorPool).freeupAllocators"),
	)
}
