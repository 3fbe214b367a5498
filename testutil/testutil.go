// Package testutil provides shared test utilities and mocks for chunkvault tests.
package testutil

import (
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// TempDir creates a temporary directory for testing and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "chunkvault-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// RandomBytes returns n random bytes.
func RandomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("failed to read random bytes: %v", err)
	}
	return b
}

// FreePort returns an available TCP port on localhost.
func FreePort(t *testing.T) int {
	t.Helper()

	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("failed to resolve address: %v", err)
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer func() { _ = l.Close() }()

	return l.Addr().(*net.TCPAddr).Port
}

// MockSink is a download sink for testing. It records everything written and
// the deadlines it was given. Setting Block makes writes wait until the
// deadline passes, like a client that stopped reading.
type MockSink struct {
	mu        sync.Mutex
	data      []byte
	deadlines []time.Time
	writes    int

	WriteErr error
	Block    bool
	// OnWrite, when set, runs before every write with the write's index.
	OnWrite func(n int)
}

// Write implements io.Writer.
func (m *MockSink) Write(b []byte) (int, error) {
	m.mu.Lock()
	n := m.writes
	m.writes++
	hook := m.OnWrite
	m.mu.Unlock()

	if hook != nil {
		hook(n)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return 0, m.WriteErr
	}
	if m.Block {
		var deadline time.Time
		if len(m.deadlines) > 0 {
			deadline = m.deadlines[len(m.deadlines)-1]
		}
		m.mu.Unlock()
		time.Sleep(time.Until(deadline))
		m.mu.Lock()
		return 0, os.ErrDeadlineExceeded
	}
	m.data = append(m.data, b...)
	return len(b), nil
}

// SetWriteDeadline records the deadline.
func (m *MockSink) SetWriteDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadlines = append(m.deadlines, t)
	return nil
}

// Bytes returns a copy of everything written.
func (m *MockSink) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

// Deadlines returns the deadlines set so far.
func (m *MockSink) Deadlines() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.deadlines...)
}
