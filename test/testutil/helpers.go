// Package testutil provides test helpers and utilities for sessfuzz tests.
package testutil

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// RandomBytes generates cryptographically random bytes.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

// WriteTempFile writes data to a file named name in a per-test temp dir and
// returns its path.
func WriteTempFile(t testing.TB, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

// WaitFor polls until condition is true or timeout.
func WaitFor(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
