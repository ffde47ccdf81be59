// Package testutil provides shared helpers for relay tests.
package testutil

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/allaspectsdev/streamgate/internal/config"
	"github.com/allaspectsdev/streamgate/internal/store"
)

// NewTestStore creates a file-backed SQLite store in a temp directory.
// The store is automatically closed when the test completes.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// NewTestConfig returns a valid config for testing with a temp data dir
// and fast anti-truncation timings.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.DataDir = t.TempDir()
	cfg.AntiTruncation.KeepaliveIntervalSeconds = 0
	cfg.AntiTruncation.UpstreamIdleTimeoutSeconds = 0
	return cfg
}

// SSEBody renders data-only SSE frames from raw payload strings.
func SSEBody(payloads ...string) string {
	var sb strings.Builder
	for _, p := range payloads {
		sb.WriteString("data: " + p + "\n\n")
	}
	return sb.String()
}

// ClaudeSSEBody renders event-typed SSE frames from (event, payload) pairs.
func ClaudeSSEBody(pairs ...[2]string) string {
	var sb strings.Builder
	for _, pair := range pairs {
		sb.WriteString("event: " + pair[0] + "\ndata: " + pair[1] + "\n\n")
	}
	return sb.String()
}
