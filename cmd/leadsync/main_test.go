package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadcore/leadsync/internal/backup"
	"github.com/leadcore/leadsync/internal/docserver"
	"github.com/leadcore/leadsync/internal/document"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testEnv(extra map[string]string) func(string) string {
	env := map[string]string{
		"LEADSYNC_MAX_RETRIES":     "0",
		"LEADSYNC_REQUEST_TIMEOUT": "2s",
		"LEADSYNC_LOG_LEVEL":       "error",
	}
	for k, v := range extra {
		env[k] = v
	}
	return func(name string) string { return env[name] }
}

func runCLI(t *testing.T, lookup func(string) string, args ...string) (string, error) {
	t.Helper()
	var out syncBuffer
	root := newRootCmd(lookup, &out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func startServer(t *testing.T, seed string) (*docserver.Server, string) {
	t.Helper()
	server := docserver.New(backup.NewMemoryStore())
	if seed != "" {
		_, err := server.Seed(context.Background(), []byte(seed))
		require.NoError(t, err)
	}
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)
	return server, ts.URL + "/exec"
}

const seedDoc = `{"meta":{"updatedAt":"2025-01-01T00:00:00.000Z"},"customers":[
	{"id":"c1","firstName":"Dana","policies":[{"id":"p1","premium":"120"}]},
	{"id":"c2","firstName":"Avi","policies":[]}
]}`

func TestPullPrintsSummary(t *testing.T) {
	_, endpoint := startServer(t, seedDoc)
	dsn := "file://" + t.TempDir()

	out, err := runCLI(t, testEnv(nil), "pull", "--endpoint", endpoint, "--backup-dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "source: remote\n")
	assert.Contains(t, out, "status: connected\n")
	assert.Contains(t, out, "customers: 2\n")
	assert.Contains(t, out, "policies: 1\n")
}

func TestPullJSON(t *testing.T) {
	_, endpoint := startServer(t, seedDoc)

	out, err := runCLI(t, testEnv(nil), "pull", "--json", "--endpoint", endpoint, "--backup-dsn", "memory://")
	require.NoError(t, err)
	var doc document.Document
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	require.Len(t, doc.Customers, 2)
	assert.Equal(t, 120.0, doc.Customers[0].Policies[0].Premium)
}

func TestPullFallsBackToBackup(t *testing.T) {
	_, endpoint := startServer(t, seedDoc)
	dsn := "file://" + t.TempDir()
	_, err := runCLI(t, testEnv(nil), "pull", "--endpoint", endpoint, "--backup-dsn", dsn)
	require.NoError(t, err)

	closed := httptest.NewServer(docserver.New(backup.NewMemoryStore()))
	closedURL := closed.URL + "/exec"
	closed.Close()

	out, err := runCLI(t, testEnv(nil), "pull", "--endpoint", closedURL, "--backup-dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "source: backup (remote error:")
	assert.Contains(t, out, "status: offline (backup)\n")
	assert.Contains(t, out, "customers: 2\n")
}

func TestPushSavesDocument(t *testing.T) {
	server, endpoint := startServer(t, "")
	file := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, os.WriteFile(file, []byte(seedDoc), 0o600))

	out, err := runCLI(t, testEnv(nil), "push", file, "--note", "imported", "--endpoint", endpoint, "--backup-dsn", "memory://")
	require.NoError(t, err)
	assert.Contains(t, out, "saved at ")
	assert.NotContains(t, out, "warning:")

	doc, _, err := server.Current(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.Customers, 2)
	require.NotEmpty(t, doc.Activity)
	assert.Equal(t, "imported", doc.Activity[0].Text)
}

func TestPushMissingFile(t *testing.T) {
	_, err := runCLI(t, testEnv(nil), "push", filepath.Join(t.TempDir(), "missing.json"), "--backup-dsn", "memory://")
	require.Error(t, err)
}

func TestSyncNowRepairsRemote(t *testing.T) {
	server, endpoint := startServer(t, seedDoc)

	out, err := runCLI(t, testEnv(nil), "sync-now", "--endpoint", endpoint, "--backup-dsn", "memory://")
	require.NoError(t, err)
	assert.Contains(t, out, "saved at ")

	doc, _, err := server.Current(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, "2025-01-01T00:00:00.000Z", doc.Meta.UpdatedAt)
	assert.Equal(t, 120.0, doc.Customers[0].Policies[0].Premium)
}

func TestPing(t *testing.T) {
	_, endpoint := startServer(t, "")
	out, err := runCLI(t, testEnv(nil), "ping", "--endpoint", endpoint, "--backup-dsn", "memory://")
	require.NoError(t, err)
	assert.Equal(t, "ok "+endpoint+"\n", out)

	_, err = runCLI(t, testEnv(nil), "ping", "--backup-dsn", "memory://")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "(no endpoint)")
}

func TestEndpointSetAndGet(t *testing.T) {
	dsn := "file://" + t.TempDir()

	out, err := runCLI(t, testEnv(nil), "endpoint", "get", "--backup-dsn", dsn)
	require.NoError(t, err)
	assert.Equal(t, "(none)\n", out)

	out, err = runCLI(t, testEnv(nil), "endpoint", "set", "https://script.example.test/macros/s/abc/exec", "--backup-dsn", dsn)
	require.NoError(t, err)
	assert.Equal(t, "endpoint: https://script.example.test/macros/s/abc/exec\n", out)

	out, err = runCLI(t, testEnv(nil), "endpoint", "get", "--backup-dsn", dsn)
	require.NoError(t, err)
	assert.Equal(t, "https://script.example.test/macros/s/abc/exec\n", out)

	_, err = runCLI(t, testEnv(nil), "endpoint", "set", "ftp://example.test", "--backup-dsn", dsn)
	require.Error(t, err)

	out, err = runCLI(t, testEnv(nil), "endpoint", "set", "", "--backup-dsn", dsn)
	require.NoError(t, err)
	assert.Equal(t, "endpoint: (none)\n", out)
}

func TestEndpointFromEnvironment(t *testing.T) {
	out, err := runCLI(t, testEnv(map[string]string{"LEADSYNC_ENDPOINT": "https://env.example.test/exec"}),
		"endpoint", "get", "--backup-dsn", "memory://")
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.test/exec\n", out)
}

func TestResetLocal(t *testing.T) {
	_, endpoint := startServer(t, seedDoc)
	dsn := "file://" + t.TempDir()
	_, err := runCLI(t, testEnv(nil), "pull", "--endpoint", endpoint, "--backup-dsn", dsn)
	require.NoError(t, err)

	out, err := runCLI(t, testEnv(nil), "reset-local", "--backup-dsn", dsn)
	require.NoError(t, err)
	assert.Equal(t, "local backup cleared\n", out)

	out, err = runCLI(t, testEnv(nil), "pull", "--backup-dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "source: default")
	assert.Contains(t, out, "status: no endpoint\n")
	assert.Contains(t, out, "customers: 0\n")
}

func TestConfigFileErrors(t *testing.T) {
	_, err := runCLI(t, testEnv(nil), "pull", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("unknown_key: 1\n"), 0o600))
	_, err = runCLI(t, testEnv(nil), "pull", "--config", bad)
	require.Error(t, err)
}

func TestInvalidBackupDSN(t *testing.T) {
	_, err := runCLI(t, testEnv(nil), "pull", "--backup-dsn", "gopher://nowhere")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open backup store")
}

func TestWatchStopsOnCancel(t *testing.T) {
	_, endpoint := startServer(t, seedDoc)
	marker := filepath.Join(t.TempDir(), "editing.lock")
	lookup := testEnv(map[string]string{"LEADSYNC_BUSY_MARKER": marker})

	var out syncBuffer
	root := newRootCmd(lookup, &out)
	root.SetArgs([]string{"watch", "--interval", "20ms", "--endpoint", endpoint, "--backup-dsn", "memory://"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "status: connected")
	}, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, out.String(), "booted from remote\n")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}
