package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fgeck/duplikatd/internal/models"
	"github.com/fgeck/duplikatd/internal/services/engine"
	"github.com/fgeck/duplikatd/internal/services/restic"
	"github.com/fgeck/duplikatd/internal/services/stats"
	"github.com/fgeck/duplikatd/internal/services/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRestic struct {
	mu         sync.Mutex
	initErr    error
	backupFunc func(ctx context.Context, target restic.Target, onLine restic.LineCallback) error
	statsFunc  func(ctx context.Context, target restic.Target) ([]byte, error)
	inits      []restic.Target
}

func (m *mockRestic) Init(ctx context.Context, target restic.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inits = append(m.inits, target)
	return m.initErr
}

func (m *mockRestic) Inits() []restic.Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]restic.Target(nil), m.inits...)
}

func (m *mockRestic) Backup(ctx context.Context, target restic.Target, onLine restic.LineCallback) error {
	if m.backupFunc != nil {
		return m.backupFunc(ctx, target, onLine)
	}
	return nil
}

func (m *mockRestic) Stats(ctx context.Context, target restic.Target) ([]byte, error) {
	if m.statsFunc != nil {
		return m.statsFunc(ctx, target)
	}
	return []byte(`{"total_size":1024,"total_file_count":3,"snapshots_count":1}`), nil
}

type harness struct {
	t        *testing.T
	basePath string
	restic   *mockRestic
	addr     string
	cancel   context.CancelFunc
	done     chan error

	stopOnce sync.Once
	stopErr  error
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func startServer(t *testing.T, opts Options, mock *mockRestic) *harness {
	t.Helper()
	return startServerWithLogs(t, opts, mock, io.Discard)
}

// startServerWithLogs is startServer with the server's own log output sent
// to logs.
func startServerWithLogs(t *testing.T, opts Options, mock *mockRestic, logs io.Writer) *harness {
	t.Helper()

	if mock == nil {
		mock = &mockRestic{}
	}
	basePath := filepath.Join(t.TempDir(), "backups")
	st := store.New(testLogger(), basePath)
	eng := engine.NewWithServices(testLogger(), st, mock, nil, nil)
	lister := stats.New(testLogger(), st, eng, 0)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(zerolog.New(logs), listener, eng, lister, opts)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:        t,
		basePath: basePath,
		restic:   mock,
		addr:     srv.Addr().String(),
		cancel:   cancel,
		done:     make(chan error, 1),
	}
	go func() { h.done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		if err := h.stop(); err != nil {
			t.Error(err)
		}
	})
	return h
}

// stop cancels the server and waits for Serve to return.
func (h *harness) stop() error {
	h.stopOnce.Do(func() {
		h.cancel()
		select {
		case h.stopErr = <-h.done:
		case <-time.After(5 * time.Second):
			h.stopErr = errors.New("server did not stop")
		}
	})
	return h.stopErr
}

type client struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func (h *harness) dial() *client {
	h.t.Helper()
	conn, err := net.Dial("tcp", h.addr)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = conn.Close() })
	return &client{t: h.t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *client) sendRaw(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *client) send(msg any) {
	c.t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(c.t, err)
	c.sendRaw(string(data))
}

func (c *client) readLine() map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	line, err := c.reader.ReadBytes('\n')
	require.NoError(c.t, err)

	var obj map[string]any
	require.NoError(c.t, json.Unmarshal(line, &obj), string(line))
	return obj
}

func (c *client) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.reader.ReadBytes('\n')
	assert.ErrorIs(c.t, err, io.EOF)
}

func alphaBackup() models.Backup {
	return models.Backup{
		Name:       "alpha",
		Repository: models.Repository{Kind: models.RepositoryLocal, Path: "/tmp/alpha-repo"},
		Password:   "secret",
		Include:    []string{"/home/user/docs"},
		Exclude:    []string{"*.tmp"},
	}
}

func createMessage(b models.Backup) models.ClientMessage {
	return models.ClientMessage{MessageType: models.MessageCreateBackup, Backup: &b}
}

func TestServer_CreateThenList(t *testing.T) {
	h := startServer(t, Options{}, nil)
	c := h.dial()

	c.send(createMessage(alphaBackup()))
	assert.Equal(t, map[string]any{"message": "OK"}, c.readLine())

	c.send(models.ClientMessage{MessageType: models.MessageListBackups})

	list := c.readLine()
	assert.Equal(t, models.MessageBackupsList, list["message_type"])
	entries, ok := list["list"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 1)

	entry := entries[0].(map[string]any)
	assert.Equal(t, "alpha", entry["name"])
	assert.Equal(t, map[string]any{"kind": "local", "identifier": "", "path": "/tmp/alpha-repo"}, entry["repository"])
	assert.Equal(t, []any{"/home/user/docs"}, entry["include"])
	assert.Equal(t, []any{"*.tmp"}, entry["exclude"])

	statsLine := c.readLine()
	assert.Equal(t, models.MessageBackupStats, statsLine["message_type"])
	assert.Equal(t, "alpha", statsLine["name"])
	assert.Equal(t, float64(1024), statsLine["total_size"])
}

func TestServer_CreateB2WritesEnvironment(t *testing.T) {
	h := startServer(t, Options{}, nil)
	c := h.dial()

	c.send(createMessage(models.Backup{
		Name:       "beta",
		Repository: models.Repository{Kind: models.RepositoryB2, Identifier: "bucket", Path: "/x"},
		Password:   "pw",
		KeyID:      "k",
		KeySecret:  "s",
		Include:    []string{"/srv"},
		Exclude:    []string{},
	}))
	assert.Equal(t, map[string]any{"message": "OK"}, c.readLine())

	env, err := os.ReadFile(filepath.Join(h.basePath, "beta", store.FileEnvironment))
	require.NoError(t, err)
	assert.Contains(t, string(env), "B2_ACCOUNT_ID=k")
	assert.Contains(t, string(env), "B2_ACCOUNT_KEY=s")

	repo, err := os.ReadFile(filepath.Join(h.basePath, "beta", store.FileRepo))
	require.NoError(t, err)
	assert.Equal(t, "b2:bucket:/x", strings.TrimSpace(string(repo)))

	inits := h.restic.Inits()
	require.Len(t, inits, 1)
	assert.Equal(t, map[string]string{"B2_ACCOUNT_ID": "k", "B2_ACCOUNT_KEY": "s"}, inits[0].Env)
}

func TestServer_CreateRepoInitFailure(t *testing.T) {
	h := startServer(t, Options{}, &mockRestic{initErr: errors.New("Fatal: create repository failed")})
	c := h.dial()

	c.send(createMessage(alphaBackup()))

	resp := c.readLine()
	errObj, ok := resp["error"].(map[string]any)
	require.True(t, ok, "expected error response, got %v", resp)
	assert.Contains(t, errObj["RepoInit"], "create repository failed")

	_, err := os.Stat(filepath.Join(h.basePath, "alpha"))
	assert.True(t, os.IsNotExist(err), "failed backup must be rolled back")
}

func TestServer_CreateInvalidName(t *testing.T) {
	h := startServer(t, Options{}, nil)
	c := h.dial()

	b := alphaBackup()
	b.Name = "../escape"
	c.send(createMessage(b))

	resp := c.readLine()
	errObj, ok := resp["error"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, errObj, "Configuration")
	assert.Empty(t, h.restic.Inits())
}

func TestServer_CreateUnreadableRepository(t *testing.T) {
	h := startServer(t, Options{}, nil)
	c := h.dial()

	c.send(createMessage(alphaBackup()))
	assert.Equal(t, map[string]any{"message": "OK"}, c.readLine())

	tests := []models.Backup{
		{
			Name:       "rel",
			Repository: models.Repository{Kind: models.RepositoryLocal, Path: "relative/repo"},
			Password:   "pw",
		},
		{
			Name:       "port",
			Repository: models.Repository{Kind: models.RepositorySFTP, Identifier: "user@host:2222", Path: "/srv/restic"},
			Password:   "pw",
		},
	}
	for _, b := range tests {
		c.send(createMessage(b))
		resp := c.readLine()
		errObj, ok := resp["error"].(map[string]any)
		require.True(t, ok, "expected error response for %s, got %v", b.Name, resp)
		assert.Contains(t, errObj, "Configuration")
	}
	assert.Len(t, h.restic.Inits(), 1)

	c.send(models.ClientMessage{MessageType: models.MessageListBackups})

	list := c.readLine()
	assert.Equal(t, models.MessageBackupsList, list["message_type"])
	entries, ok := list["list"].([]any)
	require.True(t, ok, "listing must survive rejected definitions, got %v", list)
	require.Len(t, entries, 1)
	assert.Equal(t, "alpha", entries[0].(map[string]any)["name"])
}

func TestServer_MalformedLineIgnored(t *testing.T) {
	h := startServer(t, Options{}, nil)
	c := h.dial()

	c.sendRaw(`this is not json`)
	c.sendRaw(`{"message_type":"explode"}`)
	c.sendRaw(`{"message_type":"runbackup"}`)
	c.sendRaw(``)
	c.send(models.ClientMessage{MessageType: models.MessageListBackups})

	list := c.readLine()
	assert.Equal(t, models.MessageBackupsList, list["message_type"])
	assert.Equal(t, []any{}, list["list"])
}

func TestServer_MalformedLineStrict(t *testing.T) {
	h := startServer(t, Options{Strict: true}, nil)
	c := h.dial()

	c.sendRaw(`{"message_type":`)

	resp := c.readLine()
	errObj, ok := resp["error"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, errObj, "Protocol")

	c.expectClosed()
}

func TestServer_OversizedLineClosesConnection(t *testing.T) {
	const maxLine = 1024
	h := startServer(t, Options{MaxLineSize: maxLine}, nil)

	small := h.dial()
	small.send(createMessage(alphaBackup()))
	assert.Equal(t, map[string]any{"message": "OK"}, small.readLine())

	c := h.dial()
	prefix := `{"message_type":"runbackup","name":"`
	_, err := c.conn.Write([]byte(prefix + strings.Repeat("x", maxLine-len(prefix))))
	require.NoError(t, err)

	resp := c.readLine()
	errObj, ok := resp["error"].(map[string]any)
	require.True(t, ok, "expected error response, got %v", resp)
	assert.Contains(t, errObj["Protocol"], "exceeds 1024 bytes")

	c.expectClosed()

	small.send(models.ClientMessage{MessageType: models.MessageListBackups})
	assert.Equal(t, models.MessageBackupsList, small.readLine()["message_type"])
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		var obj map[string]any
		if json.Unmarshal([]byte(line), &obj) == nil {
			out = append(out, obj)
		}
	}
	return out
}

func TestServer_RequestLogsCarryBackup(t *testing.T) {
	logs := &lockedBuffer{}
	h := startServerWithLogs(t, Options{}, nil, logs)
	c := h.dial()

	c.send(createMessage(alphaBackup()))
	assert.Equal(t, map[string]any{"message": "OK"}, c.readLine())

	c.send(models.ClientMessage{MessageType: models.MessageRunBackup, Name: "ghost"})
	_, ok := c.readLine()["error"].(map[string]any)
	require.True(t, ok)

	c.send(models.ClientMessage{MessageType: models.MessageListBackups})
	c.readLine()
	c.readLine()

	var received []map[string]any
	for _, entry := range logs.lines() {
		if entry["message"] == "request received" {
			received = append(received, entry)
		}
	}
	require.Len(t, received, 3)

	assert.Equal(t, models.MessageCreateBackup, received[0]["message_type"])
	assert.Equal(t, "alpha", received[0]["backup"])
	assert.Equal(t, models.MessageRunBackup, received[1]["message_type"])
	assert.Equal(t, "ghost", received[1]["backup"])
	assert.Equal(t, models.MessageListBackups, received[2]["message_type"])
	assert.NotContains(t, received[2], "backup")
	for _, entry := range received {
		assert.NotEmpty(t, entry["conn_id"])
	}
}

func TestServer_RunBackupStreams(t *testing.T) {
	lines := []string{
		`{"message_type":"status","percent_done":0.5,"total_files":2,"total_bytes":10}`,
		`{"message_type":"summary","files_new":2,"snapshot_id":"abcd"}`,
	}
	h := startServer(t, Options{}, &mockRestic{
		backupFunc: func(ctx context.Context, target restic.Target, onLine restic.LineCallback) error {
			for _, l := range lines {
				if err := onLine([]byte(l)); err != nil {
					return err
				}
			}
			return nil
		},
	})
	c := h.dial()

	c.send(createMessage(alphaBackup()))
	c.readLine()

	c.send(models.ClientMessage{MessageType: models.MessageRunBackup, Name: "alpha"})
	assert.Equal(t, "status", c.readLine()["message_type"])
	summary := c.readLine()
	assert.Equal(t, "summary", summary["message_type"])
	assert.Equal(t, "abcd", summary["snapshot_id"])

	// The connection serves the next request once the run has finished.
	c.send(models.ClientMessage{MessageType: models.MessageListBackups})
	assert.Equal(t, models.MessageBackupsList, c.readLine()["message_type"])
}

func TestServer_RunBackupNotFound(t *testing.T) {
	h := startServer(t, Options{}, nil)
	c := h.dial()

	c.send(models.ClientMessage{MessageType: models.MessageRunBackup, Name: "ghost"})

	resp := c.readLine()
	errObj, ok := resp["error"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, errObj, "NotFound")
}

func TestServer_RunBackupSpawnFailed(t *testing.T) {
	h := startServer(t, Options{}, &mockRestic{
		backupFunc: func(ctx context.Context, target restic.Target, onLine restic.LineCallback) error {
			return &restic.SpawnError{Err: errors.New("exec: \"restic\": executable file not found in $PATH")}
		},
	})
	c := h.dial()

	c.send(createMessage(alphaBackup()))
	c.readLine()

	c.send(models.ClientMessage{MessageType: models.MessageRunBackup, Name: "alpha"})

	resp := c.readLine()
	errObj, ok := resp["error"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, errObj, "SpawnFailed")
}

func TestServer_ConnectionsAreIndependent(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	h := startServer(t, Options{}, &mockRestic{
		backupFunc: func(ctx context.Context, target restic.Target, onLine restic.LineCallback) error {
			close(started)
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
			return onLine([]byte(`{"message_type":"summary"}`))
		},
	})

	first := h.dial()
	first.send(createMessage(alphaBackup()))
	first.readLine()
	first.send(models.ClientMessage{MessageType: models.MessageRunBackup, Name: "alpha"})
	<-started

	second := h.dial()
	second.send(models.ClientMessage{MessageType: models.MessageListBackups})
	assert.Equal(t, models.MessageBackupsList, second.readLine()["message_type"])

	close(release)
	assert.Equal(t, "summary", first.readLine()["message_type"])
}

func TestServer_ShutdownCancelsRun(t *testing.T) {
	started := make(chan struct{})
	stopped := make(chan error, 1)
	h := startServer(t, Options{}, &mockRestic{
		backupFunc: func(ctx context.Context, target restic.Target, onLine restic.LineCallback) error {
			close(started)
			<-ctx.Done()
			stopped <- ctx.Err()
			return ctx.Err()
		},
	})

	c := h.dial()
	c.send(createMessage(alphaBackup()))
	c.readLine()
	c.send(models.ClientMessage{MessageType: models.MessageRunBackup, Name: "alpha"})
	<-started

	require.NoError(t, h.stop())
	assert.ErrorIs(t, <-stopped, context.Canceled)
}

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr bool
	}{
		{"list", `{"message_type":"listbackups"}`, false},
		{"run", `{"message_type":"runbackup","name":"alpha"}`, false},
		{"create", `{"message_type":"createbackup","backup":{"name":"a","repository":{"kind":"local","identifier":"","path":"/r"},"password":"p","include":[],"exclude":[]}}`, false},
		{"create without backup", `{"message_type":"createbackup"}`, true},
		{"run without name", `{"message_type":"runbackup"}`, true},
		{"unknown kind", `{"message_type":"createbackup","backup":{"name":"a","repository":{"kind":"ftp","identifier":"","path":"/r"}}}`, true},
		{"unknown type", `{"message_type":"deletebackup"}`, true},
		{"no type", `{}`, true},
		{"not json", `hello`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeMessage([]byte(tt.line))
			if tt.wantErr {
				assert.ErrorIs(t, err, errMalformed)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
