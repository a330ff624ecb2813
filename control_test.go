package main

import (
	"bytes"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/codec"
	"chatrelay/config"
)

type fakeTarget struct {
	mu       sync.Mutex
	reason   string
	until    time.Time
	shutdown chan struct{}
}

func (f *fakeTarget) GetStats() string { return "sessions=1,connections=2,users=alice" }

func (f *fakeTarget) Shutdown(reason string, until time.Time) {
	f.mu.Lock()
	f.reason, f.until = reason, until
	f.mu.Unlock()
	close(f.shutdown)
}

func startTestControl(t *testing.T) (*fakeTarget, string) {
	t.Helper()
	target := &fakeTarget{shutdown: make(chan struct{})}
	path := filepath.Join(t.TempDir(), "ctl.sock")
	cs, err := startControlSocket(path, target, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	return target, path
}

func TestControlStats(t *testing.T) {
	_, path := startTestControl(t)

	reply, err := sendControlCommand(path, "stats")
	require.NoError(t, err)
	assert.Equal(t, "sessions=1,connections=2,users=alice", reply)

	_, err = sendControlCommand(path, "reboot")
	assert.EqualError(t, err, "Unknown command")
}

func TestControlShutdown(t *testing.T) {
	target, path := startTestControl(t)

	_, err := sendControlCommand(path, "shutdown|maintenance|not-a-time")
	require.Error(t, err)

	reply, err := sendControlCommand(path, "shutdown|upgrade|2026-06-01T03:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, "Shutting down", reply)

	select {
	case <-target.shutdown:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown not called")
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	assert.Equal(t, "upgrade", target.reason)
	assert.Equal(t, time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC), target.until.UTC())
}

func TestControlSocketMissing(t *testing.T) {
	_, err := sendControlCommand(filepath.Join(t.TempDir(), "none.sock"), "stats")
	assert.Error(t, err)
}

func TestKeygenCommand(t *testing.T) {
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"keygen"})
	require.NoError(t, cmd.Execute())

	key := strings.TrimSpace(out.String())
	_, err := codec.New(key)
	assert.NoError(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	logger = newLogger(config.LoggingConfig{Level: "bogus", Format: "text"}, &buf)
	logger.Debug("hidden")
	logger.Info("shown")
	assert.Contains(t, buf.String(), "msg=shown")
	assert.NotContains(t, buf.String(), "hidden")
}
