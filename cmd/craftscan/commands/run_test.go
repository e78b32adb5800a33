package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craftscan/craftscan/pkg/config"
)

func writeRunConfig(t *testing.T, path, database string) {
	t.Helper()
	content := "mongo:\n  database: " + database + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// watchConfig must hand the watcher back immediately; its event loop runs
// detached until the context is cancelled.
func TestWatchConfigReturnsBeforeLoopEnds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeRunConfig(t, path, "before")

	a := &app{manager: config.NewManager(), configFile: path}
	require.NoError(t, a.manager.Load(a.sources(nil)...))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan config.Config, 4)
	done := make(chan struct{})
	var watcher *config.FileWatcher
	var watchErr error
	go func() {
		watcher, watchErr = watchConfig(ctx, a, nil, func(c config.Config) {
			reloaded <- c
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watchConfig blocked on the watcher event loop")
	}
	require.NoError(t, watchErr)
	defer func() { _ = watcher.Close() }()

	// The detached loop still picks up edits.
	time.Sleep(200 * time.Millisecond)
	writeRunConfig(t, path, "after")

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "after", cfg.Mongo.Database)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not observed")
	}
}

func TestWatchConfigBadPath(t *testing.T) {
	a := &app{
		manager:    config.NewManager(),
		configFile: filepath.Join(t.TempDir(), "missing", "config.yaml"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Construction succeeds; the loop logs and exits when the directory
	// cannot be watched.
	watcher, err := watchConfig(ctx, a, nil, nil)
	require.NoError(t, err)
	_ = watcher.Close()
}
