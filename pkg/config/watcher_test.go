package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, path, database string) {
	t.Helper()
	content := "mongo:\n  database: " + database + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestFileWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeTestConfig(t, path, "before")

	manager := NewManager()
	sources := func() []ConfigSource {
		return DefaultSources(path, nil, false)
	}
	require.NoError(t, manager.Load(sources()...))
	require.Equal(t, "before", manager.Get().Mongo.Database)

	reloaded := make(chan Config, 4)
	w, err := NewFileWatcher(manager, path, sources, func(c Config) {
		reloaded <- c
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(200 * time.Millisecond)
	writeTestConfig(t, path, "after")

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "after", cfg.Mongo.Database)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload config")
	}
	assert.Equal(t, "after", manager.Get().Mongo.Database)
}

func TestFileWatcher_KeepsConfigOnInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeTestConfig(t, path, "stable")

	manager := NewManager()
	sources := func() []ConfigSource {
		return DefaultSources(path, nil, false)
	}
	require.NoError(t, manager.Load(sources()...))

	w, err := NewFileWatcher(manager, path, sources, nil, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	time.Sleep(200 * time.Millisecond)
	// Workers constraint is gte=1, so this reload must be rejected.
	bad := "mongo:\n  database: broken\nprocessing:\n  workers: 0\n"
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))

	// Wait past the debounce delay and verify the old config survived.
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, "stable", manager.Get().Mongo.Database)
}

func TestFileWatcher_CloseStopsWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeTestConfig(t, path, "x")

	manager := NewManager()
	w, err := NewFileWatcher(manager, path, func() []ConfigSource {
		return DefaultSources(path, nil, false)
	}, nil, zerolog.Nop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, w.Close())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Close")
	}
}
