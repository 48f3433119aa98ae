package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatcher(t *testing.T, folder string) (<-chan []string, func()) {
	return startWatcherExcluding(t, folder, "")
}

func startWatcherExcluding(t *testing.T, folder, exclude string) (<-chan []string, func()) {
	t.Helper()
	changes := make(chan []string, 16)
	w, err := New(Config{
		Log:         log.New(),
		Folders:     []string{folder},
		ExcludeGlob: exclude,
		Debounce:    50 * time.Millisecond,
		OnChange:    func(paths []string) { changes <- paths },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	return changes, func() {
		cancel()
		_ = w.Close()
		<-done
	}
}

func waitForBatch(t *testing.T, changes <-chan []string) []string {
	t.Helper()
	select {
	case paths := <-changes:
		return paths
	case <-time.After(10 * time.Second):
		t.Fatal("no change batch arrived")
		return nil
	}
}

func drainQuiet(t *testing.T, changes <-chan []string, quiet time.Duration) []string {
	t.Helper()
	var all []string
	for {
		select {
		case paths := <-changes:
			all = append(all, paths...)
		case <-time.After(quiet):
			return all
		}
	}
}

func TestWatcher(t *testing.T) {
	t.Run("config changes trigger a batch", func(t *testing.T) {
		folder := t.TempDir()
		changes, stop := startWatcher(t, folder)
		defer stop()

		config := filepath.Join(folder, "vitest.config.ts")
		require.NoError(t, os.WriteFile(config, []byte("export default {}"), 0644))

		paths := waitForBatch(t, changes)
		assert.Contains(t, paths, config)
	})

	t.Run("manifest changes trigger a batch", func(t *testing.T) {
		folder := t.TempDir()
		changes, stop := startWatcher(t, folder)
		defer stop()

		manifest := filepath.Join(folder, "package.json")
		require.NoError(t, os.WriteFile(manifest, []byte("{}"), 0644))

		paths := waitForBatch(t, changes)
		assert.Contains(t, paths, manifest)
	})

	t.Run("rapid edits collapse into one batch", func(t *testing.T) {
		folder := t.TempDir()
		changes, stop := startWatcher(t, folder)
		defer stop()

		config := filepath.Join(folder, "vite.config.ts")
		for i := 0; i < 5; i++ {
			require.NoError(t, os.WriteFile(config, []byte("export default {}"), 0644))
		}

		paths := waitForBatch(t, changes)
		// Duplicates within a batch are collapsed.
		count := 0
		for _, p := range paths {
			if p == config {
				count++
			}
		}
		assert.Equal(t, 1, count)
	})

	t.Run("unrelated files are ignored", func(t *testing.T) {
		folder := t.TempDir()
		changes, stop := startWatcher(t, folder)
		defer stop()

		require.NoError(t, os.WriteFile(filepath.Join(folder, "notes.txt"), []byte("x"), 0644))

		assert.Empty(t, drainQuiet(t, changes, 500*time.Millisecond))
	})

	t.Run("excluded subtrees are ignored", func(t *testing.T) {
		folder := t.TempDir()
		deps := filepath.Join(folder, "node_modules", "pkg")
		require.NoError(t, os.MkdirAll(deps, 0755))

		changes, stop := startWatcher(t, folder)
		defer stop()

		require.NoError(t, os.WriteFile(filepath.Join(deps, "vitest.config.ts"), []byte("x"), 0644))

		assert.Empty(t, drainQuiet(t, changes, 500*time.Millisecond))
	})

	t.Run("a custom exclusion glob replaces the default", func(t *testing.T) {
		folder := t.TempDir()
		dist := filepath.Join(folder, "dist")
		require.NoError(t, os.MkdirAll(dist, 0755))

		changes, stop := startWatcherExcluding(t, folder, "**/dist/**")
		defer stop()

		require.NoError(t, os.WriteFile(filepath.Join(dist, "vitest.config.ts"), []byte("x"), 0644))
		assert.Empty(t, drainQuiet(t, changes, 500*time.Millisecond))

		// With the default gone, node_modules is fair game again; the
		// exclusion tiers mirror discovery exactly. Directories are created
		// one level at a time so each registration settles.
		deps := filepath.Join(folder, "node_modules")
		require.NoError(t, os.Mkdir(deps, 0755))
		time.Sleep(200 * time.Millisecond)
		config := filepath.Join(deps, "vitest.config.ts")
		require.NoError(t, os.WriteFile(config, []byte("x"), 0644))

		paths := waitForBatch(t, changes)
		assert.Contains(t, paths, config)
	})

	t.Run("new subdirectories are picked up", func(t *testing.T) {
		folder := t.TempDir()
		changes, stop := startWatcher(t, folder)
		defer stop()

		sub := filepath.Join(folder, "pkg")
		require.NoError(t, os.Mkdir(sub, 0755))
		// Give the watcher a moment to register the new directory.
		time.Sleep(200 * time.Millisecond)

		config := filepath.Join(sub, "vitest.config.ts")
		require.NoError(t, os.WriteFile(config, []byte("export default {}"), 0644))

		paths := waitForBatch(t, changes)
		assert.Contains(t, paths, config)
	})
}

func TestWatcherConfig(t *testing.T) {
	_, err := New(Config{OnChange: func([]string) {}})
	assert.Error(t, err)

	_, err = New(Config{Folders: []string{t.TempDir()}})
	assert.Error(t, err)
}
