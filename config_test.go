package bridge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/vitest-tools/vitest-bridge/flags"
	"github.com/vitest-tools/vitest-bridge/types"
)

func parseConfig(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	var cfg *Config
	app := cli.NewApp()
	app.Name = "vitest-bridge"
	app.Flags = flags.Flags
	app.Action = func(ctx *cli.Context) error {
		var err error
		cfg, err = NewConfig(ctx, log.New())
		return err
	}
	err := app.Run(append([]string{"vitest-bridge"}, args...))
	return cfg, err
}

func TestNewConfig(t *testing.T) {
	t.Run("resolves folders to absolute paths", func(t *testing.T) {
		folder := t.TempDir()
		cfg, err := parseConfig(t, "--workspace-folder", folder)
		require.NoError(t, err)
		require.Len(t, cfg.Folders, 1)
		assert.True(t, filepath.IsAbs(cfg.Folders[0]))
		assert.Equal(t, "node", cfg.NodeBinary)
	})

	t.Run("rejects missing folders", func(t *testing.T) {
		_, err := parseConfig(t, "--workspace-folder", filepath.Join(t.TempDir(), "absent"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not accessible")
	})

	t.Run("rejects files as folders", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "plain")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
		_, err := parseConfig(t, "--workspace-folder", file)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a directory")
	})

	t.Run("rejects inaccessible pinned configs", func(t *testing.T) {
		folder := t.TempDir()
		_, err := parseConfig(t,
			"--workspace-folder", folder,
			"--config", filepath.Join(folder, "vitest.config.ts"))
		require.Error(t, err)
	})

	t.Run("accepts multiple folders", func(t *testing.T) {
		a, b := t.TempDir(), t.TempDir()
		cfg, err := parseConfig(t, "--workspace-folder", a, "--workspace-folder", b)
		require.NoError(t, err)
		assert.Len(t, cfg.Folders, 2)
	})
}

func TestSettingsFile(t *testing.T) {
	writeSettings := func(t *testing.T, content string) string {
		path := filepath.Join(t.TempDir(), "vitest-bridge.yaml")
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		return path
	}

	t.Run("fills unset fields", func(t *testing.T) {
		folder := t.TempDir()
		settings := writeSettings(t, "exclude: '**/dist/**'\nminimumVersion: 2.0.0\nnodeBinary: /opt/node/bin/node\n")
		cfg, err := parseConfig(t, "--workspace-folder", folder, "--settings", settings)
		require.NoError(t, err)
		assert.Equal(t, "**/dist/**", cfg.ExcludeGlob)
		assert.Equal(t, "2.0.0", cfg.MinimumVersion)
		assert.Equal(t, "/opt/node/bin/node", cfg.NodeBinary)
	})

	t.Run("flags win over settings", func(t *testing.T) {
		folder := t.TempDir()
		settings := writeSettings(t, "exclude: '**/dist/**'\n")
		cfg, err := parseConfig(t,
			"--workspace-folder", folder,
			"--settings", settings,
			"--exclude", "**/out/**")
		require.NoError(t, err)
		assert.Equal(t, "**/out/**", cfg.ExcludeGlob)
	})

	t.Run("invalid yaml is an error", func(t *testing.T) {
		folder := t.TempDir()
		settings := writeSettings(t, "exclude: [unclosed\n")
		_, err := parseConfig(t, "--workspace-folder", folder, "--settings", settings)
		require.Error(t, err)
	})
}

func TestPrintProjectsTable(t *testing.T) {
	var sb strings.Builder
	PrintProjectsTable(&sb, []types.TestProject{
		{Prefix: "proj1:vitest.config.ts", ConfigFile: "/w/proj1/vitest.config.ts", Version: "2.1.0", Cwd: "/w/proj1"},
		{Prefix: "proj2:vitest.config.ts", ConfigFile: "/w/proj2/vitest.config.ts", Version: "2.1.0", Cwd: "/w/proj2"},
	})
	out := sb.String()
	assert.Contains(t, out, "proj1:vitest.config.ts")
	assert.Contains(t, out, "proj2:vitest.config.ts")
	assert.Contains(t, out, "Discovered Vitest Projects (2)")
}

func TestGroupByFolder(t *testing.T) {
	groups := groupByFolder([]types.TestProject{
		{ID: "a", Folder: "/w1"},
		{ID: "b", Folder: "/w2"},
		{ID: "c", Folder: "/w1"},
	})
	assert.Len(t, groups["/w1"], 2)
	assert.Len(t, groups["/w2"], 1)
}
