package bridge

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/vitest-tools/vitest-bridge/flags"
)

// Config holds the application configuration
type Config struct {
	Folders             []string // Workspace folders to scan for projects
	RootConfigPath      string   // Pinned config file, bypasses config scanning
	WorkspaceConfigPath string   // Pinned workspace file, bypasses workspace scanning
	ExcludeGlob         string   // Paths to skip during discovery
	MinimumVersion      string   // Lowest Vitest version accepted without a warning
	NodeBinary          string   // Node.js binary used to run Vitest
	WorkerBinary        string   // Executable hosting workers
	Watch               bool     // Re-discover when config files change
	Log                 log.Logger
}

// settings mirrors the optional YAML settings file. Command line flags win
// over file settings.
type settings struct {
	Exclude             string `yaml:"exclude"`
	MinimumVersion      string `yaml:"minimumVersion"`
	NodeBinary          string `yaml:"nodeBinary"`
	RootConfigPath      string `yaml:"configFile"`
	WorkspaceConfigPath string `yaml:"workspaceConfigFile"`
}

// NewConfig creates a new Config from cli context
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	folders := ctx.StringSlice(flags.WorkspaceFolders.Name)
	if len(folders) == 0 {
		return nil, errors.New("at least one workspace folder is required")
	}
	absFolders := make([]string, 0, len(folders))
	for _, folder := range folders {
		abs, err := filepath.Abs(folder)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for workspace folder '%s': %w", folder, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("workspace folder '%s' is not accessible: %w", folder, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("workspace folder '%s' is not a directory", folder)
		}
		absFolders = append(absFolders, abs)
	}

	cfg := &Config{
		Folders:             absFolders,
		RootConfigPath:      ctx.String(flags.ConfigFile.Name),
		WorkspaceConfigPath: ctx.String(flags.WorkspaceConfigFile.Name),
		ExcludeGlob:         ctx.String(flags.ExcludeGlob.Name),
		MinimumVersion:      ctx.String(flags.MinimumVersion.Name),
		NodeBinary:          ctx.String(flags.NodeBinary.Name),
		WorkerBinary:        ctx.String(flags.WorkerBinary.Name),
		Watch:               ctx.Bool(flags.Watch.Name),
		Log:                 log,
	}

	if path := ctx.String(flags.SettingsFile.Name); path != "" {
		if err := cfg.applySettings(path); err != nil {
			return nil, err
		}
	}

	for _, pinned := range []string{cfg.RootConfigPath, cfg.WorkspaceConfigPath} {
		if pinned == "" {
			continue
		}
		if _, err := os.Stat(pinned); err != nil {
			return nil, fmt.Errorf("pinned config '%s' is not accessible: %w", pinned, err)
		}
	}

	return cfg, nil
}

// applySettings fills unset fields from the YAML settings file.
func (c *Config) applySettings(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read settings file '%s': %w", path, err)
	}
	var s settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to parse settings file '%s': %w", path, err)
	}

	if c.ExcludeGlob == "" {
		c.ExcludeGlob = s.Exclude
	}
	if c.MinimumVersion == "" {
		c.MinimumVersion = s.MinimumVersion
	}
	if c.NodeBinary == "" || c.NodeBinary == flags.NodeBinary.Value {
		if s.NodeBinary != "" {
			c.NodeBinary = s.NodeBinary
		}
	}
	if c.RootConfigPath == "" {
		c.RootConfigPath = s.RootConfigPath
	}
	if c.WorkspaceConfigPath == "" {
		c.WorkspaceConfigPath = s.WorkspaceConfigPath
	}
	return nil
}
