// Package bridge wires discovery, workers, and the config watcher into one
// long-running service: the controller side of a Vitest editor integration.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/optimism/op-service/cliapp"

	"github.com/vitest-tools/vitest-bridge/discovery"
	"github.com/vitest-tools/vitest-bridge/launcher"
	"github.com/vitest-tools/vitest-bridge/metrics"
	"github.com/vitest-tools/vitest-bridge/resolver"
	"github.com/vitest-tools/vitest-bridge/types"
	"github.com/vitest-tools/vitest-bridge/watcher"
)

// bridgeService implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &bridgeService{}

type bridgeService struct {
	ctx      context.Context
	config   *Config
	version  string
	resolver *resolver.Resolver
	engine   *discovery.Engine
	launcher *launcher.Launcher

	mu       sync.Mutex
	workers  map[string]*launcher.Client // keyed by workspace folder
	projects []types.TestProject

	watcher *watcher.Watcher
	reload  chan []string

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*bridgeService, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	config.Log.Debug("Creating bridge with config",
		"folders", config.Folders,
		"rootConfig", config.RootConfigPath,
		"workspaceConfig", config.WorkspaceConfigPath,
		"watch", config.Watch)

	notifier := logNotifier{log: config.Log}

	res, err := resolver.New(resolver.Config{
		Log:            config.Log,
		Notifier:       notifier,
		MinimumVersion: config.MinimumVersion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	eng, err := discovery.NewEngine(discovery.Config{
		Log:                 config.Log,
		Resolver:            res,
		Notifier:            notifier,
		Folders:             config.Folders,
		ExcludeGlob:         config.ExcludeGlob,
		WorkspaceConfigPath: config.WorkspaceConfigPath,
		RootConfigPath:      config.RootConfigPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery engine: %w", err)
	}

	l, err := launcher.New(launcher.Config{
		Log:          config.Log,
		WorkerBinary: config.WorkerBinary,
		NodeBinary:   config.NodeBinary,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create launcher: %w", err)
	}

	return &bridgeService{
		ctx:              ctx,
		config:           config,
		version:          version,
		resolver:         res,
		engine:           eng,
		launcher:         l,
		workers:          make(map[string]*launcher.Client),
		reload:           make(chan []string, 1),
		done:             make(chan struct{}),
		shutdownCallback: shutdownCallback,
	}, nil
}

// Start discovers projects, launches workers, and in watch mode keeps
// re-discovering on config changes.
// Start implements the cliapp.Lifecycle interface.
func (s *bridgeService) Start(ctx context.Context) error {
	s.ctx = ctx
	s.done = make(chan struct{})
	s.running.Store(true)

	if s.config.Watch {
		s.config.Log.Info("Starting vitest-bridge in watch mode")
	} else {
		s.config.Log.Info("Starting vitest-bridge")
	}

	if err := s.refresh(ctx, true); err != nil {
		s.config.Log.Error("Runtime error during discovery", "error", err)
		return NewRuntimeError(err)
	}

	if !s.config.Watch {
		s.config.Log.Debug("vitest-bridge started successfully")
		return nil
	}

	w, err := watcher.New(watcher.Config{
		Log:         s.config.Log,
		Folders:     s.config.Folders,
		ExcludeGlob: s.config.ExcludeGlob,
		OnChange: func(paths []string) {
			select {
			case s.reload <- paths:
			default:
				// A reload is already queued. The next pass rescans
				// everything anyway.
			}
		},
	})
	if err != nil {
		return NewRuntimeError(fmt.Errorf("failed to create config watcher: %w", err))
	}
	s.watcher = w

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.config.Log.Error("Config watcher stopped", "error", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		for {
			select {
			case paths := <-s.reload:
				if !s.running.Load() {
					return
				}
				s.config.Log.Info("Config change detected, re-running discovery", "changed", len(paths))
				for _, path := range paths {
					s.resolver.Invalidate(path)
				}
				if err := s.refresh(ctx, false); err != nil {
					s.config.Log.Error("Error re-running discovery", "error", err)
				}
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	s.config.Log.Debug("vitest-bridge started successfully")
	return nil
}

// refresh runs one discovery pass and swaps the worker set to match.
func (s *bridgeService) refresh(ctx context.Context, showWarning bool) error {
	projects, err := s.engine.Discover(ctx, showWarning)
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}

	byFolder := groupByFolder(projects)
	for _, folder := range s.config.Folders {
		metrics.RecordDiscovery(folder, len(byFolder[folder]))
	}
	s.config.Log.Info("Discovery completed", "projects", len(projects))
	PrintProjectsTable(os.Stdout, projects)

	s.closeWorkers(ctx)

	workers := make(map[string]*launcher.Client, len(byFolder))
	for _, folder := range s.config.Folders {
		group := byFolder[folder]
		if len(group) == 0 {
			continue
		}
		client, err := s.launcher.Launch(ctx, group, "", "")
		if err != nil {
			var total *types.WorkerTotalFailureError
			if errors.As(err, &total) {
				for _, pe := range total.Errors {
					s.config.Log.Error("Project failed to initialize", "id", pe.ID, "error", pe.Error)
				}
				continue
			}
			s.closeClients(ctx, workers)
			return fmt.Errorf("launching worker for %s: %w", folder, err)
		}
		for _, pe := range client.InitErrors() {
			s.config.Log.Warn("Project failed to initialize", "id", pe.ID, "error", pe.Error)
		}
		folderLog := s.config.Log.New("folder", folder)
		client.OnEvent(func(projectID, event string, data json.RawMessage) {
			folderLog.Debug("Worker event", "project", projectID, "event", event, "bytes", len(data))
		})
		workers[folder] = client
	}

	s.mu.Lock()
	s.workers = workers
	s.projects = projects
	s.mu.Unlock()
	return nil
}

// Workers returns the live worker clients keyed by workspace folder.
func (s *bridgeService) Workers() map[string]*launcher.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*launcher.Client, len(s.workers))
	for k, v := range s.workers {
		out[k] = v
	}
	return out
}

// Projects returns the result of the last discovery pass.
func (s *bridgeService) Projects() []types.TestProject {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projects
}

func (s *bridgeService) closeWorkers(ctx context.Context) {
	s.mu.Lock()
	workers := s.workers
	s.workers = make(map[string]*launcher.Client)
	s.mu.Unlock()
	s.closeClients(ctx, workers)
}

func (s *bridgeService) closeClients(ctx context.Context, workers map[string]*launcher.Client) {
	for folder, client := range workers {
		if err := client.Close(ctx); err != nil {
			s.config.Log.Warn("Error closing worker", "folder", folder, "error", err)
		}
	}
}

// Stop stops the bridge service.
// Stop implements the cliapp.Lifecycle interface.
func (s *bridgeService) Stop(ctx context.Context) error {
	s.config.Log.Info("Stopping vitest-bridge")

	if !s.running.Load() {
		s.config.Log.Debug("Service already stopped, nothing to do")
		return nil
	}
	s.running.Store(false)
	close(s.done)

	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	s.wg.Wait()
	s.closeWorkers(ctx)

	s.config.Log.Info("vitest-bridge stopped successfully")
	return nil
}

// Stopped returns true if the bridge service is stopped.
// Stopped implements the cliapp.Lifecycle interface.
func (s *bridgeService) Stopped() bool {
	return !s.running.Load()
}

// PrintProjectsTable renders the discovered projects to the given writer.
func PrintProjectsTable(out io.Writer, projects []types.TestProject) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetTitle(fmt.Sprintf("Discovered Vitest Projects (%d)", len(projects)))

	t.AppendHeader(table.Row{"Prefix", "Config", "Workspace", "Version", "Cwd"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Config", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Workspace", WidthMax: 40, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Cwd", WidthMax: 40, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, p := range projects {
		workspace := p.WorkspaceFile
		if workspace == "" {
			workspace = "-"
		}
		config := p.ConfigFile
		if config == "" {
			config = "-"
		}
		t.AppendRow(table.Row{p.Prefix, config, workspace, p.Version, p.Cwd})
	}
	t.Render()
}

func groupByFolder(projects []types.TestProject) map[string][]types.TestProject {
	out := make(map[string][]types.TestProject)
	for _, p := range projects {
		out[p.Folder] = append(out[p.Folder], p)
	}
	return out
}

// logNotifier surfaces discovery warnings through the service log.
type logNotifier struct {
	log log.Logger
}

func (n logNotifier) ShowWarning(msg string) {
	metrics.RecordError("discovery_warning")
	n.log.Warn(msg)
}

func (n logNotifier) ShowError(msg string) {
	metrics.RecordError("discovery_error")
	n.log.Error(msg)
}
