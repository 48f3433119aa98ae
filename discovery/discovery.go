// Package discovery locates runnable vitest projects in a multi-folder
// workspace. Config-file discovery is authoritative; manifest-script
// discovery is a fallback that only runs when config discovery found nothing
// and raised no validation warning.
package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/ethereum/go-ethereum/log"
	"github.com/tidwall/gjson"

	"github.com/vitest-tools/vitest-bridge/resolver"
	"github.com/vitest-tools/vitest-bridge/types"
)

const (
	// WorkspaceConfigGlob matches workspace-level config files listing
	// multiple member projects.
	WorkspaceConfigGlob = "**/vitest.workspace.{js,mjs,cjs,ts,mts,cts,json}"

	// ConfigGlob matches both runner configs and generic build-tool configs;
	// the per-directory override policy decides between them.
	ConfigGlob = "**/*{vite,vitest}.config*.{js,mjs,cjs,ts,mts,cts}"

	// ManifestGlob matches package manifests for script-based discovery.
	ManifestGlob = "**/package.json"

	// DefaultExcludeGlob is applied to every glob tier unless the settings
	// override it.
	DefaultExcludeGlob = "**/{node_modules,.git}/**"

	// scriptPrefix is the exact prefix a manifest script value must carry to
	// qualify. A script that is exactly "vitest" with no arguments does not.
	scriptPrefix = "vitest "
)

// Config contains discovery engine configuration
type Config struct {
	Log      log.Logger
	Resolver *resolver.Resolver
	Notifier types.Notifier

	// Folders are the workspace folder roots to scan.
	Folders []string

	// ExcludeGlob filters every glob tier. Defaults to DefaultExcludeGlob.
	ExcludeGlob string
	// WorkspaceConfigPath pins a single workspace-config file, bypassing the
	// workspace glob.
	WorkspaceConfigPath string
	// RootConfigPath pins a single root config file. When workspace configs
	// exist it is attached to every workspace project as the shared config.
	RootConfigPath string
}

// Engine discovers test projects across workspace folders.
type Engine struct {
	log      log.Logger
	resolver *resolver.Resolver
	notifier types.Notifier
	cfg      Config
}

// result is what each discovery strategy yields: the projects it produced and
// whether any candidate raised a validation warning.
type result struct {
	projects []types.TestProject
	warned   bool
}

// NewEngine creates a discovery engine
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("resolver is required")
	}
	if len(cfg.Folders) == 0 {
		return nil, fmt.Errorf("at least one workspace folder is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = noopNotifier{}
	}
	if cfg.ExcludeGlob == "" {
		cfg.ExcludeGlob = DefaultExcludeGlob
	}
	return &Engine{
		log:      cfg.Log,
		resolver: cfg.Resolver,
		notifier: cfg.Notifier,
		cfg:      cfg,
	}, nil
}

// Discover runs a full discovery pass over every workspace folder and returns
// the deduplicated project set with unique display prefixes. Each pass is a
// complete re-scan; no identity is carried over from earlier passes.
func (e *Engine) Discover(ctx context.Context, showWarning bool) ([]types.TestProject, error) {
	var projects []types.TestProject
	for _, folder := range e.cfg.Folders {
		res, err := e.ResolveVitestPackages(ctx, folder, showWarning)
		if err != nil {
			return nil, err
		}
		projects = append(projects, res.projects...)
	}
	e.log.Debug("Discovery pass complete", "len(projects)", len(projects))
	return AssignUniquePrefixes(projects), nil
}

// ResolveVitestPackages applies the top-level discovery policy for one
// folder: config-file discovery first; manifest-script discovery only when
// config discovery produced nothing and warned about nothing. A single
// misconfigured project must not silently replace config-based discovery
// with manifest-based discovery.
func (e *Engine) ResolveVitestPackages(ctx context.Context, folder string, showWarning bool) (result, error) {
	configResult, err := e.discoverConfigs(ctx, folder, showWarning)
	if err != nil {
		return result{}, err
	}
	if len(configResult.projects) > 0 || configResult.warned {
		return configResult, nil
	}
	return e.discoverManifestScripts(ctx, folder, showWarning)
}

// discoverConfigs implements config-file discovery: workspace configs first,
// then plain configs with the per-directory override policy.
func (e *Engine) discoverConfigs(ctx context.Context, folder string, showWarning bool) (result, error) {
	if err := ctx.Err(); err != nil {
		return result{}, err
	}

	workspaceFiles, err := e.workspaceCandidates(folder)
	if err != nil {
		return result{}, err
	}
	if len(workspaceFiles) > 0 {
		return e.resolveWorkspaceFiles(folder, workspaceFiles, showWarning), nil
	}

	configFiles, err := e.configCandidates(folder)
	if err != nil {
		return result{}, err
	}
	configFiles = filterDuplicateConfigs(configFiles)
	return e.resolveConfigFiles(folder, configFiles, showWarning), nil
}

func (e *Engine) workspaceCandidates(folder string) ([]string, error) {
	if e.cfg.WorkspaceConfigPath != "" {
		return []string{e.cfg.WorkspaceConfigPath}, nil
	}
	return e.glob(folder, WorkspaceConfigGlob)
}

func (e *Engine) configCandidates(folder string) ([]string, error) {
	if e.cfg.RootConfigPath != "" {
		return []string{e.cfg.RootConfigPath}, nil
	}
	return e.glob(folder, ConfigGlob)
}

// resolveWorkspaceFiles produces one project per workspace-config file. The
// shared root-config override is attached to every result; member projects
// inherit their config from the workspace root, never their own file.
func (e *Engine) resolveWorkspaceFiles(folder string, workspaceFiles []string, showWarning bool) result {
	resolved := e.resolveAll(folder, workspaceFiles, showWarning)

	var res result
	for i, r := range resolved {
		if r == nil {
			res.warned = true
			continue
		}
		workspaceFile := workspaceFiles[i]
		res.projects = append(res.projects, types.TestProject{
			Folder:        folder,
			ID:            normalizePath(workspaceFile),
			Prefix:        filepath.Base(workspaceFile),
			Cwd:           filepath.Dir(workspaceFile),
			Version:       r.Version,
			VitestPath:    r.VitestPath,
			ConfigFile:    e.cfg.RootConfigPath,
			WorkspaceFile: normalizePath(workspaceFile),
			LoaderPath:    pnpLoader(r),
			PnpPath:       pnpManifest(r),
		})
	}
	return res
}

// resolveConfigFiles produces one project per surviving config file.
func (e *Engine) resolveConfigFiles(folder string, configFiles []string, showWarning bool) result {
	resolved := e.resolveAll(folder, configFiles, showWarning)

	var res result
	for i, r := range resolved {
		if r == nil {
			res.warned = true
			continue
		}
		configFile := configFiles[i]
		res.projects = append(res.projects, types.TestProject{
			Folder:     folder,
			ID:         normalizePath(configFile),
			Prefix:     filepath.Base(configFile),
			Cwd:        filepath.Dir(configFile),
			Version:    r.Version,
			VitestPath: r.VitestPath,
			ConfigFile: normalizePath(configFile),
			LoaderPath: pnpLoader(r),
			PnpPath:    pnpManifest(r),
		})
	}
	return res
}

// resolveAll resolves and validates the runner package for each candidate
// concurrently. The returned slice is positional; nil marks a candidate whose
// resolution failed. Failures never abort the pass.
func (e *Engine) resolveAll(folder string, candidates []string, showWarning bool) []*resolver.VitestResolution {
	resolved := make([]*resolver.VitestResolution, len(candidates))
	var wg sync.WaitGroup
	for i, candidate := range candidates {
		wg.Add(1)
		go func(i int, candidate string) {
			defer wg.Done()
			r, err := e.resolver.Resolve(filepath.Dir(candidate), folder, showWarning)
			if err != nil {
				e.warnCandidate(candidate, err, showWarning)
				return
			}
			resolved[i] = r
		}(i, candidate)
	}
	wg.Wait()
	return resolved
}

// discoverManifestScripts implements the fallback strategy: any manifest
// script whose value starts the runner invocation becomes a project. The
// runner package is validated once per manifest; a failed validation skips
// every script in that manifest rather than emitting partial projects.
func (e *Engine) discoverManifestScripts(ctx context.Context, folder string, showWarning bool) (result, error) {
	if err := ctx.Err(); err != nil {
		return result{}, err
	}

	manifests, err := e.glob(folder, ManifestGlob)
	if err != nil {
		return result{}, err
	}

	var res result
	for _, manifestPath := range manifests {
		scripts := e.vitestScripts(manifestPath)
		if len(scripts) == 0 {
			continue
		}

		r, err := e.resolver.Resolve(filepath.Dir(manifestPath), folder, showWarning)
		if err != nil {
			e.warnCandidate(manifestPath, err, showWarning)
			res.warned = true
			continue
		}

		for _, script := range scripts {
			res.projects = append(res.projects, types.TestProject{
				Folder:     folder,
				ID:         normalizePath(manifestPath) + "/" + script.name,
				Prefix:     script.name,
				Cwd:        filepath.Dir(manifestPath),
				Version:    r.Version,
				VitestPath: r.VitestPath,
				Arguments:  script.command,
				LoaderPath: pnpLoader(r),
				PnpPath:    pnpManifest(r),
			})
		}
	}
	return res, nil
}

type manifestScript struct {
	name    string
	command string
}

// vitestScripts returns the qualifying script entries of a manifest in
// document order. Qualification is keyed by the script value, not its name.
func (e *Engine) vitestScripts(manifestPath string) []manifestScript {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		e.log.Debug("Failed to read manifest", "path", manifestPath, "error", err)
		return nil
	}

	var scripts []manifestScript
	gjson.GetBytes(data, "scripts").ForEach(func(key, value gjson.Result) bool {
		if strings.HasPrefix(value.String(), scriptPrefix) {
			scripts = append(scripts, manifestScript{name: key.String(), command: value.String()})
		}
		return true
	})
	return scripts
}

// filterDuplicateConfigs applies the per-directory override policy: when a
// directory holds both a runner config and a generic build-tool config, the
// runner config is authoritative and the build-tool ones are dropped. The
// full candidate set of a directory is observed before filtering; multiple
// runner configs in one directory are all kept.
func filterDuplicateConfigs(configFiles []string) []string {
	hasVitestConfig := make(map[string]bool)
	for _, path := range configFiles {
		if strings.Contains(filepath.Base(path), "vitest.config") {
			hasVitestConfig[filepath.Dir(path)] = true
		}
	}

	filtered := configFiles[:0:0]
	for _, path := range configFiles {
		base := filepath.Base(path)
		if strings.Contains(base, "vite.config") && !strings.Contains(base, "vitest.config") && hasVitestConfig[filepath.Dir(path)] {
			continue
		}
		filtered = append(filtered, path)
	}
	return filtered
}

// glob matches pattern under folder, dropping anything caught by the
// exclusion glob, and returns absolute paths in deterministic order.
func (e *Engine) glob(folder, pattern string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(folder), pattern)
	if err != nil {
		return nil, fmt.Errorf("globbing %q under %s: %w", pattern, folder, err)
	}

	var paths []string
	for _, match := range matches {
		excluded, err := doublestar.Match(e.cfg.ExcludeGlob, match)
		if err != nil {
			return nil, fmt.Errorf("invalid exclusion glob %q: %w", e.cfg.ExcludeGlob, err)
		}
		if excluded {
			continue
		}
		paths = append(paths, filepath.Join(folder, filepath.FromSlash(match)))
	}
	return paths, nil
}

func (e *Engine) warnCandidate(candidate string, err error, showWarning bool) {
	if types.IsPackageNotFound(err) {
		msg := fmt.Sprintf("Skipping %s: %v", candidate, err)
		if showWarning {
			e.notifier.ShowWarning(msg)
		} else {
			e.log.Warn("Skipping candidate", "candidate", candidate, "error", err)
		}
		return
	}
	// Mismatch and version failures already went through the notifier inside
	// the resolver.
	e.log.Debug("Candidate failed validation", "candidate", candidate, "error", err)
}

func normalizePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

func pnpLoader(r *resolver.VitestResolution) string {
	if r.PnP == nil {
		return ""
	}
	return r.PnP.LoaderPath
}

func pnpManifest(r *resolver.VitestResolution) string {
	if r.PnP == nil {
		return ""
	}
	return r.PnP.ManifestPath
}

type noopNotifier struct{}

func (noopNotifier) ShowWarning(string) {}
func (noopNotifier) ShowError(string)   {}
