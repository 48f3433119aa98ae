package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/ethereum/go-ethereum/log"
	"github.com/tidwall/gjson"

	"github.com/vitest-tools/vitest-bridge/types"
)

const (
	// PackageName is the npm package the resolver looks for.
	PackageName = "vitest"

	// DefaultMinimumVersion is the oldest runner version the bridge drives.
	DefaultMinimumVersion = "1.4.0"

	pnpManifestName = ".pnp.cjs"
	pnpLoaderName   = ".pnp.loader.mjs"
)

// PnpResolution describes a plug'n'play resolution: the loader hook that must
// be registered in the worker and the package manager's manifest.
type PnpResolution struct {
	LoaderPath   string
	ManifestPath string
}

// VitestResolution locates an installed runner package.
type VitestResolution struct {
	// VitestPath is the runner's main executable module. In plug'n'play mode
	// it is the bare specifier, resolved by the loader hook at runtime.
	VitestPath string
	// ManifestPath is the package manifest the resolution was validated
	// against.
	ManifestPath string
	// Version is the declared package version, or types.VersionPnP.
	Version string
	// PnP is set when the project uses a zero-install package manager.
	PnP *PnpResolution
}

// Config contains resolver configuration
type Config struct {
	Log            log.Logger
	Notifier       types.Notifier
	MinimumVersion string
}

// Resolver locates and validates runner packages, caching validated
// resolutions per manifest path. A failed validation never enters the cache,
// so a retry after the user fixes the install re-reads fresh state.
type Resolver struct {
	log      log.Logger
	notifier types.Notifier
	minimum  *semver.Version

	mu    sync.Mutex
	cache map[string]*VitestResolution
}

// New creates a resolver instance
func New(cfg Config) (*Resolver, error) {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.MinimumVersion == "" {
		cfg.MinimumVersion = DefaultMinimumVersion
	}
	minimum, err := semver.NewVersion(cfg.MinimumVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid minimum version %q: %w", cfg.MinimumVersion, err)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = logNotifier{log: cfg.Log}
	}
	return &Resolver{
		log:      cfg.Log,
		notifier: cfg.Notifier,
		minimum:  minimum,
		cache:    make(map[string]*VitestResolution),
	}, nil
}

// Resolve walks up from startDir to folderRoot looking for an installed
// runner package or a plug'n'play install, and validates what it finds.
// showWarning selects between an immediate interactive warning and a
// logged-only one for non-fatal validation problems.
func (r *Resolver) Resolve(startDir, folderRoot string, showWarning bool) (*VitestResolution, error) {
	dir := filepath.Clean(startDir)
	root := filepath.Clean(folderRoot)

	for {
		manifestPath := filepath.Join(dir, "node_modules", PackageName, "package.json")
		if _, err := os.Stat(manifestPath); err == nil {
			return r.validate(manifestPath, showWarning)
		}

		pnpPath := filepath.Join(dir, pnpManifestName)
		loaderPath := filepath.Join(dir, pnpLoaderName)
		if fileExists(pnpPath) && fileExists(loaderPath) {
			r.log.Debug("Resolved vitest through plug'n'play", "dir", dir)
			return &VitestResolution{
				VitestPath:   PackageName,
				ManifestPath: filepath.Join(dir, "package.json"),
				Version:      types.VersionPnP,
				PnP: &PnpResolution{
					LoaderPath:   loaderPath,
					ManifestPath: pnpPath,
				},
			}, nil
		}

		parent := filepath.Dir(dir)
		if dir == root || parent == dir {
			break
		}
		dir = parent
	}

	return nil, &types.PackageNotFoundError{Dir: startDir}
}

// Invalidate drops every cached resolution beneath the changed path's
// directory. Change notifications carry project config or manifest paths, not
// the resolved runner manifest itself, so the whole subtree under the change
// is dropped; over-invalidation just costs one re-read.
func (r *Resolver) Invalidate(path string) {
	root := filepath.Dir(filepath.Clean(path))
	r.mu.Lock()
	defer r.mu.Unlock()
	for manifest := range r.cache {
		if manifest == path || strings.HasPrefix(manifest, root+string(filepath.Separator)) {
			delete(r.cache, manifest)
		}
	}
}

// validate checks the manifest's declared name and version. Successful
// validations are cached by manifest path; failures invalidate the cache
// entry and surface through the notifier.
func (r *Resolver) validate(manifestPath string, showWarning bool) (*VitestResolution, error) {
	r.mu.Lock()
	if cached, ok := r.cache[manifestPath]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("reading package manifest: %w", err)
	}

	name := gjson.GetBytes(data, "name").String()
	if name != PackageName {
		r.Invalidate(manifestPath)
		mismatch := &types.PackageMismatchError{ManifestPath: manifestPath, Name: name}
		// A wrong package behind the vitest path is always an error, not a
		// deferred warning.
		r.notifier.ShowError(mismatch.Error())
		return nil, mismatch
	}

	versionStr := gjson.GetBytes(data, "version").String()
	version, err := semver.NewVersion(versionStr)
	if err != nil {
		r.Invalidate(manifestPath)
		return nil, fmt.Errorf("invalid version %q in %s: %w", versionStr, manifestPath, err)
	}
	if version.LessThan(r.minimum) {
		r.Invalidate(manifestPath)
		tooOld := &types.VersionTooOldError{
			ManifestPath: manifestPath,
			Version:      versionStr,
			Minimum:      r.minimum.String(),
		}
		if showWarning {
			r.notifier.ShowWarning(tooOld.Error())
		} else {
			r.log.Warn("Resolved vitest version is too old", "manifest", manifestPath, "version", versionStr)
		}
		return nil, tooOld
	}

	main := gjson.GetBytes(data, "main").String()
	if main == "" {
		main = "vitest.mjs"
	}

	resolution := &VitestResolution{
		VitestPath:   filepath.Join(filepath.Dir(manifestPath), main),
		ManifestPath: manifestPath,
		Version:      versionStr,
	}

	r.mu.Lock()
	r.cache[manifestPath] = resolution
	r.mu.Unlock()

	r.log.Debug("Resolved vitest package", "manifest", manifestPath, "version", versionStr)
	return resolution, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// logNotifier is the non-interactive fallback for surfacing problems.
type logNotifier struct {
	log log.Logger
}

func (n logNotifier) ShowWarning(msg string) { n.log.Warn(msg) }
func (n logNotifier) ShowError(msg string)   { n.log.Error(msg) }
