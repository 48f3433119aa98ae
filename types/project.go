package types

import "path/filepath"

// VersionPnP is the sentinel version recorded for projects resolved through a
// plug'n'play package manager, where no installed package manifest carries a
// conventional version.
const VersionPnP = "pnp"

// TestProject describes one runnable test-runner configuration discovered in
// the workspace. It is the unit handed to a worker: exactly one execution
// context is created per project.
type TestProject struct {
	// Folder is the root of the workspace folder the project belongs to.
	Folder string `json:"folder"`
	// Prefix is the human-display label. It is not unique until the prefix
	// assigner has run over the full discovered set.
	Prefix string `json:"prefix"`
	// ID uniquely identifies the project across the whole discovered set:
	// the absolute, normalized path to the config file, or
	// "<manifest path>/<script name>" for script-derived projects.
	ID string `json:"id"`
	// Cwd is the working directory the execution context is rooted in.
	Cwd string `json:"cwd"`
	// Version is the resolved runner version, or VersionPnP.
	Version string `json:"version"`
	// VitestPath is the resolved runner main module; workers execute it
	// directly instead of re-resolving.
	VitestPath string `json:"vitestPath,omitempty"`
	// Arguments carries the full script text when the project was discovered
	// from a manifest script entry.
	Arguments string `json:"arguments,omitempty"`
	// ConfigFile is the path to the project's config file, if any. For
	// members of a workspace-level grouping it is inherited from the
	// grouping's root config, not the member's own file.
	ConfigFile string `json:"configFile,omitempty"`
	// WorkspaceFile is set when the project represents a workspace-level
	// config listing multiple member projects.
	WorkspaceFile string `json:"workspaceFile,omitempty"`
	// LoaderPath is the module-loader hook registered for plug'n'play mode.
	LoaderPath string `json:"loader,omitempty"`
	// PnpPath is the plug'n'play manifest path.
	PnpPath string `json:"pnp,omitempty"`
}

// BaseName returns the last path segment of the project id, which is the seed
// for the display prefix.
func (p TestProject) BaseName() string {
	return filepath.Base(p.ID)
}

// ProjectError pairs a project id with the failure that struck it. A ready or
// error report carries zero or more of these; an empty id marks a worker-level
// failure not attributable to any one project.
type ProjectError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Notifier presents user-visible resolution problems. The interactive
// integration shows real notifications; the default implementation logs.
type Notifier interface {
	ShowWarning(msg string)
	ShowError(msg string)
}
