// Package engine abstracts the test-execution engine driven by a worker. The
// bridge never interprets the engine's collection or run semantics; it starts
// the engine, feeds it configuration, and relays the events it reports.
package engine

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/log"
)

// Reporter receives the engine's structured run events. The worker installs a
// reporter that forwards every event onto the RPC channel.
type Reporter interface {
	OnCollected(files json.RawMessage)
	OnTaskUpdate(packs json.RawMessage)
	OnFinished(files json.RawMessage, errs json.RawMessage)
	OnConsoleLog(entry json.RawMessage)
}

// Engine is one instantiated test-execution engine, bound to a single
// project's root, config and workspace file.
type Engine interface {
	// CollectTests discovers tests in the given files without running them.
	CollectTests(ctx context.Context, files []string) error
	// RunTests runs the given files, optionally filtered by test name.
	RunTests(ctx context.Context, files []string, testNamePattern string) error
	// CancelRun aborts the in-flight run, if any.
	CancelRun(ctx context.Context) error
	// WatchTests starts a continuous run over the given files.
	WatchTests(files []string, testNamePattern string) error
	// UnwatchTests stops the continuous run.
	UnwatchTests() error
	// GetFiles lists the test files known to the engine.
	GetFiles(ctx context.Context) ([]string, error)
	// EnableCoverage and DisableCoverage toggle coverage collection for
	// subsequent runs.
	EnableCoverage()
	DisableCoverage()
	// Close tears the engine down. The engine reports nothing afterwards.
	Close() error
}

// Options configures one engine instance. The root directory is threaded
// explicitly into every spawned command; the worker never changes its own
// working directory.
type Options struct {
	Log log.Logger

	// NodeBinary is the runtime executable. Defaults to "node".
	NodeBinary string
	// VitestPath is the runner's main module, or its bare specifier when a
	// loader hook resolves it.
	VitestPath string

	Root          string
	ConfigFile    string
	WorkspaceFile string
	// Arguments carries the script text for script-derived projects; its
	// flags are appended to every invocation.
	Arguments string
	// Env is extra process environment, e.g. the loader hook registration.
	Env []string
	// DisableAPI forces the engine's dev-server layer into an in-process,
	// non-listening mode so no socket is opened inside a worker.
	DisableAPI bool

	Reporter Reporter
}

// Factory constructs an engine for a project. Workers are wired with
// NewProcessEngine; tests substitute fakes.
type Factory func(Options) (Engine, error)
