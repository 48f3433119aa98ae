// Package worker hosts execution contexts inside an isolated process. A
// worker receives one init frame carrying the projects it must host, reports
// readiness or total failure exactly once, then serves RPC calls until its
// channel closes.
package worker

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/vitest-tools/vitest-bridge/engine"
	"github.com/vitest-tools/vitest-bridge/rpc"
	"github.com/vitest-tools/vitest-bridge/types"
)

// State tracks the worker lifecycle.
type State string

const (
	StateSpawned      State = "spawned"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateErrored      State = "errored"
)

// validTransitions is the whole state machine; anything else is a bug.
var validTransitions = map[State][]State{
	StateSpawned:      {StateInitializing},
	StateInitializing: {StateReady, StateErrored},
}

// Config contains worker configuration
type Config struct {
	Log     log.Logger
	Channel rpc.Channel

	// NewEngine constructs the execution engine for one project. Defaults to
	// engine.NewProcessEngine.
	NewEngine engine.Factory
	// NodeBinary overrides the runtime executable used by process engines.
	NodeBinary string
}

// Worker owns the contexts of one isolated process.
type Worker struct {
	log        log.Logger
	ch         rpc.Channel
	newEngine  engine.Factory
	nodeBinary string

	id       string
	state    State
	contexts map[string]engine.Engine
}

// New creates a worker in the Spawned state.
func New(cfg Config) (*Worker, error) {
	if cfg.Channel == nil {
		return nil, fmt.Errorf("channel is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.NewEngine == nil {
		cfg.NewEngine = engine.NewProcessEngine
	}
	id := uuid.New().String()
	return &Worker{
		log:        cfg.Log.New("worker", id),
		ch:         cfg.Channel,
		newEngine:  cfg.NewEngine,
		nodeBinary: cfg.NodeBinary,
		id:         id,
		state:      StateSpawned,
		contexts:   make(map[string]engine.Engine),
	}, nil
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return w.state
}

// Contexts returns the live id→context map.
func (w *Worker) Contexts() map[string]engine.Engine {
	return w.contexts
}

// Run drives the whole worker lifecycle: wait for init, bootstrap every
// project, report exactly once, then serve calls until the channel fails.
func (w *Worker) Run(ctx context.Context) error {
	msg, err := w.ch.Receive()
	if err != nil {
		return w.reportFatal(fmt.Errorf("reading init message: %w", err))
	}
	if msg.Type != rpc.MessageInit {
		return w.reportFatal(fmt.Errorf("expected init message, got %q", msg.Type))
	}

	if err := w.transition(StateInitializing); err != nil {
		return w.reportFatal(err)
	}

	initErrors := w.initialize(msg.Meta, msg.Loader, msg.Pnp)

	if len(w.contexts) == 0 {
		_ = w.transition(StateErrored)
		if err := w.ch.Send(rpc.NewErrorReport(initErrors)); err != nil {
			return fmt.Errorf("reporting total failure: %w", err)
		}
		return &types.WorkerTotalFailureError{Errors: initErrors}
	}

	if err := w.transition(StateReady); err != nil {
		return w.reportFatal(err)
	}
	if err := w.ch.Send(rpc.NewReady(initErrors)); err != nil {
		return fmt.Errorf("reporting readiness: %w", err)
	}

	w.log.Info("Worker ready", "contexts", len(w.contexts), "failures", len(initErrors))

	bridge := rpc.NewBridge(w.log, w.contexts)
	return bridge.Serve(ctx, w.ch)
}

// initialize constructs one execution context per project, strictly in
// order. A project's construction failure is collected and must not prevent
// its siblings from initializing. The loader hook applies to the whole
// worker and is computed once.
func (w *Worker) initialize(projects []types.TestProject, loader, pnp string) []types.ProjectError {
	env := loaderEnv(loader, pnp)

	var initErrors []types.ProjectError
	for _, project := range projects {
		ec, err := w.newContext(project, env)
		if err != nil {
			w.log.Error("Failed to initialize project", "id", project.ID, "error", err)
			initErrors = append(initErrors, types.ProjectError{ID: project.ID, Error: err.Error()})
			continue
		}
		w.contexts[project.ID] = ec
		w.log.Debug("Initialized project", "id", project.ID, "version", project.Version)
	}
	return initErrors
}

// newContext binds one engine to a project descriptor. The project root is an
// explicit engine option; the worker's own working directory is never
// changed, so sibling projects cannot observe each other's paths.
func (w *Worker) newContext(project types.TestProject, env []string) (engine.Engine, error) {
	projectEnv := env
	if project.LoaderPath != "" || project.PnpPath != "" {
		projectEnv = loaderEnv(project.LoaderPath, project.PnpPath)
	}
	return w.newEngine(engine.Options{
		Log:           w.log.New("project", project.Prefix),
		NodeBinary:    w.nodeBinary,
		VitestPath:    project.VitestPath,
		Root:          project.Cwd,
		ConfigFile:    project.ConfigFile,
		WorkspaceFile: project.WorkspaceFile,
		Arguments:     project.Arguments,
		Env:           projectEnv,
		// No socket may be opened for the companion dev-server inside a
		// worker.
		DisableAPI: true,
		Reporter:   newChannelReporter(w.log, w.ch, project.ID),
	})
}

// reportFatal sends the error report with a synthetic empty-id entry for a
// failure not attributable to any specific project.
func (w *Worker) reportFatal(err error) error {
	_ = w.transition(StateErrored)
	report := rpc.NewErrorReport([]types.ProjectError{{ID: "", Error: err.Error()}})
	if sendErr := w.ch.Send(report); sendErr != nil {
		w.log.Error("Failed to send fatal report", "error", sendErr)
	}
	return err
}

func (w *Worker) transition(to State) error {
	for _, allowed := range validTransitions[w.state] {
		if allowed == to {
			w.log.Debug("Worker state transition", "from", w.state, "to", to)
			w.state = to
			return nil
		}
	}
	return fmt.Errorf("invalid worker state transition %s -> %s", w.state, to)
}

// loaderEnv builds the child-process environment registering the module
// loader hook and plug'n'play manifest.
func loaderEnv(loader, pnp string) []string {
	var opts string
	if pnp != "" {
		opts = "--require " + pnp
	}
	if loader != "" {
		if opts != "" {
			opts += " "
		}
		opts += "--experimental-loader " + loader
	}
	if opts == "" {
		return nil
	}
	return []string{"NODE_OPTIONS=" + opts}
}

