// Package launcher is the controller side of the worker protocol: it spawns
// (or attaches to) worker processes, performs the init handshake, and exposes
// the hosted execution contexts as a typed client.
package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/ethereum/go-ethereum/log"

	"github.com/vitest-tools/vitest-bridge/metrics"
	"github.com/vitest-tools/vitest-bridge/rpc"
	"github.com/vitest-tools/vitest-bridge/types"
)

// Config contains launcher configuration
type Config struct {
	Log log.Logger

	// WorkerBinary is the executable hosting the worker. Defaults to the
	// running binary.
	WorkerBinary string
	// WorkerArgs are the arguments selecting worker mode. Defaults to
	// ["worker"].
	WorkerArgs []string
	// NodeBinary is forwarded to every spawned worker so its engine
	// processes use the configured runtime.
	NodeBinary string
}

// Launcher spawns workers for groups of projects.
type Launcher struct {
	log        log.Logger
	binary     string
	args       []string
	nodeBinary string
}

// New creates a launcher
func New(cfg Config) (*Launcher, error) {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	binary := cfg.WorkerBinary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating worker binary: %w", err)
		}
		binary = self
	}
	args := cfg.WorkerArgs
	if len(args) == 0 {
		args = []string{"worker"}
	}
	return &Launcher{log: cfg.Log, binary: binary, args: args, nodeBinary: cfg.NodeBinary}, nil
}

// Launch starts one worker process hosting the given projects and completes
// the init handshake. The worker's stderr is inherited so crashes stay
// visible in the controller's output.
func (l *Launcher) Launch(ctx context.Context, projects []types.TestProject, loader, pnp string) (*Client, error) {
	if len(projects) == 0 {
		return nil, fmt.Errorf("no projects to launch")
	}

	args := make([]string, len(l.args), len(l.args)+2)
	copy(args, l.args)
	if l.nodeBinary != "" {
		args = append(args, "--node-binary", l.nodeBinary)
	}

	cmd := exec.Command(l.binary, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("piping worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("piping worker stdout: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker process: %w", err)
	}
	metrics.RecordWorkerStarted()
	l.log.Info("Worker process started", "pid", cmd.Process.Pid, "projects", len(projects))

	ch := rpc.NewPipeChannel(stdout, stdin, stdin)
	client, err := newClient(ctx, l.log, ch, cmd, projects, loader, pnp)
	if err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return nil, err
	}
	return client, nil
}

// Attach connects to an already-running worker over websocket and performs
// the same handshake. Used for workers hosted outside this controller, e.g.
// in a container or on a remote machine.
func (l *Launcher) Attach(ctx context.Context, url string, projects []types.TestProject, loader, pnp string) (*Client, error) {
	ch, err := rpc.DialWebsocket(url)
	if err != nil {
		return nil, err
	}
	client, err := newClient(ctx, l.log, ch, nil, projects, loader, pnp)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	return client, nil
}
