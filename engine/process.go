package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"
)

// Reporter event kinds emitted by the runner's machine-readable reporter.
const (
	eventCollected  = "collected"
	eventTaskUpdate = "taskUpdate"
	eventFinished   = "finished"
	eventConsole    = "console"
)

// processEngine drives the runner as a child process per operation and
// relays its newline-delimited JSON reporter events. One long-lived child is
// kept for watch mode.
type processEngine struct {
	opts Options
	log  log.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc // in-flight run
	watchCmd *exec.Cmd
	coverage bool
	closed   bool
}

// NewProcessEngine creates an engine backed by the resolved runner module.
func NewProcessEngine(opts Options) (Engine, error) {
	if opts.VitestPath == "" {
		return nil, fmt.Errorf("vitest path is required")
	}
	if opts.Root == "" {
		return nil, fmt.Errorf("project root is required")
	}
	if opts.Reporter == nil {
		return nil, fmt.Errorf("reporter is required")
	}
	if opts.NodeBinary == "" {
		opts.NodeBinary = "node"
	}
	if opts.Log == nil {
		opts.Log = log.New()
	}
	return &processEngine{opts: opts, log: opts.Log}, nil
}

func (e *processEngine) CollectTests(ctx context.Context, files []string) error {
	args := e.buildArgs("collect", files, "")
	return e.runCommand(ctx, args)
}

func (e *processEngine) RunTests(ctx context.Context, files []string, testNamePattern string) error {
	args := e.buildArgs("run", files, testNamePattern)
	return e.runCommand(ctx, args)
}

func (e *processEngine) CancelRun(context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (e *processEngine) WatchTests(files []string, testNamePattern string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("engine is closed")
	}
	if e.watchCmd != nil {
		return fmt.Errorf("watch already active")
	}

	args := e.buildArgs("watch", files, testNamePattern)
	cmd := e.command(context.Background(), args)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("piping watch output: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting watch process: %w", err)
	}
	e.watchCmd = cmd

	go func() {
		e.relayEvents(stdout)
		err := cmd.Wait()
		e.log.Debug("Watch process exited", "error", err)
		e.mu.Lock()
		if e.watchCmd == cmd {
			e.watchCmd = nil
		}
		e.mu.Unlock()
	}()
	return nil
}

func (e *processEngine) UnwatchTests() error {
	e.mu.Lock()
	cmd := e.watchCmd
	e.watchCmd = nil
	e.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	return nil
}

func (e *processEngine) GetFiles(ctx context.Context) ([]string, error) {
	args := e.buildArgs("list", nil, "")
	cmd := e.command(ctx, args)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("listing test files: %w", err)
	}

	var files []string
	for _, line := range strings.Split(string(output), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func (e *processEngine) EnableCoverage() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.coverage = true
}

func (e *processEngine) DisableCoverage() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.coverage = false
}

func (e *processEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	cancel := e.cancel
	watch := e.watchCmd
	e.watchCmd = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if watch != nil && watch.Process != nil {
		_ = watch.Process.Kill()
	}
	return nil
}

// runCommand starts one runner invocation and relays its events until it
// exits or the context is cancelled.
func (e *processEngine) runCommand(ctx context.Context, args []string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine is closed")
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
	}()

	cmd := e.command(ctx, args)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("piping runner output: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	e.log.Debug("Running vitest", "dir", cmd.Dir, "command", cmd.String())
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting runner process: %w", err)
	}

	e.relayEvents(stdout)

	err = cmd.Wait()
	if ctx.Err() == context.Canceled {
		e.log.Debug("Run cancelled")
		return nil
	}
	var exitErr *exec.ExitError
	if err != nil {
		// A non-zero exit with test failures is a normal outcome; the
		// verdict travels in the finished event, not the exit code.
		if errors.As(err, &exitErr) {
			e.log.Debug("Runner exited non-zero", "code", exitErr.ExitCode())
			return nil
		}
		return fmt.Errorf("runner process: %w", err)
	}
	return nil
}

// command assembles one runner invocation rooted at the project directory.
// The base directory is an explicit parameter of the child process; the
// worker's own working directory is never touched.
func (e *processEngine) command(ctx context.Context, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, e.opts.NodeBinary, args...)
	cmd.Dir = e.opts.Root
	if len(e.opts.Env) > 0 {
		cmd.Env = append(os.Environ(), e.opts.Env...)
	}
	return cmd
}

// buildArgs constructs the command line for one runner operation.
func (e *processEngine) buildArgs(mode string, files []string, testNamePattern string) []string {
	args := []string{e.opts.VitestPath, mode, "--reporter=json"}

	args = append(args, "--root", e.opts.Root)
	if e.opts.ConfigFile != "" {
		args = append(args, "--config", e.opts.ConfigFile)
	}
	if e.opts.WorkspaceFile != "" {
		args = append(args, "--workspace", e.opts.WorkspaceFile)
	}
	if e.opts.DisableAPI {
		args = append(args, "--api.enabled=false")
	}

	e.mu.Lock()
	coverage := e.coverage
	e.mu.Unlock()
	if coverage {
		args = append(args, "--coverage.enabled=true")
	}

	// Script-derived projects carry their script's flags; the leading
	// invocation keyword is already accounted for.
	if scriptArgs := scriptArguments(e.opts.Arguments); len(scriptArgs) > 0 {
		args = append(args, scriptArgs...)
	}

	if testNamePattern != "" {
		args = append(args, "-t", testNamePattern)
	}
	args = append(args, files...)
	return args
}

// scriptArguments strips the runner invocation keyword off a manifest script
// command and returns the remaining flags.
func scriptArguments(script string) []string {
	fields := strings.Fields(script)
	if len(fields) < 2 {
		return nil
	}
	return fields[1:]
}

// relayEvents parses the runner's newline-delimited JSON reporter stream and
// forwards each event. Lines that are not reporter events are relayed as
// console output with ANSI escapes stripped.
func (e *processEngine) relayEvents(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		e.relayLine(scanner.Bytes())
	}
}

func (e *processEngine) relayLine(line []byte) {
	var event struct {
		Type   string          `json:"type"`
		Files  json.RawMessage `json:"files"`
		Packs  json.RawMessage `json:"packs"`
		Errors json.RawMessage `json:"errors"`
		Log    json.RawMessage `json:"log"`
	}
	if err := json.Unmarshal(line, &event); err == nil && event.Type != "" {
		switch event.Type {
		case eventCollected:
			e.opts.Reporter.OnCollected(event.Files)
			return
		case eventTaskUpdate:
			e.opts.Reporter.OnTaskUpdate(event.Packs)
			return
		case eventFinished:
			e.opts.Reporter.OnFinished(event.Files, event.Errors)
			return
		case eventConsole:
			e.opts.Reporter.OnConsoleLog(event.Log)
			return
		}
	}

	text := strings.TrimRight(stripansi.Strip(string(line)), "\r\n")
	if text == "" {
		return
	}
	entry, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return
	}
	e.opts.Reporter.OnConsoleLog(entry)
}
