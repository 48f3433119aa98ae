package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	mu        sync.Mutex
	collected []string
	updates   []string
	finished  []string
	console   []string
}

func (r *recordingReporter) OnCollected(files json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collected = append(r.collected, string(files))
}

func (r *recordingReporter) OnTaskUpdate(packs json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, string(packs))
}

func (r *recordingReporter) OnFinished(files, errs json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, string(files))
}

func (r *recordingReporter) OnConsoleLog(entry json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.console = append(r.console, string(entry))
}

func newTestEngine(t *testing.T, opts Options) *processEngine {
	t.Helper()
	if opts.VitestPath == "" {
		opts.VitestPath = "/w/node_modules/vitest/vitest.mjs"
	}
	if opts.Root == "" {
		opts.Root = "/w"
	}
	if opts.Reporter == nil {
		opts.Reporter = &recordingReporter{}
	}
	e, err := NewProcessEngine(opts)
	require.NoError(t, err)
	return e.(*processEngine)
}

func TestBuildArgs(t *testing.T) {
	t.Run("config and workspace flags", func(t *testing.T) {
		e := newTestEngine(t, Options{
			Root:          "/w/app",
			ConfigFile:    "/w/app/vitest.config.ts",
			WorkspaceFile: "/w/vitest.workspace.ts",
			DisableAPI:    true,
		})
		args := e.buildArgs("run", []string{"a_test.ts"}, "login")
		assert.Equal(t, []string{
			"/w/node_modules/vitest/vitest.mjs", "run", "--reporter=json",
			"--root", "/w/app",
			"--config", "/w/app/vitest.config.ts",
			"--workspace", "/w/vitest.workspace.ts",
			"--api.enabled=false",
			"-t", "login",
			"a_test.ts",
		}, args)
	})

	t.Run("script flags are appended without the invocation keyword", func(t *testing.T) {
		e := newTestEngine(t, Options{Arguments: "vitest run --coverage"})
		args := e.buildArgs("run", nil, "")
		assert.Contains(t, args, "--coverage")
		assert.NotContains(t, args[1:], "vitest")
	})

	t.Run("coverage toggle", func(t *testing.T) {
		e := newTestEngine(t, Options{})
		e.EnableCoverage()
		assert.Contains(t, e.buildArgs("run", nil, ""), "--coverage.enabled=true")
		e.DisableCoverage()
		assert.NotContains(t, e.buildArgs("run", nil, ""), "--coverage.enabled=true")
	})
}

func TestScriptArguments(t *testing.T) {
	assert.Nil(t, scriptArguments(""))
	assert.Nil(t, scriptArguments("vitest"))
	assert.Equal(t, []string{"run", "--silent"}, scriptArguments("vitest run --silent"))
}

func TestRelayLine(t *testing.T) {
	reporter := &recordingReporter{}
	e := newTestEngine(t, Options{Reporter: reporter})

	e.relayLine([]byte(`{"type":"collected","files":[{"name":"a_test.ts"}]}`))
	e.relayLine([]byte(`{"type":"taskUpdate","packs":[["id",1]]}`))
	e.relayLine([]byte(`{"type":"finished","files":[],"errors":[]}`))
	e.relayLine([]byte(`{"type":"console","log":{"content":"hi"}}`))
	e.relayLine([]byte("\x1b[32mPASS\x1b[0m suite"))
	e.relayLine([]byte(""))

	assert.Equal(t, []string{`[{"name":"a_test.ts"}]`}, reporter.collected)
	assert.Equal(t, []string{`[["id",1]]`}, reporter.updates)
	assert.Equal(t, []string{`[]`}, reporter.finished)
	require.Len(t, reporter.console, 2)
	assert.Equal(t, `{"content":"hi"}`, reporter.console[0])
	// ANSI escapes are stripped from plain output lines.
	assert.Equal(t, `{"content":"PASS suite"}`, reporter.console[1])
}

// writeStubRunner creates an executable that ignores its arguments and prints
// a fixed reporter event stream.
func writeStubRunner(t *testing.T, dir string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub runner requires a POSIX shell")
	}
	path := filepath.Join(dir, "stub-runner")
	script := "#!/bin/sh\n" +
		`echo '{"type":"collected","files":["a_test.ts"]}'` + "\n" +
		`echo '{"type":"finished","files":["a_test.ts"],"errors":[]}'` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestRunTests(t *testing.T) {
	dir := t.TempDir()
	reporter := &recordingReporter{}
	e := newTestEngine(t, Options{
		NodeBinary: writeStubRunner(t, dir),
		Root:       dir,
		Reporter:   reporter,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.RunTests(ctx, []string{"a_test.ts"}, ""))

	assert.Equal(t, []string{`["a_test.ts"]`}, reporter.collected)
	assert.Equal(t, []string{`["a_test.ts"]`}, reporter.finished)
}

func TestCloseRejectsFurtherRuns(t *testing.T) {
	e := newTestEngine(t, Options{})
	require.NoError(t, e.Close())
	err := e.RunTests(context.Background(), nil, "")
	assert.ErrorContains(t, err, "closed")
}
