package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitest-tools/vitest-bridge/engine"
	"github.com/vitest-tools/vitest-bridge/rpc"
	"github.com/vitest-tools/vitest-bridge/types"
)

// stubEngine is a context whose construction the factory controls.
type stubEngine struct {
	opts   engine.Options
	closed bool
}

func (s *stubEngine) CollectTests(context.Context, []string) error        { return nil }
func (s *stubEngine) RunTests(context.Context, []string, string) error    { return nil }
func (s *stubEngine) CancelRun(context.Context) error                     { return nil }
func (s *stubEngine) WatchTests([]string, string) error                   { return nil }
func (s *stubEngine) UnwatchTests() error                                 { return nil }
func (s *stubEngine) GetFiles(context.Context) ([]string, error)          { return nil, nil }
func (s *stubEngine) EnableCoverage()                                     {}
func (s *stubEngine) DisableCoverage()                                    {}
func (s *stubEngine) Close() error                                        { s.closed = true; return nil }

// failingFactory fails construction for the roots it is told to fail.
func failingFactory(failRoots map[string]bool, created *[]*stubEngine) engine.Factory {
	return func(opts engine.Options) (engine.Engine, error) {
		if failRoots[opts.Root] {
			return nil, errors.New("engine construction failed")
		}
		e := &stubEngine{opts: opts}
		*created = append(*created, e)
		return e, nil
	}
}

type harness struct {
	worker     *Worker
	controller rpc.Channel
	done       chan error
}

func newHarness(t *testing.T, factory engine.Factory) *harness {
	t.Helper()
	workerIn, controllerOut := io.Pipe()
	controllerIn, workerOut := io.Pipe()

	w, err := New(Config{
		Channel:   rpc.NewPipeChannel(workerIn, workerOut, nil),
		NewEngine: factory,
	})
	require.NoError(t, err)

	h := &harness{
		worker:     w,
		controller: rpc.NewPipeChannel(controllerIn, controllerOut, nil),
		done:       make(chan error, 1),
	}
	go func() {
		h.done <- w.Run(context.Background())
	}()
	return h
}

func (h *harness) receive(t *testing.T) rpc.Message {
	t.Helper()
	type received struct {
		msg rpc.Message
		err error
	}
	ch := make(chan received, 1)
	go func() {
		msg, err := h.controller.Receive()
		ch <- received{msg, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for worker message")
		return rpc.Message{}
	}
}

func projectsFixture(n int) []types.TestProject {
	projects := make([]types.TestProject, n)
	for i := range projects {
		root := fmt.Sprintf("/w/proj%d", i+1)
		projects[i] = types.TestProject{
			Folder:     "/w",
			ID:         root + "/vitest.config.ts",
			Prefix:     fmt.Sprintf("proj%d:vitest.config.ts", i+1),
			Cwd:        root,
			Version:    "2.1.0",
			VitestPath: root + "/node_modules/vitest/vitest.mjs",
			ConfigFile: root + "/vitest.config.ts",
		}
	}
	return projects
}

func TestWorkerBootstrap(t *testing.T) {
	t.Run("all projects initialize", func(t *testing.T) {
		var created []*stubEngine
		h := newHarness(t, failingFactory(nil, &created))

		require.NoError(t, h.controller.Send(rpc.NewInit(projectsFixture(3), "", "")))
		msg := h.receive(t)
		assert.Equal(t, rpc.MessageReady, msg.Type)
		assert.Empty(t, msg.Errors)
		assert.Len(t, created, 3)
		assert.Equal(t, StateReady, h.worker.State())
	})

	t.Run("one failure still reports ready with the remaining contexts", func(t *testing.T) {
		var created []*stubEngine
		h := newHarness(t, failingFactory(map[string]bool{"/w/proj2": true}, &created))

		require.NoError(t, h.controller.Send(rpc.NewInit(projectsFixture(3), "", "")))
		msg := h.receive(t)
		assert.Equal(t, rpc.MessageReady, msg.Type)
		require.Len(t, msg.Errors, 1)
		assert.Equal(t, "/w/proj2/vitest.config.ts", msg.Errors[0].ID)
		assert.Len(t, h.worker.Contexts(), 2)
	})

	t.Run("total failure reports error with every entry", func(t *testing.T) {
		var created []*stubEngine
		fail := map[string]bool{"/w/proj1": true, "/w/proj2": true, "/w/proj3": true}
		h := newHarness(t, failingFactory(fail, &created))

		require.NoError(t, h.controller.Send(rpc.NewInit(projectsFixture(3), "", "")))
		msg := h.receive(t)
		assert.Equal(t, rpc.MessageError, msg.Type)
		assert.Len(t, msg.Errors, 3)
		assert.Empty(t, h.worker.Contexts())
		assert.Equal(t, StateErrored, h.worker.State())

		var total *types.WorkerTotalFailureError
		err := <-h.done
		assert.ErrorAs(t, err, &total)
	})

	t.Run("non-init first message is a synthetic fatal", func(t *testing.T) {
		var created []*stubEngine
		h := newHarness(t, failingFactory(nil, &created))

		require.NoError(t, h.controller.Send(rpc.NewCall(1, "runTests", nil)))
		msg := h.receive(t)
		assert.Equal(t, rpc.MessageError, msg.Type)
		require.Len(t, msg.Errors, 1)
		assert.Empty(t, msg.Errors[0].ID)
	})

	t.Run("engine options carry the descriptor bindings", func(t *testing.T) {
		var created []*stubEngine
		h := newHarness(t, failingFactory(nil, &created))

		projects := projectsFixture(1)
		projects[0].WorkspaceFile = "/w/vitest.workspace.ts"
		require.NoError(t, h.controller.Send(rpc.NewInit(projects, "/w/.pnp.loader.mjs", "/w/.pnp.cjs")))
		h.receive(t)

		require.Len(t, created, 1)
		opts := created[0].opts
		assert.Equal(t, "/w/proj1", opts.Root)
		assert.Equal(t, "/w/proj1/vitest.config.ts", opts.ConfigFile)
		assert.Equal(t, "/w/vitest.workspace.ts", opts.WorkspaceFile)
		assert.True(t, opts.DisableAPI)
		require.Len(t, opts.Env, 1)
		assert.Contains(t, opts.Env[0], "--require /w/.pnp.cjs")
		assert.Contains(t, opts.Env[0], "--experimental-loader /w/.pnp.loader.mjs")
	})
}

func TestWorkerServesCalls(t *testing.T) {
	var created []*stubEngine
	h := newHarness(t, failingFactory(nil, &created))

	require.NoError(t, h.controller.Send(rpc.NewInit(projectsFixture(2), "", "")))
	ready := h.receive(t)
	require.Equal(t, rpc.MessageReady, ready.Type)

	id, err := json.Marshal("/w/proj1/vitest.config.ts")
	require.NoError(t, err)
	require.NoError(t, h.controller.Send(rpc.NewCall(1, "cancelRun", []json.RawMessage{id})))
	reply := h.receive(t)
	assert.Equal(t, rpc.MessageResult, reply.Type)
	assert.Nil(t, reply.Err)

	require.NoError(t, h.controller.Send(rpc.NewCall(2, rpc.CloseMethod, nil)))
	reply = h.receive(t)
	assert.Equal(t, uint64(2), reply.Seq)
	for _, e := range created {
		assert.True(t, e.closed)
	}

	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after close")
	}
}

func TestLoaderEnv(t *testing.T) {
	assert.Nil(t, loaderEnv("", ""))
	assert.Equal(t, []string{"NODE_OPTIONS=--require /w/.pnp.cjs"}, loaderEnv("", "/w/.pnp.cjs"))
	assert.Equal(t,
		[]string{"NODE_OPTIONS=--require /w/.pnp.cjs --experimental-loader /w/loader.mjs"},
		loaderEnv("/w/loader.mjs", "/w/.pnp.cjs"))
}
