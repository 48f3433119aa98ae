package launcher

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() log.Logger {
	return log.New()
}

// writeStubWorker creates an executable speaking just enough of the protocol
// to handshake and answer one close call.
func writeStubWorker(t *testing.T, ready bool) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub worker requires a POSIX shell")
	}
	report := `{"type":"ready"}`
	if !ready {
		report = `{"type":"error","errors":[{"id":"","error":"stub refused"}]}`
	}
	script := "#!/bin/sh\n" +
		"read init\n" +
		"echo '" + report + "'\n" +
		"read call\n" +
		`echo '{"type":"result","seq":1}'` + "\n"
	path := filepath.Join(t.TempDir(), "stub-worker")
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestLaunch(t *testing.T) {
	t.Run("handshake against a live process", func(t *testing.T) {
		l, err := New(Config{Log: testLogger(), WorkerBinary: writeStubWorker(t, true), WorkerArgs: []string{"worker"}})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client, err := l.Launch(ctx, fixtureProjects(), "", "")
		require.NoError(t, err)
		assert.Empty(t, client.InitErrors())
		assert.NoError(t, client.Close(ctx))
	})

	t.Run("worker error report fails the launch", func(t *testing.T) {
		l, err := New(Config{Log: testLogger(), WorkerBinary: writeStubWorker(t, false), WorkerArgs: []string{"worker"}})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_, err = l.Launch(ctx, fixtureProjects(), "", "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no execution context")
	})

	t.Run("node binary travels in the worker arguments", func(t *testing.T) {
		if runtime.GOOS == "windows" {
			t.Skip("stub worker requires a POSIX shell")
		}
		// The stub only reports readiness when the runtime flag arrived.
		script := "#!/bin/sh\n" +
			"read init\n" +
			"if [ \"$1\" = worker ] && [ \"$2\" = --node-binary ] && [ \"$3\" = /custom/node ]; then\n" +
			"  echo '{\"type\":\"ready\"}'\n" +
			"else\n" +
			"  echo '{\"type\":\"error\",\"errors\":[{\"id\":\"\",\"error\":\"unexpected arguments\"}]}'\n" +
			"fi\n" +
			"read call\n" +
			`echo '{"type":"result","seq":1}'` + "\n"
		path := filepath.Join(t.TempDir(), "stub-worker")
		require.NoError(t, os.WriteFile(path, []byte(script), 0755))

		l, err := New(Config{
			Log:          testLogger(),
			WorkerBinary: path,
			WorkerArgs:   []string{"worker"},
			NodeBinary:   "/custom/node",
		})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client, err := l.Launch(ctx, fixtureProjects(), "", "")
		require.NoError(t, err)
		assert.NoError(t, client.Close(ctx))
	})

	t.Run("empty project list is rejected", func(t *testing.T) {
		l, err := New(Config{Log: testLogger()})
		require.NoError(t, err)
		_, err = l.Launch(context.Background(), nil, "", "")
		assert.Error(t, err)
	})
}
