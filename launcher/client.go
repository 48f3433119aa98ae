package launcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vitest-tools/vitest-bridge/metrics"
	"github.com/vitest-tools/vitest-bridge/rpc"
	"github.com/vitest-tools/vitest-bridge/types"
)

// EventHandler receives test-run events streamed up from a worker.
type EventHandler func(projectID, event string, data json.RawMessage)

// Client drives one worker after a successful handshake. Calls follow the
// id-first convention: every method except close addresses one hosted
// project by id.
type Client struct {
	log    log.Logger
	ch     rpc.Channel
	cmd    *exec.Cmd // nil for attached workers
	tracer trace.Tracer

	mu        sync.Mutex
	seq       uint64
	pending   map[uint64]chan rpc.Message
	handlers  []EventHandler
	initErrs  []types.ProjectError
	readerErr error
	closed    bool
}

// newClient sends the init frame, waits for the ready/error report, and
// starts the reader loop.
func newClient(ctx context.Context, logger log.Logger, ch rpc.Channel, cmd *exec.Cmd, projects []types.TestProject, loader, pnp string) (*Client, error) {
	c := &Client{
		log:     logger,
		ch:      ch,
		cmd:     cmd,
		tracer:  otel.Tracer("vitest-bridge/launcher"),
		pending: make(map[uint64]chan rpc.Message),
	}

	if err := ch.Send(rpc.NewInit(projects, loader, pnp)); err != nil {
		return nil, fmt.Errorf("sending init: %w", err)
	}

	report := make(chan rpc.Message, 1)
	readErr := make(chan error, 1)
	go func() {
		msg, err := ch.Receive()
		if err != nil {
			readErr <- err
			return
		}
		report <- msg
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-readErr:
		return nil, fmt.Errorf("waiting for worker report: %w", err)
	case msg := <-report:
		switch msg.Type {
		case rpc.MessageReady:
			c.initErrs = msg.Errors
			metrics.RecordWorkerInitFailures(len(msg.Errors))
		case rpc.MessageError:
			metrics.RecordError("worker_total_failure")
			return nil, &types.WorkerTotalFailureError{Errors: msg.Errors}
		default:
			return nil, fmt.Errorf("expected ready or error report, got %q", msg.Type)
		}
	}

	go c.readLoop()
	return c, nil
}

// InitErrors returns the per-project failures reported alongside readiness.
func (c *Client) InitErrors() []types.ProjectError {
	return c.initErrs
}

// OnEvent registers a handler for streamed test-run events.
func (c *Client) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// readLoop delivers results to pending calls and events to handlers until
// the channel fails.
func (c *Client) readLoop() {
	for {
		msg, err := c.ch.Receive()
		if err != nil {
			c.failPending(err)
			return
		}
		switch msg.Type {
		case rpc.MessageResult:
			c.mu.Lock()
			waiter, ok := c.pending[msg.Seq]
			delete(c.pending, msg.Seq)
			c.mu.Unlock()
			if ok {
				waiter <- msg
			} else {
				c.log.Warn("Dropping result with no pending call", "seq", msg.Seq)
			}
		case rpc.MessageEvent:
			c.mu.Lock()
			handlers := make([]EventHandler, len(c.handlers))
			copy(handlers, c.handlers)
			c.mu.Unlock()
			for _, handler := range handlers {
				handler(msg.ID, msg.Event, msg.Data)
			}
		default:
			c.log.Warn("Ignoring unexpected message from worker", "type", msg.Type)
		}
	}
}

// failPending rejects every in-flight call after the channel breaks.
func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readerErr = err
	for seq, waiter := range c.pending {
		waiter <- rpc.NewErrorResult(seq, fmt.Errorf("worker channel closed: %w", err))
		delete(c.pending, seq)
	}
}

// Call performs one RPC round-trip. The project id travels as the first
// argument, per the wire convention.
func (c *Client) Call(ctx context.Context, method, projectID string, args ...interface{}) (json.RawMessage, error) {
	ctx, span := c.tracer.Start(ctx, "rpc."+method)
	defer span.End()

	raw, err := encodeArgs(method, projectID, args)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.readerErr != nil {
		err := c.readerErr
		c.mu.Unlock()
		return nil, fmt.Errorf("worker channel closed: %w", err)
	}
	c.seq++
	seq := c.seq
	waiter := make(chan rpc.Message, 1)
	c.pending[seq] = waiter
	c.mu.Unlock()

	if err := c.ch.Send(rpc.NewCall(seq, method, raw)); err != nil {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		metrics.RecordRPCCall(method, err)
		return nil, fmt.Errorf("sending call %q: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		metrics.RecordRPCCall(method, ctx.Err())
		return nil, ctx.Err()
	case reply := <-waiter:
		if reply.Err != nil {
			metrics.RecordRPCCall(method, reply.Err)
			return nil, reply.Err
		}
		metrics.RecordRPCCall(method, nil)
		return reply.Result, nil
	}
}

// CollectTests discovers tests in the given files without running them.
func (c *Client) CollectTests(ctx context.Context, projectID string, files []string) error {
	_, err := c.Call(ctx, "collectTests", projectID, files)
	return err
}

// RunTests runs the given files, optionally filtered by test name.
func (c *Client) RunTests(ctx context.Context, projectID string, files []string, testNamePattern string) error {
	_, err := c.Call(ctx, "runTests", projectID, files, testNamePattern)
	return err
}

// CancelRun aborts the project's in-flight run.
func (c *Client) CancelRun(ctx context.Context, projectID string) error {
	_, err := c.Call(ctx, "cancelRun", projectID)
	return err
}

// WatchTests starts a continuous run for the project.
func (c *Client) WatchTests(ctx context.Context, projectID string, files []string, testNamePattern string) error {
	_, err := c.Call(ctx, "watchTests", projectID, files, testNamePattern)
	return err
}

// UnwatchTests stops the project's continuous run.
func (c *Client) UnwatchTests(ctx context.Context, projectID string) error {
	_, err := c.Call(ctx, "unwatchTests", projectID)
	return err
}

// GetFiles lists the test files known to the project's engine.
func (c *Client) GetFiles(ctx context.Context, projectID string) ([]string, error) {
	result, err := c.Call(ctx, "getFiles", projectID)
	if err != nil {
		return nil, err
	}
	var files []string
	if len(result) > 0 {
		if err := json.Unmarshal(result, &files); err != nil {
			return nil, fmt.Errorf("decoding file list: %w", err)
		}
	}
	return files, nil
}

// EnableCoverage turns coverage on for the project's subsequent runs.
func (c *Client) EnableCoverage(ctx context.Context, projectID string) error {
	_, err := c.Call(ctx, "enableCoverage", projectID)
	return err
}

// DisableCoverage turns coverage off for the project's subsequent runs.
func (c *Client) DisableCoverage(ctx context.Context, projectID string) error {
	_, err := c.Call(ctx, "disableCoverage", projectID)
	return err
}

// Close tears down the worker: the close call disposes every hosted context,
// then the channel and process are reaped.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_, callErr := c.Call(ctx, rpc.CloseMethod, "")
	closeErr := c.ch.Close()

	if c.cmd != nil && c.cmd.Process != nil {
		if err := c.cmd.Wait(); err != nil {
			c.log.Debug("Worker process exited", "error", err)
		}
	}

	if callErr != nil {
		return callErr
	}
	return closeErr
}

// encodeArgs marshals the id-first argument list. close takes no id.
func encodeArgs(method, projectID string, args []interface{}) ([]json.RawMessage, error) {
	var raw []json.RawMessage
	if method != rpc.CloseMethod {
		id, err := json.Marshal(projectID)
		if err != nil {
			return nil, fmt.Errorf("encoding project id: %w", err)
		}
		raw = append(raw, id)
	}
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encoding argument %d: %w", i, err)
		}
		raw = append(raw, data)
	}
	return raw, nil
}
