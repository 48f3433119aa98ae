package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/log"

	"github.com/vitest-tools/vitest-bridge/engine"
	"github.com/vitest-tools/vitest-bridge/types"
)

// CloseMethod tears down the whole worker. It is the one method that does not
// take a project id.
const CloseMethod = "close"

// methodFunc adapts one capability-interface method to the wire: it decodes
// the remaining arguments (the project id has already been consumed) and
// invokes the target context.
type methodFunc func(ctx context.Context, target engine.Engine, args []json.RawMessage) (interface{}, error)

// Bridge multiplexes remote calls across the execution contexts one worker
// hosts, keyed by project id. Methods are an explicit registry over the
// context capability interface; anything outside it is rejected, which keeps
// the surface forward-compatible: new capabilities are added to the
// interface and the registry, never to a reflective proxy.
type Bridge struct {
	log      log.Logger
	contexts map[string]engine.Engine
	methods  map[string]methodFunc
}

// NewBridge creates a bridge over the id→context map.
func NewBridge(logger log.Logger, contexts map[string]engine.Engine) *Bridge {
	if logger == nil {
		logger = log.New()
	}
	return &Bridge{
		log:      logger,
		contexts: contexts,
		methods:  defaultMethods(),
	}
}

// Dispatch routes one call. Every method except close expects the project id
// as the first argument and forwards the rest to the resolved context.
func (b *Bridge) Dispatch(ctx context.Context, method string, args []json.RawMessage) (interface{}, error) {
	if method == CloseMethod {
		b.CloseAll()
		return nil, nil
	}

	if len(args) == 0 {
		return nil, fmt.Errorf("method %q requires a project id as its first argument", method)
	}
	var id string
	if err := json.Unmarshal(args[0], &id); err != nil {
		return nil, fmt.Errorf("decoding project id: %w", err)
	}

	target, ok := b.contexts[id]
	if !ok {
		return nil, &types.TargetMissingError{ID: id}
	}

	fn, ok := b.methods[method]
	if !ok {
		return nil, &types.MethodMissingError{Method: method}
	}

	return fn(ctx, target, args[1:])
}

// CloseAll disposes every managed context. Shutdown is best-effort: one
// context's disposal failure must not block its siblings.
func (b *Bridge) CloseAll() {
	for id, target := range b.contexts {
		if err := target.Close(); err != nil {
			b.log.Warn("Failed to close execution context", "id", id, "error", err)
		}
	}
}

// Serve answers call frames on the channel until the reader fails or the
// context is done. Calls run concurrently so a cancelRun can overtake a
// blocking runTests; results are correlated by sequence number.
func (b *Bridge) Serve(ctx context.Context, ch Channel) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := ch.Receive()
		if err != nil {
			return err
		}
		if msg.Type != MessageCall {
			b.log.Warn("Ignoring unexpected message", "type", msg.Type)
			continue
		}

		if msg.Method == CloseMethod {
			// Teardown is synchronous: answer the caller, then stop serving.
			result, err := b.Dispatch(ctx, msg.Method, msg.Args)
			if err := ch.Send(b.buildResult(msg.Seq, result, err)); err != nil {
				b.log.Error("Failed to send close result", "seq", msg.Seq, "error", err)
			}
			return nil
		}

		go func(msg Message) {
			result, err := b.Dispatch(ctx, msg.Method, msg.Args)
			if err := ch.Send(b.buildResult(msg.Seq, result, err)); err != nil {
				b.log.Error("Failed to send call result", "seq", msg.Seq, "error", err)
			}
		}(msg)
	}
}

func (b *Bridge) buildResult(seq uint64, result interface{}, err error) Message {
	if err != nil {
		return NewErrorResult(seq, err)
	}
	if result == nil {
		return NewResult(seq, nil)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return NewErrorResult(seq, fmt.Errorf("encoding result: %w", err))
	}
	return NewResult(seq, raw)
}

// defaultMethods registers every method of the context capability interface.
func defaultMethods() map[string]methodFunc {
	return map[string]methodFunc{
		"collectTests": func(ctx context.Context, target engine.Engine, args []json.RawMessage) (interface{}, error) {
			files, err := decodeFiles(args, 0)
			if err != nil {
				return nil, err
			}
			return nil, target.CollectTests(ctx, files)
		},
		"runTests": func(ctx context.Context, target engine.Engine, args []json.RawMessage) (interface{}, error) {
			files, err := decodeFiles(args, 0)
			if err != nil {
				return nil, err
			}
			pattern, err := decodeString(args, 1)
			if err != nil {
				return nil, err
			}
			return nil, target.RunTests(ctx, files, pattern)
		},
		"cancelRun": func(ctx context.Context, target engine.Engine, _ []json.RawMessage) (interface{}, error) {
			return nil, target.CancelRun(ctx)
		},
		"watchTests": func(_ context.Context, target engine.Engine, args []json.RawMessage) (interface{}, error) {
			files, err := decodeFiles(args, 0)
			if err != nil {
				return nil, err
			}
			pattern, err := decodeString(args, 1)
			if err != nil {
				return nil, err
			}
			return nil, target.WatchTests(files, pattern)
		},
		"unwatchTests": func(_ context.Context, target engine.Engine, _ []json.RawMessage) (interface{}, error) {
			return nil, target.UnwatchTests()
		},
		"getFiles": func(ctx context.Context, target engine.Engine, _ []json.RawMessage) (interface{}, error) {
			return target.GetFiles(ctx)
		},
		"enableCoverage": func(_ context.Context, target engine.Engine, _ []json.RawMessage) (interface{}, error) {
			target.EnableCoverage()
			return nil, nil
		},
		"disableCoverage": func(_ context.Context, target engine.Engine, _ []json.RawMessage) (interface{}, error) {
			target.DisableCoverage()
			return nil, nil
		},
	}
}

// decodeFiles reads an optional string-slice argument.
func decodeFiles(args []json.RawMessage, i int) ([]string, error) {
	if i >= len(args) || len(args[i]) == 0 {
		return nil, nil
	}
	var files []string
	if err := json.Unmarshal(args[i], &files); err != nil {
		return nil, fmt.Errorf("decoding argument %d: %w", i, err)
	}
	return files, nil
}

// decodeString reads an optional string argument.
func decodeString(args []json.RawMessage, i int) (string, error) {
	if i >= len(args) || len(args[i]) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(args[i], &s); err != nil {
		return "", fmt.Errorf("decoding argument %d: %w", i, err)
	}
	return s, nil
}
