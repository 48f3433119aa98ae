// Package rpc implements the duplex message protocol between the controller
// and its workers: a closed set of tagged message variants carried over a
// structured JSON codec, and the bridge that multiplexes remote calls across
// the execution contexts a worker hosts.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/vitest-tools/vitest-bridge/types"
)

// MessageType tags a protocol frame. The set is closed; decoding rejects
// anything else.
type MessageType string

const (
	// MessageInit carries the full project list controller→worker.
	MessageInit MessageType = "init"
	// MessageReady reports a worker with at least one live context.
	MessageReady MessageType = "ready"
	// MessageError reports a worker that constructed no contexts.
	MessageError MessageType = "error"
	// MessageCall invokes a context method; every method except close takes
	// the project id as its first argument.
	MessageCall MessageType = "call"
	// MessageResult answers a call, matched by sequence number.
	MessageResult MessageType = "result"
	// MessageEvent streams a test-run event worker→controller.
	MessageEvent MessageType = "event"
)

// Error is a structured call rejection.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// JSON-RPC style codes for the two dispatch failures.
const (
	ErrCodeMethodNotFound = -32601
	ErrCodeTargetNotFound = -32001
)

// Message is one protocol frame. Only the fields of its variant are set;
// Validate enforces the variant shapes exhaustively.
type Message struct {
	Type MessageType `json:"type"`

	// init
	Meta   []types.TestProject `json:"meta,omitempty"`
	Loader string              `json:"loader,omitempty"`
	Pnp    string              `json:"pnp,omitempty"`

	// ready, error
	Errors []types.ProjectError `json:"errors,omitempty"`

	// call, result
	Seq    uint64            `json:"seq,omitempty"`
	Method string            `json:"method,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Err    *Error            `json:"err,omitempty"`

	// event
	Event string          `json:"event,omitempty"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Validate checks that the frame is a known variant with the fields that
// variant requires.
func (m *Message) Validate() error {
	switch m.Type {
	case MessageInit:
		if len(m.Meta) == 0 {
			return fmt.Errorf("init message carries no projects")
		}
	case MessageReady, MessageError:
		// A ready frame may carry partial failures; an error frame must
		// carry at least one.
		if m.Type == MessageError && len(m.Errors) == 0 {
			return fmt.Errorf("error message carries no failures")
		}
	case MessageCall:
		if m.Method == "" {
			return fmt.Errorf("call message has no method")
		}
	case MessageResult:
	case MessageEvent:
		if m.Event == "" {
			return fmt.Errorf("event message has no event name")
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// NewInit builds the controller→worker initialization frame.
func NewInit(meta []types.TestProject, loader, pnp string) Message {
	return Message{Type: MessageInit, Meta: meta, Loader: loader, Pnp: pnp}
}

// NewReady builds the readiness report, carrying whatever per-project
// failures accumulated alongside the working set.
func NewReady(errs []types.ProjectError) Message {
	return Message{Type: MessageReady, Errors: errs}
}

// NewErrorReport builds the total-failure report.
func NewErrorReport(errs []types.ProjectError) Message {
	return Message{Type: MessageError, Errors: errs}
}

// NewCall builds a call frame.
func NewCall(seq uint64, method string, args []json.RawMessage) Message {
	return Message{Type: MessageCall, Seq: seq, Method: method, Args: args}
}

// NewResult builds the success answer to a call.
func NewResult(seq uint64, result json.RawMessage) Message {
	return Message{Type: MessageResult, Seq: seq, Result: result}
}

// NewErrorResult builds the rejection answer to a call.
func NewErrorResult(seq uint64, err error) Message {
	rpcErr, ok := err.(*Error)
	if !ok {
		rpcErr = &Error{Message: err.Error()}
		switch err.(type) {
		case *types.MethodMissingError:
			rpcErr.Code = ErrCodeMethodNotFound
		case *types.TargetMissingError:
			rpcErr.Code = ErrCodeTargetNotFound
		}
	}
	return Message{Type: MessageResult, Seq: seq, Err: rpcErr}
}

// NewEvent builds a worker→controller event frame for one project.
func NewEvent(projectID, event string, data json.RawMessage) Message {
	return Message{Type: MessageEvent, ID: projectID, Event: event, Data: data}
}
