package worker

import (
	"encoding/json"
	"fmt"

	"github.com/BaSui01/envbatch/internal/channel"
)

// MessageKind tags every message crossing a worker channel.
type MessageKind int

const (
	MsgReady     MessageKind = 1
	MsgAccess    MessageKind = 2
	MsgCall      MessageKind = 3
	MsgResult    MessageKind = 4
	MsgException MessageKind = 5
	MsgClose     MessageKind = 6
	MsgRejected  MessageKind = 7
)

func (k MessageKind) String() string {
	switch k {
	case MsgReady:
		return "ready"
	case MsgAccess:
		return "access"
	case MsgCall:
		return "call"
	case MsgResult:
		return "result"
	case MsgException:
		return "exception"
	case MsgClose:
		return "close"
	case MsgRejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Field enumerates the attributes an ACCESS request may read.
type Field string

const (
	FieldActionSpec      Field = "action_spec"
	FieldObservationSpec Field = "observation_spec"
	FieldTimeStepSpec    Field = "time_step_spec"
	// FieldAttribute reads Request.Name through environment.AttributeProvider.
	FieldAttribute Field = "attribute"
)

// Operation enumerates the methods a CALL request may invoke.
type Operation string

const (
	OpReset       Operation = "reset"
	OpStep        Operation = "step"
	OpSeed        Operation = "seed"
	OpReloadModel Operation = "reload_model"
	OpRender      Operation = "render"
	// OpMethod invokes Request.Name through environment.MethodCaller.
	OpMethod Operation = "method"
)

// Request is sent by a Handle to its worker. At most one request is
// outstanding per channel.
type Request struct {
	Kind  MessageKind `json:"kind"`
	Field Field       `json:"field,omitempty"`
	Op    Operation   `json:"op,omitempty"`
	Name  string      `json:"name,omitempty"`
	Args  []any       `json:"args,omitempty"`
}

// Response is sent by a worker to its Handle.
type Response struct {
	Kind    MessageKind  `json:"kind"`
	Payload any          `json:"payload,omitempty"`
	Err     *RemoteError `json:"error,omitempty"`
}

// RemoteError is the transferable form of a failure raised in a worker.
// Live error values never cross the boundary, only their text.
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// ClientConn is the orchestrator's end of a worker channel.
type ClientConn = channel.Conn[Request, Response]

// ServerConn is the worker's end of a worker channel.
type ServerConn = channel.Conn[Response, Request]

// decodeAs converts a payload to T. In-memory channels hand values over
// unchanged; stream channels deliver generic JSON values that are
// re-encoded into T.
func decodeAs[T any](v any) (T, error) {
	var out T
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	if v == nil {
		return out, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("re-encode payload: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode payload as %T: %w", out, err)
	}
	return out, nil
}

// Decode converts a value returned by Access, Attribute, Call or CallMethod
// to T. Goroutine workers return the environment's own Go values, while
// process workers return generic JSON values (json.Number, []any,
// map[string]any). Decode yields the same T for both.
func Decode[T any](v any) (T, error) {
	return decodeAs[T](v)
}

func argAt[T any](req Request, i int) (T, error) {
	var zero T
	if i >= len(req.Args) {
		return zero, fmt.Errorf("%s: missing argument %d", req.Op, i)
	}
	return decodeAs[T](req.Args[i])
}
