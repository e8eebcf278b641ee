// Package rpc is the client side of the named-procedure transport. Every server
// operation, immediate or long-running, is reached by a procedure name plus
// positional and keyword arguments over one endpoint; upload and download are
// the two non-JSON shapes of the same call.
package rpc

import (
	"encoding/json"

	"github.com/go-json-experiment/json/jsontext"
)

const (
	CallPath     = "/api/rpc"
	UploadPath   = "/api/upload"
	DownloadPath = "/api/download"
	StreamPath   = "/api/tasks/stream"
)

// Multipart field names used by upload calls.
const (
	FieldName   = "name"
	FieldArgs   = "args"
	FieldKwargs = "kwargs"
	FieldFile   = "file"
)

const RequestIDHeader = "X-Request-ID"

// Payload-level sentinels. The server returns them inside a successful response
// body; the transport never interprets them.
const (
	BadFileFormatError = "BadFileFormatError"
	AddObjectError     = "AddObjectError"
)

// Request is the body of a call or download request.
type Request struct {
	Name   string         `json:"name"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// IncomingRequest is Request as decoded by the server, with arguments left raw
// until the procedure decides their types.
type IncomingRequest struct {
	Name   string                     `json:"name"`
	Args   []json.RawMessage          `json:"args"`
	Kwargs map[string]json.RawMessage `json:"kwargs,omitempty"`
}

// StreamMessage is one frame on the task status push stream.
type StreamMessage struct {
	Type   string         `json:"type"`
	Status jsontext.Value `json:"status,omitempty"`
	Error  string         `json:"error,omitempty"`
}

const (
	StreamTypeStatus = "status"
	StreamTypeError  = "error"
)

func newRequest(name string, args []any, kwargs map[string]any) Request {
	if args == nil {
		args = []any{}
	}

	return Request{Name: name, Args: args, Kwargs: kwargs}
}
