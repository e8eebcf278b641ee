package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// Call is one decoded procedure invocation. File is set only for uploads.
type Call struct {
	Name   string
	Args   []json.RawMessage
	Kwargs map[string]json.RawMessage
	File   *File
}

// File is an uploaded file or a download body.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

type (
	Handler         func(ctx context.Context, call *Call) (any, error)
	DownloadHandler func(ctx context.Context, call *Call) (*File, error)
)

// Arg decodes positional argument i into v.
func (c *Call) Arg(i int, v any) error {
	if i >= len(c.Args) {
		return BadRequest("%s: missing argument %d", c.Name, i)
	}
	if err := json.Unmarshal(c.Args[i], v); err != nil {
		return BadRequest("%s: invalid argument %d: %v", c.Name, i, err)
	}

	return nil
}

// StringArg decodes positional argument i as a non-empty string. Numbers are
// accepted and formatted, since owner ids are often numeric.
func (c *Call) StringArg(i int) (string, error) {
	if i >= len(c.Args) {
		return "", BadRequest("%s: missing argument %d", c.Name, i)
	}

	var s string
	if err := json.Unmarshal(c.Args[i], &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(c.Args[i], &n); err != nil {
			return "", BadRequest("%s: argument %d must be a string", c.Name, i)
		}
		s = n.String()
	}
	if s == "" {
		return "", BadRequest("%s: argument %d is empty", c.Name, i)
	}

	return s, nil
}

// Kwarg decodes the keyword argument name into v and reports whether it was
// present.
func (c *Call) Kwarg(name string, v any) (bool, error) {
	raw, ok := c.Kwargs[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, BadRequest("%s: invalid keyword argument %s: %v", c.Name, name, err)
	}

	return true, nil
}

// ProcedureError is a failure with a chosen HTTP status. Other errors
// returned by procedures are reported as 500.
type ProcedureError struct {
	Code    int
	Message string
}

func (e *ProcedureError) Error() string {
	return e.Message
}

func BadRequest(format string, args ...any) *ProcedureError {
	return &ProcedureError{Code: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *ProcedureError {
	return &ProcedureError{Code: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *ProcedureError {
	return &ProcedureError{Code: http.StatusConflict, Message: fmt.Sprintf(format, args...)}
}

func statusFor(err error) int {
	var pe *ProcedureError
	if errors.As(err, &pe) {
		return pe.Code
	}

	return http.StatusInternalServerError
}

// Registry maps procedure names to handlers. Adding a feature means adding a
// name here, not a route.
type Registry struct {
	mu        sync.RWMutex
	calls     map[string]Handler
	downloads map[string]DownloadHandler
}

func NewRegistry() *Registry {
	return &Registry{
		calls:     make(map[string]Handler),
		downloads: make(map[string]DownloadHandler),
	}
}

func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls[name] = h
}

func (r *Registry) RegisterDownload(name string, h DownloadHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.downloads[name] = h
}

func (r *Registry) call(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.calls[name]
	return h, ok
}

func (r *Registry) download(name string) (DownloadHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.downloads[name]
	return h, ok
}

// Names lists every registered procedure, calls and downloads alike.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.calls)+len(r.downloads))
	for name := range r.calls {
		names = append(names, name)
	}
	for name := range r.downloads {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
