// Package runtime loads and executes local handler sources, one fresh
// subprocess per invocation so edits take effect immediately.
package runtime

import (
	"encoding/json"
	"errors"
)

// Descriptor identifies which local function answers an invocation.
type Descriptor struct {
	// SourcePath is the handler source file, absolute or relative to
	// the handler directory.
	SourcePath string

	// Export is the name of the exported entry point inside the source.
	Export string
}

var (
	// ErrNotCallable means the named export is missing or not a
	// function; a configuration problem, not a handler failure.
	ErrNotCallable = errors.New("handler export is not callable")

	// ErrUnsupportedRuntime means no interpreter is registered for the
	// source file's extension.
	ErrUnsupportedRuntime = errors.New("unsupported handler runtime")
)

// HandlerError is an error thrown by the handler itself, propagated to
// the caller unchanged.
type HandlerError struct {
	Message string
}

func (e *HandlerError) Error() string {
	return e.Message
}

// harnessInput is the frame written to the handler process on stdin.
type harnessInput struct {
	Export  string          `json:"export"`
	Event   json.RawMessage `json:"event"`
	Context json.RawMessage `json:"context"`
}

// harnessOutput is the result frame the bootstrap emits on stdout,
// prefixed by resultMarker so handler prints cannot corrupt it.
type harnessOutput struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  *harnessError   `json:"error,omitempty"`
}

type harnessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	errCodeNotCallable = "handler_not_callable"
	errCodeHandler     = "handler_error"
)
