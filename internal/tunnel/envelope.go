// Package tunnel turns relay pub/sub messaging into a correlated
// request–reply exchange for forwarded function invocations.
package tunnel

import "encoding/json"

// InvocationEnvelope is one forwarded invocation, published by the
// cloud-side extension on the requests channel.
type InvocationEnvelope struct {
	// RequestID correlates the response channel back to this
	// invocation; unique per outstanding invocation.
	RequestID    string            `json:"request_id"`
	EventPayload json.RawMessage   `json:"event_payload"`
	Context      InvocationContext `json:"context"`
}

// InvocationContext describes the original cloud invocation.
type InvocationContext struct {
	FunctionName string `json:"function_name"`
	AWSRegion    string `json:"aws_region"`
	MemorySizeMB string `json:"memory_size_mb"`
	RequestID    string `json:"request_id"`
	TraceID      string `json:"trace_id"`
	DeadlineMS   string `json:"deadline_ms"`
	HandlerPath  string `json:"handler_path"`
	HandlerName  string `json:"handler_name"`
}

// ErrorSurrogate is published in place of a handler result when local
// execution fails, so the cloud side fails fast instead of waiting out
// its own deadline. The tag key keeps it distinguishable from any
// legitimate handler return value.
type ErrorSurrogate struct {
	Error SurrogateDetail `json:"__livelambda_error"`
}

// SurrogateDetail carries the failure classification and message.
type SurrogateDetail struct {
	ErrorType    string `json:"errorType"`
	ErrorMessage string `json:"errorMessage"`
}

const (
	errorTypeNotCallable = "Runtime.HandlerNotCallable"
	errorTypeHandler     = "Runtime.HandlerError"
	errorTypeFiltered    = "Tunnel.FunctionNotServed"
)
