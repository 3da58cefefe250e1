// Package errs defines the engine's error taxonomy.
//
// Errors bound to a single request terminate only that request. Errors
// bound to a batch terminate only that batch. Only ConfigError is fatal
// to the engine itself.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors usable with errors.Is.
var (
	// ErrOutOfBlocks means the free KV block pool could not satisfy a
	// request. Handled internally via preemption or prefill deferral;
	// the engine's public operations never return it.
	ErrOutOfBlocks = errors.New("out of blocks")

	// ErrPromptTooLong means a prompt exceeds max_model_len or, in
	// isolation, max_num_batched_tokens. Terminal for the request.
	ErrPromptTooLong = errors.New("prompt too long")

	// ErrCapacityExhausted means the admission policy rejected a
	// request (e.g. a token bucket without enough tokens left).
	// Returned by add_request; terminal for that request.
	ErrCapacityExhausted = errors.New("capacity exhausted")

	// ErrTokenizerError means encode or decode failed for the active
	// tokenizer. The sequence is terminated with a synthetic delta.
	ErrTokenizerError = errors.New("tokenizer error")

	// ErrExecutorError means the forward pass failed for a batch.
	// Fatal for the current batch; the engine continues.
	ErrExecutorError = errors.New("executor error")

	// ErrConfigError means validation failed at construction time.
	// Fatal: prevents engine construction.
	ErrConfigError = errors.New("config error")

	// ErrEngineClosed means add_request was called after shutdown.
	ErrEngineClosed = errors.New("engine closed")
)

// RequestError wraps a sentinel with the offending request id.
type RequestError struct {
	RequestID string
	Err       error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s: %v", e.RequestID, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// NewRequestError wraps err with the request id that triggered it.
func NewRequestError(requestID string, err error) *RequestError {
	return &RequestError{RequestID: requestID, Err: err}
}
