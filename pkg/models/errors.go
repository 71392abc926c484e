package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind tags a failure so callers can decide how to handle and report it
type ErrorKind string

const (
	ErrorKindQueueFull         ErrorKind = "queue_full"
	ErrorKindTimeout           ErrorKind = "timeout"
	ErrorKindNavigation        ErrorKind = "navigation"
	ErrorKindScript            ErrorKind = "script"
	ErrorKindLaunch            ErrorKind = "launch"
	ErrorKindEncode            ErrorKind = "encode"
	ErrorKindInput             ErrorKind = "input"
	ErrorKindUnknownCommand    ErrorKind = "unknown_command"
	ErrorKindTransportDelivery ErrorKind = "transport_delivery"
	ErrorKindCancelled         ErrorKind = "cancelled"
	ErrorKindInternal          ErrorKind = "internal"
)

// JobError wraps a component failure with its kind and retry class
type JobError struct {
	Kind      ErrorKind
	Op        string // "navigate", "script", "encode", "deliver", etc.
	Message   string
	Transient bool
	Err       error
}

// Error implements error interface
func (e *JobError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap implements error unwrapping
func (e *JobError) Unwrap() error {
	return e.Err
}

// Is matches any JobError of the same kind against a bare sentinel
func (e *JobError) Is(target error) bool {
	t, ok := target.(*JobError)
	if !ok {
		return false
	}
	if t.Op != "" || t.Err != nil {
		return e == t
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is checks. Only the kind is compared.
var (
	ErrQueueFull         = &JobError{Kind: ErrorKindQueueFull, Message: "job queue is full"}
	ErrTimeout           = &JobError{Kind: ErrorKindTimeout, Message: "deadline exceeded"}
	ErrNavigation        = &JobError{Kind: ErrorKindNavigation, Message: "navigation failed"}
	ErrScript            = &JobError{Kind: ErrorKindScript, Message: "script failed"}
	ErrLaunch            = &JobError{Kind: ErrorKindLaunch, Message: "browser launch failed"}
	ErrEncode            = &JobError{Kind: ErrorKindEncode, Message: "encode failed"}
	ErrInput             = &JobError{Kind: ErrorKindInput, Message: "invalid input"}
	ErrUnknownCommand    = &JobError{Kind: ErrorKindUnknownCommand, Message: "unknown command"}
	ErrTransportDelivery = &JobError{Kind: ErrorKindTransportDelivery, Message: "reply delivery failed"}
	ErrCancelled         = &JobError{Kind: ErrorKindCancelled, Message: "cancelled"}
)

// transientKinds are retried by default
var transientKinds = map[ErrorKind]bool{
	ErrorKindTimeout:           true,
	ErrorKindNavigation:        true,
	ErrorKindLaunch:            true,
	ErrorKindTransportDelivery: true,
}

// NewJobError creates an error whose retry class follows its kind
func NewJobError(kind ErrorKind, op, message string, err error) *JobError {
	return &JobError{
		Kind:      kind,
		Op:        op,
		Message:   message,
		Transient: transientKinds[kind],
		Err:       err,
	}
}

// NewTimeoutError reports an expired step or job deadline
func NewTimeoutError(op string, err error) *JobError {
	return NewJobError(ErrorKindTimeout, op, "deadline exceeded", err)
}

// NewInputError reports an input that can never succeed
func NewInputError(op, message string, err error) *JobError {
	return NewJobError(ErrorKindInput, op, message, err)
}

// KindOf classifies any error into an ErrorKind
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var je *JobError
	if errors.As(err, &je) {
		return je.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, context.Canceled):
		return ErrorKindCancelled
	}
	return ErrorKindInternal
}

// IsTransient reports whether err may succeed on a later attempt
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var je *JobError
	if errors.As(err, &je) {
		return je.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}
