package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrAddressParse       = errors.New("protocol: invalid address")
	ErrInvalidConnectName = errors.New("protocol: invalid connect name")
	ErrNoHandler          = errors.New("protocol: no handler registered")
	ErrHandlerFailed      = errors.New("protocol: handler failed")
	ErrSessionTerminated  = errors.New("protocol: destination session terminated")
	ErrTaskEnded          = errors.New("protocol: task was ended before it could complete")
)

// Error kinds carried by SerializedError.
const (
	ErrorKindNoHandler  = "no_handler"
	ErrorKindHandler    = "handler"
	ErrorKindTerminated = "terminated"
	ErrorKindTaskEnded  = "task_ended"
)

// SerializedError is the wire form of an error inside a reply envelope.
type SerializedError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

// SerializeError converts a local error for transport. Kind is derived from
// the sentinel it wraps.
func SerializeError(err error) *SerializedError {
	if err == nil {
		return nil
	}
	var failed *HandlerError
	if errors.As(err, &failed) {
		return &SerializedError{Name: "Error", Message: failed.Error(), Kind: ErrorKindHandler}
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		s := remote.SerializedError
		return &s
	}
	out := &SerializedError{Name: "Error", Message: err.Error()}
	switch {
	case errors.Is(err, ErrNoHandler):
		out.Kind = ErrorKindNoHandler
	case errors.Is(err, ErrSessionTerminated):
		out.Kind = ErrorKindTerminated
	case errors.Is(err, ErrTaskEnded):
		out.Kind = ErrorKindTaskEnded
	default:
		out.Kind = ErrorKindHandler
	}
	return out
}

// HandlerError is an error returned by a message handler. It always
// serializes as ErrorKindHandler, whatever the wrapped error is.
type HandlerError struct {
	Err error
}

func (e *HandlerError) Error() string { return e.Err.Error() }

func (e *HandlerError) Is(target error) bool { return target == ErrHandlerFailed }

func (e *HandlerError) Unwrap() error { return e.Err }

// RemoteError is an error that arrived inside a reply envelope.
type RemoteError struct {
	SerializedError
}

func (e *RemoteError) Error() string {
	if e.Name == "" || e.Name == "Error" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// Is maps the serialized kind back onto the local sentinels.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrNoHandler:
		return e.Kind == ErrorKindNoHandler
	case ErrHandlerFailed:
		return e.Kind == ErrorKindHandler
	case ErrSessionTerminated:
		return e.Kind == ErrorKindTerminated
	case ErrTaskEnded:
		return e.Kind == ErrorKindTaskEnded
	}
	return false
}

func (s *SerializedError) Err() error {
	if s == nil {
		return nil
	}
	return &RemoteError{SerializedError: *s}
}

// TaskEndedError is the rejection of a force-ended task.
type TaskEndedError struct {
	TaskID string
	Cause  error
}

func (e *TaskEndedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (task_id=%s): %v", ErrTaskEnded.Error(), e.TaskID, e.Cause)
	}
	return fmt.Sprintf("%s (task_id=%s)", ErrTaskEnded.Error(), e.TaskID)
}

func (e *TaskEndedError) Is(target error) bool { return target == ErrTaskEnded }

func (e *TaskEndedError) Unwrap() error { return e.Cause }
