package protocol

import (
	"errors"
	"fmt"
)

// Kinds are the stable wire names of the error taxonomy.
const (
	KindValidation        = "validation_error"
	KindUnknownRecipient  = "unknown_recipient"
	KindInvalidTransition = "invalid_transition"
	KindAlreadyTerminal   = "already_terminal"
	KindDepthExceeded     = "delegation_depth_exceeded"
	KindTimeout           = "timeout"
	KindNotFound          = "not_found"
	KindRateLimited       = "rate_limited"
	KindQueueFull         = "queue_full"
	KindTaskExists        = "task_exists"
	KindCycle             = "cycle"
	KindInternal          = "internal_error"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrRateLimited = errors.New("sender rate limited")
	ErrQueueFull   = errors.New("recipient queue full")
	ErrTaskExists  = errors.New("task already exists")
	ErrCycle       = errors.New("parent chain contains a cycle")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

type UnknownRecipientError struct {
	RecipientID string
}

func (e *UnknownRecipientError) Error() string {
	return fmt.Sprintf("unknown recipient %q", e.RecipientID)
}

type InvalidTransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

type AlreadyTerminalError struct {
	TaskID string
	Status TaskStatus
}

func (e *AlreadyTerminalError) Error() string {
	return fmt.Sprintf("task %s already %s", e.TaskID, e.Status)
}

type DelegationDepthExceededError struct {
	Depth int
	Max   int
}

func (e *DelegationDepthExceededError) Error() string {
	return fmt.Sprintf("delegation depth %d exceeds max %d", e.Depth, e.Max)
}

type TimeoutError struct {
	CorrelationID string
	Attempts      int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %d attempts", e.CorrelationID, e.Attempts)
}

// ErrorKind maps err to its wire kind.
func ErrorKind(err error) string {
	var (
		ve *ValidationError
		ur *UnknownRecipientError
		it *InvalidTransitionError
		at *AlreadyTerminalError
		de *DelegationDepthExceededError
		te *TimeoutError
	)
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &ur):
		return KindUnknownRecipient
	case errors.As(err, &it):
		return KindInvalidTransition
	case errors.As(err, &at):
		return KindAlreadyTerminal
	case errors.As(err, &de):
		return KindDepthExceeded
	case errors.As(err, &te):
		return KindTimeout
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrQueueFull):
		return KindQueueFull
	case errors.Is(err, ErrTaskExists):
		return KindTaskExists
	case errors.Is(err, ErrCycle):
		return KindCycle
	default:
		return KindInternal
	}
}

// RemoteError is an error decoded from the wire. Its message is the
// original text; Unwrap yields a typed error of the same kind so
// errors.As and errors.Is keep working across the HTTP boundary.
type RemoteError struct {
	Kind    string
	Message string
	cause   error
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error { return e.cause }

// ErrorFromKind rebuilds a typed error from its wire form.
func ErrorFromKind(kind, msg string) error {
	var cause error
	switch kind {
	case KindValidation:
		cause = &ValidationError{Reason: msg}
	case KindUnknownRecipient:
		cause = &UnknownRecipientError{}
	case KindInvalidTransition:
		cause = &InvalidTransitionError{}
	case KindAlreadyTerminal:
		cause = &AlreadyTerminalError{}
	case KindDepthExceeded:
		cause = &DelegationDepthExceededError{}
	case KindTimeout:
		cause = &TimeoutError{}
	case KindNotFound:
		cause = ErrNotFound
	case KindRateLimited:
		cause = ErrRateLimited
	case KindQueueFull:
		cause = ErrQueueFull
	case KindTaskExists:
		cause = ErrTaskExists
	case KindCycle:
		cause = ErrCycle
	default:
		return &RemoteError{Kind: KindInternal, Message: msg}
	}
	return &RemoteError{Kind: kind, Message: msg, cause: cause}
}
