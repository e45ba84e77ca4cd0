package retrieval

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidQuery is returned when the query is empty
	ErrInvalidQuery = errors.New("invalid query")

	// ErrInvalidOptions is returned when retrieval options fail validation
	ErrInvalidOptions = errors.New("invalid retrieval options")

	// ErrNoSearcher is returned when no vector search capability is configured
	ErrNoSearcher = errors.New("no searcher configured")
)

// Stage names used in errors, timings and metrics
const (
	StageValidate  = "validate"
	StageEmbed     = "embed"
	StageTransform = "transform"
	StageSearch    = "search"
	StageFuse      = "fuse"
	StageRerank    = "rerank"
)

// Kind classifies a retrieval failure
type Kind string

const (
	// KindStore is recorded for cache store failures; it never reaches callers
	KindStore    Kind = "store"
	KindCompute  Kind = "compute"
	KindSearch   Kind = "search"
	KindRerank   Kind = "rerank"
	KindTimeout  Kind = "timeout"
	KindCanceled Kind = "canceled"
	KindInvalid  Kind = "invalid"
)

// Error is a retrieval failure with the stage it happened in
type Error struct {
	Stage string // Stage that failed
	Kind  Kind   // Failure classification
	Err   error  // Underlying error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// UserMessage returns a single non-technical message suitable for end users
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindTimeout:
		return "The search took too long. Please try again."
	case KindCanceled:
		return "The search was canceled."
	case KindInvalid:
		return "The question could not be processed. Please rephrase it."
	default:
		return "Something went wrong while searching. Please try again."
	}
}

// newError wraps err for stage. Context errors take precedence over kind so
// that a slow dependency is never reported as a broken one.
func newError(stage string, kind Kind, err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	}
	return &Error{Stage: stage, Kind: kind, Err: err}
}

// stageError is newError plus the state of the call's context, so that a
// dependency that hides the context error is still reported as a timeout.
func stageError(ctx context.Context, stage string, kind Kind, err error) *Error {
	e := newError(stage, kind, err)
	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		e.Kind = KindTimeout
	case errors.Is(ctxErr, context.Canceled):
		e.Kind = KindCanceled
	}
	return e
}

// KindOf returns the kind of a retrieval error, or "" for other errors
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// StageOf returns the failing stage of a retrieval error, or ""
func StageOf(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Stage
	}
	return ""
}

// IsTimeout checks if an error is a deadline expiry
func IsTimeout(err error) bool {
	return KindOf(err) == KindTimeout
}

// IsCanceled checks if an error is a caller cancellation
func IsCanceled(err error) bool {
	return KindOf(err) == KindCanceled
}

// IsInvalidQuery checks if an error is an "invalid query" error
func IsInvalidQuery(err error) bool {
	return errors.Is(err, ErrInvalidQuery)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
