package upstream

import (
	"errors"
	"fmt"
)

var (
	// ErrExhausted matches an *Error whose transient failures outlived the retry budget.
	ErrExhausted = errors.New("upstream retries exhausted")
	// ErrClientFault matches an *Error for a non-retryable upstream rejection.
	ErrClientFault = errors.New("upstream rejected request")
	ErrTooLarge    = errors.New("upstream response too large")
	ErrCanceled    = errors.New("upstream fetch canceled")
)

type Kind int

const (
	KindClientFault Kind = iota + 1
	KindExhausted
	KindTooLarge
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindClientFault:
		return "client_fault"
	case KindExhausted:
		return "exhausted"
	case KindTooLarge:
		return "too_large"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Error is the failure outcome of Client.Fetch. Status is the last upstream
// HTTP status seen, 0 when no response was received.
type Error struct {
	Kind     Kind
	Status   int
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s (status %d, %d attempts): %v", e.Kind, e.Status, e.Attempts, e.Err)
	}
	return fmt.Sprintf("upstream %s (status %d, %d attempts)", e.Kind, e.Status, e.Attempts)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrExhausted:
		return e.Kind == KindExhausted
	case ErrClientFault:
		return e.Kind == KindClientFault
	case ErrTooLarge:
		return e.Kind == KindTooLarge
	case ErrCanceled:
		return e.Kind == KindCanceled
	}
	return false
}

// failure class of a single attempt
type class string

const (
	classNone      class = ""
	classNetwork   class = "network"
	classServer    class = "server"
	classRateLimit class = "rate_limit"
	classClient    class = "client"
	classTooLarge  class = "too_large"
)

func classifyStatus(status int) class {
	switch {
	case status >= 200 && status < 300:
		return classNone
	case status == 429:
		return classRateLimit
	case status >= 500:
		return classServer
	default:
		// 4xx, and 1xx/3xx which the proxy does not follow
		return classClient
	}
}
