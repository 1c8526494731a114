package pipeline

import (
	"errors"
	"fmt"

	"schedbot/pkg/bus"
)

// Remote calendar failure classes. CalendarAPI implementations wrap their
// transport-specific errors so that errors.Is matches one of these.
var (
	ErrNotFound     = errors.New("calendar: not found")
	ErrUnauthorized = errors.New("calendar: unauthorized")
	ErrRateLimited  = errors.New("calendar: rate limited")
	ErrTransient    = errors.New("calendar: transient failure")
)

// ResourceFetchError reports that an image or voice payload could not be
// retrieved from the platform. Stage-level: it aborts the whole message.
type ResourceFetchError struct {
	Ref string
	Err error
}

func (e *ResourceFetchError) Error() string {
	return fmt.Sprintf("fetch resource %s: %v", e.Ref, e.Err)
}

func (e *ResourceFetchError) Unwrap() error { return e.Err }

// RecognitionError reports that OCR or ASR produced no usable text. Also
// covers the recognizer-not-configured short-circuit for voice messages.
type RecognitionError struct {
	Modality bus.Modality
	Reason   string
	Err      error
}

func (e *RecognitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("recognize %s: %s: %v", e.Modality, e.Reason, e.Err)
	}
	return fmt.Sprintf("recognize %s: %s", e.Modality, e.Reason)
}

func (e *RecognitionError) Unwrap() error { return e.Err }

// ExtractError reports that the extraction capability itself failed. An
// empty candidate list is not an ExtractError.
type ExtractError struct {
	Err error
}

func (e *ExtractError) Error() string { return fmt.Sprintf("extract schedules: %v", e.Err) }

func (e *ExtractError) Unwrap() error { return e.Err }

// CreateErrorKind classifies terminal event-creation failures.
type CreateErrorKind string

const (
	CreateTransient   CreateErrorKind = "transient"
	CreateAuthExpired CreateErrorKind = "auth_expired"
	CreateRejected    CreateErrorKind = "rejected"
)

// CreateError is the terminal failure of one candidate's event creation,
// after retries and the token-refresh cycle have been exhausted.
type CreateError struct {
	Kind   CreateErrorKind
	Detail string
	Err    error
}

func (e *CreateError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("create event (%s): %s", e.Kind, e.Detail)
	}
	return fmt.Sprintf("create event (%s): %v", e.Kind, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }
