package pipeline

import (
	"context"
	"time"
)

// ResourceFetcher retrieves the raw bytes behind a platform resource
// reference (image or voice payload of a message).
type ResourceFetcher interface {
	Fetch(ctx context.Context, messageID, ref string) ([]byte, error)
}

// ImageRecognizer turns image bytes into text.
type ImageRecognizer interface {
	RecognizeImage(ctx context.Context, data []byte) (string, error)
}

// VoiceRecognizer turns audio bytes into text with a confidence estimate.
type VoiceRecognizer interface {
	RecognizeVoice(ctx context.Context, data []byte, mimeType string) (string, float64, error)
}

// ScheduleModel is the language-model extraction capability. Implementations
// must resolve relative date expressions against the supplied reference time
// and return candidates in order of appearance in the text.
type ScheduleModel interface {
	ExtractSchedules(ctx context.Context, text string, reference time.Time) ([]RawCandidate, error)
}

// CalendarAPI is the remote calendar surface. Errors from both methods wrap
// ErrNotFound, ErrUnauthorized, ErrRateLimited or ErrTransient when the
// failure matches one of those classes; anything else is a hard rejection.
type CalendarAPI interface {
	PrimaryCalendar(ctx context.Context, senderID string) (string, error)
	CreateEvent(ctx context.Context, senderID, calendarID string, draft EventDraft) (string, error)
}

// TokenRefresher exchanges a sender's refresh token for a new access token.
type TokenRefresher interface {
	RefreshUserToken(ctx context.Context, senderID string) error
}

// DedupStore is the shared record of already-created events, keyed by dedup
// key. It must be safe for concurrent use by independent message pipelines.
type DedupStore interface {
	GetEvent(ctx context.Context, dedupKey string) (CalendarEvent, bool, error)
	PutEvent(ctx context.Context, event CalendarEvent, ttl time.Duration) error
}

// Notifier delivers an optional reply to the sender's chat. Delivery
// failures are logged by callers and never fail the pipeline.
type Notifier interface {
	Reply(ctx context.Context, chatID, replyTo, text string) error
}
