package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// NormalizedText is the plain-text form of one inbound message. Confidence
// is the recognizer's confidence for OCR/ASR paths and 1.0 for native text.
type NormalizedText struct {
	SourceMessageID string
	Text            string
	Confidence      float64
}

// RawCandidate is one schedule as returned by the extraction capability,
// with relative expressions already resolved to absolute timestamps against
// the reference time supplied in the request.
type RawCandidate struct {
	Title    string
	StartAt  time.Time
	EndAt    time.Time
	Location string
	Span     string
}

// ScheduleCandidate is an extracted schedule that survived the extractor's
// plausibility filter. StartAt is always an absolute point in time; a zero
// EndAt means the default duration policy applies at creation time.
type ScheduleCandidate struct {
	Title    string
	StartAt  time.Time
	EndAt    time.Time
	Location string
	RawSpan  string
}

// CandidateStatus classifies a candidate's validation outcome.
type CandidateStatus string

const (
	StatusOK           CandidateStatus = "ok"
	StatusMissingTime  CandidateStatus = "missing_time"
	StatusMissingTitle CandidateStatus = "missing_title"
	StatusImplausible  CandidateStatus = "implausible"
)

// ValidatedCandidate is a ScheduleCandidate bound to its sender with a
// validation status. DedupKey is set only when Status is StatusOK.
type ValidatedCandidate struct {
	ScheduleCandidate
	SenderID string
	Status   CandidateStatus
	DedupKey string
}

// EventDraft is the create-event request shape handed to the calendar API.
type EventDraft struct {
	Title    string
	StartAt  time.Time
	EndAt    time.Time
	Location string
}

// CalendarEvent is the local record of a remotely created event, kept only
// for dedup and retry bookkeeping within a bounded TTL. The calendar API is
// the source of truth.
type CalendarEvent struct {
	CalendarID string
	EventID    string
	DedupKey   string
	Title      string
	StartAt    time.Time
	Location   string
	CreatedAt  time.Time
}

// DedupKey computes the deterministic fingerprint preventing duplicate event
// creation: identical sender, title and start time always collide regardless
// of location or raw span.
func DedupKey(senderID, title string, startAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(senderID))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(title)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(startAt.Unix(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}
