package pipeline

import (
	"strings"
	"time"
)

// Validator checks candidates for completeness and plausibility. It is a
// pure function of its inputs and configuration, which keeps it trivially
// unit-testable and is why it is split out of the extractor.
type Validator struct {
	pastGrace     time.Duration
	futureCeiling time.Duration
}

func NewValidator(pastGrace, futureCeiling time.Duration) *Validator {
	return &Validator{pastGrace: pastGrace, futureCeiling: futureCeiling}
}

// Validate classifies one candidate. Rules are checked in order and the
// first failure wins; only StatusOK candidates carry a dedup key.
func (v *Validator) Validate(c ScheduleCandidate, senderID string, reference time.Time) ValidatedCandidate {
	vc := ValidatedCandidate{ScheduleCandidate: c, SenderID: senderID}

	switch {
	case c.StartAt.IsZero():
		vc.Status = StatusMissingTime
	case strings.TrimSpace(c.Title) == "":
		vc.Status = StatusMissingTitle
	case !plausibleWithin(c.StartAt, reference, v.pastGrace, v.futureCeiling):
		vc.Status = StatusImplausible
	default:
		vc.Status = StatusOK
		vc.DedupKey = DedupKey(senderID, c.Title, c.StartAt)
	}

	return vc
}
