package pipeline

import (
	"context"
	"log/slog"
	"time"
)

// Extractor turns normalized text into schedule candidates. The semantic
// work is delegated to the injected model; the extractor owns the contract
// around it: reference-time injection, the plausibility window, and the
// per-message candidate cap.
type Extractor struct {
	model         ScheduleModel
	pastGrace     time.Duration
	futureCeiling time.Duration
	candidateCap  int
	log           *slog.Logger
}

func NewExtractor(model ScheduleModel, pastGrace, futureCeiling time.Duration, candidateCap int, log *slog.Logger) *Extractor {
	if log == nil {
		log = slog.Default()
	}

	return &Extractor{
		model:         model,
		pastGrace:     pastGrace,
		futureCeiling: futureCeiling,
		candidateCap:  candidateCap,
		log:           log.With("component", "pipeline.extractor"),
	}
}

// Extract resolves schedule candidates from text. Zero candidates is a valid
// empty result; an error is returned only when the model call itself fails.
// Candidate order matches order of appearance in the text.
func (e *Extractor) Extract(ctx context.Context, text NormalizedText, reference time.Time) ([]ScheduleCandidate, error) {
	raw, err := e.model.ExtractSchedules(ctx, text.Text, reference)
	if err != nil {
		return nil, &ExtractError{Err: err}
	}

	candidates := make([]ScheduleCandidate, 0, len(raw))
	for _, rc := range raw {
		// A zero start time is kept: the validator flags it as
		// missing_time. The plausibility window only rejects resolved
		// timestamps that landed outside it, which points at a misread
		// date rather than a missing one.
		if !rc.StartAt.IsZero() && !e.plausible(rc.StartAt, reference) {
			e.log.Debug("Dropping implausible candidate",
				"message_id", text.SourceMessageID,
				"title", rc.Title,
				"start_at", rc.StartAt,
				"reference", reference,
			)
			continue
		}

		if len(candidates) == e.candidateCap {
			e.log.Warn("Candidate cap reached, dropping excess",
				"message_id", text.SourceMessageID,
				"cap", e.candidateCap,
				"extracted", len(raw),
			)
			break
		}

		candidates = append(candidates, ScheduleCandidate{
			Title:    rc.Title,
			StartAt:  rc.StartAt,
			EndAt:    rc.EndAt,
			Location: rc.Location,
			RawSpan:  rc.Span,
		})
	}

	return candidates, nil
}

// PastGrace exposes the lower plausibility bound for the validator's
// defense-in-depth re-check.
func (e *Extractor) PastGrace() time.Duration { return e.pastGrace }

// FutureCeiling exposes the upper plausibility bound.
func (e *Extractor) FutureCeiling() time.Duration { return e.futureCeiling }

func (e *Extractor) plausible(startAt, reference time.Time) bool {
	return plausibleWithin(startAt, reference, e.pastGrace, e.futureCeiling)
}

func plausibleWithin(startAt, reference time.Time, pastGrace, futureCeiling time.Duration) bool {
	if startAt.Before(reference.Add(-pastGrace)) {
		return false
	}
	return !startAt.After(reference.Add(futureCeiling))
}
