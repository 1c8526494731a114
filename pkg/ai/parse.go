package ai

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	"schedbot/pkg/pipeline"
)

const candidateTimeLayout = "2006-01-02 15:04"

type rawCandidateJSON struct {
	Title     string `json:"title"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Location  string `json:"location"`
	Span      string `json:"span"`
}

// parseCandidates decodes the model's JSON answer into raw candidates.
// Models wrap answers in code fences or slightly malformed JSON often
// enough that both are handled before giving up.
func parseCandidates(content string, reference time.Time) ([]pipeline.RawCandidate, error) {
	payload := extractJSONArray(content)
	if payload == "" {
		return nil, fmt.Errorf("no JSON array in model response")
	}

	var raw []rawCandidateJSON
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(payload)
		if repairErr != nil {
			return nil, fmt.Errorf("parse model response: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &raw); err != nil {
			return nil, fmt.Errorf("parse repaired model response: %w", err)
		}
	}

	loc := reference.Location()
	candidates := make([]pipeline.RawCandidate, 0, len(raw))
	for _, r := range raw {
		candidate := pipeline.RawCandidate{
			Title:    strings.TrimSpace(r.Title),
			Location: strings.TrimSpace(r.Location),
			Span:     strings.TrimSpace(r.Span),
		}
		if startAt, ok := parseCandidateTime(r.StartTime, loc); ok {
			candidate.StartAt = startAt
		}
		if endAt, ok := parseCandidateTime(r.EndTime, loc); ok {
			candidate.EndAt = endAt
		}
		candidates = append(candidates, candidate)
	}

	return candidates, nil
}

func parseCandidateTime(value string, loc *time.Location) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{candidateTimeLayout, "2006-01-02 15:04:05", time.RFC3339} {
		if parsed, err := time.ParseInLocation(layout, value, loc); err == nil {
			return parsed, true
		}
	}

	return time.Time{}, false
}

// extractJSONArray strips code fences and surrounding prose, keeping the
// outermost JSON array.
func extractJSONArray(content string) string {
	content = strings.TrimSpace(content)
	if after, ok := strings.CutPrefix(content, "```json"); ok {
		content = after
	} else if after, ok := strings.CutPrefix(content, "```"); ok {
		content = after
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")

	start := strings.IndexByte(content, '[')
	end := strings.LastIndexByte(content, ']')
	if start < 0 || end <= start {
		return ""
	}

	return content[start : end+1]
}
