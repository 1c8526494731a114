package pipeline

import (
	"testing"
	"time"
)

func TestValidateRulesInOrder(t *testing.T) {
	t.Parallel()

	reference := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	v := NewValidator(time.Hour, 365*24*time.Hour)

	cases := []struct {
		name      string
		candidate ScheduleCandidate
		want      CandidateStatus
	}{
		{
			name:      "ok",
			candidate: ScheduleCandidate{Title: "团队周会", StartAt: reference.Add(2 * time.Hour)},
			want:      StatusOK,
		},
		{
			name:      "missing time",
			candidate: ScheduleCandidate{Title: "团队周会"},
			want:      StatusMissingTime,
		},
		{
			name:      "missing title",
			candidate: ScheduleCandidate{Title: "  ", StartAt: reference.Add(2 * time.Hour)},
			want:      StatusMissingTitle,
		},
		{
			name:      "too far past",
			candidate: ScheduleCandidate{Title: "复盘", StartAt: reference.Add(-2 * time.Hour)},
			want:      StatusImplausible,
		},
		{
			name:      "too far future",
			candidate: ScheduleCandidate{Title: "年会", StartAt: reference.Add(366 * 24 * time.Hour)},
			want:      StatusImplausible,
		},
		{
			name:      "within past grace",
			candidate: ScheduleCandidate{Title: "午饭", StartAt: reference.Add(-30 * time.Minute)},
			want:      StatusOK,
		},
		{
			// Both checks would fail; the missing-time rule runs first.
			name:      "zero time with empty title",
			candidate: ScheduleCandidate{},
			want:      StatusMissingTime,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			vc := v.Validate(tc.candidate, "user-1", reference)
			if vc.Status != tc.want {
				t.Fatalf("status = %q, want %q", vc.Status, tc.want)
			}
			if tc.want == StatusOK && vc.DedupKey == "" {
				t.Fatal("ok candidate missing dedup key")
			}
			if tc.want != StatusOK && vc.DedupKey != "" {
				t.Fatalf("rejected candidate carries dedup key %q", vc.DedupKey)
			}
		})
	}
}

func TestDedupKeyDeterministic(t *testing.T) {
	t.Parallel()

	startAt := time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC)

	a := DedupKey("user-1", "团队周会", startAt)
	b := DedupKey("user-1", " 团队周会 ", startAt.In(time.FixedZone("CST", 8*3600)))
	if a != b {
		t.Fatalf("keys differ for trimmed title and equal instant: %q vs %q", a, b)
	}

	if DedupKey("user-2", "团队周会", startAt) == a {
		t.Fatal("different senders produced the same key")
	}
	if DedupKey("user-1", "团队周会", startAt.Add(time.Minute)) == a {
		t.Fatal("different start times produced the same key")
	}
}

func TestDedupKeyIgnoresLocationAndSpan(t *testing.T) {
	t.Parallel()

	reference := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	v := NewValidator(time.Hour, 365*24*time.Hour)

	a := v.Validate(ScheduleCandidate{Title: "对齐会", StartAt: reference.Add(time.Hour), Location: "3F 会议室", RawSpan: "明天上午"}, "user-1", reference)
	b := v.Validate(ScheduleCandidate{Title: "对齐会", StartAt: reference.Add(time.Hour)}, "user-1", reference)

	if a.DedupKey != b.DedupKey {
		t.Fatalf("location/span changed the dedup key: %q vs %q", a.DedupKey, b.DedupKey)
	}
}
