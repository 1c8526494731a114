package ai

import (
	"testing"
	"time"
)

var testReference = time.Date(2026, 3, 10, 9, 0, 0, 0, time.FixedZone("CST", 8*3600))

func TestParseCandidatesPlainArray(t *testing.T) {
	t.Parallel()

	content := `[{"title":"产品评审","start_time":"2026-03-11 14:00","end_time":"2026-03-11 15:00","location":"3F 会议室","span":"明天下午2点"}]`

	candidates, err := parseCandidates(content, testReference)
	if err != nil {
		t.Fatalf("parseCandidates: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("len(candidates) = %d, want 1", len(candidates))
	}

	c := candidates[0]
	if c.Title != "产品评审" || c.Location != "3F 会议室" || c.Span != "明天下午2点" {
		t.Fatalf("candidate = %+v", c)
	}
	want := time.Date(2026, 3, 11, 14, 0, 0, 0, testReference.Location())
	if !c.StartAt.Equal(want) {
		t.Fatalf("start = %v, want %v", c.StartAt, want)
	}
	if !c.EndAt.Equal(want.Add(time.Hour)) {
		t.Fatalf("end = %v", c.EndAt)
	}
}

func TestParseCandidatesCodeFence(t *testing.T) {
	t.Parallel()

	content := "```json\n[{\"title\":\"周会\",\"start_time\":\"2026-03-12 10:00\"}]\n```"

	candidates, err := parseCandidates(content, testReference)
	if err != nil {
		t.Fatalf("parseCandidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Title != "周会" {
		t.Fatalf("candidates = %+v", candidates)
	}
}

func TestParseCandidatesSurroundingProse(t *testing.T) {
	t.Parallel()

	content := "识别到以下日程：\n[{\"title\":\"面试\",\"start_time\":\"2026-03-13 15:30\"}]\n如有问题请告知。"

	candidates, err := parseCandidates(content, testReference)
	if err != nil {
		t.Fatalf("parseCandidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Title != "面试" {
		t.Fatalf("candidates = %+v", candidates)
	}
}

func TestParseCandidatesRepairsMalformedJSON(t *testing.T) {
	t.Parallel()

	// Trailing comma, a classic model slip.
	content := `[{"title":"周会","start_time":"2026-03-12 10:00",},]`

	candidates, err := parseCandidates(content, testReference)
	if err != nil {
		t.Fatalf("parseCandidates: %v", err)
	}
	if len(candidates) != 1 || candidates[0].Title != "周会" {
		t.Fatalf("candidates = %+v", candidates)
	}
}

func TestParseCandidatesEmptyArray(t *testing.T) {
	t.Parallel()

	candidates, err := parseCandidates("[]", testReference)
	if err != nil {
		t.Fatalf("parseCandidates: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("candidates = %+v, want none", candidates)
	}
}

func TestParseCandidatesNoArray(t *testing.T) {
	t.Parallel()

	if _, err := parseCandidates("抱歉，我没有找到日程。", testReference); err == nil {
		t.Fatal("expected error for response without a JSON array")
	}
}

func TestParseCandidatesMissingTimes(t *testing.T) {
	t.Parallel()

	content := `[{"title":"找时间聊聊","start_time":"","span":"有空聊聊"}]`

	candidates, err := parseCandidates(content, testReference)
	if err != nil {
		t.Fatalf("parseCandidates: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("len(candidates) = %d, want 1", len(candidates))
	}
	if !candidates[0].StartAt.IsZero() || !candidates[0].EndAt.IsZero() {
		t.Fatalf("times = %v / %v, want zero", candidates[0].StartAt, candidates[0].EndAt)
	}
}

func TestParseCandidateTimeLayouts(t *testing.T) {
	t.Parallel()

	loc := testReference.Location()
	cases := []struct {
		value string
		want  time.Time
		ok    bool
	}{
		{"2026-03-11 14:00", time.Date(2026, 3, 11, 14, 0, 0, 0, loc), true},
		{"2026-03-11 14:00:30", time.Date(2026, 3, 11, 14, 0, 30, 0, loc), true},
		{"2026-03-11T14:00:00+08:00", time.Date(2026, 3, 11, 14, 0, 0, 0, loc), true},
		{"", time.Time{}, false},
		{"明天下午", time.Time{}, false},
	}

	for _, tc := range cases {
		got, ok := parseCandidateTime(tc.value, loc)
		if ok != tc.ok {
			t.Fatalf("parseCandidateTime(%q) ok = %v, want %v", tc.value, ok, tc.ok)
		}
		if ok && !got.Equal(tc.want) {
			t.Fatalf("parseCandidateTime(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}

func TestExtractJSONArray(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		content string
		want    string
	}{
		{"bare", `[1,2]`, `[1,2]`},
		{"fenced", "```json\n[1]\n```", "[1]"},
		{"fenced no language", "```\n[1]\n```", "[1]"},
		{"prose", "结果：[1] 完毕", "[1]"},
		{"none", "没有数组", ""},
		{"unclosed", "[1,2", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := extractJSONArray(tc.content); got != tc.want {
				t.Fatalf("extractJSONArray(%q) = %q, want %q", tc.content, got, tc.want)
			}
		})
	}
}
