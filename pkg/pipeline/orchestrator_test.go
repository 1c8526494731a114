package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"schedbot/pkg/bus"
)

type recordingNotifier struct {
	mu      sync.Mutex
	replies []bus.OutboundMessage
}

func (n *recordingNotifier) Reply(_ context.Context, chatID, replyTo, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replies = append(n.replies, bus.OutboundMessage{ChatID: chatID, ReplyTo: replyTo, Content: text})
	return nil
}

func (n *recordingNotifier) all() []bus.OutboundMessage {
	n.mu.Lock()
	defer n.mu.Unlock()

	replies := make([]bus.OutboundMessage, len(n.replies))
	copy(replies, n.replies)
	return replies
}

type blockingModel struct{}

func (blockingModel) ExtractSchedules(ctx context.Context, _ string, _ time.Time) ([]RawCandidate, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestOrchestrator(model ScheduleModel, api CalendarAPI, timeout time.Duration) (*Orchestrator, *recordingNotifier) {
	normalizer := NewNormalizer(&stubFetcher{}, &stubOCR{}, nil, 0.6, nil)
	extractor := NewExtractor(model, time.Hour, 365*24*time.Hour, 10, nil)
	validator := NewValidator(time.Hour, 365*24*time.Hour)
	creator := testCreator(api, &fakeRefresher{}, newMemDedupStore(), CreatorOptions{
		Attempts:        3,
		RetryBackoff:    time.Millisecond,
		DefaultDuration: time.Hour,
	})

	orch := NewOrchestrator(normalizer, extractor, validator, creator, timeout, nil)
	notifier := &recordingNotifier{}
	orch.SetNotifier(notifier)
	return orch, notifier
}

func textMessage(content string, receivedAt time.Time) bus.InboundMessage {
	return bus.InboundMessage{
		ID:         "msg-1",
		Channel:    "lark",
		SenderID:   "user-1",
		ChatID:     "chat-1",
		Modality:   bus.ModalityText,
		Content:    content,
		ReceivedAt: receivedAt,
	}
}

func TestProcessTextMessageCreatesEventAndReplies(t *testing.T) {
	t.Parallel()

	reference := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	model := &stubModel{candidates: []RawCandidate{
		{Title: "产品评审", StartAt: reference.Add(27 * time.Hour), Location: "3F 会议室", Span: "明天中午12点"},
	}}
	api := &fakeCalendarAPI{}
	orch, notifier := newTestOrchestrator(model, api, 5*time.Second)

	mb := bus.NewMessageBus()
	defer mb.Close()
	orch.SetEventBus(mb)
	events, unsubscribe := mb.SubscribeEvents(context.Background(), 16)
	defer unsubscribe()

	outcome := orch.Process(context.Background(), textMessage("明天中午12点产品评审", reference))

	require.Equal(t, StateDone, outcome.State)
	require.NoError(t, outcome.Err)
	require.Len(t, outcome.Created, 1)
	require.Equal(t, "产品评审", outcome.Created[0].Title)
	require.NotEmpty(t, outcome.RunID)

	replies := notifier.all()
	require.Len(t, replies, 1)
	require.Contains(t, replies[0].Content, "已创建日程")
	require.Contains(t, replies[0].Content, "产品评审")
	require.Contains(t, replies[0].Content, "3F 会议室")
	require.Equal(t, "chat-1", replies[0].ChatID)
	require.Equal(t, "msg-1", replies[0].ReplyTo)

	var types []bus.EventType
	for len(events) > 0 {
		event := <-events
		require.Equal(t, outcome.RunID, event.RunID)
		types = append(types, event.Type)
	}
	require.Equal(t, []bus.EventType{bus.EventMessageReceived, bus.EventEventCreated, bus.EventMessageDone}, types)
}

func TestProcessNoSchedulesFound(t *testing.T) {
	t.Parallel()

	api := &fakeCalendarAPI{}
	orch, notifier := newTestOrchestrator(&stubModel{}, api, 5*time.Second)

	outcome := orch.Process(context.Background(), textMessage("早上好", time.Now()))

	require.Equal(t, StateDone, outcome.State)
	require.Empty(t, outcome.Created)
	require.Zero(t, api.resolveCalls)

	replies := notifier.all()
	require.Len(t, replies, 1)
	require.Contains(t, replies[0].Content, "未能识别日程信息")
}

func TestProcessSkipsRejectedCandidateCreatesSibling(t *testing.T) {
	t.Parallel()

	reference := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	model := &stubModel{candidates: []RawCandidate{
		{Title: "", StartAt: reference.Add(time.Hour), Span: "十点"},
		{Title: "对齐会", StartAt: reference.Add(2 * time.Hour)},
	}}
	orch, _ := newTestOrchestrator(model, &fakeCalendarAPI{}, 5*time.Second)

	outcome := orch.Process(context.Background(), textMessage("十点有事，十一点对齐会", reference))

	require.Equal(t, StateDone, outcome.State)
	require.Len(t, outcome.Created, 1)
	require.Len(t, outcome.Skipped, 1)
	require.Equal(t, StatusMissingTitle, outcome.Skipped[0].Status)
}

func TestProcessExtractFailure(t *testing.T) {
	t.Parallel()

	model := &stubModel{err: errors.New("model unavailable")}
	orch, notifier := newTestOrchestrator(model, &fakeCalendarAPI{}, 5*time.Second)

	outcome := orch.Process(context.Background(), textMessage("明天开会", time.Now()))

	require.Equal(t, StateFailed, outcome.State)
	var extractErr *ExtractError
	require.ErrorAs(t, outcome.Err, &extractErr)
	require.False(t, outcome.TimedOut)
	require.Empty(t, notifier.all())
}

func TestProcessAuthExpiredPromptsReauthorization(t *testing.T) {
	t.Parallel()

	reference := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	model := &stubModel{candidates: []RawCandidate{
		{Title: "周会", StartAt: reference.Add(time.Hour)},
		{Title: "评审", StartAt: reference.Add(2 * time.Hour)},
	}}
	api := &fakeCalendarAPI{createErrs: []error{ErrUnauthorized, ErrUnauthorized}}
	orch, notifier := newTestOrchestrator(model, api, 5*time.Second)
	orch.SetAuthorizeURL(func(senderID string) string {
		return "https://example.com/authorize?state=" + senderID
	})

	outcome := orch.Process(context.Background(), textMessage("明天的安排", reference))

	require.Equal(t, StateFailed, outcome.State)
	var createErr *CreateError
	require.ErrorAs(t, outcome.Err, &createErr)
	require.Equal(t, CreateAuthExpired, createErr.Kind)
	require.Empty(t, outcome.Created)

	// The auth prompt stops sibling creation: only one create chain ran.
	require.Len(t, api.createDrafts, 2)

	replies := notifier.all()
	require.Len(t, replies, 1)
	require.Contains(t, replies[0].Content, "请先授权")
	require.Contains(t, replies[0].Content, "state=user-1")
}

func TestProcessOneFailedCandidateNeverBlocksSiblings(t *testing.T) {
	t.Parallel()

	reference := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	model := &stubModel{candidates: []RawCandidate{
		{Title: "坏的", StartAt: reference.Add(time.Hour)},
		{Title: "好的", StartAt: reference.Add(2 * time.Hour)},
	}}
	// Transient failures exhaust all 3 attempts on the first candidate,
	// then the second candidate succeeds.
	api := &fakeCalendarAPI{createErrs: []error{ErrTransient, ErrTransient, ErrTransient, nil}}
	orch, _ := newTestOrchestrator(model, api, 5*time.Second)

	outcome := orch.Process(context.Background(), textMessage("两件事", reference))

	require.Equal(t, StateDone, outcome.State)
	require.Len(t, outcome.Created, 1)
	require.Equal(t, "好的", outcome.Created[0].Title)
}

func TestProcessRecognitionFailureRepliesHint(t *testing.T) {
	t.Parallel()

	orch, notifier := newTestOrchestrator(&stubModel{}, &fakeCalendarAPI{}, 5*time.Second)

	outcome := orch.Process(context.Background(), bus.InboundMessage{
		ID:          "msg-img",
		Channel:     "lark",
		SenderID:    "user-1",
		ChatID:      "chat-1",
		Modality:    bus.ModalityImage,
		ResourceRef: "image:key",
		ReceivedAt:  time.Now(),
	})

	require.Equal(t, StateFailed, outcome.State)
	var recErr *RecognitionError
	require.ErrorAs(t, outcome.Err, &recErr)

	replies := notifier.all()
	require.Len(t, replies, 1)
	require.True(t, strings.Contains(replies[0].Content, "图片"), "reply should mention the image modality: %q", replies[0].Content)
}

func TestProcessTimeout(t *testing.T) {
	t.Parallel()

	orch, _ := newTestOrchestrator(blockingModel{}, &fakeCalendarAPI{}, 50*time.Millisecond)

	outcome := orch.Process(context.Background(), textMessage("明天开会", time.Now()))

	require.Equal(t, StateFailed, outcome.State)
	require.True(t, outcome.TimedOut)
}
