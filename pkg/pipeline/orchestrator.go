package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"schedbot/pkg/bus"
)

// State is the pipeline position of one message run.
type State string

const (
	StateReceived    State = "received"
	StateNormalizing State = "normalizing"
	StateExtracting  State = "extracting"
	StateValidating  State = "validating"
	StateCreating    State = "creating"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Outcome is the terminal result of one message run. Partial creation is a
// valid terminal state: events created before a failure stay created.
type Outcome struct {
	RunID     string
	MessageID string
	State     State
	Created   []CalendarEvent
	Skipped   []ValidatedCandidate
	TimedOut  bool
	Err       error
}

// Orchestrator drives one message through normalize → extract → validate →
// create, enforcing a per-message wall-clock timeout across all stages.
// There is deliberately no awaiting-confirmation state: extraction results
// are committed to the calendar directly.
type Orchestrator struct {
	normalizer *Normalizer
	extractor  *Extractor
	validator  *Validator
	creator    *Creator

	notifier Notifier
	events   *bus.MessageBus
	authURL  func(senderID string) string

	timeout time.Duration
	log     *slog.Logger
}

// NewOrchestrator wires the four stages. notifier, events and authURL are
// optional; pipeline correctness never depends on them.
func NewOrchestrator(n *Normalizer, e *Extractor, v *Validator, c *Creator, timeout time.Duration, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}

	return &Orchestrator{
		normalizer: n,
		extractor:  e,
		validator:  v,
		creator:    c,
		timeout:    timeout,
		log:        log.With("component", "pipeline.orchestrator"),
	}
}

// SetNotifier configures the optional reply collaborator.
func (o *Orchestrator) SetNotifier(n Notifier) { o.notifier = n }

// SetEventBus configures the optional lifecycle-event sink.
func (o *Orchestrator) SetEventBus(mb *bus.MessageBus) { o.events = mb }

// SetAuthorizeURL configures the optional per-sender OAuth prompt builder
// used when event creation fails with an expired or missing authorization.
func (o *Orchestrator) SetAuthorizeURL(build func(senderID string) string) { o.authURL = build }

// Process runs the full pipeline for one inbound message. The message has
// already passed transport-level dedup; semantic dedup happens per candidate
// inside the creator.
func (o *Orchestrator) Process(ctx context.Context, msg bus.InboundMessage) Outcome {
	runID := ulid.Make().String()
	outcome := Outcome{RunID: runID, MessageID: msg.ID, State: StateReceived}
	log := o.log.With("run_id", runID, "message_id", msg.ID, "modality", string(msg.Modality))

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	o.publish(bus.Event{Type: bus.EventMessageReceived, Channel: msg.Channel, MessageID: msg.ID, SenderID: msg.SenderID, RunID: runID})

	reference := msg.ReceivedAt
	if reference.IsZero() {
		reference = time.Now()
	}

	outcome.State = StateNormalizing
	text, err := o.normalizer.Normalize(ctx, msg)
	if err != nil {
		return o.fail(ctx, msg, outcome, err, log)
	}

	outcome.State = StateExtracting
	candidates, err := o.extractor.Extract(ctx, text, reference)
	if err != nil {
		return o.fail(ctx, msg, outcome, err, log)
	}
	if len(candidates) == 0 {
		log.Info("No schedules found in message")
		o.reply(ctx, msg, replyNothingFound)
		outcome.State = StateDone
		o.publish(bus.Event{Type: bus.EventMessageDone, Channel: msg.Channel, MessageID: msg.ID, SenderID: msg.SenderID, RunID: runID,
			Payload: map[string]string{"created": "0"}})
		return outcome
	}

	outcome.State = StateValidating
	validated := make([]ValidatedCandidate, 0, len(candidates))
	for _, candidate := range candidates {
		vc := o.validator.Validate(candidate, msg.SenderID, reference)
		if vc.Status != StatusOK {
			log.Info("Candidate rejected by validator", "status", string(vc.Status), "title", vc.Title, "raw_span", vc.RawSpan)
			outcome.Skipped = append(outcome.Skipped, vc)
			continue
		}
		validated = append(validated, vc)
	}

	outcome.State = StateCreating
	var createErr error
	for _, vc := range validated {
		event, err := o.creator.Create(ctx, vc)
		if err != nil {
			log.Warn("Event creation failed", "title", vc.Title, "error", err)
			createErr = err

			var ce *CreateError
			if errors.As(err, &ce) && ce.Kind == CreateAuthExpired {
				// The sender's authorization is broken for every sibling
				// candidate too; stop and prompt re-authorization.
				o.replyAuthPrompt(ctx, msg)
				break
			}
			// One bad candidate never blocks its siblings.
			continue
		}

		outcome.Created = append(outcome.Created, event)
		o.publish(bus.Event{Type: bus.EventEventCreated, Channel: msg.Channel, MessageID: msg.ID, SenderID: msg.SenderID, RunID: runID,
			Payload: map[string]string{"event_id": event.EventID, "title": event.Title}})
	}

	if len(outcome.Created) > 0 {
		o.reply(ctx, msg, summarizeCreated(outcome.Created))
	}

	if len(outcome.Created) == 0 && createErr != nil {
		return o.fail(ctx, msg, outcome, createErr, log)
	}

	outcome.State = StateDone
	log.Info("Message processed", "created", len(outcome.Created), "skipped", len(outcome.Skipped))
	o.publish(bus.Event{Type: bus.EventMessageDone, Channel: msg.Channel, MessageID: msg.ID, SenderID: msg.SenderID, RunID: runID,
		Payload: map[string]string{"created": strconv.Itoa(len(outcome.Created))}})

	return outcome
}

func (o *Orchestrator) fail(ctx context.Context, msg bus.InboundMessage, outcome Outcome, err error, log *slog.Logger) Outcome {
	outcome.Err = err
	outcome.TimedOut = errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	failedAt := outcome.State
	outcome.State = StateFailed

	log.Warn("Message failed", "stage", string(failedAt), "timed_out", outcome.TimedOut, "error", err)

	var recErr *RecognitionError
	if errors.As(err, &recErr) && !outcome.TimedOut {
		o.reply(ctx, msg, recognitionHint(recErr))
	}

	o.publish(bus.Event{Type: bus.EventMessageFailed, Channel: msg.Channel, MessageID: msg.ID, SenderID: msg.SenderID, RunID: outcome.RunID,
		Payload: map[string]string{"stage": string(failedAt)}, Error: err.Error()})

	return outcome
}

func (o *Orchestrator) publish(event bus.Event) {
	if o.events == nil {
		return
	}
	o.events.PublishEvent(context.Background(), event)
}

// reply delivers an optional notification. Failures are logged and ignored:
// a failed message produces silence, never an error dialog.
func (o *Orchestrator) reply(ctx context.Context, msg bus.InboundMessage, text string) {
	if o.notifier == nil || text == "" {
		return
	}
	// Use a detached context so a pipeline timeout does not cancel the
	// outcome report itself.
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.notifier.Reply(notifyCtx, msg.ChatID, msg.ID, text); err != nil {
		o.log.Warn("Reply failed", "message_id", msg.ID, "error", err)
	}
}

func (o *Orchestrator) replyAuthPrompt(ctx context.Context, msg bus.InboundMessage) {
	if o.authURL == nil {
		return
	}
	url := o.authURL(msg.SenderID)
	if url == "" {
		return
	}
	o.reply(ctx, msg, "请先授权日历访问权限，完成后重新发送消息：\n"+url)
}

const replyNothingFound = "未能识别日程信息。\n\n请尝试发送类似：\n「明天下午3点开会」\n「周五中午12点和张三吃饭」"

func recognitionHint(err *RecognitionError) string {
	switch err.Modality {
	case bus.ModalityImage:
		return "未能识别图片中的文字，请发送更清晰的截图。"
	case bus.ModalityVoice:
		return "未能识别这条语音，请重试或改发文字消息。"
	default:
		return "暂不支持该消息类型，请发送文字、图片或语音。"
	}
}

// summarizeCreated builds the confirmation reply listing every created event.
func summarizeCreated(events []CalendarEvent) string {
	var sb strings.Builder
	sb.WriteString("✅ 已创建日程：")
	for _, event := range events {
		sb.WriteString(fmt.Sprintf("\n📅 %s\n🕐 %s", event.Title, event.StartAt.Format("2006-01-02 15:04")))
		if event.Location != "" {
			sb.WriteString("\n📍 " + event.Location)
		}
	}
	return sb.String()
}
