package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"schedbot/pkg/bus"
	"schedbot/pkg/channel"
	"schedbot/pkg/config"
	"schedbot/pkg/pipeline"
	"schedbot/pkg/store"
)

const (
	defaultWorkers        = 4
	storeCleanupInterval  = time.Hour
	eventSubscriberBuffer = 256
	shutdownDrainTimeout  = 5 * time.Second
)

// OAuthExchanger trades an authorization code for a stored user token.
// The returned value is the user ID the token was stored under.
type OAuthExchanger interface {
	ExchangeCode(ctx context.Context, code, fallbackUserID string) (string, error)
}

// Service runs the channel adapters and a worker pool that drives inbound
// messages through the pipeline. It also serves the HTTP status and OAuth
// callback endpoints.
type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	mb       *bus.MessageBus
	orch     *pipeline.Orchestrator
	store    *store.Store
	oauth    OAuthExchanger
	channels []channel.Adapter
	workers  int

	mu            sync.RWMutex
	startedAt     time.Time
	channelStates map[string]channelState
	counters      runCounters
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type runCounters struct {
	Received int64 `json:"received"`
	Skipped  int64 `json:"skipped"`
	Created  int64 `json:"events_created"`
	Done     int64 `json:"done"`
	Failed   int64 `json:"failed"`
}

func NewService(cfg *config.Config, mb *bus.MessageBus, orch *pipeline.Orchestrator, st *store.Store, oauth OAuthExchanger, adapters []channel.Adapter, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if mb == nil {
		return nil, errors.New("message bus is required")
	}
	if orch == nil {
		return nil, errors.New("orchestrator is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if len(adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}
	if log == nil {
		log = slog.Default()
	}

	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		channelStates[adapter.Name()] = channelState{}
	}

	return &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		mb:            mb,
		orch:          orch,
		store:         st,
		oauth:         oauth,
		channels:      adapters,
		workers:       defaultWorkers,
		channelStates: channelStates,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	serverErrors := make(chan error, 1)
	go s.runStatusServer(ctx, serverErrors)

	events, unsubscribe := s.mb.SubscribeEvents(ctx, eventSubscriberBuffer)
	defer unsubscribe()
	go s.countEvents(events)

	go s.runStoreCleanup(ctx)

	var workerWG sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			s.runWorker(ctx)
		}()
	}

	errCh := make(chan error, len(s.channels))
	for _, adapter := range s.channels {
		adapter := adapter
		s.setChannelState(adapter.Name(), channelState{Running: true})

		go func() {
			err := adapter.Run(ctx, s.mb)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrors:
	case runErr = <-errCh:
	}

	s.mb.Close()

	drained := make(chan struct{})
	go func() {
		workerWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(shutdownDrainTimeout):
		s.log.Warn("worker drain timed out")
	}

	return runErr
}

// runWorker consumes inbound messages until the bus closes. Each message
// passes durable transport dedup before entering the pipeline.
func (s *Service) runWorker(ctx context.Context) {
	for {
		msg, ok := s.mb.ConsumeInbound(ctx)
		if !ok {
			return
		}
		s.processMessage(ctx, msg)
	}
}

func (s *Service) processMessage(ctx context.Context, msg bus.InboundMessage) {
	first, err := s.store.MarkProcessed(ctx, msg.Channel, msg.ID, s.cfg.Pipeline.TransportDedupWindow())
	if err != nil {
		// Dedup bookkeeping failure must not drop the message.
		s.log.Warn("transport dedup check failed", "message_id", msg.ID, "error", err)
	} else if !first {
		s.log.Debug("redelivered message skipped", "message_id", msg.ID)
		s.mb.PublishEvent(ctx, bus.Event{
			Type:      bus.EventMessageSkipped,
			Channel:   msg.Channel,
			MessageID: msg.ID,
			SenderID:  msg.SenderID,
			Payload:   map[string]string{"reason": "redelivered"},
		})
		return
	}

	outcome := s.orch.Process(ctx, msg)
	if outcome.Err != nil {
		s.log.Warn("message run finished with error",
			"run_id", outcome.RunID,
			"message_id", outcome.MessageID,
			"state", string(outcome.State),
			"created", len(outcome.Created),
			"timed_out", outcome.TimedOut,
			"error", outcome.Err)
		return
	}
	s.log.Info("message run finished",
		"run_id", outcome.RunID,
		"message_id", outcome.MessageID,
		"state", string(outcome.State),
		"created", len(outcome.Created),
		"skipped", len(outcome.Skipped))
}

func (s *Service) countEvents(events <-chan bus.Event) {
	for event := range events {
		s.mu.Lock()
		switch event.Type {
		case bus.EventMessageReceived:
			s.counters.Received++
		case bus.EventMessageSkipped:
			s.counters.Skipped++
		case bus.EventEventCreated:
			s.counters.Created++
		case bus.EventMessageDone:
			s.counters.Done++
		case bus.EventMessageFailed:
			s.counters.Failed++
		}
		s.mu.Unlock()
	}
}

func (s *Service) runStoreCleanup(ctx context.Context) {
	ticker := time.NewTicker(storeCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.store.Cleanup(ctx)
			if err != nil {
				s.log.Warn("store cleanup failed", "error", err)
				continue
			}
			if removed > 0 {
				s.log.Debug("store cleanup", "removed", removed)
			}
		}
	}
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
