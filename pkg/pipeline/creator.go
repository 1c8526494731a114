package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const calendarCacheSize = 1024

// CreatorOptions bundles the policy knobs for event creation.
type CreatorOptions struct {
	Attempts        int
	RetryBackoff    time.Duration
	DefaultDuration time.Duration
	DedupTTL        time.Duration
	CalendarTTL     time.Duration
}

// Creator maps a validated candidate onto calendar-API create semantics:
// cached primary-calendar resolution, dedup-store idempotency, bounded
// retry with backoff, and one token-refresh cycle on authorization failure.
type Creator struct {
	api       CalendarAPI
	refresher TokenRefresher
	store     DedupStore
	opts      CreatorOptions

	calendars *expirable.LRU[string, string]
	resolving singleflight.Group

	sleep func(ctx context.Context, d time.Duration) error
	log   *slog.Logger
}

func NewCreator(api CalendarAPI, refresher TokenRefresher, store DedupStore, opts CreatorOptions, log *slog.Logger) *Creator {
	if log == nil {
		log = slog.Default()
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}

	return &Creator{
		api:       api,
		refresher: refresher,
		store:     store,
		opts:      opts,
		calendars: expirable.NewLRU[string, string](calendarCacheSize, nil, opts.CalendarTTL),
		sleep:     sleepContext,
		log:       log.With("component", "pipeline.creator"),
	}
}

// Create creates the remote event for one ok-status candidate. Calling it
// twice with the same candidate produces exactly one remote event: the
// second call is served from the dedup store.
func (c *Creator) Create(ctx context.Context, vc ValidatedCandidate) (CalendarEvent, error) {
	if vc.Status != StatusOK {
		return CalendarEvent{}, &CreateError{Kind: CreateRejected, Detail: "candidate status is " + string(vc.Status)}
	}

	if event, ok, err := c.store.GetEvent(ctx, vc.DedupKey); err != nil {
		c.log.Warn("Dedup store lookup failed, proceeding to create", "dedup_key", vc.DedupKey, "error", err)
	} else if ok {
		c.log.Info("Duplicate candidate served from dedup store", "dedup_key", vc.DedupKey, "event_id", event.EventID)
		return event, nil
	}

	calendarID, err := c.resolveCalendarWithAuth(ctx, vc.SenderID)
	if err != nil {
		return CalendarEvent{}, err
	}

	draft := EventDraft{
		Title:    vc.Title,
		StartAt:  vc.StartAt,
		EndAt:    vc.EndAt,
		Location: vc.Location,
	}
	if draft.EndAt.IsZero() {
		// Default-duration policy lives here: it is a calendar-semantics
		// decision, not an extraction one.
		draft.EndAt = draft.StartAt.Add(c.opts.DefaultDuration)
	}

	eventID, err := c.createWithRetry(ctx, vc.SenderID, calendarID, draft)
	if err != nil {
		return CalendarEvent{}, err
	}

	event := CalendarEvent{
		CalendarID: calendarID,
		EventID:    eventID,
		DedupKey:   vc.DedupKey,
		Title:      vc.Title,
		StartAt:    vc.StartAt,
		Location:   vc.Location,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.store.PutEvent(ctx, event, c.opts.DedupTTL); err != nil {
		// Duplicate creation on redelivery is wasteful but self-healing;
		// the created event is still the success result.
		c.log.Warn("Recording created event failed", "dedup_key", vc.DedupKey, "error", err)
	}

	return event, nil
}

func (c *Creator) createWithRetry(ctx context.Context, senderID, calendarID string, draft EventDraft) (string, error) {
	var (
		refreshed  bool
		reresolved bool
	)

	for attempt := 0; attempt < c.opts.Attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.opts.RetryBackoff<<(attempt-1)); err != nil {
				return "", &CreateError{Kind: CreateTransient, Err: err}
			}
		}

		eventID, err := c.api.CreateEvent(ctx, senderID, calendarID, draft)
		if err == nil {
			return eventID, nil
		}

		switch {
		case errors.Is(err, ErrRateLimited), errors.Is(err, ErrTransient):
			c.log.Debug("Transient create failure, will retry", "attempt", attempt+1, "error", err)
			continue
		case errors.Is(err, ErrUnauthorized):
			if refreshed {
				return "", &CreateError{Kind: CreateAuthExpired, Err: err}
			}
			refreshed = true
			c.calendars.Remove(senderID)
			if refreshErr := c.refresher.RefreshUserToken(ctx, senderID); refreshErr != nil {
				return "", &CreateError{Kind: CreateAuthExpired, Err: refreshErr}
			}
			// The refresh does not consume a transient-retry attempt.
			attempt--
			continue
		case errors.Is(err, ErrNotFound):
			if reresolved {
				return "", &CreateError{Kind: CreateRejected, Detail: "calendar not found after re-resolution", Err: err}
			}
			reresolved = true
			c.calendars.Remove(senderID)
			fresh, resolveErr := c.resolveCalendar(ctx, senderID)
			if resolveErr != nil {
				return "", resolveErr
			}
			calendarID = fresh
			attempt--
			continue
		default:
			return "", &CreateError{Kind: CreateRejected, Detail: err.Error(), Err: err}
		}
	}

	return "", &CreateError{Kind: CreateTransient, Detail: "retry attempts exhausted"}
}

// resolveCalendarWithAuth resolves the primary calendar, allowing one
// token-refresh cycle when the stored access token has expired.
func (c *Creator) resolveCalendarWithAuth(ctx context.Context, senderID string) (string, error) {
	calendarID, err := c.resolveCalendar(ctx, senderID)
	if err == nil {
		return calendarID, nil
	}

	var createErr *CreateError
	if !errors.As(err, &createErr) || createErr.Kind != CreateAuthExpired {
		return "", err
	}
	if refreshErr := c.refresher.RefreshUserToken(ctx, senderID); refreshErr != nil {
		return "", &CreateError{Kind: CreateAuthExpired, Err: refreshErr}
	}

	return c.resolveCalendar(ctx, senderID)
}

// resolveCalendar returns the sender's primary calendar ID, cached with a
// TTL and collapsed across concurrent pipelines for the same sender.
func (c *Creator) resolveCalendar(ctx context.Context, senderID string) (string, error) {
	if calendarID, ok := c.calendars.Get(senderID); ok {
		return calendarID, nil
	}

	result, err, _ := c.resolving.Do(senderID, func() (any, error) {
		if calendarID, ok := c.calendars.Get(senderID); ok {
			return calendarID, nil
		}

		calendarID, err := c.api.PrimaryCalendar(ctx, senderID)
		if err != nil {
			return "", err
		}
		c.calendars.Add(senderID, calendarID)
		return calendarID, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUnauthorized):
			return "", &CreateError{Kind: CreateAuthExpired, Err: err}
		case errors.Is(err, ErrRateLimited), errors.Is(err, ErrTransient):
			return "", &CreateError{Kind: CreateTransient, Err: err}
		default:
			return "", &CreateError{Kind: CreateRejected, Detail: err.Error(), Err: err}
		}
	}

	return result.(string), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
