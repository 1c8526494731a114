package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkauthen "github.com/larksuite/oapi-sdk-go/v3/service/authen/v1"
	larkcalendar "github.com/larksuite/oapi-sdk-go/v3/service/calendar/v4"

	"schedbot/pkg/config"
	"schedbot/pkg/pipeline"
)

const (
	defaultBaseDomain    = "https://open.feishu.cn"
	defaultRefreshLeeway = 5 * time.Minute
)

// Client wraps the open platform calendar and auth APIs with per-sender
// user tokens. It implements the pipeline's CalendarAPI and TokenRefresher
// capabilities.
type Client struct {
	client        *lark.Client
	tokens        TokenStore
	appID         string
	baseDomain    string
	authorizeURL  string
	redirectURI   string
	timezone      *time.Location
	timezoneName  string
	refreshLeeway time.Duration
	now           func() time.Time
	log           *slog.Logger
}

func New(cfg config.CalendarConfig, tokens TokenStore) (*Client, error) {
	appID := strings.TrimSpace(cfg.AppID)
	appSecret := strings.TrimSpace(cfg.AppSecret)
	if appID == "" || appSecret == "" {
		return nil, errors.New("calendar.app_id and calendar.app_secret are required")
	}
	if tokens == nil {
		return nil, errors.New("calendar token store is required")
	}

	baseDomain := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if baseDomain == "" {
		baseDomain = defaultBaseDomain
	}

	timezoneName := strings.TrimSpace(cfg.Timezone)
	if timezoneName == "" {
		timezoneName = "Asia/Shanghai"
	}
	timezone, err := time.LoadLocation(timezoneName)
	if err != nil {
		return nil, fmt.Errorf("calendar.timezone %q: %w", timezoneName, err)
	}

	clientOpts := []lark.ClientOptionFunc{lark.WithOpenBaseUrl(baseDomain)}
	if cfg.RequestTimeoutSeconds > 0 {
		clientOpts = append(clientOpts, lark.WithReqTimeout(time.Duration(cfg.RequestTimeoutSeconds)*time.Second))
	}

	return &Client{
		client:        lark.NewClient(appID, appSecret, clientOpts...),
		tokens:        tokens,
		appID:         appID,
		baseDomain:    baseDomain,
		authorizeURL:  strings.TrimSpace(cfg.OAuthAuthorizeURL),
		redirectURI:   strings.TrimSpace(cfg.OAuthRedirectURI),
		timezone:      timezone,
		timezoneName:  timezoneName,
		refreshLeeway: defaultRefreshLeeway,
		now:           time.Now,
		log:           slog.Default().With("component", "calendar.client"),
	}, nil
}

// Timezone returns the location events are created in.
func (c *Client) Timezone() *time.Location {
	return c.timezone
}

// AuthorizeURL builds the OAuth authorization page URL for the sender. The
// sender's ID travels as the state parameter and comes back on the
// callback, tying the issued token to the sender.
func (c *Client) AuthorizeURL(senderID string) string {
	base := c.authorizeURL
	if base == "" {
		base = c.baseDomain + "/open-apis/authen/v1/index"
	}

	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("app_id", c.appID)
	if c.redirectURI != "" {
		q.Set("redirect_uri", c.redirectURI)
	}
	q.Set("state", senderID)
	u.RawQuery = q.Encode()

	return u.String()
}

// ExchangeCode trades an OAuth authorization code for a user token and
// persists it. The returned user ID is the open_id the platform reports
// for the token; fallbackUserID (the callback's state) is used when the
// response omits it.
func (c *Client) ExchangeCode(ctx context.Context, code, fallbackUserID string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", errors.New("authorization code is required")
	}

	req := larkauthen.NewCreateAccessTokenReqBuilder().Body(
		larkauthen.NewCreateAccessTokenReqBodyBuilder().
			GrantType("authorization_code").
			Code(code).
			Build(),
	).Build()
	resp, err := c.client.Authen.AccessToken.Create(ctx, req)
	if err != nil {
		return "", transportError("exchange_code", err)
	}
	if !resp.Success() {
		return "", classifyAPIError("exchange_code", resp.StatusCode, resp.Code, resp.Msg)
	}
	if resp.Data == nil {
		return "", errors.New("exchange_code: empty response data")
	}

	token := c.tokenFromGrant(resp.Data.OpenId, resp.Data.AccessToken, resp.Data.RefreshToken, resp.Data.ExpiresIn, resp.Data.RefreshExpiresIn)
	if token.UserID == "" {
		token.UserID = strings.TrimSpace(fallbackUserID)
	}
	if token.UserID == "" {
		return "", errors.New("exchange_code: response missing open_id")
	}
	if err := c.tokens.PutToken(ctx, token); err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	c.log.Info("user authorized", "user_id", token.UserID, "expires_at", token.ExpiresAt)

	return token.UserID, nil
}

// RefreshUserToken exchanges the sender's refresh token for a fresh access
// token. A missing or rejected refresh token wraps ErrUnauthorized so the
// caller can prompt for re-authorization.
func (c *Client) RefreshUserToken(ctx context.Context, senderID string) error {
	token, err := c.tokens.GetToken(ctx, senderID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return fmt.Errorf("refresh token for %s: %w", senderID, pipeline.ErrUnauthorized)
		}
		return fmt.Errorf("load token for %s: %w", senderID, err)
	}

	refreshed, err := c.refresh(ctx, token)
	if err != nil {
		return err
	}
	if err := c.tokens.PutToken(ctx, refreshed); err != nil {
		return fmt.Errorf("store refreshed token: %w", err)
	}
	c.log.Debug("user token refreshed", "user_id", senderID, "expires_at", refreshed.ExpiresAt)

	return nil
}

// PrimaryCalendar returns the sender's primary calendar ID. The calendar
// list API wants a concrete calendar_id elsewhere, so the primary one is
// picked out of the list by type, falling back to ownership.
func (c *Client) PrimaryCalendar(ctx context.Context, senderID string) (string, error) {
	accessToken, err := c.accessToken(ctx, senderID)
	if err != nil {
		return "", err
	}

	req := larkcalendar.NewListCalendarReqBuilder().PageSize(50).Build()
	resp, err := c.client.Calendar.Calendar.List(ctx, req, larkcore.WithUserAccessToken(accessToken))
	if err != nil {
		return "", transportError("list_calendars", err)
	}
	if !resp.Success() {
		return "", classifyAPIError("list_calendars", resp.StatusCode, resp.Code, resp.Msg)
	}
	if resp.Data == nil || len(resp.Data.CalendarList) == 0 {
		return "", fmt.Errorf("primary calendar for %s: %w", senderID, pipeline.ErrNotFound)
	}

	for _, cal := range resp.Data.CalendarList {
		if cal == nil || cal.CalendarId == nil || *cal.CalendarId == "" {
			continue
		}
		if cal.Type != nil && strings.EqualFold(*cal.Type, "primary") {
			return *cal.CalendarId, nil
		}
	}
	for _, cal := range resp.Data.CalendarList {
		if cal == nil || cal.CalendarId == nil || *cal.CalendarId == "" {
			continue
		}
		if cal.Role != nil && strings.EqualFold(*cal.Role, "owner") {
			return *cal.CalendarId, nil
		}
	}

	return "", fmt.Errorf("primary calendar for %s: %w", senderID, pipeline.ErrNotFound)
}

// CreateEvent creates the drafted event on the given calendar and returns
// the remote event ID.
func (c *Client) CreateEvent(ctx context.Context, senderID, calendarID string, draft pipeline.EventDraft) (string, error) {
	accessToken, err := c.accessToken(ctx, senderID)
	if err != nil {
		return "", err
	}

	eventBuilder := larkcalendar.NewCalendarEventBuilder().
		Summary(draft.Title).
		StartTime(larkcalendar.NewTimeInfoBuilder().
			Timestamp(strconv.FormatInt(draft.StartAt.Unix(), 10)).
			Timezone(c.timezoneName).
			Build()).
		EndTime(larkcalendar.NewTimeInfoBuilder().
			Timestamp(strconv.FormatInt(draft.EndAt.Unix(), 10)).
			Timezone(c.timezoneName).
			Build())
	if draft.Location != "" {
		eventBuilder.Location(larkcalendar.NewEventLocationBuilder().Name(draft.Location).Build())
	}

	req := larkcalendar.NewCreateCalendarEventReqBuilder().
		CalendarId(calendarID).
		CalendarEvent(eventBuilder.Build()).
		Build()
	resp, err := c.client.Calendar.CalendarEvent.Create(ctx, req, larkcore.WithUserAccessToken(accessToken))
	if err != nil {
		return "", transportError("create_event", err)
	}
	if !resp.Success() {
		return "", classifyAPIError("create_event", resp.StatusCode, resp.Code, resp.Msg)
	}
	if resp.Data == nil || resp.Data.Event == nil || resp.Data.Event.EventId == nil {
		return "", errors.New("create_event: response missing event_id")
	}

	return *resp.Data.Event.EventId, nil
}

// accessToken loads the sender's access token, refreshing it first when it
// is expired or about to expire.
func (c *Client) accessToken(ctx context.Context, senderID string) (string, error) {
	token, err := c.tokens.GetToken(ctx, senderID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return "", fmt.Errorf("access token for %s: %w", senderID, pipeline.ErrUnauthorized)
		}
		return "", fmt.Errorf("load token for %s: %w", senderID, err)
	}

	if token.AccessValidAt(c.now(), c.refreshLeeway) {
		return token.AccessToken, nil
	}

	refreshed, err := c.refresh(ctx, token)
	if err != nil {
		return "", err
	}
	if err := c.tokens.PutToken(ctx, refreshed); err != nil {
		return "", fmt.Errorf("store refreshed token: %w", err)
	}

	return refreshed.AccessToken, nil
}

func (c *Client) refresh(ctx context.Context, token Token) (Token, error) {
	refreshToken := strings.TrimSpace(token.RefreshToken)
	if refreshToken == "" {
		return Token{}, fmt.Errorf("refresh token for %s: %w", token.UserID, pipeline.ErrUnauthorized)
	}

	req := larkauthen.NewCreateRefreshAccessTokenReqBuilder().Body(
		larkauthen.NewCreateRefreshAccessTokenReqBodyBuilder().
			GrantType("refresh_token").
			RefreshToken(refreshToken).
			Build(),
	).Build()
	resp, err := c.client.Authen.RefreshAccessToken.Create(ctx, req)
	if err != nil {
		return Token{}, transportError("refresh_token", err)
	}
	if !resp.Success() {
		return Token{}, classifyAPIError("refresh_token", resp.StatusCode, resp.Code, resp.Msg)
	}
	if resp.Data == nil {
		return Token{}, errors.New("refresh_token: empty response data")
	}

	refreshed := c.tokenFromGrant(resp.Data.OpenId, resp.Data.AccessToken, resp.Data.RefreshToken, resp.Data.ExpiresIn, resp.Data.RefreshExpiresIn)
	if refreshed.UserID == "" {
		refreshed.UserID = token.UserID
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = token.RefreshToken
		refreshed.RefreshExpiresAt = token.RefreshExpiresAt
	}

	return refreshed, nil
}

func (c *Client) tokenFromGrant(openID, accessToken, refreshToken *string, expiresIn, refreshExpiresIn *int) Token {
	now := c.now()
	token := Token{
		UserID:       derefString(openID),
		AccessToken:  derefString(accessToken),
		RefreshToken: derefString(refreshToken),
		UpdatedAt:    now,
	}
	if seconds := derefInt(expiresIn); seconds > 0 {
		token.ExpiresAt = now.Add(time.Duration(seconds) * time.Second)
	}
	if seconds := derefInt(refreshExpiresIn); seconds > 0 {
		token.RefreshExpiresAt = now.Add(time.Duration(seconds) * time.Second)
	}
	return token
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func derefInt(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
