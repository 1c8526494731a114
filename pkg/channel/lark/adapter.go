package lark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"schedbot/pkg/bus"
	"schedbot/pkg/config"
)

// ChannelName identifies this adapter on the message bus.
const ChannelName = "lark"

const (
	messageDedupCacheSize = 2048
	messageDedupTTL       = 10 * time.Minute
)

// Adapter bridges the Lark long connection onto the message bus: received
// messages become inbound bus messages, outbound bus messages become chat
// replies. It also serves as the pipeline's resource fetcher for image and
// voice payloads.
type Adapter struct {
	cfg       config.LarkConfig
	client    *lark.Client
	wsClient  *larkws.Client
	mb        *bus.MessageBus
	allowFrom map[string]struct{}

	dedupMu    sync.Mutex
	dedupCache *lru.Cache[string, time.Time]
	now        func() time.Time
	log        *slog.Logger
}

func New(cfg config.LarkConfig) (*Adapter, error) {
	if strings.TrimSpace(cfg.AppID) == "" || strings.TrimSpace(cfg.AppSecret) == "" {
		return nil, errors.New("lark adapter requires app_id and app_secret")
	}

	dedupCache, err := lru.New[string, time.Time](messageDedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("lark message deduper init: %w", err)
	}

	var allowFrom map[string]struct{}
	if len(cfg.AllowFrom) > 0 {
		allowFrom = make(map[string]struct{}, len(cfg.AllowFrom))
		for _, senderID := range cfg.AllowFrom {
			if senderID = strings.TrimSpace(senderID); senderID != "" {
				allowFrom[senderID] = struct{}{}
			}
		}
	}

	var clientOpts []lark.ClientOptionFunc
	if domain := strings.TrimSpace(cfg.BaseDomain); domain != "" {
		clientOpts = append(clientOpts, lark.WithOpenBaseUrl(domain))
	}

	return &Adapter{
		cfg:        cfg,
		client:     lark.NewClient(cfg.AppID, cfg.AppSecret, clientOpts...),
		allowFrom:  allowFrom,
		dedupCache: dedupCache,
		now:        time.Now,
		log:        slog.Default().With("component", "channel.lark"),
	}, nil
}

func (a *Adapter) Name() string {
	return ChannelName
}

// Run connects the websocket client and blocks until the context is
// cancelled. Outbound bus messages are consumed concurrently and sent as
// chat replies.
func (a *Adapter) Run(ctx context.Context, mb *bus.MessageBus) error {
	if mb == nil {
		return errors.New("lark adapter requires a message bus")
	}
	a.mb = mb

	eventDispatcher := dispatcher.NewEventDispatcher("", "")
	eventDispatcher.OnP2MessageReceiveV1(a.handleMessage)

	wsOpts := []larkws.ClientOption{
		larkws.WithEventHandler(eventDispatcher),
		larkws.WithLogLevel(larkcore.LogLevelInfo),
	}
	if domain := strings.TrimSpace(a.cfg.BaseDomain); domain != "" {
		wsOpts = append(wsOpts, larkws.WithDomain(domain))
	}
	a.wsClient = larkws.NewClient(a.cfg.AppID, a.cfg.AppSecret, wsOpts...)

	go a.consumeOutbound(ctx)

	a.log.Info("lark channel connecting", "app_id", a.cfg.AppID)
	return a.wsClient.Start(ctx)
}

// handleMessage is the P2MessageReceiveV1 event handler.
func (a *Adapter) handleMessage(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return nil
	}
	msg := event.Event.Message

	messageID := deref(msg.MessageId)
	chatID := deref(msg.ChatId)
	if messageID == "" || chatID == "" {
		a.log.Warn("message missing message_id or chat_id, skipping")
		return nil
	}
	if a.isDuplicateMessage(messageID) {
		a.log.Debug("duplicate message skipped", "message_id", messageID)
		return nil
	}

	senderID := extractSenderID(event)
	if !a.senderAllowed(senderID) {
		a.log.Debug("sender not in allow list, skipping", "sender_id", senderID)
		return nil
	}

	inbound, ok := a.buildInbound(msg, messageID, chatID, senderID)
	if !ok {
		return nil
	}

	if !a.mb.PublishInbound(ctx, inbound) {
		a.log.Warn("inbound publish failed, bus closed or context done", "message_id", messageID)
	}
	return nil
}

// buildInbound maps a platform message onto a bus inbound message. Message
// types without schedule-bearing content (stickers, cards, system notices)
// are dropped here.
func (a *Adapter) buildInbound(msg *larkim.EventMessage, messageID, chatID, senderID string) (bus.InboundMessage, bool) {
	inbound := bus.InboundMessage{
		ID:         messageID,
		Channel:    ChannelName,
		SenderID:   senderID,
		ChatID:     chatID,
		ReceivedAt: a.messageTime(msg),
	}

	msgType := strings.ToLower(strings.TrimSpace(deref(msg.MessageType)))
	raw := deref(msg.Content)
	switch msgType {
	case "text":
		text := extractTextContent(raw)
		if text == "" {
			return bus.InboundMessage{}, false
		}
		inbound.Modality = bus.ModalityText
		inbound.Content = text
	case "post":
		text := extractPostContent(raw)
		if text == "" {
			return bus.InboundMessage{}, false
		}
		inbound.Modality = bus.ModalityText
		inbound.Content = text
	case "image":
		imageKey := extractImageKey(raw)
		if imageKey == "" {
			a.log.Warn("image message without image_key", "message_id", messageID)
			return bus.InboundMessage{}, false
		}
		inbound.Modality = bus.ModalityImage
		inbound.ResourceRef = encodeResourceRef(resourceTypeImage, imageKey)
	case "audio", "media":
		fileKey, duration := extractFileKey(raw)
		if fileKey == "" {
			a.log.Warn("audio message without file_key", "message_id", messageID)
			return bus.InboundMessage{}, false
		}
		inbound.Modality = bus.ModalityVoice
		inbound.ResourceRef = encodeResourceRef(resourceTypeFile, fileKey)
		inbound.Metadata = map[string]string{"mime_type": "audio/opus"}
		if duration > 0 {
			inbound.Metadata["duration_ms"] = strconv.Itoa(duration)
		}
	default:
		a.log.Debug("unsupported message type skipped", "message_id", messageID, "type", msgType)
		return bus.InboundMessage{}, false
	}

	return inbound, true
}

func (a *Adapter) messageTime(msg *larkim.EventMessage) time.Time {
	if raw := deref(msg.CreateTime); raw != "" {
		if millis, err := strconv.ParseInt(raw, 10, 64); err == nil && millis > 0 {
			return time.UnixMilli(millis)
		}
	}
	return a.now()
}

func (a *Adapter) senderAllowed(senderID string) bool {
	if a.allowFrom == nil {
		return true
	}
	_, ok := a.allowFrom[senderID]
	return ok
}

func (a *Adapter) isDuplicateMessage(messageID string) bool {
	a.dedupMu.Lock()
	defer a.dedupMu.Unlock()

	now := a.now()
	if ts, ok := a.dedupCache.Get(messageID); ok {
		if now.Sub(ts) <= messageDedupTTL {
			return true
		}
		a.dedupCache.Remove(messageID)
	}
	a.dedupCache.Add(messageID, now)
	return false
}

// consumeOutbound drains outbound bus messages and delivers them as chat
// messages. Delivery failures are logged and dropped.
func (a *Adapter) consumeOutbound(ctx context.Context) {
	for {
		msg, ok := a.mb.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		if msg.Channel != "" && msg.Channel != ChannelName {
			continue
		}
		if err := a.send(ctx, msg.ChatID, msg.ReplyTo, msg.Content); err != nil {
			a.log.Warn("outbound send failed", "chat_id", msg.ChatID, "error", err)
		}
	}
}

func (a *Adapter) send(ctx context.Context, chatID, replyTo, text string) error {
	if replyTo != "" {
		req := larkim.NewReplyMessageReqBuilder().
			MessageId(replyTo).
			Body(larkim.NewReplyMessageReqBodyBuilder().
				MsgType("text").
				Content(textContent(text)).
				Build()).
			Build()
		resp, err := a.client.Im.Message.Reply(ctx, req)
		if err != nil {
			return fmt.Errorf("reply message: %w", err)
		}
		if !resp.Success() {
			return fmt.Errorf("reply message: code=%d msg=%s", resp.Code, resp.Msg)
		}
		return nil
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("chat_id").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType("text").
			Content(textContent(text)).
			Build()).
		Build()
	resp, err := a.client.Im.Message.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("create message: code=%d msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

// InjectMessage builds a synthetic received-message event and feeds it
// through the regular handler. It exercises the full inbound path (dedup,
// allow list, content parsing, bus publish) without a live connection.
func (a *Adapter) InjectMessage(ctx context.Context, mb *bus.MessageBus, chatID, senderID, messageID, msgType, content string) error {
	if a.mb == nil {
		a.mb = mb
	}
	chatType := "p2p"

	event := &larkim.P2MessageReceiveV1{
		Event: &larkim.P2MessageReceiveV1Data{
			Message: &larkim.EventMessage{
				MessageId:   &messageID,
				ChatId:      &chatID,
				ChatType:    &chatType,
				MessageType: &msgType,
				Content:     &content,
			},
			Sender: &larkim.EventSender{
				SenderId: &larkim.UserId{
					OpenId: &senderID,
				},
			},
		},
	}
	return a.handleMessage(ctx, event)
}

// extractSenderID extracts the sender open_id from a message event.
func extractSenderID(event *larkim.P2MessageReceiveV1) string {
	if event == nil || event.Event == nil || event.Event.Sender == nil || event.Event.Sender.SenderId == nil {
		return ""
	}
	return deref(event.Event.Sender.SenderId.OpenId)
}

// deref safely dereferences a string pointer.
func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
