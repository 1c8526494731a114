package lark

import (
	"context"
	"fmt"
	"io"
	"strings"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"schedbot/pkg/bus"
)

// Resource reference types carried in inbound messages. The platform wants
// the original resource kind back when downloading, so the kind is encoded
// into the reference alongside the file key.
const (
	resourceTypeImage = "image"
	resourceTypeFile  = "file"
)

func encodeResourceRef(resourceType, key string) string {
	return resourceType + ":" + key
}

func decodeResourceRef(ref string) (resourceType, key string, err error) {
	resourceType, key, found := strings.Cut(ref, ":")
	if !found || resourceType == "" || key == "" {
		return "", "", fmt.Errorf("malformed resource ref %q", ref)
	}
	return resourceType, key, nil
}

// Fetch downloads the raw bytes of a message resource (image or voice
// payload). It implements the pipeline's ResourceFetcher capability.
func (a *Adapter) Fetch(ctx context.Context, messageID, ref string) ([]byte, error) {
	resourceType, fileKey, err := decodeResourceRef(ref)
	if err != nil {
		return nil, err
	}

	req := larkim.NewGetMessageResourceReqBuilder().
		MessageId(messageID).
		FileKey(fileKey).
		Type(resourceType).
		Build()
	resp, err := a.client.Im.MessageResource.Get(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("get message resource: %w", err)
	}
	if !resp.Success() {
		return nil, fmt.Errorf("get message resource: code=%d msg=%s", resp.Code, resp.Msg)
	}

	data, err := io.ReadAll(resp.File)
	if err != nil {
		return nil, fmt.Errorf("read message resource: %w", err)
	}
	return data, nil
}

// Notifier adapts the bus outbound surface into the pipeline's Notifier
// capability. Replies are queued onto the bus and delivered by whichever
// adapter owns the channel.
type Notifier struct {
	mb *bus.MessageBus
}

func NewNotifier(mb *bus.MessageBus) *Notifier {
	return &Notifier{mb: mb}
}

func (n *Notifier) Reply(ctx context.Context, chatID, replyTo, text string) error {
	ok := n.mb.PublishOutbound(ctx, bus.OutboundMessage{
		Channel: ChannelName,
		ChatID:  chatID,
		ReplyTo: replyTo,
		Content: text,
	})
	if !ok {
		return fmt.Errorf("outbound publish failed for chat %s", chatID)
	}
	return nil
}
