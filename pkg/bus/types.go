package bus

import "time"

// Modality is the medium of an inbound message.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
	ModalityVoice Modality = "voice"
)

// InboundMessage is the immutable record of one received chat message.
// Content holds the raw text for text messages; ResourceRef holds the
// platform file key for image and voice messages.
type InboundMessage struct {
	ID          string            `json:"id"`
	Channel     string            `json:"channel"`
	SenderID    string            `json:"sender_id"`
	ChatID      string            `json:"chat_id"`
	Modality    Modality          `json:"modality"`
	Content     string            `json:"content,omitempty"`
	ResourceRef string            `json:"resource_ref,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a reply destined for the originating chat. ReplyTo
// carries the inbound message ID when the channel supports threaded replies.
type OutboundMessage struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	ReplyTo string `json:"reply_to,omitempty"`
	Content string `json:"content"`
}
