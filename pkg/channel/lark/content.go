package lark

import (
	"encoding/json"
	"strings"
)

// extractTextContent parses a text message content JSON: {"text":"..."}.
func extractTextContent(raw string) string {
	if raw == "" {
		return ""
	}
	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return strings.TrimSpace(raw)
	}
	return strings.TrimSpace(parsed.Text)
}

// extractPostContent parses a rich post message content JSON and flattens
// the text runs. The payload looks like:
// {"title":"...","content":[[{"tag":"text","text":"..."}]]}
func extractPostContent(raw string) string {
	if raw == "" {
		return ""
	}

	type postElement struct {
		Tag      string `json:"tag"`
		Text     string `json:"text"`
		UserID   string `json:"user_id"`
		UserName string `json:"user_name"`
	}
	type postPayload struct {
		Title   string          `json:"title"`
		Content [][]postElement `json:"content"`
	}

	var parsed postPayload
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return strings.TrimSpace(raw)
	}

	var sb strings.Builder
	if title := strings.TrimSpace(parsed.Title); title != "" {
		sb.WriteString(title)
	}
	for _, line := range parsed.Content {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		for _, el := range line {
			switch el.Tag {
			case "text":
				sb.WriteString(el.Text)
			case "at":
				name := strings.TrimSpace(el.UserName)
				if name == "" {
					name = strings.TrimSpace(el.UserID)
				}
				if name != "" {
					sb.WriteString("@")
					sb.WriteString(name)
				}
			default:
				if el.Text != "" {
					sb.WriteString(el.Text)
				}
			}
		}
	}

	return strings.TrimSpace(sb.String())
}

// extractImageKey parses an image message content JSON: {"image_key":"..."}.
func extractImageKey(raw string) string {
	if raw == "" {
		return ""
	}
	var parsed struct {
		ImageKey string `json:"image_key"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return ""
	}
	return strings.TrimSpace(parsed.ImageKey)
}

// extractFileKey parses an audio or media message content JSON:
// {"file_key":"...","duration":12340}. The duration is in milliseconds.
func extractFileKey(raw string) (string, int) {
	if raw == "" {
		return "", 0
	}
	var parsed struct {
		FileKey  string `json:"file_key"`
		Duration int    `json:"duration"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return "", 0
	}
	return strings.TrimSpace(parsed.FileKey), parsed.Duration
}

// textContent builds the JSON content payload for a text message.
func textContent(text string) string {
	payload, _ := json.Marshal(map[string]string{"text": text})
	return string(payload)
}
