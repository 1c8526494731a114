package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"schedbot/pkg/config"
	"schedbot/pkg/pipeline"
)

// Client implements the pipeline's ScheduleModel, ImageRecognizer and
// VoiceRecognizer capabilities on one OpenAI-compatible endpoint.
type Client struct {
	client          osdk.Client
	extractModel    string
	visionModel     string
	transcribeModel string
	requestTimeout  time.Duration
}

func New(cfg config.AIConfig) (*Client, error) {
	apiKey := resolveAPIKey(cfg)
	if apiKey == "" {
		return nil, fmt.Errorf("ai.api_key_env is required (%s must be set)", cfg.APIKeyEnv)
	}
	if strings.TrimSpace(cfg.ExtractModel) == "" {
		return nil, errors.New("ai.extract_model is required")
	}
	if strings.TrimSpace(cfg.VisionModel) == "" {
		return nil, errors.New("ai.vision_model is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	requestTimeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}

	return &Client{
		client:          osdk.NewClient(opts...),
		extractModel:    strings.TrimSpace(cfg.ExtractModel),
		visionModel:     strings.TrimSpace(cfg.VisionModel),
		transcribeModel: strings.TrimSpace(cfg.TranscribeModel),
		requestTimeout:  requestTimeout,
	}, nil
}

// ExtractSchedules asks the model for schedule candidates in the given text.
// The reference time is injected into the prompt so relative expressions
// ("明天", "后天下午2点半") come back as absolute timestamps.
func (c *Client) ExtractSchedules(ctx context.Context, text string, reference time.Time) ([]pipeline.RawCandidate, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := aiLogger().With("operation", "extract_schedules")
	startedAt := time.Now()
	log.Debug("model request started", "model", c.extractModel, "text_length", len(text))

	completion, err := c.client.Chat.Completions.New(ctx, osdk.ChatCompletionNewParams{
		Model: osdk.ChatModel(c.extractModel),
		Messages: []osdk.ChatCompletionMessageParamUnion{
			osdk.SystemMessage(extractPrompt(reference)),
			osdk.UserMessage(text),
		},
	})
	if err != nil {
		log.Debug("model request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return nil, fmt.Errorf("extract completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("extract completion returned no choices")
	}

	content := completion.Choices[0].Message.Content
	candidates, err := parseCandidates(content, reference)
	if err != nil {
		log.Debug("model response unparsable", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return nil, err
	}
	log.Debug("model request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "candidates", len(candidates))

	return candidates, nil
}

// RecognizeImage runs the vision model as an OCR step over the image bytes.
func (c *Client) RecognizeImage(ctx context.Context, data []byte) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := aiLogger().With("operation", "recognize_image")
	startedAt := time.Now()
	log.Debug("model request started", "model", c.visionModel, "image_bytes", len(data))

	dataURL := fmt.Sprintf("data:%s;base64,%s", http.DetectContentType(data), base64.StdEncoding.EncodeToString(data))
	parts := []osdk.ChatCompletionContentPartUnionParam{
		osdk.TextContentPart(ocrPrompt),
		osdk.ImageContentPart(osdk.ChatCompletionContentPartImageImageURLParam{URL: dataURL}),
	}

	completion, err := c.client.Chat.Completions.New(ctx, osdk.ChatCompletionNewParams{
		Model:    osdk.ChatModel(c.visionModel),
		Messages: []osdk.ChatCompletionMessageParamUnion{osdk.UserMessage(parts)},
	})
	if err != nil {
		log.Debug("model request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", fmt.Errorf("vision completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("vision completion returned no choices")
	}

	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	log.Debug("model request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "text_length", len(text))

	return text, nil
}

// RecognizeVoice transcribes audio bytes. The transcription endpoint does
// not report a confidence, so a successful transcription is returned with
// confidence 1.0; the pipeline's floor still applies to recognizers that do.
func (c *Client) RecognizeVoice(ctx context.Context, data []byte, mimeType string) (string, float64, error) {
	if c.transcribeModel == "" {
		return "", 0, errors.New("transcribe model not configured")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := aiLogger().With("operation", "recognize_voice")
	startedAt := time.Now()
	log.Debug("model request started", "model", c.transcribeModel, "audio_bytes", len(data))

	transcription, err := c.client.Audio.Transcriptions.New(ctx, osdk.AudioTranscriptionNewParams{
		Model: osdk.AudioModel(c.transcribeModel),
		File:  osdk.File(bytes.NewReader(data), "voice"+audioExtension(mimeType), audioMIME(mimeType)),
	})
	if err != nil {
		log.Debug("model request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", 0, fmt.Errorf("transcription: %w", err)
	}

	text := strings.TrimSpace(transcription.Text)
	log.Debug("model request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "text_length", len(text))

	return text, 1.0, nil
}

func aiLogger() *slog.Logger {
	return slog.Default().With("component", "ai.client")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func resolveAPIKey(cfg config.AIConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return ""
}

func audioExtension(mimeType string) string {
	switch normalizeMIME(mimeType) {
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return ".m4a"
	default:
		return ".mp3"
	}
}

func audioMIME(mimeType string) string {
	if normalized := normalizeMIME(mimeType); normalized != "" {
		return normalized
	}
	return "audio/mpeg"
}

func normalizeMIME(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if idx := strings.IndexByte(mimeType, ';'); idx >= 0 {
		mimeType = strings.TrimSpace(mimeType[:idx])
	}
	return mimeType
}
