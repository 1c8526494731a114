package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"schedbot/pkg/bus"
)

// Normalizer converts an inbound message of any modality into plain text.
// Native text passes through verbatim; images go through fetch+OCR and voice
// through fetch+ASR. It holds no state across calls.
type Normalizer struct {
	fetcher         ResourceFetcher
	ocr             ImageRecognizer
	asr             VoiceRecognizer
	confidenceFloor float64
	log             *slog.Logger
}

// NewNormalizer constructs a Normalizer. asr may be nil: voice messages then
// fail fast with a RecognitionError instead of calling out.
func NewNormalizer(fetcher ResourceFetcher, ocr ImageRecognizer, asr VoiceRecognizer, confidenceFloor float64, log *slog.Logger) *Normalizer {
	if log == nil {
		log = slog.Default()
	}

	return &Normalizer{
		fetcher:         fetcher,
		ocr:             ocr,
		asr:             asr,
		confidenceFloor: confidenceFloor,
		log:             log.With("component", "pipeline.normalizer"),
	}
}

func (n *Normalizer) Normalize(ctx context.Context, msg bus.InboundMessage) (NormalizedText, error) {
	switch msg.Modality {
	case bus.ModalityText:
		return NormalizedText{SourceMessageID: msg.ID, Text: msg.Content, Confidence: 1.0}, nil
	case bus.ModalityImage:
		return n.normalizeImage(ctx, msg)
	case bus.ModalityVoice:
		return n.normalizeVoice(ctx, msg)
	default:
		return NormalizedText{}, &RecognitionError{Modality: msg.Modality, Reason: "unsupported modality"}
	}
}

func (n *Normalizer) normalizeImage(ctx context.Context, msg bus.InboundMessage) (NormalizedText, error) {
	data, err := n.fetcher.Fetch(ctx, msg.ID, msg.ResourceRef)
	if err != nil {
		return NormalizedText{}, &ResourceFetchError{Ref: msg.ResourceRef, Err: err}
	}

	text, err := n.ocr.RecognizeImage(ctx, data)
	if err != nil {
		return NormalizedText{}, &RecognitionError{Modality: bus.ModalityImage, Reason: "ocr failed", Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return NormalizedText{}, &RecognitionError{Modality: bus.ModalityImage, Reason: "ocr returned no text"}
	}

	n.log.Debug("Image normalized", "message_id", msg.ID, "text_length", len(text))

	return NormalizedText{SourceMessageID: msg.ID, Text: text, Confidence: 1.0}, nil
}

func (n *Normalizer) normalizeVoice(ctx context.Context, msg bus.InboundMessage) (NormalizedText, error) {
	if n.asr == nil {
		return NormalizedText{}, &RecognitionError{Modality: bus.ModalityVoice, Reason: "voice recognition not configured"}
	}

	data, err := n.fetcher.Fetch(ctx, msg.ID, msg.ResourceRef)
	if err != nil {
		return NormalizedText{}, &ResourceFetchError{Ref: msg.ResourceRef, Err: err}
	}

	mimeType := msg.Metadata["mime_type"]
	text, confidence, err := n.asr.RecognizeVoice(ctx, data, mimeType)
	if err != nil {
		return NormalizedText{}, &RecognitionError{Modality: bus.ModalityVoice, Reason: "asr failed", Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return NormalizedText{}, &RecognitionError{Modality: bus.ModalityVoice, Reason: "asr returned no text"}
	}
	if confidence < n.confidenceFloor {
		reason := fmt.Sprintf("asr confidence %.2f below floor %.2f", confidence, n.confidenceFloor)
		return NormalizedText{}, &RecognitionError{Modality: bus.ModalityVoice, Reason: reason}
	}

	n.log.Debug("Voice normalized", "message_id", msg.ID, "confidence", confidence, "text_length", len(text))

	return NormalizedText{SourceMessageID: msg.ID, Text: text, Confidence: confidence}, nil
}
