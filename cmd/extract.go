package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"schedbot/pkg/ai"
	"schedbot/pkg/config"
	"schedbot/pkg/pipeline"

	"github.com/spf13/cobra"
)

var extractText string

// extractCmd represents the extract command
var extractCmd = &cobra.Command{
	Use:   "extract [text]",
	Short: "Extract schedule candidates from a piece of text",
	Long:  "Runs the extraction and validation stages over the given text against the current time and prints the candidates as JSON. Useful for tuning prompts without a running gateway.",
	Run: func(cmd *cobra.Command, args []string) {
		text := resolveExtractText(args)
		if text == "" {
			fmt.Println("no text given; pass it as an argument or with --text")
			return
		}

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		aiClient, err := ai.New(cfg.AI)
		if err != nil {
			fmt.Printf("failed to initialize ai client: %v\n", err)
			return
		}

		pcfg := cfg.Pipeline
		extractor := pipeline.NewExtractor(aiClient, pcfg.PastGrace(), pcfg.FutureCeiling(), pcfg.CandidateCap(), nil)
		validator := pipeline.NewValidator(pcfg.PastGrace(), pcfg.FutureCeiling())

		ctx := context.Background()
		reference := time.Now()
		candidates, err := extractor.Extract(ctx, pipeline.NormalizedText{Text: text, Confidence: 1.0}, reference)
		if err != nil {
			fmt.Printf("extraction failed: %v\n", err)
			return
		}

		type extractResult struct {
			Title    string `json:"title"`
			StartAt  string `json:"start_at,omitempty"`
			EndAt    string `json:"end_at,omitempty"`
			Location string `json:"location,omitempty"`
			Status   string `json:"status"`
		}

		results := make([]extractResult, 0, len(candidates))
		for _, candidate := range candidates {
			validated := validator.Validate(candidate, "cli", reference)
			result := extractResult{
				Title:    candidate.Title,
				Location: candidate.Location,
				Status:   string(validated.Status),
			}
			if !candidate.StartAt.IsZero() {
				result.StartAt = candidate.StartAt.Format(time.RFC3339)
			}
			if !candidate.EndAt.IsZero() {
				result.EndAt = candidate.EndAt.Format(time.RFC3339)
			}
			results = append(results, result)
		}

		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(results); err != nil {
			fmt.Printf("failed to encode results: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(extractCmd)
	extractCmd.Flags().StringVarP(&extractText, "text", "t", "", "text to extract schedules from")
}

func resolveExtractText(args []string) string {
	if value := strings.TrimSpace(extractText); value != "" {
		return value
	}

	if len(args) == 0 {
		return ""
	}

	return strings.TrimSpace(strings.Join(args, " "))
}
