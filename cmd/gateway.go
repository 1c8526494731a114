package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"schedbot/pkg/ai"
	"schedbot/pkg/bus"
	"schedbot/pkg/calendar"
	"schedbot/pkg/channel"
	larkchannel "schedbot/pkg/channel/lark"
	"schedbot/pkg/config"
	"schedbot/pkg/gateway"
	"schedbot/pkg/logger"
	"schedbot/pkg/pipeline"
	"schedbot/pkg/store"

	"github.com/spf13/cobra"
)

const defaultStorePath = "data/schedbot.db"

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the message-to-calendar gateway",
	Long:  "Connects the enabled chat channels, drives every received message through the schedule pipeline, and serves health and OAuth callback endpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.gateway")

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, adapters, cleanup, err := buildGateway(cfg, log)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return
		}
		defer cleanup()

		log.Info("Gateway started", "channels", enabledChannelNames(adapters), "extract_model", cfg.AI.ExtractModel, "asr_enabled", cfg.AI.ASRConfigured())
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

// buildGateway wires the store, clients, pipeline stages and channel
// adapters into a runnable gateway service.
func buildGateway(cfg *config.Config, log *slog.Logger) (*gateway.Service, []channel.Adapter, func(), error) {
	storePath := strings.TrimSpace(cfg.Store.Path)
	if storePath == "" {
		storePath = defaultStorePath
	}
	st, err := store.Open(storePath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	cleanup := func() { _ = st.Close() }

	aiClient, err := ai.New(cfg.AI)
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("initialize ai client: %w", err)
	}

	calClient, err := calendar.New(calendarConfig(cfg), st)
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("initialize calendar client: %w", err)
	}

	adapters, fetcher, err := enabledAdapters(cfg)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	var asr pipeline.VoiceRecognizer
	if cfg.AI.ASRConfigured() {
		asr = aiClient
	}

	mb := bus.NewMessageBus()
	pcfg := cfg.Pipeline
	normalizer := pipeline.NewNormalizer(fetcher, aiClient, asr, pcfg.ConfidenceFloor(), log)
	extractor := pipeline.NewExtractor(aiClient, pcfg.PastGrace(), pcfg.FutureCeiling(), pcfg.CandidateCap(), log)
	validator := pipeline.NewValidator(pcfg.PastGrace(), pcfg.FutureCeiling())
	creator := pipeline.NewCreator(calClient, calClient, st, pipeline.CreatorOptions{
		Attempts:        pcfg.Attempts(),
		RetryBackoff:    pcfg.RetryBackoff(),
		DefaultDuration: pcfg.DefaultDuration(),
		DedupTTL:        pcfg.DedupTTL(),
		CalendarTTL:     pcfg.CalendarCacheTTL(),
	}, log)

	orch := pipeline.NewOrchestrator(normalizer, extractor, validator, creator, pcfg.MessageTimeout(), log)
	orch.SetNotifier(larkchannel.NewNotifier(mb))
	orch.SetEventBus(mb)
	orch.SetAuthorizeURL(calClient.AuthorizeURL)

	svc, err := gateway.NewService(cfg, mb, orch, st, calClient, adapters, log)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}

	return svc, adapters, cleanup, nil
}

// calendarConfig fills the calendar app credentials from the channel
// credentials when they are not set separately; the common deployment uses
// one app for both messaging and calendar access.
func calendarConfig(cfg *config.Config) config.CalendarConfig {
	calCfg := cfg.Calendar
	if strings.TrimSpace(calCfg.AppID) == "" {
		calCfg.AppID = cfg.Channels.Lark.AppID
	}
	if strings.TrimSpace(calCfg.AppSecret) == "" {
		calCfg.AppSecret = cfg.Channels.Lark.AppSecret
	}
	return calCfg
}

func enabledAdapters(cfg *config.Config) ([]channel.Adapter, pipeline.ResourceFetcher, error) {
	adapters := make([]channel.Adapter, 0, 1)
	var fetcher pipeline.ResourceFetcher

	if cfg.Channels.Lark.Enabled {
		adapter, err := larkchannel.New(cfg.Channels.Lark)
		if err != nil {
			return nil, nil, fmt.Errorf("configure %s channel: %w", larkchannel.ChannelName, err)
		}
		adapters = append(adapters, adapter)
		fetcher = adapter
	}

	if len(adapters) == 0 {
		return nil, nil, errors.New("no channels are enabled")
	}

	return adapters, fetcher, nil
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
