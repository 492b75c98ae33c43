// Command voicecli runs a spoken conversation with the assistant using the
// local microphone and speaker.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/lexiqai/voice-turns/internal/calls"
	"github.com/lexiqai/voice-turns/internal/config"
	"github.com/lexiqai/voice-turns/internal/device"
	"github.com/lexiqai/voice-turns/internal/observability"
	"github.com/lexiqai/voice-turns/internal/pipeline"
	"github.com/lexiqai/voice-turns/internal/providers"
	"github.com/lexiqai/voice-turns/internal/voiceerr"
)

func main() {
	language := flag.String("lang", "", "conversation language (en, ja); overrides LANGUAGE")
	verbosity := flag.String("verbosity", "", "reply length (brief, normal, detailed); overrides VERBOSITY")
	once := flag.Bool("once", false, "stop after each turn and wait for Enter")
	bargeIn := flag.Bool("barge-in", false, "let speech interrupt playback")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *language != "" {
		cfg.Language = *language
	}
	if *verbosity != "" {
		cfg.Verbosity = *verbosity
	}

	observability.InitLoggerTo(os.Stderr, cfg.LogLevel, true)
	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	set, err := providers.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to configure collaborators")
	}
	defer set.Close()

	sessionID := "local-" + uuid.NewString()
	registry := calls.NewRegistry(cfg.ObserverBuffer, observability.WithComponent(logger, "calls"))
	if _, err := registry.Create(sessionID, ""); err != nil {
		logger.Fatal().Err(err).Msg("Failed to create session")
	}

	player, err := device.NewSpeakerPlayer(device.DefaultPlaybackRate)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open speaker")
	}
	capture := device.NewMicCapture(device.CaptureConfig{
		SampleRate: cfg.CaptureSampleRate,
		BufferSize: cfg.AudioBufferSize,
		Logger:     observability.WithComponent(logger, "microphone"),
	})

	pcfg := cfg.PipelineConfig()
	pcfg.Continuous = !*once
	pcfg.BargeIn = pcfg.BargeIn || *bargeIn

	sessionLogger := observability.WithCall(logger, sessionID, "")
	stages := set.Stages(cfg, registry, sessionLogger)
	p, err := pipeline.New(pcfg, sessionID, capture, player, stages, sessionLogger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid session settings")
	}

	p.OnStateChange(func(from, to pipeline.State, ev pipeline.Event) {
		switch to {
		case pipeline.StateListening:
			fmt.Fprintln(os.Stderr, "Listening...")
		case pipeline.StateTranscribing:
			fmt.Fprintln(os.Stderr, "Thinking...")
		case pipeline.StateIdle:
			if !*once {
				return
			}
			fmt.Fprintln(os.Stderr, "Press Enter to speak.")
		case pipeline.StateTerminated:
			fmt.Fprintln(os.Stderr, "Conversation ended.")
		}
	})

	events, unsubscribe := registry.Subscribe(sessionID)
	defer unsubscribe()
	go printTurns(events)

	if err := p.Start(ctx); err != nil {
		if voiceerr.KindOf(err) == voiceerr.CaptureUnavailable {
			fmt.Fprintln(os.Stderr, "No microphone available.")
		}
		logger.Fatal().Err(err).Msg("Failed to start session")
	}

	if *once {
		go waitForEnter(ctx, p)
	}

	go func() {
		for err := range p.Errors() {
			logger.Warn().Err(err).Str("kind", voiceerr.KindOf(err).String()).Msg("Turn failed")
		}
	}()

	select {
	case <-ctx.Done():
		p.Terminate()
	case <-p.Done():
	}
	<-p.Done()

	turns := p.Turns()
	logger.Info().Int("turns", len(turns)).Str("session_id", sessionID).Msg("Session finished")
}

func printTurns(events <-chan calls.Event) {
	for ev := range events {
		switch ev.Stage {
		case calls.StageSTTDone:
			fmt.Printf("you> %v\n", ev.Payload["user_text"])
		case calls.StageLLMDone:
			fmt.Printf("assistant> %v\n", ev.Payload["assistant_text"])
		}
	}
}

// waitForEnter starts a new turn each time Enter is pressed.
func waitForEnter(ctx context.Context, p *pipeline.Pipeline) {
	reader := bufio.NewReader(os.Stdin)
	for ctx.Err() == nil {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		if strings.TrimSpace(line) == "q" {
			p.Terminate()
			return
		}
		if p.State() == pipeline.StateIdle {
			p.Listen()
		}
	}
}
