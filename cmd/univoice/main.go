// UniVoice - turn-taking orchestrator for the university assistant avatar
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/normanking/univoice/internal/bundle"
	"github.com/normanking/univoice/internal/bus"
	"github.com/normanking/univoice/internal/capture"
	"github.com/normanking/univoice/internal/config"
	"github.com/normanking/univoice/internal/frontend"
	"github.com/normanking/univoice/internal/logging"
	"github.com/normanking/univoice/internal/playback"
	"github.com/normanking/univoice/internal/services"
	"github.com/normanking/univoice/internal/session"
	"github.com/normanking/univoice/internal/wake"
)

func main() {
	syslog, err := logging.New(nil)
	if err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer syslog.Close()

	log := syslog.Component("main")
	log.Info().Str("log_file", syslog.Path()).Msg("UniVoice starting")

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Config load failed, using defaults")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventBus := bus.NewEventBus()

	// Capture with RMS endpointing.
	cap := capture.NewManager(&capture.Config{
		SampleRate:      cfg.Capture.SampleRate,
		Channels:        cfg.Capture.Channels,
		BitDepth:        cfg.Capture.BitDepth,
		StopGraceDelay:  cfg.Capture.StopGraceDelay,
		MinUtteranceLen: cfg.Capture.MinUtteranceLen,
		Endpoint: &capture.EndpointConfig{
			Threshold:       cfg.Capture.VADThreshold,
			SmoothingFrames: cfg.Capture.VADSmoothing,
			MaxSilence:      cfg.Capture.VADMaxSilence,
			BitDepth:        cfg.Capture.BitDepth,
		},
	}, eventBus, syslog.Zerolog())

	// Wake detection runs in the browser; the gate sequences its assets
	// and lifecycle.
	engine := wake.NewRemoteEngine(syslog.Zerolog())
	gate := wake.NewGate(&wake.Config{
		AccessKey:    cfg.Wake.AccessKey,
		KeywordAsset: cfg.Wake.KeywordAsset,
		ModelAsset:   cfg.Wake.ModelAsset,
		BaseURL:      cfg.Wake.BaseURL,
		InitTimeout:  cfg.Wake.InitTimeout,
		ProbeTimeout: cfg.Wake.ProbeTimeout,
	}, engine, eventBus, syslog.Zerolog())

	// Collaborator clients.
	stt := services.NewSTTClient(cfg.Services.STTBaseURL, cfg.Services.Timeout, syslog.Zerolog())
	chat := services.NewChatClient(cfg.Services.ChatBaseURL, cfg.Services.Timeout, syslog.Zerolog())
	anim := services.NewAnimationClient(cfg.Services.AnimationBaseURL, cfg.Services.AnimationTimeout, syslog.Zerolog())

	store := bundle.NewStore(cfg.Playback.FrameRate, syslog.Zerolog())

	clock := playback.NewClock(&playback.Config{
		FrameRate:   cfg.Playback.FrameRate,
		DecayFactor: cfg.Playback.DecayFactor,
	}, nil, eventBus, syslog.Zerolog())

	if cfg.Playback.ModelPath != "" {
		names, err := playback.LoadModelTargets(cfg.Playback.ModelPath)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.Playback.ModelPath).Msg("Model targets unavailable, blendshape weights will be dropped")
		} else {
			clock.SetTargets(playback.NewTargetMap(names))
			log.Info().Int("targets", len(names)).Msg("Morph targets loaded")
		}
	}

	orch := session.New(&session.Config{
		InactivityTimeout: cfg.Session.InactivityTimeout,
		SettleDelay:       cfg.Session.SettleDelay,
		RetryDelay:        cfg.Session.RetryDelay,
		Greeting:          cfg.Session.Greeting,
		Apology:           cfg.Session.Apology,
		Farewell:          cfg.Session.Farewell,
	}, cap, gate, clock, store, stt, chat, anim, eventBus, syslog.Zerolog())

	hub := frontend.NewHub(&cfg.Frontend, cap, orch, engine, eventBus, syslog.Zerolog())
	clock.SetSink(hub)
	syslog.SetOnLog(func(e logging.Entry) {
		hub.PushLog(e.Level, e.Component, e.Message)
	})
	// A connected renderer's declared morph targets override the glTF ones.
	hub.OnTargetNames(func(names []string) {
		clock.SetTargets(playback.NewTargetMap(names))
	})

	orch.Start(ctx)
	clock.Run(ctx)

	// Wake asset acquisition can block on network probes; do it off the
	// main path and fall back to manual wake if every candidate fails.
	go func() {
		if err := gate.Acquire(ctx); err != nil {
			log.Warn().Err(err).Msg("Wake word degraded, manual wake only")
		}
	}()

	// Live config reload for service endpoints and text.
	if cfgPath, err := config.Path(); err == nil {
		watcher, err := config.NewWatcher(cfgPath, func(next *config.Config) {
			log.Info().Msg("Configuration reloaded")
			eventBus.Publish(bus.Event{Type: bus.EventTypeConfigReloaded})
		}, syslog.Zerolog())
		if err != nil {
			log.Warn().Err(err).Msg("Config watcher unavailable")
		} else {
			defer watcher.Stop()
		}
	}

	mux := http.NewServeMux()
	hub.Attach(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:    cfg.Frontend.ListenAddr,
		Handler: mux,
	}

	go func() {
		log.Info().Str("addr", cfg.Frontend.ListenAddr).Msg("Listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)

	orch.Close()
	clock.Stop()
	gate.Close()
	hub.Close()
}
