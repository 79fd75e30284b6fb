// moldreplay re-serializes a recorded ITCH-5.0 file into MoldUDP64
// datagrams, pacing the packets to the original inter-message timing,
// and writes them to a primary and optional secondary UDP endpoint.
// The admin surface controls the replay: /replay-start, /replay-stop,
// /replay-status.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"jaybeams/internal/api"
	"jaybeams/internal/config"
	"jaybeams/internal/mold"
	"jaybeams/internal/replay"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := pflag.NewFlagSet("moldreplay", pflag.ContinueOnError)
	fs.String("input-file", "", "source of raw ITCH-5.0 messages")
	fs.String("primary-destination", "127.0.0.1", "primary UDP destination host")
	fs.Int("primary-port", 12300, "primary UDP destination port")
	fs.String("secondary-destination", "", "optional secondary UDP destination host")
	fs.Int("secondary-port", 0, "secondary UDP destination port")
	fs.String("session-id", "JAYBEAMS00", "MoldUDP64 session id")
	fs.Duration("pacer.max-delay", mold.DefaultPacerConfig().MaxDelay, "coalescing window")
	fs.Int("pacer.mtu", mold.DefaultPacerConfig().MTU, "maximum packet size")
	fs.String("control.host", "127.0.0.1", "admin listener host")
	fs.Int("control.port", 0, "admin listener port")
	fs.String("log.level", "info", "log level")
	fs.String("log.format", "text", "log format: text or json")

	cfg := config.DefaultMoldReplay()
	if err := config.Load("moldreplay", fs, os.Args[1:], &cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, config.ErrUsage) {
			return 2
		}
		return 1
	}
	logger := cfg.Log.NewLogger()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		return 2
	}

	dispatcher := api.NewDispatcher("moldreplay", logger)
	dispatcher.AddConfigHandler(cfg)

	sender, err := mold.NewSender(
		fmt.Sprintf("%s:%d", cfg.PrimaryDestination, cfg.PrimaryPort),
		secondaryAddr(cfg),
		dispatcher.Registry(), logger)
	if err != nil {
		logger.Error("failed to open UDP endpoints", "error", err)
		return 1
	}
	defer sender.Close()

	replayer := replay.New(replay.Config{
		InputFile:         cfg.InputFile,
		SessionID:         cfg.SessionID,
		HeartbeatInterval: time.Second,
		Pacer:             cfg.Pacer,
	}, sender.Send, mold.SystemClock(), logger)

	dispatcher.AddHandler("/replay-status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": string(replayer.Status())})
	})
	dispatcher.AddHandler("/replay-start", func(w http.ResponseWriter, r *http.Request) {
		if err := replayer.Start(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		fmt.Fprintln(w, "started")
	})
	dispatcher.AddHandler("/replay-stop", func(w http.ResponseWriter, r *http.Request) {
		// Stop blocks until the replay goroutine drains; hand it off so
		// the admin thread stays responsive.
		go func() {
			if err := replayer.Stop(); err != nil {
				logger.Warn("replay stop", "error", err)
			}
		}()
		fmt.Fprintln(w, "stopping")
	})

	server := api.NewServer(cfg.Control, dispatcher, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("admin server failed", "error", err)
		}
	}()

	if err := replayer.Start(); err != nil {
		logger.Error("failed to start replay", "error", err)
		return 1
	}
	logger.Info("moldreplay started",
		"input", cfg.InputFile,
		"primary", fmt.Sprintf("%s:%d", cfg.PrimaryDestination, cfg.PrimaryPort),
		"secondary", secondaryAddr(cfg),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	if err := server.Stop(); err != nil {
		logger.Warn("admin server stop", "error", err)
	}
	if replayer.Status() == replay.Replaying || replayer.Status() == replay.Starting {
		if err := replayer.Stop(); err != nil {
			logger.Warn("replay stop", "error", err)
		}
	}
	return 0
}

func secondaryAddr(cfg config.MoldReplayConfig) string {
	if cfg.SecondaryDestination == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", cfg.SecondaryDestination, cfg.SecondaryPort)
}
