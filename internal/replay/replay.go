// Package replay drives the MoldUDP pacer from a recorded ITCH-5.0 file.
//
// The replayer is a small state machine (idle → starting → replaying →
// stopping → idle) controlled from the admin surface. While replaying it
// loops over the input file continuously, re-pacing the stream on every
// pass and heartbeating between passes so downstream consumers keep
// their sequence state.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"jaybeams/internal/itch"
	"jaybeams/internal/mold"
)

// State names the replayer lifecycle states, as reported by
// /replay-status.
type State string

const (
	Idle      State = "idle"
	Starting  State = "starting"
	Replaying State = "replaying"
	Stopping  State = "stopping"
)

// Config holds the replayer inputs.
type Config struct {
	InputFile         string        `mapstructure:"input-file"`
	SessionID         string        `mapstructure:"session-id"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat-interval"`
	Pacer             mold.PacerConfig `mapstructure:"pacer"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SessionID:         "JAYBEAMS00",
		HeartbeatInterval: time.Second,
		Pacer:             mold.DefaultPacerConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.InputFile == "" {
		return fmt.Errorf("input-file is required")
	}
	return c.Pacer.Validate()
}

// Replayer owns the pacer and the replay goroutine.
type Replayer struct {
	cfg    Config
	sink   mold.Sink
	clock  mold.Clock
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an idle replayer writing packets to sink.
func New(cfg Config, sink mold.Sink, clock mold.Clock, logger *slog.Logger) *Replayer {
	return &Replayer{
		cfg:    cfg,
		sink:   sink,
		clock:  clock,
		logger: logger.With("component", "replayer"),
		state:  Idle,
	}
}

// Status returns the current lifecycle state.
func (r *Replayer) Status() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start launches the replay loop. Starting an already-running replay
// is an error.
func (r *Replayer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Idle {
		return fmt.Errorf("replay already %s", r.state)
	}
	r.state = Starting
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx)
	return nil
}

// Stop requests a graceful stop and waits for the replay goroutine.
func (r *Replayer) Stop() error {
	r.mu.Lock()
	if r.state != Starting && r.state != Replaying {
		r.mu.Unlock()
		return fmt.Errorf("replay is %s", r.state)
	}
	r.state = Stopping
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
	return nil
}

func (r *Replayer) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Replayer) run(ctx context.Context) {
	defer close(r.done)
	defer r.setState(Idle)

	pacer := mold.NewPacer(r.cfg.Pacer, r.cfg.SessionID, r.clock)
	r.setState(Replaying)
	for ctx.Err() == nil {
		if err := r.replayFile(ctx, pacer); err != nil {
			r.logger.Error("replay pass failed", "error", err)
			return
		}
		// End of one pass over the file: flush what is pending and
		// heartbeat before looping, so downstream consumers see the
		// session alive through the gap.
		if err := pacer.Heartbeat(r.sink); err != nil {
			r.logger.Error("heartbeat failed", "error", err)
			return
		}
		if r.cfg.HeartbeatInterval > 0 {
			r.clock.Sleep(r.cfg.HeartbeatInterval)
		}
	}
}

func (r *Replayer) replayFile(ctx context.Context, pacer *mold.Pacer) error {
	f, err := os.Open(r.cfg.InputFile)
	if err != nil {
		return err
	}
	defer f.Close()

	rd := itch.NewReader(f)
	for ctx.Err() == nil {
		msg, err := rd.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := pacer.HandleMessage(msg, r.sink); err != nil {
			return err
		}
	}
	return nil
}
