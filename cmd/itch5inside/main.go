// itch5inside reads a file of raw ITCH-5.0 messages, reconstructs the
// per-symbol order books, and writes every inside-quote change as a CSV
// row. An admin HTTP endpoint serves health, configuration, metrics and
// a WebSocket stream of the same inside changes.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"jaybeams/internal/api"
	"jaybeams/internal/book"
	"jaybeams/internal/config"
	"jaybeams/internal/engine"
	"jaybeams/internal/itch"
	"jaybeams/internal/stats"
	"jaybeams/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := pflag.NewFlagSet("itch5inside", pflag.ContinueOnError)
	fs.String("input-file", "", "source of raw ITCH-5.0 messages")
	fs.String("output-file", "", "destination for inside-quote CSV (default stdout)")
	fs.Int("stop-after-seconds", 0, "stop at the first event past this midnight offset")
	fs.StringSlice("symbol", nil, "track only these symbols (repeatable)")
	fs.String("book-config.type", "array", "book side implementation: array or map")
	fs.Int("book-config.max-size", 5000, "dense window size for the array book")
	fs.String("control.host", "127.0.0.1", "admin listener host")
	fs.Int("control.port", 0, "admin listener port")
	fs.String("log.level", "info", "log level")
	fs.String("log.format", "text", "log format: text or json")

	cfg := config.DefaultItchInside()
	if err := config.Load("itch5inside", fs, os.Args[1:], &cfg); err != nil {
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

	if err := generateInside(cfg, logger); err != nil {
		logger.Error("itch5inside failed", "error", err)
		return 1
	}
	return 0
}

func generateInside(cfg config.ItchInsideConfig, logger *slog.Logger) error {
	in, err := os.Open(cfg.InputFile)
	if err != nil {
		return err
	}
	defer in.Close()

	var out io.Writer = os.Stdout
	if cfg.OutputFile != "" {
		f, err := os.Create(cfg.OutputFile)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	dispatcher := api.NewDispatcher("itch5inside", logger)
	dispatcher.AddConfigHandler(cfg)
	hub := api.NewHub(logger)
	dispatcher.AddHandler("/ws", hub.Handler())
	go hub.Run()

	server := api.NewServer(cfg.Control, dispatcher, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("admin server failed", "error", err)
		}
	}()
	defer server.Stop()

	feedStats := stats.NewFeedStats(cfg.Stats, logger)
	metrics := engine.NewMetrics(dispatcher.Registry())

	fmt.Fprintln(out, "ts,symbol,bid_px,bid_qty,offer_px,offer_qty")
	// Emit a row only when the inside actually moved; the engine calls
	// back on every book change.
	lastInside := make(map[types.Symbol][2]types.HalfQuote)
	onUpdate := func(u engine.BookUpdate, b *book.Book) {
		bid, offer := b.BestBid(), b.BestOffer()
		prev, seen := lastInside[u.Symbol]
		if seen && prev[0] == bid && prev[1] == offer {
			return
		}
		lastInside[u.Symbol] = [2]types.HalfQuote{bid, offer}
		fmt.Fprintf(out, "%d,%s,%s,%d,%s,%d\n",
			u.RecvTime.UnixNano(), u.Symbol.String(),
			bid.Price.Decimal().StringFixed(4), bid.Qty,
			offer.Price.Decimal().StringFixed(4), offer.Qty)
		hub.BroadcastInside(api.InsideEvent{
			Timestamp: u.RecvTime,
			Symbol:    u.Symbol.String(),
			BidPx:     bid.Price.Decimal().StringFixed(4),
			BidQty:    bid.Qty,
			OfferPx:   offer.Price.Decimal().StringFixed(4),
			OfferQty:  offer.Qty,
		})
	}

	opts := []engine.Option{engine.WithStats(feedStats), engine.WithMetrics(metrics)}
	if len(cfg.Symbols) > 0 {
		opts = append(opts, engine.WithSymbols(cfg.Symbols))
	}
	eng := engine.New(cfg.Book, onUpdate, logger, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopAfter := time.Duration(cfg.StopAfterSeconds) * time.Second
	rd := itch.NewReader(in)
	for ctx.Err() == nil {
		msg, err := rd.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
		if stopAfter > 0 {
			if h, err := itch.DecodeHeader(msg); err == nil && h.Timestamp > stopAfter {
				logger.Info("stop-after-seconds reached", "ts", h.Timestamp.String())
				break
			}
		}
		eng.HandleMessage(time.Now(), msg)
	}

	if err := stats.WriteFeedCSVHeader(os.Stderr); err != nil {
		return err
	}
	if err := feedStats.WriteCSV(os.Stderr, "itch5inside"); err != nil {
		return err
	}
	logger.Info("done", "messages", rd.Count, "symbols", len(eng.Symbols()), "live_orders", eng.LiveOrders())
	return nil
}
