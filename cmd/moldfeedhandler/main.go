// moldfeedhandler consumes MoldUDP64 datagrams from a UDP socket,
// decodes the ITCH-5.0 blocks, and maintains per-symbol order books,
// broadcasting inside-quote changes over the admin WebSocket stream.
//
// When an etcd endpoint is configured the daemon first campaigns in a
// leader election: a primary/backup pair of feed handlers can share a
// multicast feed, with only the elected leader publishing downstream.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"jaybeams/internal/api"
	"jaybeams/internal/book"
	"jaybeams/internal/config"
	"jaybeams/internal/cq"
	"jaybeams/internal/engine"
	"jaybeams/internal/etcd"
	"jaybeams/internal/mold"
	"jaybeams/internal/stats"
	"jaybeams/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := pflag.NewFlagSet("moldfeedhandler", pflag.ContinueOnError)
	fs.String("listen-address", "0.0.0.0", "UDP listen address")
	fs.Int("listen-port", 12300, "UDP listen port")
	fs.StringSlice("symbol", nil, "track only these symbols (repeatable)")
	fs.String("book-config.type", "array", "book side implementation: array or map")
	fs.Int("book-config.max-size", 5000, "dense window size for the array book")
	fs.String("control.host", "127.0.0.1", "admin listener host")
	fs.Int("control.port", 0, "admin listener port")
	fs.String("election.endpoint", "", "etcd endpoint; enables leader election")
	fs.String("election.name", "moldfeedhandler", "election prefix")
	fs.String("election.value", "", "participant value published under the election key")
	fs.Duration("election.ttl", 5*time.Second, "desired lease TTL")
	fs.String("log.level", "info", "log level")
	fs.String("log.format", "text", "log format: text or json")

	cfg := config.DefaultFeedHandler()
	if err := config.Load("moldfeedhandler", fs, os.Args[1:], &cfg); err != nil {
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

	if err := serve(cfg, logger); err != nil {
		logger.Error("moldfeedhandler failed", "error", err)
		return 1
	}
	return 0
}

func serve(cfg config.FeedHandlerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher := api.NewDispatcher("moldfeedhandler", logger)
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

	if cfg.Election.Enabled() {
		release, err := campaign(ctx, cfg.Election, logger)
		if err != nil {
			return err
		}
		defer release()
	}

	addr := net.UDPAddr{
		IP:   net.ParseIP(cfg.ListenAddress),
		Port: cfg.ListenPort,
	}
	conn, err := net.ListenUDP("udp", &addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr.String(), err)
	}
	defer conn.Close()
	logger.Info("listening for MoldUDP64 datagrams", "addr", addr.String())

	feedStats := stats.NewFeedStats(cfg.Stats, logger)
	metrics := engine.NewMetrics(dispatcher.Registry())
	lastInside := make(map[types.Symbol][2]types.HalfQuote)
	onUpdate := func(u engine.BookUpdate, b *book.Book) {
		bid, offer := b.BestBid(), b.BestOffer()
		prev, seen := lastInside[u.Symbol]
		if seen && prev[0] == bid && prev[1] == offer {
			return
		}
		lastInside[u.Symbol] = [2]types.HalfQuote{bid, offer}
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

	go func() {
		<-ctx.Done()
		// Unblock the read loop.
		conn.SetReadDeadline(time.Now())
	}()

	buf := make([]byte, 65536)
	for ctx.Err() == nil {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Warn("UDP read failed", "error", err)
			continue
		}
		recvTime := time.Now()
		err = mold.Blocks(buf[:n], func(payload []byte) error {
			eng.HandleMessage(recvTime, payload)
			return nil
		})
		if err != nil {
			logger.Warn("malformed MoldUDP64 packet", "error", err)
		}
	}
	logger.Info("shutting down", "symbols", len(eng.Symbols()), "live_orders", eng.LiveOrders())
	return nil
}

// campaign joins the configured election and blocks until this
// participant is elected or the context is canceled. The returned
// function resigns and releases the lease.
func campaign(ctx context.Context, cfg config.ElectionConfig, logger *slog.Logger) (func(), error) {
	conn, err := grpc.NewClient(cfg.Endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial etcd: %w", err)
	}
	rt := cq.New(conn)
	go rt.Run()

	session, err := etcd.NewSession(rt, cfg.TTL, logger)
	if err != nil {
		rt.Shutdown()
		conn.Close()
		return nil, err
	}
	value := cfg.Value
	if value == "" {
		host, _ := os.Hostname()
		value = fmt.Sprintf("%s/%d", host, os.Getpid())
	}
	election, err := etcd.NewElection(rt, session, cfg.Name, []byte(value), logger)
	if err != nil {
		session.Shutdown()
		rt.Shutdown()
		conn.Close()
		return nil, err
	}

	elected := make(chan bool, 1)
	logger.Info("campaigning", "election", cfg.Name, "key", election.Key())
	election.Campaign(func(ok bool) { elected <- ok })

	release := func() {
		election.Resign()
		election.Shutdown()
		if err := session.Revoke(); err != nil {
			logger.Warn("lease revoke failed", "error", err)
		}
		rt.Shutdown()
		conn.Close()
	}

	select {
	case ok := <-elected:
		if !ok {
			release()
			return nil, errors.New("election lost before becoming leader")
		}
		logger.Info("elected leader", "election", cfg.Name)
		return release, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}
