package stats

import (
	"io"
	"log/slog"
	"strings"
	"time"
)

// Config bounds the histograms and sets the progress-report cadence.
type Config struct {
	MaxMessagesPerSecond       int64         `mapstructure:"max-messages-per-second"`
	MaxMessagesPerMillisecond  int64         `mapstructure:"max-messages-per-millisecond"`
	MaxMessagesPerMicrosecond  int64         `mapstructure:"max-messages-per-microsecond"`
	MaxInterarrivalNanoseconds int64         `mapstructure:"max-interarrival-nanoseconds"`
	MaxProcessingNanoseconds   int64         `mapstructure:"max-processing-nanoseconds"`
	ReportingInterval          time.Duration `mapstructure:"reporting-interval"`
}

// DefaultConfig returns bounds sized for a full-day equities feed.
func DefaultConfig() Config {
	return Config{
		MaxMessagesPerSecond:       1_000_000,
		MaxMessagesPerMillisecond:  10_000,
		MaxMessagesPerMicrosecond:  1_000,
		MaxInterarrivalNanoseconds: int64(100 * time.Millisecond),
		MaxProcessingNanoseconds:   int64(10 * time.Millisecond),
		ReportingInterval:          5 * time.Minute,
	}
}

// rateEstimator folds a stream of event timestamps into a histogram of
// events-per-period, recording zeroes for idle periods.
type rateEstimator struct {
	period  time.Duration
	started bool
	current int64
	count   int64
	histo   *Histogram
}

func newRateEstimator(period time.Duration, maxRate int64) *rateEstimator {
	bucket := maxRate / 1000
	if bucket < 1 {
		bucket = 1
	}
	return &rateEstimator{
		period: period,
		histo:  NewHistogram(Binning{Min: 0, Max: maxRate, BucketSize: bucket}),
	}
}

func (r *rateEstimator) sample(ts time.Duration) {
	idx := int64(ts / r.period)
	if !r.started {
		r.started = true
		r.current = idx
	}
	for r.current < idx {
		r.histo.Sample(r.count)
		r.count = 0
		r.current++
	}
	r.count++
}

// FeedStats aggregates the per-feed statistics the book engine records:
// message rates at three granularities, inter-arrival time, and
// processing latency.
type FeedStats struct {
	cfg          Config
	perSec       *rateEstimator
	perMsec      *rateEstimator
	perUsec      *rateEstimator
	interarrival *Histogram
	processing   *Histogram
	lastTs       time.Duration
	lastReport   time.Duration
	logger       *slog.Logger
}

// NewFeedStats creates an empty collector.
func NewFeedStats(cfg Config, logger *slog.Logger) *FeedStats {
	return &FeedStats{
		cfg:     cfg,
		perSec:  newRateEstimator(time.Second, cfg.MaxMessagesPerSecond),
		perMsec: newRateEstimator(time.Millisecond, cfg.MaxMessagesPerMillisecond),
		perUsec: newRateEstimator(time.Microsecond, cfg.MaxMessagesPerMicrosecond),
		interarrival: NewHistogram(Binning{
			Min: 0, Max: cfg.MaxInterarrivalNanoseconds,
			BucketSize: bucketFor(cfg.MaxInterarrivalNanoseconds),
		}),
		processing: NewHistogram(Binning{
			Min: 0, Max: cfg.MaxProcessingNanoseconds,
			BucketSize: bucketFor(cfg.MaxProcessingNanoseconds),
		}),
		logger: logger.With("component", "feed-stats"),
	}
}

func bucketFor(max int64) int64 {
	b := max / 10000
	if b < 1 {
		b = 1
	}
	return b
}

// Sample records one event. ts is the event's feed timestamp
// (nanoseconds since midnight); processing is the wall-clock latency
// between receiving the event and completing the book update.
func (s *FeedStats) Sample(ts time.Duration, processing time.Duration) {
	s.perSec.sample(ts)
	s.perMsec.sample(ts)
	s.perUsec.sample(ts)
	if s.processing.NSamples() > 0 {
		s.interarrival.Sample(int64(ts - s.lastTs))
	}
	s.lastTs = ts
	s.processing.Sample(int64(processing))

	if s.cfg.ReportingInterval > 0 && ts-s.lastReport >= s.cfg.ReportingInterval {
		s.lastReport = ts
		s.logger.Info("feed progress",
			"ts", ts.String(),
			"messages", s.processing.NSamples(),
			"rate_p50_per_sec", s.perSec.histo.EstimatedQuantile(0.5),
			"rate_p99_per_sec", s.perSec.histo.EstimatedQuantile(0.99),
			"interarrival_p99_ns", s.interarrival.EstimatedQuantile(0.99),
			"processing_p99_ns", s.processing.EstimatedQuantile(0.99),
		)
	}
}

// ProcessingSummary returns the processing-latency percentile summary.
func (s *FeedStats) ProcessingSummary() Summary { return s.processing.Summarize() }

// InterarrivalSummary returns the inter-arrival percentile summary.
func (s *FeedStats) InterarrivalSummary() Summary { return s.interarrival.Summarize() }

// csvBlocks names the histogram blocks in serialization order.
var csvBlocks = []string{"rate_per_sec", "rate_per_msec", "rate_per_usec", "interarrival_ns", "processing_ns"}

// WriteFeedCSVHeader writes the feed-stats CSV header.
func WriteFeedCSVHeader(w io.Writer) error {
	return WriteCSVHeader(w, csvBlocks...)
}

// WriteCSV writes one CSV row labeled name.
func (s *FeedStats) WriteCSV(w io.Writer, name string) error {
	var sb strings.Builder
	sb.WriteString(name)
	for _, h := range []*Histogram{
		s.perSec.histo, s.perMsec.histo, s.perUsec.histo, s.interarrival, s.processing,
	} {
		csvRow(&sb, h)
	}
	sb.WriteString("\n")
	_, err := io.WriteString(w, sb.String())
	return err
}
