// Package stats collects offline feed statistics: bucketed histograms of
// event rates, inter-arrival times and processing latencies, with
// estimated percentile summaries and a CSV serializer.
package stats

import (
	"fmt"
	"io"
	"strings"
)

// Binning is a linear bucketing strategy over [Min, Max). Samples below
// Min or at/above Max land in the underflow/overflow counters.
type Binning struct {
	Min        int64
	Max        int64
	BucketSize int64
}

func (b Binning) buckets() int {
	n := (b.Max - b.Min + b.BucketSize - 1) / b.BucketSize
	if n < 1 {
		n = 1
	}
	return int(n)
}

// Histogram counts samples into linear buckets and estimates quantiles
// by interpolating inside the bucket that holds the target rank.
type Histogram struct {
	binning     Binning
	counts      []int64
	underflow   int64
	overflow    int64
	nsamples    int64
	observedMin int64
	observedMax int64
}

// NewHistogram creates an empty histogram with the given binning.
func NewHistogram(b Binning) *Histogram {
	if b.BucketSize <= 0 {
		b.BucketSize = 1
	}
	return &Histogram{binning: b, counts: make([]int64, b.buckets())}
}

// Sample records one observation.
func (h *Histogram) Sample(v int64) {
	if h.nsamples == 0 || v < h.observedMin {
		h.observedMin = v
	}
	if h.nsamples == 0 || v > h.observedMax {
		h.observedMax = v
	}
	h.nsamples++
	switch {
	case v < h.binning.Min:
		h.underflow++
	case v >= h.binning.Max:
		h.overflow++
	default:
		h.counts[(v-h.binning.Min)/h.binning.BucketSize]++
	}
}

// NSamples returns the number of recorded observations.
func (h *Histogram) NSamples() int64 { return h.nsamples }

// ObservedMin returns the smallest recorded sample.
func (h *Histogram) ObservedMin() int64 { return h.observedMin }

// ObservedMax returns the largest recorded sample.
func (h *Histogram) ObservedMax() int64 { return h.observedMax }

// EstimatedQuantile returns an estimate of the q-th quantile (q in
// [0, 1]), clamped to the observed range.
func (h *Histogram) EstimatedQuantile(q float64) int64 {
	if h.nsamples == 0 {
		return 0
	}
	if q <= 0 {
		return h.observedMin
	}
	if q >= 1 {
		return h.observedMax
	}
	target := q * float64(h.nsamples)
	cum := float64(h.underflow)
	if cum >= target {
		return h.observedMin
	}
	for i, c := range h.counts {
		if cum+float64(c) >= target {
			lo := h.binning.Min + int64(i)*h.binning.BucketSize
			frac := (target - cum) / float64(c)
			v := lo + int64(frac*float64(h.binning.BucketSize))
			if v < h.observedMin {
				v = h.observedMin
			}
			if v > h.observedMax {
				v = h.observedMax
			}
			return v
		}
		cum += float64(c)
	}
	return h.observedMax
}

// quantileColumns is the fixed set of per-histogram summary columns.
var quantileColumns = []struct {
	name string
	q    float64
}{
	{"min", 0}, {"p25", 0.25}, {"p50", 0.50}, {"p75", 0.75}, {"p90", 0.90},
	{"p99", 0.99}, {"p999", 0.999}, {"p9999", 0.9999}, {"max", 1},
}

// Summary holds the percentile summary exposed on the admin surface.
type Summary struct {
	NSamples int64
	Min      int64
	P25      int64
	P50      int64
	P75      int64
	P90      int64
	P99      int64
	P999     int64
	P9999    int64
	Max      int64
}

// Summarize computes the percentile summary for the histogram.
func (h *Histogram) Summarize() Summary {
	return Summary{
		NSamples: h.nsamples,
		Min:      h.EstimatedQuantile(0),
		P25:      h.EstimatedQuantile(0.25),
		P50:      h.EstimatedQuantile(0.50),
		P75:      h.EstimatedQuantile(0.75),
		P90:      h.EstimatedQuantile(0.90),
		P99:      h.EstimatedQuantile(0.99),
		P999:     h.EstimatedQuantile(0.999),
		P9999:    h.EstimatedQuantile(0.9999),
		Max:      h.EstimatedQuantile(1),
	}
}

// csvHeader appends the column names for one histogram block.
func csvHeader(sb *strings.Builder, prefix string) {
	fmt.Fprintf(sb, ",%s_nsamples", prefix)
	for _, c := range quantileColumns {
		fmt.Fprintf(sb, ",%s_%s", prefix, c.name)
	}
}

// csvRow appends the values for one histogram block. An empty histogram
// serializes as empty cells so the column count stays stable.
func csvRow(sb *strings.Builder, h *Histogram) {
	if h.NSamples() == 0 {
		sb.WriteString(strings.Repeat(",", len(quantileColumns)+1))
		return
	}
	fmt.Fprintf(sb, ",%d", h.NSamples())
	for _, c := range quantileColumns {
		fmt.Fprintf(sb, ",%d", h.EstimatedQuantile(c.q))
	}
}

// WriteCSVHeader writes the header row shared by all histogram rows.
func WriteCSVHeader(w io.Writer, blocks ...string) error {
	var sb strings.Builder
	sb.WriteString("name")
	for _, b := range blocks {
		csvHeader(&sb, b)
	}
	sb.WriteString("\n")
	_, err := io.WriteString(w, sb.String())
	return err
}
