// Package telemetry maintains the bounded sliding window of link telemetry
// samples and the UDP plane that carries them from the GCS to the drone.
package telemetry

import (
	"sort"
	"sync"
	"time"
)

// Sample is one received telemetry snapshot, timestamped on the local
// monotonic clock at ingestion.
type Sample struct {
	Seq    int64
	CPUPct float64
	MemPct float64
	// Flight state carried by the snapshot, cached as "last known".
	HeartbeatAgeMS float64
	Failsafe       bool
	Armed          bool
}

// FlightState is the last known vehicle state extracted from telemetry.
type FlightState struct {
	HeartbeatAgeMS float64
	Failsafe       bool
	Armed          bool
}

// Summary holds the derived statistics for the current window contents.
// With zero samples TelemetryAgeMS and SilenceMaxMS are -1 and Confidence is
// 0: callers must treat that as "no data", never as a zero reading.
type Summary struct {
	SampleCount     int     `json:"sample_count"`
	TelemetryAgeMS  float64 `json:"telemetry_age_ms"`
	RxPPSMedian     float64 `json:"rx_pps_median"`
	SilenceMaxMS    float64 `json:"silence_max_ms"`
	GapP95MS        float64 `json:"gap_p95_ms"`
	JitterMS        float64 `json:"jitter_ms"`
	GCSCPUMedian    float64 `json:"gcs_cpu_median"`
	GCSCPUP95       float64 `json:"gcs_cpu_p95"`
	GCSMemMedian    float64 `json:"gcs_mem_median"`
	LastSeq         int64   `json:"last_seq"`
	Confidence      float64 `json:"confidence"`
	MissingSeqCount int     `json:"missing_seq_count"`
	OutOfOrderCount int     `json:"out_of_order_count"`
}

type entry struct {
	at     time.Duration // monotonic instant
	sample Sample
}

// Window is a bounded, mutex-guarded sliding window over telemetry samples.
// Memory is bounded both by time span and by a hard sample cap with FIFO
// eviction, so it stays bounded under any input rate.
type Window struct {
	mu         sync.Mutex
	span       time.Duration
	maxSamples int
	expectedHz float64
	entries    []entry
	flight     FlightState
}

// NewWindow builds a window covering span with at most maxSamples entries.
// Non-positive arguments fall back to 5s / 500 samples / 5 Hz.
func NewWindow(span time.Duration, maxSamples int, expectedHz float64) *Window {
	if span <= 0 {
		span = 5 * time.Second
	}
	if maxSamples <= 0 {
		maxSamples = 500
	}
	if expectedHz <= 0 {
		expectedHz = 5.0
	}
	return &Window{
		span:       span,
		maxSamples: maxSamples,
		expectedHz: expectedHz,
		entries:    make([]entry, 0, maxSamples),
	}
}

// Add appends a sample at the given monotonic instant, evicting entries that
// fall outside the span and dropping the oldest entry when the hard cap is
// exceeded.
func (w *Window) Add(at time.Duration, s Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, entry{at: at, sample: s})
	w.pruneLocked(at)
	if over := len(w.entries) - w.maxSamples; over > 0 {
		w.entries = append(w.entries[:0], w.entries[over:]...)
	}
	w.flight = FlightState{
		HeartbeatAgeMS: s.HeartbeatAgeMS,
		Failsafe:       s.Failsafe,
		Armed:          s.Armed,
	}
}

func (w *Window) pruneLocked(now time.Duration) {
	cutoff := now - w.span
	i := 0
	for i < len(w.entries) && w.entries[i].at < cutoff {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

// FlightState returns the last known vehicle state seen in telemetry.
func (w *Window) FlightState() FlightState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flight
}

// Confidence returns observed/expected sample ratio capped at 1.
func (w *Window) Confidence(now time.Duration) float64 {
	w.mu.Lock()
	w.pruneLocked(now)
	n := len(w.entries)
	w.mu.Unlock()
	return w.confidenceFor(n)
}

func (w *Window) confidenceFor(n int) float64 {
	expected := w.expectedHz * w.span.Seconds()
	if expected <= 0 {
		return 0
	}
	c := float64(n) / expected
	if c > 1 {
		return 1
	}
	return c
}

// Summarize computes the derived statistics for the window as of now. The
// sample arrays are copied under the lock; sorting and percentile extraction
// run on the copy so concurrent writers are never blocked by statistics.
func (w *Window) Summarize(now time.Duration) Summary {
	w.mu.Lock()
	w.pruneLocked(now)
	n := len(w.entries)
	if n == 0 {
		w.mu.Unlock()
		return Summary{
			SampleCount:    0,
			TelemetryAgeMS: -1,
			SilenceMaxMS:   -1,
		}
	}
	monos := make([]time.Duration, n)
	seqs := make([]int64, n)
	cpus := make([]float64, n)
	mems := make([]float64, n)
	for i, e := range w.entries {
		monos[i] = e.at
		seqs[i] = e.sample.Seq
		cpus[i] = e.sample.CPUPct
		mems[i] = e.sample.MemPct
	}
	w.mu.Unlock()

	ageMS := float64(now-monos[n-1]) / float64(time.Millisecond)
	if ageMS < 0 {
		ageMS = 0
	}

	gaps := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		gaps = append(gaps, float64(monos[i]-monos[i-1])/float64(time.Millisecond))
	}

	// Receive rate: median of instantaneous rates, falling back to a simple
	// count/duration ratio when the gaps are degenerate.
	pps := make([]float64, 0, len(gaps))
	for _, g := range gaps {
		if g > 0 {
			pps = append(pps, 1000.0/g)
		}
	}
	var rxPPS float64
	switch {
	case len(pps) > 0:
		rxPPS = median(pps)
	case n > 1 && monos[n-1] > monos[0]:
		rxPPS = float64(n-1) / (monos[n-1] - monos[0]).Seconds()
	}

	silence := ageMS
	gapP95 := 0.0
	jitter := 0.0
	if len(gaps) > 0 {
		sorted := append([]float64(nil), gaps...)
		sort.Float64s(sorted)
		if m := sorted[len(sorted)-1]; m > silence {
			silence = m
		}
		gapP95 = percentile95(sorted)

		var sum float64
		for _, g := range sorted {
			sum += g
		}
		mean := sum / float64(len(sorted))
		devs := make([]float64, len(sorted))
		for i, g := range sorted {
			d := g - mean
			if d < 0 {
				d = -d
			}
			devs[i] = d
		}
		jitter = median(devs)
	}

	missing, outOfOrder := 0, 0
	for i := 1; i < len(seqs); i++ {
		diff := seqs[i] - seqs[i-1]
		if diff > 1 {
			missing += int(diff - 1)
		} else if diff < 0 {
			outOfOrder++
		}
	}

	return Summary{
		SampleCount:     n,
		TelemetryAgeMS:  ageMS,
		RxPPSMedian:     rxPPS,
		SilenceMaxMS:    silence,
		GapP95MS:        gapP95,
		JitterMS:        jitter,
		GCSCPUMedian:    median(append([]float64(nil), cpus...)),
		GCSCPUP95:       percentile95Of(cpus),
		GCSMemMedian:    median(append([]float64(nil), mems...)),
		LastSeq:         seqs[n-1],
		Confidence:      w.confidenceFor(n),
		MissingSeqCount: missing,
		OutOfOrderCount: outOfOrder,
	}
}

// median sorts its argument in place.
func median(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	mid := len(vals) / 2
	if len(vals)%2 == 1 {
		return vals[mid]
	}
	return (vals[mid-1] + vals[mid]) / 2
}

// percentile95 expects sorted input.
func percentile95(sorted []float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * 0.95)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func percentile95Of(vals []float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	return percentile95(sorted)
}
