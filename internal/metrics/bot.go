package metrics

import (
	"encoding/json"
	"net/http"
	"time"
)

// BotMetrics holds the polling loop's metrics.
type BotMetrics struct {
	// Counters
	TicksTotal        *Counter
	FetchFailures     *Counter
	EventsTotal       *Counter
	MismatchesTotal   *Counter
	ExemptTotal       *Counter
	RepliesSent       *Counter
	RepliesFailed     *Counter
	RepliesDuplicated *Counter

	// Gauges
	Cursor        *Gauge
	LastFetchTs   *Gauge
	UptimeSeconds *Gauge

	// Histograms
	MismatchRatio *Histogram
	TickDuration  *Histogram
}

// startTime records when metrics were initialized.
var startTime = time.Now()

// NewBotMetrics creates and registers the loop metrics. A nil registry
// gets a fresh one under the layoutfixd namespace.
func NewBotMetrics(registry *Registry) *BotMetrics {
	if registry == nil {
		registry = NewRegistry("layoutfixd", "")
	}

	return &BotMetrics{
		TicksTotal: registry.RegisterCounter(
			"ticks_total",
			"Total number of poll ticks",
			nil,
		),
		FetchFailures: registry.RegisterCounter(
			"fetch_failures_total",
			"Total number of failed update fetches",
			nil,
		),
		EventsTotal: registry.RegisterCounter(
			"events_total",
			"Total number of update events processed",
			nil,
		),
		MismatchesTotal: registry.RegisterCounter(
			"mismatches_total",
			"Total number of messages detected as typed in the wrong layout",
			nil,
		),
		ExemptTotal: registry.RegisterCounter(
			"exempt_total",
			"Total number of messages exempted because they contain native letters",
			nil,
		),
		RepliesSent: registry.RegisterCounter(
			"replies_sent_total",
			"Total number of corrective replies sent",
			nil,
		),
		RepliesFailed: registry.RegisterCounter(
			"replies_failed_total",
			"Total number of corrective replies that failed to send",
			nil,
		),
		RepliesDuplicated: registry.RegisterCounter(
			"replies_skipped_duplicate_total",
			"Total number of replies skipped because the update was already answered",
			nil,
		),

		Cursor: registry.RegisterGauge(
			"cursor",
			"Highest update id processed",
			nil,
		),
		LastFetchTs: registry.RegisterGauge(
			"last_fetch_timestamp",
			"Unix timestamp of the last successful fetch",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),

		MismatchRatio: registry.RegisterHistogram(
			"mismatch_ratio",
			"Distribution of per-message mismatch ratios",
			nil,
			RatioBuckets,
		),
		TickDuration: registry.RegisterHistogram(
			"tick_duration_seconds",
			"Duration of a fetch and process cycle in seconds",
			nil,
			DurationBuckets,
		),
	}
}

// StartTickTimer returns a timer for one tick.
func (m *BotMetrics) StartTickTimer() *HistogramTimer {
	m.TicksTotal.Inc()
	return m.TickDuration.Timer()
}

// RecordFetch records a fetch outcome.
func (m *BotMetrics) RecordFetch(at time.Time, err error) {
	if err != nil {
		m.FetchFailures.Inc()
		return
	}
	m.LastFetchTs.Set(at.Unix())
}

// RecordEvent records one processed event.
func (m *BotMetrics) RecordEvent() {
	m.EventsTotal.Inc()
}

// RecordScore records a ratio score or an exemption.
func (m *BotMetrics) RecordScore(ratio float64, exempt, mismatch bool) {
	if exempt {
		m.ExemptTotal.Inc()
		return
	}
	m.MismatchRatio.Observe(ratio)
	if mismatch {
		m.MismatchesTotal.Inc()
	}
}

// RecordReply records a reply attempt.
func (m *BotMetrics) RecordReply(success bool) {
	if success {
		m.RepliesSent.Inc()
	} else {
		m.RepliesFailed.Inc()
	}
}

// RecordDuplicate records a reply skipped by the ledger.
func (m *BotMetrics) RecordDuplicate() {
	m.RepliesDuplicated.Inc()
}

// SetCursor sets the cursor gauge.
func (m *BotMetrics) SetCursor(c int64) {
	m.Cursor.Set(c)
}

// LastFetch returns the time of the last successful fetch, or zero.
func (m *BotMetrics) LastFetch() time.Time {
	ts := m.LastFetchTs.Value()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

// UpdateUptime updates the uptime metric.
func (m *BotMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Snapshot returns a snapshot of key metrics.
func (m *BotMetrics) Snapshot() map[string]any {
	m.UpdateUptime()
	return map[string]any{
		"ticks_total":          m.TicksTotal.Value(),
		"fetch_failures_total": m.FetchFailures.Value(),
		"events_total":         m.EventsTotal.Value(),
		"mismatches_total":     m.MismatchesTotal.Value(),
		"replies_sent_total":   m.RepliesSent.Value(),
		"replies_failed_total": m.RepliesFailed.Value(),
		"cursor":               m.Cursor.Value(),
		"uptime_seconds":       m.UptimeSeconds.Value(),
		"tick_avg_seconds":     m.TickDuration.Mean(),
	}
}

// StatusHandler serves Snapshot as a JSON object.
func (m *BotMetrics) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(m.Snapshot())
	})
}
