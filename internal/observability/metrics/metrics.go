package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// stream lifecycle events, broadcast creation outcomes, schedule matching,
// and credential refreshes. Writers coordinate through a RWMutex; the active
// stream gauge is atomic so the controller can update it from exit handlers.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	streamEvents    map[string]uint64
	broadcastEvents map[string]uint64
	tokenEvents     map[string]uint64
	matchTicks      uint64
	matchedTotal    uint64
	activeStreams   atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		streamEvents:    make(map[string]uint64),
		broadcastEvents: make(map[string]uint64),
		tokenEvents:     make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by packages that do not need
// a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   path,
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// StreamStarted records a start event and increments the active stream gauge.
func (r *Recorder) StreamStarted() {
	r.incrementEvent(r.streamEvents, "start")
	r.activeStreams.Add(1)
}

// StreamStopped records a stop event and decrements the active stream gauge,
// guarding against negative counts when exit handlers race.
func (r *Recorder) StreamStopped() {
	r.incrementEvent(r.streamEvents, "stop")
	r.decrementGauge(&r.activeStreams)
}

// StreamFailed records an unexpected transcoder exit.
func (r *Recorder) StreamFailed() {
	r.incrementEvent(r.streamEvents, "fail")
	r.decrementGauge(&r.activeStreams)
}

// BroadcastCreated records a successful platform broadcast creation.
func (r *Recorder) BroadcastCreated() {
	r.incrementEvent(r.broadcastEvents, "created")
}

// BroadcastFailed records a failed platform broadcast creation.
func (r *Recorder) BroadcastFailed() {
	r.incrementEvent(r.broadcastEvents, "failed")
}

// BroadcastReused records a schedule that was already bound to a broadcast.
func (r *Recorder) BroadcastReused() {
	r.incrementEvent(r.broadcastEvents, "reused")
}

// TokenRefreshed records a successful credential refresh.
func (r *Recorder) TokenRefreshed() {
	r.incrementEvent(r.tokenEvents, "refreshed")
}

// TokenRefreshFailed records a failed credential refresh by failure class
// ("reauth" for revoked grants, "error" for transient failures).
func (r *Recorder) TokenRefreshFailed(class string) {
	r.incrementEvent(r.tokenEvents, normalizeName(class))
}

// MatchTick records one matcher pass and how many schedules it matched.
func (r *Recorder) MatchTick(matched int) {
	r.mu.Lock()
	r.matchTicks++
	if matched > 0 {
		r.matchedTotal += uint64(matched)
	}
	r.mu.Unlock()
}

func (r *Recorder) incrementEvent(counters map[string]uint64, event string) {
	r.mu.Lock()
	counters[normalizeName(event)]++
	r.mu.Unlock()
}

// ActiveStreams exposes the current gauge of concurrently live streams.
func (r *Recorder) ActiveStreams() int64 {
	return r.activeStreams.Load()
}

// StreamEventCounts returns a copy of the stream event counters for tests.
func (r *Recorder) StreamEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.streamEvents))
	for k, v := range r.streamEvents {
		out[k] = v
	}
	return out
}

// BroadcastEventCounts returns a copy of the broadcast counters for tests.
func (r *Recorder) BroadcastEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.broadcastEvents))
	for k, v := range r.broadcastEvents {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges. Intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.streamEvents = make(map[string]uint64)
	r.broadcastEvents = make(map[string]uint64)
	r.tokenEvents = make(map[string]uint64)
	r.matchTicks = 0
	r.matchedTotal = 0
	r.activeStreams.Store(0)
}

// Handler exposes the Recorder as an http.Handler writing Prometheus text
// exposition data.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format with sorted
// label sets so scrapes and tests see stable output.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	streamEvents := sortedKeys(r.streamEvents)
	broadcastEvents := sortedKeys(r.broadcastEvents)
	tokenEvents := sortedKeys(r.tokenEvents)

	fmt.Fprintln(w, "# HELP airtime_http_requests_total Total number of HTTP requests processed by the operator API")
	fmt.Fprintln(w, "# TYPE airtime_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "airtime_http_requests_total{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP airtime_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE airtime_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "airtime_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP airtime_stream_events_total Stream lifecycle events by type")
	fmt.Fprintln(w, "# TYPE airtime_stream_events_total counter")
	for _, event := range streamEvents {
		fmt.Fprintf(w, "airtime_stream_events_total{event=%q} %d\n", event, r.streamEvents[event])
	}

	fmt.Fprintln(w, "# HELP airtime_active_streams Current number of streams with a running transcoder")
	fmt.Fprintln(w, "# TYPE airtime_active_streams gauge")
	fmt.Fprintf(w, "airtime_active_streams %d\n", r.activeStreams.Load())

	fmt.Fprintln(w, "# HELP airtime_broadcast_events_total Broadcast pre-creation outcomes by type")
	fmt.Fprintln(w, "# TYPE airtime_broadcast_events_total counter")
	for _, event := range broadcastEvents {
		fmt.Fprintf(w, "airtime_broadcast_events_total{event=%q} %d\n", event, r.broadcastEvents[event])
	}

	fmt.Fprintln(w, "# HELP airtime_token_events_total Credential refresh outcomes by type")
	fmt.Fprintln(w, "# TYPE airtime_token_events_total counter")
	for _, event := range tokenEvents {
		fmt.Fprintf(w, "airtime_token_events_total{event=%q} %d\n", event, r.tokenEvents[event])
	}

	fmt.Fprintln(w, "# HELP airtime_match_ticks_total Total matcher passes executed")
	fmt.Fprintln(w, "# TYPE airtime_match_ticks_total counter")
	fmt.Fprintf(w, "airtime_match_ticks_total %d\n", r.matchTicks)

	fmt.Fprintln(w, "# HELP airtime_schedules_matched_total Total schedules matched across all passes")
	fmt.Fprintln(w, "# TYPE airtime_schedules_matched_total counter")
	fmt.Fprintf(w, "airtime_schedules_matched_total %d\n", r.matchedTotal)
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
