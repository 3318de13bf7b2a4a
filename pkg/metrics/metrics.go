// Package metrics is the in-process registry behind /metrics: endpoint
// stats, gate outcomes, receipt statuses and stage latency histograms.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu       sync.RWMutex
	endpoint map[string]*EndpointStat
	stage    map[string]int64 // stage|outcome|code
	receipt  map[string]int64
	gauges   map[string]float64
	latency  map[string]*Histogram
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// StageCount is one (stage, outcome, code) counter.
type StageCount struct {
	Stage   string `json:"stage"`
	Outcome string `json:"outcome"`
	Code    string `json:"code,omitempty"`
	Count   int64  `json:"count"`
}

type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	Stages      []StageCount            `json:"stages"`
	Receipts    map[string]int64        `json:"receipts"`
	Gauges      map[string]float64      `json:"gauges"`
	Latency     []HistogramSnapshot     `json:"latency,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint: map[string]*EndpointStat{},
		stage:    map[string]int64{},
		receipt:  map[string]int64{},
		gauges:   map[string]float64{},
		latency:  map[string]*Histogram{},
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	if r == nil {
		return
	}
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncStage counts one gate decision. code is empty on ALLOW.
func (r *Registry) IncStage(stage, outcome, code string) {
	if r == nil || stage == "" {
		return
	}
	key := strings.ToUpper(stage) + "|" + strings.ToUpper(outcome) + "|" + code
	r.mu.Lock()
	r.stage[key]++
	r.mu.Unlock()
}

func (r *Registry) IncReceipt(status string) {
	if r == nil || status == "" {
		return
	}
	r.mu.Lock()
	r.receipt[strings.ToUpper(status)]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if r == nil || name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

// ObserveStage records how long a stage took.
func (r *Registry) ObserveStage(stage string, d time.Duration) {
	if r == nil || stage == "" {
		return
	}
	r.mu.Lock()
	h, ok := r.latency[stage]
	if !ok {
		h = NewHistogram(stage)
		r.latency[stage] = h
	}
	r.mu.Unlock()
	h.Observe(d)
}

// Middleware records per-route counts and latency for handlers it wraps.
func (r *Registry) Middleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, req)
		r.Observe(req.Method+" "+route, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Receipts:    make(map[string]int64, len(r.receipt)),
		Gauges:      make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for _, key := range SortedKeys(r.stage) {
		parts := strings.SplitN(key, "|", 3)
		out.Stages = append(out.Stages, StageCount{Stage: parts[0], Outcome: parts[1], Code: parts[2], Count: r.stage[key]})
	}
	for k, v := range r.receipt {
		out.Receipts[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for _, name := range SortedKeys(r.latency) {
		out.Latency = append(out.Latency, r.latency[name].Snapshot())
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r.Snapshot())
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP ransomeye_http_requests_total requests by route\n")
		b.WriteString("# TYPE ransomeye_http_requests_total counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "ransomeye_http_requests_total{route=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP ransomeye_http_errors_total responses with status >= 400 by route\n")
		b.WriteString("# TYPE ransomeye_http_errors_total counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "ransomeye_http_errors_total{route=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP ransomeye_stage_decisions_total gate decisions by stage, outcome and code\n")
		b.WriteString("# TYPE ransomeye_stage_decisions_total counter\n")
		for _, s := range snap.Stages {
			fmt.Fprintf(b, "ransomeye_stage_decisions_total{stage=%q,outcome=%q,code=%q} %d\n", s.Stage, s.Outcome, s.Code, s.Count)
		}
		b.WriteString("# HELP ransomeye_receipts_total execution receipts by status\n")
		b.WriteString("# TYPE ransomeye_receipts_total counter\n")
		for _, st := range SortedKeys(snap.Receipts) {
			fmt.Fprintf(b, "ransomeye_receipts_total{status=%q} %d\n", st, snap.Receipts[st])
		}
		b.WriteString("# HELP ransomeye_gauge operational gauges\n")
		b.WriteString("# TYPE ransomeye_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "ransomeye_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		if len(snap.Latency) > 0 {
			b.WriteString("# HELP ransomeye_stage_seconds stage latency\n")
			b.WriteString("# TYPE ransomeye_stage_seconds histogram\n")
		}
		for _, h := range snap.Latency {
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "ransomeye_stage_seconds_bucket{stage=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "ransomeye_stage_seconds_bucket{stage=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "ransomeye_stage_seconds_sum{stage=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "ransomeye_stage_seconds_count{stage=%q} %d\n", h.Name, h.Count)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// stageBuckets are upper bounds in seconds. Dispatch dominates the tail.
var stageBuckets = []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10}

type HistogramBucket struct {
	Le    float64
	Count int64
}

type Histogram struct {
	mu      sync.Mutex
	name    string
	buckets []HistogramBucket
	sum     float64
	count   int64
}

type HistogramSnapshot struct {
	Name    string            `json:"name"`
	Buckets []HistogramBucket `json:"buckets"`
	Sum     float64           `json:"sum"`
	Count   int64             `json:"count"`
}

func NewHistogram(name string) *Histogram {
	h := &Histogram{name: name, buckets: make([]HistogramBucket, len(stageBuckets))}
	for i, le := range stageBuckets {
		h.buckets[i].Le = le
	}
	return h
}

func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += sec
	h.count++
	for i := range h.buckets {
		if sec <= h.buckets[i].Le {
			h.buckets[i].Count++
		}
	}
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HistogramSnapshot{
		Name:    h.name,
		Buckets: append([]HistogramBucket(nil), h.buckets...),
		Sum:     h.sum,
		Count:   h.count,
	}
}
