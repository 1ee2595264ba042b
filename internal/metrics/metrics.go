// Package metrics exposes pipeline measurements to Prometheus and keeps a
// small in-memory summary of VLM usage for the status view.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jackzampolin/auralens/internal/book"
	"github.com/jackzampolin/auralens/internal/pipeline"
	"github.com/jackzampolin/auralens/internal/providers"
)

const namespace = "auralens"

// Collector records pipeline metrics.
type Collector struct {
	registry *prometheus.Registry

	pageTransitions *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	books           *prometheus.CounterVec
	bookDuration    prometheus.Histogram
	ocrLatency      prometheus.Histogram
	ocrTokens       *prometheus.CounterVec

	mu      sync.Mutex
	summary Summary
}

var _ pipeline.Metrics = (*Collector)(nil)

// NewCollector creates a collector with its own registry, including the Go
// runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		pageTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "page_transitions_total",
			Help:      "Page status transitions by stage and resulting status.",
		}, []string{"stage", "status"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_attempts_total",
			Help:      "Collaborator calls by stage and outcome (ok or error kind).",
		}, []string{"stage", "outcome"}),
		books: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "books_finished_total",
			Help:      "Books that reached a terminal status.",
		}, []string{"status"}),
		bookDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "book_duration_seconds",
			Help:      "Wall time spent processing a book run.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 2400, 4800},
		}),
		ocrLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ocr_call_seconds",
			Help:      "Latency of successful VLM calls.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}),
		ocrTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ocr_tokens_total",
			Help:      "Tokens reported by the VLM.",
		}, []string{"type"}),
	}
	c.registry.MustRegister(
		c.pageTransitions,
		c.attempts,
		c.books,
		c.bookDuration,
		c.ocrLatency,
		c.ocrTokens,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordPage counts a page transition.
func (c *Collector) RecordPage(stage string, status book.PageStatus) {
	c.pageTransitions.WithLabelValues(stage, string(status)).Inc()
}

// RecordAttempt counts one collaborator call. An empty kind is a success.
func (c *Collector) RecordAttempt(stage string, kind book.ErrorKind) {
	outcome := string(kind)
	if outcome == "" {
		outcome = "ok"
	}
	c.attempts.WithLabelValues(stage, outcome).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	if stage != pipeline.StageOCR {
		return
	}
	if kind == "" {
		c.summary.SuccessCount++
	} else {
		c.summary.ErrorCount++
	}
}

// RecordBook counts a finished book run.
func (c *Collector) RecordBook(status book.BookStatus, elapsed time.Duration) {
	c.books.WithLabelValues(string(status)).Inc()
	c.bookDuration.Observe(elapsed.Seconds())
}

// RecordOCR records the usage of a successful VLM call.
func (c *Collector) RecordOCR(result *providers.OCRResult) {
	if result == nil {
		return
	}
	c.ocrLatency.Observe(result.ExecutionTime.Seconds())
	c.ocrTokens.WithLabelValues("prompt").Add(float64(result.PromptTokens))
	c.ocrTokens.WithLabelValues("completion").Add(float64(result.CompletionTokens))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary.Calls++
	c.summary.PromptTokens += result.PromptTokens
	c.summary.CompletionTokens += result.CompletionTokens
	c.summary.TotalTime += result.ExecutionTime
	if result.Model != "" {
		c.summary.Model = result.Model
	}
}

// GaugeFunc registers a gauge whose value is read on every scrape.
func (c *Collector) GaugeFunc(name, help string, fn func() float64) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// CounterFunc registers a counter whose value is read on every scrape.
func (c *Collector) CounterFunc(name, help string, fn func() float64) {
	c.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}
