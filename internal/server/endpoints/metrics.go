package endpoints

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/auralens/internal/svcctx"
)

// MetricsEndpoint handles GET /metrics in the Prometheus text format.
type MetricsEndpoint struct{}

func (e *MetricsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/metrics", e.handler
}

func (e *MetricsEndpoint) RequiresInit() bool { return true }

func (e *MetricsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	c := svcctx.MetricsFrom(r.Context())
	if c == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics not enabled")
		return
	}
	c.Handler().ServeHTTP(w, r)
}

// Command returns nil; scrape /metrics directly.
func (e *MetricsEndpoint) Command(func() string) *cobra.Command { return nil }
