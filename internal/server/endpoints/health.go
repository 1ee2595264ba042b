package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/auralens/internal/api"
	"github.com/jackzampolin/auralens/internal/book"
	"github.com/jackzampolin/auralens/internal/inbox"
	"github.com/jackzampolin/auralens/internal/jobs"
	"github.com/jackzampolin/auralens/internal/library"
	"github.com/jackzampolin/auralens/internal/manifest"
	"github.com/jackzampolin/auralens/internal/metrics"
	"github.com/jackzampolin/auralens/internal/providers"
	"github.com/jackzampolin/auralens/internal/svcctx"
	"github.com/jackzampolin/auralens/version"
)

// HealthResponse is the response for the health check endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// HealthEndpoint handles GET /health.
type HealthEndpoint struct{}

func (e *HealthEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/health", e.handler
}

func (e *HealthEndpoint) RequiresInit() bool { return false }

// handler godoc
//
//	@Summary	Health check
//	@Tags		health
//	@Produce	json
//	@Success	200	{object}	HealthResponse
//	@Router		/health [get]
func (e *HealthEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: version.GitRelease})
}

func (e *HealthEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check daemon health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp HealthResponse
			if err := client.Get(cmd.Context(), "/health", &resp); err != nil {
				return err
			}
			fmt.Printf("Status:  %s\n", resp.Status)
			fmt.Printf("Version: %s\n", resp.Version)
			return nil
		},
	}
}

// StatusResponse is the detailed daemon status.
type StatusResponse struct {
	Version     string                       `json:"version"`
	Commit      string                       `json:"commit"`
	Uptime      string                       `json:"uptime"`
	Queue       jobs.Stats                   `json:"queue"`
	Books       map[book.BookStatus]int      `json:"books"`
	Inbox       *inbox.Status                `json:"inbox,omitempty"`
	RateLimiter *providers.RateLimiterStatus `json:"rate_limiter,omitempty"`
	VLM         *metrics.Summary             `json:"vlm,omitempty"`
	EventsDrop  int64                        `json:"events_dropped"`
}

// Table renders the status as key/value rows.
func (s StatusResponse) Table() (table.Row, []table.Row) {
	rows := []table.Row{
		{"version", s.Version},
		{"uptime", s.Uptime},
		{"queue", fmt.Sprintf("%d running, %d pending (concurrency %d)", s.Queue.Running, s.Queue.Pending, s.Queue.Concurrency)},
	}
	for _, st := range []book.BookStatus{book.StatusProcessing, book.StatusCompleted, book.StatusPartiallyFailed, book.StatusFailed, book.StatusCancelled} {
		rows = append(rows, table.Row{"books " + string(st), s.Books[st]})
	}
	if s.Inbox != nil {
		inboxState := s.Inbox.Dir
		if s.Inbox.Error != "" {
			inboxState += " (" + s.Inbox.Error + ")"
		}
		rows = append(rows, table.Row{"inbox", inboxState})
	} else {
		rows = append(rows, table.Row{"inbox", "disabled"})
	}
	if s.VLM != nil {
		rows = append(rows,
			table.Row{"vlm model", s.VLM.Model},
			table.Row{"vlm calls", fmt.Sprintf("%d (%.0f%% ok, avg %s)", s.VLM.Calls, s.VLM.SuccessRate*100, s.VLM.AvgTime.Round(time.Millisecond))},
			table.Row{"vlm tokens", s.VLM.TotalTokens},
		)
	}
	return table.Row{"FIELD", "VALUE"}, rows
}

// StatusEndpoint handles GET /status.
type StatusEndpoint struct{}

func (e *StatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/status", e.handler
}

func (e *StatusEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		Daemon status
//	@Description	Queue depth, book counts by status, inbox, rate limiter and VLM usage
//	@Tags			health
//	@Produce		json
//	@Success		200	{object}	StatusResponse
//	@Failure		500	{object}	ErrorResponse
//	@Failure		503	{object}	ErrorResponse
//	@Router			/status [get]
func (e *StatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s := svcctx.ServicesFrom(ctx)

	resp := StatusResponse{
		Version: version.GitRelease,
		Commit:  version.GitCommit,
		Queue:   s.Queue.Stats(),
		Books:   make(map[book.BookStatus]int),
	}
	if !s.Started.IsZero() {
		resp.Uptime = time.Since(s.Started).Round(time.Second).String()
	}

	recs, err := s.Manifest.List(ctx, manifest.Filter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, rec := range recs {
		resp.Books[rec.Status]++
	}

	if s.Inbox != nil {
		st := s.Inbox.Status()
		resp.Inbox = &st
	}
	if s.Limiter != nil {
		st := s.Limiter.Status()
		resp.RateLimiter = &st
	}
	if s.Metrics != nil {
		sum := s.Metrics.Summary()
		resp.VLM = &sum
	}
	if s.Bus != nil {
		resp.EventsDrop = s.Bus.Dropped()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *StatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Get detailed daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp StatusResponse
			if err := client.Get(cmd.Context(), "/status", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeServiceError maps service errors to HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manifest.ErrNotFound), errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, book.ErrPageNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, jobs.ErrDuplicate),
		errors.Is(err, library.ErrAlreadyExported),
		errors.Is(err, library.ErrNotResumable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
