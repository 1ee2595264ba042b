package endpoints

import (
	"net/http"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/auralens/internal/api"
	"github.com/jackzampolin/auralens/internal/jobs"
	"github.com/jackzampolin/auralens/internal/svcctx"
)

// ListJobsResponse lists active and recently finished jobs.
type ListJobsResponse struct {
	Active []jobs.Info `json:"active"`
	Recent []jobs.Info `json:"recent"`
	Stats  jobs.Stats  `json:"stats"`
}

// Table renders active jobs first, then the most recent ones.
func (l ListJobsResponse) Table() (table.Row, []table.Row) {
	var rows []table.Row
	for _, list := range [][]jobs.Info{l.Active, l.Recent} {
		for _, j := range list {
			rows = append(rows, table.Row{shortID(j.ID), j.Path, j.State, j.Status, j.Error})
		}
	}
	return table.Row{"ID", "SOURCE", "STATE", "STATUS", "ERROR"}, rows
}

// ListJobsEndpoint handles GET /api/jobs.
type ListJobsEndpoint struct{}

func (e *ListJobsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/jobs", e.handler
}

func (e *ListJobsEndpoint) RequiresInit() bool { return true }

// handler godoc
//
//	@Summary		List jobs
//	@Description	Running and pending jobs in queue order, plus recent history
//	@Tags			jobs
//	@Produce		json
//	@Success		200	{object}	ListJobsResponse
//	@Router			/api/jobs [get]
func (e *ListJobsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	q := svcctx.QueueFrom(r.Context())
	recent := q.Recent()
	// newest first
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}
	writeJSON(w, http.StatusOK, ListJobsResponse{
		Active: q.Jobs(),
		Recent: recent,
		Stats:  q.Stats(),
	})
}

func (e *ListJobsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List active and recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ListJobsResponse
			if err := client.Get(cmd.Context(), "/api/jobs", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
