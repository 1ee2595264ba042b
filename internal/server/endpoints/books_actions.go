package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/auralens/internal/api"
	"github.com/jackzampolin/auralens/internal/book"
	"github.com/jackzampolin/auralens/internal/jobs"
	"github.com/jackzampolin/auralens/internal/library"
	"github.com/jackzampolin/auralens/internal/svcctx"
)

// AddBookRequest queues a file for processing.
type AddBookRequest struct {
	Path    string `json:"path"`
	Review  *bool  `json:"review,omitempty"`
	Output  string `json:"output,omitempty"`
	Restart bool   `json:"restart,omitempty"`
}

// JobResponse describes the job created or affected by a book action.
type JobResponse struct {
	Job jobs.Info `json:"job"`
}

// AddBookEndpoint handles POST /api/books.
type AddBookEndpoint struct{}

func (e *AddBookEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/books", e.handler
}

func (e *AddBookEndpoint) RequiresInit() bool { return true }

func (e *AddBookEndpoint) Group() (string, string) { return booksGroup, "Book operations" }

// handler godoc
//
//	@Summary		Add a book
//	@Description	Queue a PDF on the daemon's filesystem for OCR. Known books resume from their saved progress.
//	@Tags			books
//	@Accept			json
//	@Produce		json
//	@Param			request	body		AddBookRequest	true	"File to process"
//	@Success		202		{object}	JobResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		409		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Router			/api/books [post]
func (e *AddBookEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req AddBookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	if !filepath.IsAbs(req.Path) {
		writeError(w, http.StatusBadRequest, "path must be absolute")
		return
	}
	if info, err := os.Stat(req.Path); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	} else if info.IsDir() {
		writeError(w, http.StatusBadRequest, req.Path+" is a directory")
		return
	}

	info, err := svcctx.LibraryFrom(r.Context()).Submit(r.Context(), req.Path, library.SubmitOptions{
		Origin:       book.OriginManual,
		Review:       req.Review,
		OutputTarget: req.Output,
		Restart:      req.Restart,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, JobResponse{Job: info})
}

func (e *AddBookEndpoint) Command(getServerURL func() string) *cobra.Command {
	var output string
	var restart bool
	cmd := &cobra.Command{
		Use:   "add <pdf>",
		Short: "Queue a PDF for OCR on the running daemon",
		Long: `Queue a PDF for OCR on the running daemon.

The daemon runs unattended, so review is disabled for API submissions.
Use 'auralens process --review' to confirm pages interactively.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if output != "" {
				if output, err = filepath.Abs(output); err != nil {
					return err
				}
			}
			noReview := false
			req := AddBookRequest{Path: path, Review: &noReview, Output: output, Restart: restart}

			client := api.NewClient(getServerURL())
			var resp JobResponse
			if err := client.Post(cmd.Context(), "/api/books", req, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "Explicit output file path")
	cmd.Flags().BoolVar(&restart, "restart", false, "Discard previous progress and start over")
	return cmd
}

// bookAction is a POST /api/books/{id}/<verb> endpoint.
type bookAction struct {
	verb  string
	short string
	run   func(r *http.Request, svc *library.Service, id string) (*jobs.Info, error)
}

func (e *bookAction) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/books/{id}/" + e.verb, e.handler
}

func (e *bookAction) RequiresInit() bool { return true }

func (e *bookAction) Group() (string, string) { return booksGroup, "Book operations" }

func (e *bookAction) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "book id is required")
		return
	}
	info, err := e.run(r, svcctx.LibraryFrom(r.Context()), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if info == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "action": e.verb})
		return
	}
	writeJSON(w, http.StatusAccepted, JobResponse{Job: *info})
}

func (e *bookAction) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   e.verb + " <id>",
		Short: e.short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp map[string]any
			path := fmt.Sprintf("/api/books/%s/%s", url.PathEscape(args[0]), e.verb)
			if err := client.Post(cmd.Context(), path, nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// NewCancelBookEndpoint handles POST /api/books/{id}/cancel.
func NewCancelBookEndpoint() api.Endpoint {
	return &bookAction{
		verb:  "cancel",
		short: "Cancel a queued or running book",
		run: func(r *http.Request, svc *library.Service, id string) (*jobs.Info, error) {
			return nil, svc.Cancel(r.Context(), id)
		},
	}
}

// NewResumeBookEndpoint handles POST /api/books/{id}/resume.
func NewResumeBookEndpoint() api.Endpoint {
	return &bookAction{
		verb:  "resume",
		short: "Resume a cancelled or unfinished book",
		run: func(r *http.Request, svc *library.Service, id string) (*jobs.Info, error) {
			info, err := svc.Resume(r.Context(), id)
			return &info, err
		},
	}
}

// NewRestartBookEndpoint handles POST /api/books/{id}/restart.
func NewRestartBookEndpoint() api.Endpoint {
	return &bookAction{
		verb:  "restart",
		short: "Discard a book's progress and process it again",
		run: func(r *http.Request, svc *library.Service, id string) (*jobs.Info, error) {
			info, err := svc.Restart(r.Context(), id)
			return &info, err
		},
	}
}
