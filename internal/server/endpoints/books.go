package endpoints

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/auralens/internal/api"
	"github.com/jackzampolin/auralens/internal/book"
	"github.com/jackzampolin/auralens/internal/jobs"
	"github.com/jackzampolin/auralens/internal/manifest"
	"github.com/jackzampolin/auralens/internal/svcctx"
)

const booksGroup = "books"

// Book is the API view of a persisted book.
type Book struct {
	ID           string                  `json:"id"`
	SourcePath   string                  `json:"source_path"`
	Origin       book.Origin             `json:"origin"`
	Status       book.BookStatus         `json:"status"`
	Pages        int                     `json:"pages"`
	Done         int                     `json:"done"`
	FailedPages  []int                   `json:"failed_pages,omitempty"`
	Counts       map[book.PageStatus]int `json:"counts"`
	OutputTarget string                  `json:"output_target,omitempty"`
	Job          jobs.State              `json:"job,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	UpdatedAt    time.Time               `json:"updated_at"`
	ExportedAt   *time.Time              `json:"exported_at,omitempty"`
	ExportError  string                  `json:"export_error,omitempty"`
}

// BookView builds the API view of rec. q may be nil.
func BookView(rec *manifest.Record, q *jobs.Queue) Book {
	b := rec.Book
	v := Book{
		ID:           b.ID,
		SourcePath:   b.SourcePath,
		Origin:       b.Origin,
		Status:       rec.Status,
		Pages:        len(b.Pages),
		Done:         b.Done(),
		FailedPages:  b.FailedPages(),
		Counts:       b.Counts(),
		OutputTarget: b.OutputTarget,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
		ExportedAt:   rec.ExportedAt,
		ExportError:  rec.ExportError,
	}
	if q != nil {
		if job, ok := q.Get(b.ID); ok {
			v.Job = job.Info().State
		}
	}
	return v
}

// ListBooksResponse is the response for listing books.
type ListBooksResponse struct {
	Books []Book `json:"books"`
}

// Table renders one row per book.
func (l ListBooksResponse) Table() (table.Row, []table.Row) {
	rows := make([]table.Row, 0, len(l.Books))
	for _, b := range l.Books {
		rows = append(rows, table.Row{
			shortID(b.ID),
			b.SourcePath,
			b.Status,
			fmt.Sprintf("%d/%d", b.Done, b.Pages),
			b.Origin,
			b.Job,
		})
	}
	return table.Row{"ID", "SOURCE", "STATUS", "DONE", "ORIGIN", "JOB"}, rows
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ListBooksEndpoint handles GET /api/books.
type ListBooksEndpoint struct{}

func (e *ListBooksEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/books", e.handler
}

func (e *ListBooksEndpoint) RequiresInit() bool { return true }

func (e *ListBooksEndpoint) Group() (string, string) { return booksGroup, "Book operations" }

// handler godoc
//
//	@Summary		List books
//	@Description	List books in the manifest, newest first
//	@Tags			books
//	@Produce		json
//	@Param			status	query		string	false	"Filter by book status"
//	@Param			origin	query		string	false	"Filter by origin (manual, inbox)"
//	@Param			limit	query		int		false	"Maximum number of books"
//	@Success		200		{object}	ListBooksResponse
//	@Failure		400		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Router			/api/books [get]
func (e *ListBooksEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := manifest.Filter{
		Status: book.BookStatus(q.Get("status")),
		Origin: book.Origin(q.Get("origin")),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	ctx := r.Context()
	recs, err := svcctx.ManifestFrom(ctx).List(ctx, filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	queue := svcctx.QueueFrom(ctx)
	resp := ListBooksResponse{Books: make([]Book, 0, len(recs))}
	for _, rec := range recs {
		resp.Books = append(resp.Books, BookView(rec, queue))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *ListBooksEndpoint) Command(getServerURL func() string) *cobra.Command {
	var status, origin string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List books",
		RunE: func(cmd *cobra.Command, args []string) error {
			params := url.Values{}
			if status != "" {
				params.Set("status", status)
			}
			if origin != "" {
				params.Set("origin", origin)
			}
			if limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/books"
			if len(params) > 0 {
				path += "?" + params.Encode()
			}

			client := api.NewClient(getServerURL())
			var resp ListBooksResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (processing, completed, partially_failed, failed, cancelled)")
	cmd.Flags().StringVar(&origin, "origin", "", "Filter by origin (manual, inbox)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of books")
	return cmd
}

// GetBookResponse is a book with its pages.
type GetBookResponse struct {
	Book
	PageList []book.Page `json:"page_list"`
}

// Table renders one row per page.
func (g GetBookResponse) Table() (table.Row, []table.Row) {
	rows := make([]table.Row, 0, len(g.PageList))
	for _, p := range g.PageList {
		rows = append(rows, table.Row{p.Number(), p.Status, p.Attempts, p.LastError, len(p.Text)})
	}
	return table.Row{"PAGE", "STATUS", "ATTEMPTS", "LAST ERROR", "CHARS"}, rows
}

// GetBookEndpoint handles GET /api/books/{id}.
type GetBookEndpoint struct{}

func (e *GetBookEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/books/{id}", e.handler
}

func (e *GetBookEndpoint) RequiresInit() bool { return true }

func (e *GetBookEndpoint) Group() (string, string) { return booksGroup, "Book operations" }

// handler godoc
//
//	@Summary		Get book by ID
//	@Description	Get a book with per-page status; page text is included when text=true
//	@Tags			books
//	@Produce		json
//	@Param			id		path		string	true	"Book ID"
//	@Param			text	query		bool	false	"Include recognized text"
//	@Success		200		{object}	GetBookResponse
//	@Failure		404		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Router			/api/books/{id} [get]
func (e *GetBookEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "book id is required")
		return
	}

	ctx := r.Context()
	rec, err := svcctx.ManifestFrom(ctx).Get(ctx, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	withText := r.URL.Query().Get("text") == "true"
	resp := GetBookResponse{
		Book:     BookView(rec, svcctx.QueueFrom(ctx)),
		PageList: make([]book.Page, len(rec.Book.Pages)),
	}
	for i, p := range rec.Book.Pages {
		if !withText {
			p.Text = ""
		}
		resp.PageList[i] = p
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *GetBookEndpoint) Command(getServerURL func() string) *cobra.Command {
	var withText bool
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a book and its pages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/books/" + url.PathEscape(args[0])
			if withText {
				path += "?text=true"
			}
			client := api.NewClient(getServerURL())
			var resp GetBookResponse
			if err := client.Get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().BoolVar(&withText, "text", false, "Include recognized page text")
	return cmd
}
