package endpoints

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/auralens/internal/api"
	"github.com/jackzampolin/auralens/internal/svcctx"
)

// EditPageRequest carries corrected page text.
type EditPageRequest struct {
	Text *string `json:"text"`
}

// pageParams reads the book id and 1-based page number from the path.
func pageParams(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "book id is required")
		return "", 0, false
	}
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "page must be a positive integer")
		return "", 0, false
	}
	return id, n, true
}

func pagePath(id, page string) string {
	return fmt.Sprintf("/api/books/%s/pages/%s", url.PathEscape(id), url.PathEscape(page))
}

// EditPageEndpoint handles PUT /api/books/{id}/pages/{n}.
type EditPageEndpoint struct{}

func (e *EditPageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "PUT", "/api/books/{id}/pages/{n}", e.handler
}

func (e *EditPageEndpoint) RequiresInit() bool { return true }

func (e *EditPageEndpoint) Group() (string, string) { return booksGroup, "Book operations" }

// handler godoc
//
//	@Summary		Edit page text
//	@Description	Replace a page's recognized text. A finished book is exported again with the correction.
//	@Tags			books
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Book ID"
//	@Param			n		path		int				true	"Page number, starting at 1"
//	@Param			request	body		EditPageRequest	true	"Corrected text"
//	@Success		200		{object}	library.PageEdit
//	@Failure		400		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Failure		409		{object}	ErrorResponse
//	@Failure		500		{object}	ErrorResponse
//	@Router			/api/books/{id}/pages/{n} [put]
func (e *EditPageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id, n, ok := pageParams(w, r)
	if !ok {
		return
	}
	var req EditPageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Text == nil {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	edit, err := svcctx.LibraryFrom(r.Context()).EditPage(r.Context(), id, n, *req.Text)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, edit)
}

func (e *EditPageEndpoint) Command(getServerURL func() string) *cobra.Command {
	var text, file string
	cmd := &cobra.Command{
		Use:   "edit-page <id> <page>",
		Short: "Replace the text of one page",
		Long: `Replace the recognized text of one page.

The text comes from --text, from --file, or from stdin when neither is set.
A finished book is exported again so its outputs carry the correction.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := text
			switch {
			case cmd.Flags().Changed("text"):
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				body = string(data)
			default:
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				body = string(data)
			}

			client := api.NewClient(getServerURL())
			var resp map[string]any
			if err := client.Put(cmd.Context(), pagePath(args[0], args[1]), EditPageRequest{Text: &body}, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "Replacement text")
	cmd.Flags().StringVar(&file, "file", "", "Read replacement text from a file")
	cmd.MarkFlagsMutuallyExclusive("text", "file")
	return cmd
}

// RescanPageEndpoint handles POST /api/books/{id}/pages/{n}/rescan.
type RescanPageEndpoint struct{}

func (e *RescanPageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/books/{id}/pages/{n}/rescan", e.handler
}

func (e *RescanPageEndpoint) RequiresInit() bool { return true }

func (e *RescanPageEndpoint) Group() (string, string) { return booksGroup, "Book operations" }

// handler godoc
//
//	@Summary		Rescan a page
//	@Description	Reset one page and queue the book; only that page is rendered and recognized again.
//	@Tags			books
//	@Produce		json
//	@Param			id	path		string	true	"Book ID"
//	@Param			n	path		int		true	"Page number, starting at 1"
//	@Success		202	{object}	JobResponse
//	@Failure		400	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Failure		500	{object}	ErrorResponse
//	@Router			/api/books/{id}/pages/{n}/rescan [post]
func (e *RescanPageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id, n, ok := pageParams(w, r)
	if !ok {
		return
	}
	info, err := svcctx.LibraryFrom(r.Context()).RescanPage(r.Context(), id, n)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, JobResponse{Job: info})
}

func (e *RescanPageEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "rescan <id> <page>",
		Short: "Recognize one page again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp JobResponse
			if err := client.Post(cmd.Context(), pagePath(args[0], args[1])+"/rescan", nil, &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
