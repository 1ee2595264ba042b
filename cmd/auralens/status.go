package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/auralens/internal/api"
	"github.com/jackzampolin/auralens/internal/book"
	"github.com/jackzampolin/auralens/internal/home"
	"github.com/jackzampolin/auralens/internal/manifest"
	"github.com/jackzampolin/auralens/internal/server/endpoints"
)

var (
	statusFilter string
	statusLimit  int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List books in the manifest",
	Long: `List books recorded in the manifest with their progress.

Reads the manifest directly, so it works whether or not the daemon is
running. For live queue state use "auralens api status".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if !h.Exists() {
			return api.Output(endpoints.ListBooksResponse{})
		}

		store, err := manifest.Open(h.ManifestPath())
		if err != nil {
			return err
		}
		defer store.Close()

		recs, err := store.List(cmd.Context(), manifest.Filter{
			Status: book.BookStatus(statusFilter),
			Limit:  statusLimit,
		})
		if err != nil {
			return err
		}
		resp := endpoints.ListBooksResponse{Books: make([]endpoints.Book, 0, len(recs))}
		for _, rec := range recs {
			resp.Books = append(resp.Books, endpoints.BookView(rec, nil))
		}
		return api.Output(resp)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "only books with this status")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 0, "maximum number of books (0 for all)")
	rootCmd.AddCommand(statusCmd)
}
