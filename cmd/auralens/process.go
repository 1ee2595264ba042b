package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/auralens/internal/api"
	"github.com/jackzampolin/auralens/internal/daemon"
	"github.com/jackzampolin/auralens/internal/library"
	"github.com/jackzampolin/auralens/internal/pipeline"
)

var (
	processReview  bool
	processOutput  string
	processFormats []string
	processRestart bool
)

var processCmd = &cobra.Command{
	Use:   "process <pdf>",
	Short: "OCR one PDF in the foreground",
	Long: `Process a single PDF without the daemon.

Pages already recognized in an earlier run are kept unless --restart is
given. With --review each rendered page is shown for approval before it is
sent to the model. Ctrl+C cancels the book; the pages done so far are still
exported.

Fails while "auralens watch" holds the home directory; use
"auralens api books add" instead.

Examples:
  auralens process scan.pdf
  auralens process scan.pdf --format epub --output ~/Books/scan.epub
  auralens process scan.pdf --review`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}

		h, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.ValidateForOCR(); err != nil {
			return err
		}
		if len(processFormats) > 0 {
			cfg.Export.Formats = processFormats
		}

		logger, closer, err := newLogger(h, cfg, os.Stderr)
		if err != nil {
			return err
		}
		defer closer.Close()

		var reviewer pipeline.Reviewer = pipeline.AutoApprove{}
		if processReview {
			reviewer = pipeline.NewTerminalReviewer(os.Stdin, os.Stderr)
		}

		d, err := daemon.New(daemon.Options{Config: cfg, Home: h, Logger: logger, Reviewer: reviewer})
		if err != nil {
			return err
		}
		defer d.Close()

		info, err := d.Process(cmd.Context(), path, library.SubmitOptions{
			Review:       &processReview,
			OutputTarget: processOutput,
			Restart:      processRestart,
		})
		if errors.Is(err, daemon.ErrLocked) {
			return fmt.Errorf("%w; queue the file with: auralens api books add %s", err, path)
		}
		if err != nil {
			return err
		}
		return api.Output(info)
	},
}

func init() {
	processCmd.Flags().BoolVar(&processReview, "review", false, "approve each rendered page before OCR")
	processCmd.Flags().StringVar(&processOutput, "output", "", "output file (default: next to the PDF or in inbox.outbox)")
	processCmd.Flags().StringSliceVar(&processFormats, "format", nil, "export format: text, markdown or epub (repeatable)")
	processCmd.Flags().BoolVar(&processRestart, "restart", false, "discard earlier progress and start over")
	rootCmd.AddCommand(processCmd)
}
