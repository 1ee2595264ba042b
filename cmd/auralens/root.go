package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/auralens/internal/api"
	"github.com/jackzampolin/auralens/internal/config"
	"github.com/jackzampolin/auralens/internal/home"
	"github.com/jackzampolin/auralens/internal/logging"
	"github.com/jackzampolin/auralens/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "auralens",
	Short: "Headless PDF to text OCR with a vision-language model",
	Long: `Auralens rasterizes scanned PDFs page by page, sends each page image to an
OpenAI-compatible vision-language model and writes the recognized text as
plain text, Markdown or EPUB.

Two ways in:
  - auralens watch     watches an inbox directory and processes every PDF
                       dropped into it, resuming after restarts
  - auralens process   processes one PDF in the foreground, optionally
                       pausing for review of each rendered page`,
	Version:      version.GitRelease,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.auralens/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "auralens home directory (default: ~/.auralens)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "auto", "output format: auto, table, yaml or json",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves the home directory and loads the configuration.
func loadConfig() (*home.Dir, config.Config, error) {
	h, err := home.New(homeDir)
	if err != nil {
		return nil, config.Config{}, err
	}
	mgr, err := config.NewManager(cfgFile, h.Path())
	if err != nil {
		return nil, config.Config{}, err
	}
	cfg := mgr.Get()
	if err := cfg.Validate(); err != nil {
		return nil, config.Config{}, err
	}
	return h, cfg, nil
}

// newLogger builds the process logger: text on console, JSON in the rotated
// file under the home directory.
func newLogger(h *home.Dir, cfg config.Config, console io.Writer) (*slog.Logger, io.Closer, error) {
	logger, closer, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Console:    console,
		File:       h.LogPath(),
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("set up logging: %w", err)
	}
	slog.SetDefault(logger)
	return logger, closer, nil
}
