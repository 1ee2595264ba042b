package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/auralens/internal/daemon"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the daemon: inbox watcher, job queue and HTTP API",
	Long: `Run Auralens as a long-lived daemon.

On start the daemon takes the home directory lock, re-queues inbox books the
manifest still owes work on and then:
  - watches inbox.dir for new PDFs (needs inbox.dir, vlm.api_url, vlm.model)
  - processes queued books, queue.concurrency at a time
  - serves the HTTP API on server.host:server.port

Ctrl+C stops accepting work, persists in-flight books and exits; the next
start resumes them.

Examples:
  auralens watch
  AURALENS_INBOX_DIR=~/Scans auralens watch`,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, closer, err := newLogger(h, cfg, os.Stderr)
		if err != nil {
			return err
		}
		defer closer.Close()

		d, err := daemon.New(daemon.Options{Config: cfg, Home: h, Logger: logger})
		if err != nil {
			return err
		}
		defer d.Close()

		return d.Run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
