package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/csheth/kbchat/internal/api"
	"github.com/csheth/kbchat/internal/auth"
	"github.com/csheth/kbchat/internal/logging"
	"github.com/csheth/kbchat/internal/poller"
	"github.com/csheth/kbchat/internal/workspace"
)

var errNotSignedIn = errors.New("not signed in: run kbchat and sign in first")

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var projectID string
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch --project ID",
		Short: "Print a project's processing progress until the pipeline settles",
		Long: `watch polls the processing progress of one project with the stored session
and prints every snapshot. It exits once the project is no longer processing,
or with an error if a poll fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if interval <= 0 {
				interval = cfg.Poll.Progress
			}
			logger, closeLog, err := logging.New(cfg.LogFile, cfg.Verbose)
			if err != nil {
				return err
			}
			defer closeLog()

			token, err := auth.NewFileStore(cfg.StateDir).Load()
			if err != nil {
				return err
			}
			if token == "" {
				return errNotSignedIn
			}
			client := api.New(api.Config{
				BaseURL:    cfg.API.URL,
				HTTPClient: &http.Client{Timeout: cfg.API.Timeout},
				Logger:     logger,
			})
			return watchProgress(cmd.Context(), client, token, projectID, interval, cmd.OutOrStdout(), logger)
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "project id to watch")
	cmd.Flags().DurationVar(&interval, "interval", 0, "delay between polls (default from config)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

type progressSource interface {
	Progress(ctx context.Context, token, projectID string) (api.ProgressSnapshot, error)
}

// watchProgress drives a single progress poller and returns when it settles.
func watchProgress(ctx context.Context, client progressSource, token, projectID string, interval time.Duration, out io.Writer, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	settled := make(chan error, 1)
	finish := func(err error) {
		select {
		case settled <- err:
		default:
		}
	}
	p := poller.New(poller.Config[string, api.ProgressSnapshot]{
		Name:     "progress",
		Fetch:    client.Progress,
		Continue: workspace.ProgressContinues,
		Interval: interval,
		Logger:   logger,
		OnResult: func(res poller.Result[string, api.ProgressSnapshot]) {
			if res.Err != nil {
				finish(res.Err)
				return
			}
			printProgress(out, res.At, res.Value)
			if !workspace.ProgressContinues(res.Value) {
				finish(nil)
			}
		},
	})

	runDone := make(chan error, 1)
	go func() {
		runDone <- p.Run(ctx)
	}()
	p.Watch(token, projectID)

	var err error
	select {
	case err = <-settled:
	case <-ctx.Done():
		err = ctx.Err()
	}
	cancel()
	<-runDone

	if errors.Is(err, api.ErrUnauthorized) {
		return fmt.Errorf("%w (the stored session was rejected)", errNotSignedIn)
	}
	return err
}

func printProgress(out io.Writer, at time.Time, p api.ProgressSnapshot) {
	fmt.Fprintf(out, "%s  %s  %d/%d documents processed\n",
		at.Format("15:04:05"), p.Status, p.DocumentsProcessed, p.TotalDocuments)
	for _, doc := range p.Documents {
		detail := doc.Status
		if doc.TotalChunks > 0 {
			detail = fmt.Sprintf("%s (%d/%d summarized, %d/%d embedded)",
				doc.Status, doc.ChunksSummarized, doc.TotalChunks, doc.ChunksEmbedded, doc.TotalChunks)
		}
		fmt.Fprintf(out, "  %-32s %s\n", doc.Filename, detail)
	}
}
