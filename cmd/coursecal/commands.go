package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"coursecal/internal/assemble"
	appLog "coursecal/internal/log"
	"coursecal/internal/pipeline"
	"coursecal/internal/web"
)

func newBuildCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Fetch all sources once and write the events document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			runner, err := pipeline.NewRunner(cfg, true)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			res, err := runner.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d events to %s\n", res.Document.Count, cfg.Output)
			return nil
		},
	}
}

func newCheckCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Build without writing and print per-source and per-course counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			runner, err := pipeline.NewRunner(cfg, false)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			res, err := runner.Run(ctx)
			printReport(cmd.OutOrStdout(), res)
			return err
		},
	}
}

// printReport writes a human-readable summary of a build.
func printReport(w io.Writer, res pipeline.Result) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tENTRIES\tOVERRIDES\tOCCURRENCES\tMATCHED\tRULE ERRORS\tSTATUS")
	for _, st := range res.Sources {
		status := "ok"
		switch {
		case st.Error != "":
			status = "failed: " + st.Error
		case st.FromCache:
			status = "cached"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n", st.ID, st.Entries, st.Overrides, st.Occurrences, st.Matched, st.RuleErrors, status)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "COURSE\tEVENTS")
	counts := res.CourseCounts()
	for _, code := range slices.Sorted(maps.Keys(counts)) {
		fmt.Fprintf(tw, "%s\t%d\n", code, counts[code])
	}
	fmt.Fprintf(tw, "total\t%d\n", res.Document.Count)
	_ = tw.Flush()
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the events document over HTTP and rebuild it on a cron schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			runner, err := pipeline.NewRunner(cfg, true)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			srv := web.NewServer(cfg, runner.Run)

			// Serve the last written document until the first build is done.
			if doc, err := assemble.ReadFile(cfg.Output); err == nil {
				srv.SetDocument(pipeline.Result{Document: doc})
				appLog.Info("previous document loaded", "path", cfg.Output, "events", doc.Count)
			}

			refresh := func() { rebuild(ctx, runner, srv) }

			c := cron.New()
			if _, err := c.AddFunc(cfg.RefreshCron, refresh); err != nil {
				return fmt.Errorf("invalid refresh schedule %q: %w", cfg.RefreshCron, err)
			}
			c.Start()
			defer func() {
				<-c.Stop().Done()
			}()
			appLog.Info("refresh scheduled", "cron", cfg.RefreshCron)

			go refresh()

			return srv.ListenAndServe(ctx)
		},
	}
}

func rebuild(ctx context.Context, runner *pipeline.Runner, srv *web.Server) {
	res, err := runner.Run(ctx)
	switch {
	case errors.Is(err, pipeline.ErrBuildInProgress):
		appLog.Info("scheduled refresh skipped; build already running")
	case err != nil:
		appLog.Error("scheduled refresh failed", err)
		srv.SetBuildError(err)
	default:
		srv.SetDocument(res)
	}
}
