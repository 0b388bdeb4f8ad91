package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"text/tabwriter"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/snapetech/framegrabber/internal/diag"
	"github.com/snapetech/framegrabber/internal/frame"
	"github.com/snapetech/framegrabber/internal/health"
	"github.com/snapetech/framegrabber/internal/jobs"
	"github.com/snapetech/framegrabber/internal/preview"
	"github.com/snapetech/framegrabber/internal/registry"
)

// runCmd builds "run" and, with serve set, "serve", which is run with the preview
// server always on.
func (a *app) runCmd(serve bool) *cobra.Command {
	var (
		jobFile     string
		previewAddr string
		failFast    bool
	)
	use, short := "run", "Run every job in a JSON job file"
	if serve {
		use, short = "serve", "Run a job file and serve its frames, metrics and health over HTTP"
	}
	cmd := &cobra.Command{
		Use:   use + " --jobs FILE",
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := jobs.Load(jobFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("fail-fast") {
				f.FailFast = failFast
			}
			if err := a.setup(true); err != nil {
				return err
			}
			defer a.close()
			ctx, stop := signalContext(cmd)
			defer stop()

			if serve && previewAddr == "" {
				previewAddr = a.cfg.PreviewAddr
			}
			ctx, cancel := context.WithCancel(ctx)
			var bg conc.WaitGroup
			defer func() {
				cancel()
				bg.Wait()
			}()
			hub := preview.NewHub()
			var onFrame jobs.FrameFunc
			if srv := a.previewServer(previewAddr, hub); srv != nil {
				bg.Go(func() {
					if err := srv.Run(ctx); err != nil {
						log.Printf("preview: %v", err)
					}
				})
				onFrame = func(job string, format frame.Format, fr frame.Frame) {
					hub.Publish(job, format, fr)
				}
				bg.Go(func() { selfCheck(ctx, previewAddr) })
			}
			return jobs.Run(ctx, f, a.runner(), onFrame)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&jobFile, "jobs", "j", "jobs.json", "job file")
	fl.BoolVar(&failFast, "fail-fast", false, "stop every job when one fails (overrides the file)")
	def := ""
	if serve {
		def = "(default from config)"
	}
	fl.StringVar(&previewAddr, "preview", "", "preview server address "+def)
	return cmd
}

// selfCheck logs once whether the preview server answers after startup.
func selfCheck(ctx context.Context, addr string) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Second):
	}
	host := addr
	if len(host) > 0 && host[0] == ':' {
		host = "127.0.0.1" + host
	}
	if err := health.CheckEndpoints(ctx, "http://"+host); err != nil {
		log.Printf("preview: self-check failed: %v", err)
		return
	}
	log.Printf("preview: self-check ok on %s", addr)
}

func (a *app) killallCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "killall KIND...",
		Short:     "Terminate journaled engines of the given kinds (capture, convert, merge)",
		Args:      cobra.MinimumNArgs(1),
		ValidArgs: []string{string(registry.KindCapture), string(registry.KindConvert), string(registry.KindMerge)},
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds := make(map[registry.Kind]bool, len(args))
			for _, arg := range args {
				k, ok := registry.ParseKind(arg)
				if !ok {
					return fmt.Errorf("unknown kind %q", arg)
				}
				kinds[k] = true
			}
			if err := a.setup(false); err != nil {
				return err
			}
			defer a.close()
			if a.ledger == nil {
				return fmt.Errorf("killall needs the ledger (ledger_path)")
			}
			recs, err := a.ledger.Processes(cmd.Context())
			if err != nil {
				return err
			}
			for _, rec := range recs {
				if kinds[rec.Kind] {
					a.registry.Add(rec.Kind, rec.PID)
				}
			}
			total := 0
			for _, k := range registry.Kinds {
				if !kinds[k] {
					continue
				}
				total += a.registry.KillAll(k)
				// Nothing in this process will dispose the killed engines.
				for _, pid := range a.registry.PIDs(k) {
					a.registry.Remove(k, pid)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "killed %d engine process(es)\n", total)
			return nil
		},
	}
}

func (a *app) reapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Terminate engines journaled by a run that did not shut down cleanly",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(false); err != nil {
				return err
			}
			defer a.close()
			if a.ledger == nil {
				return fmt.Errorf("reap needs the ledger (ledger_path)")
			}
			recs, err := a.ledger.Processes(cmd.Context())
			if err != nil {
				return err
			}
			n := a.registry.Reap(recs)
			fmt.Fprintf(cmd.OutOrStdout(), "%d record(s), reaped %d orphan(s)\n", len(recs), n)
			return nil
		},
	}
}

func (a *app) segmentsCmd() *cobra.Command {
	var opID string
	cmd := &cobra.Command{
		Use:   "segments",
		Short: "List promoted recording segments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(false); err != nil {
				return err
			}
			defer a.close()
			if a.ledger == nil {
				return fmt.Errorf("segments needs the ledger (ledger_path)")
			}
			rows, err := a.ledger.Segments(cmd.Context(), opID)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "OP\tCREATED\tSIZE\tPATH")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.OpID, r.Created.Format(time.RFC3339), r.Size, r.OutputPath)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "no segments recorded")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opID, "op", "", "only segments of this operation ID")
	return cmd
}

func (a *app) transcriptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transcript OP_ID",
		Short: "Print the engine stderr transcript of an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(false); err != nil {
				return err
			}
			defer a.close()
			if a.cfg.TranscriptDir == "" {
				return fmt.Errorf("transcript needs transcript_dir (--transcripts)")
			}
			text, err := diag.ReadTranscript(diag.TranscriptPath(a.cfg.TranscriptDir, args[0]))
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), text)
			return err
		},
	}
}
