package cli

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nijaru/scribe/batch"
	"github.com/nijaru/scribe/pipeline"
	"github.com/nijaru/scribe/validation"
)

type batchOptions struct {
	recognizer   recognizerFlags
	recursive    bool
	skipExisting bool
	watch        bool
	archive      bool
}

func (a *App) newBatchCmd() *cobra.Command {
	opts := &batchOptions{}

	cmd := &cobra.Command{
		Use:   "batch <dir>",
		Short: "Transcribe every media file in a directory",
		Long: `Transcribe every audio and video file in a directory. Each file gets a
ledger next to it with the same name and a .csv extension. A failing file
is reported and the batch moves on.

With --watch the command keeps running after the first pass and handles
media files as they appear.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runBatch(cmd, args[0], opts)
		},
	}

	opts.recognizer.register(cmd)
	cmd.Flags().BoolVarP(&opts.recursive, "recursive", "r", false, "Include subdirectories")
	cmd.Flags().BoolVar(&opts.skipExisting, "skip-existing", false, "Skip files that already have a ledger")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "Keep watching the directory for new files")
	cmd.Flags().BoolVar(&opts.archive, "archive", false, "Upload ledgers to object storage")
	return cmd
}

func (a *App) runBatch(cmd *cobra.Command, dir string, opts *batchOptions) error {
	ctx := cmd.Context()

	if err := validation.ValidateDirectory(dir); err != nil {
		return err
	}
	session, err := a.newPipeline(ctx, cmd, &opts.recognizer, opts.archive, false)
	if err != nil {
		return err
	}

	b := batch.New(session, batch.Options{Recursive: opts.recursive, SkipExisting: opts.skipExisting})
	summary, err := b.Run(ctx, dir)
	if summary != nil {
		printSummary(a.stdout, summary)
	}
	if err != nil {
		return err
	}

	if !opts.watch {
		if len(summary.Failed) > 0 {
			return fmt.Errorf("%d of %d files failed", len(summary.Failed), summary.Total())
		}
		return nil
	}

	fmt.Fprintf(a.stdout, "\nWatching %s for new media (Ctrl+C to stop)\n", dir)
	err = b.Watch(ctx, dir, func(source string, report *pipeline.Report, err error) {
		if err != nil {
			fmt.Fprintf(a.stdout, "FAILED  %s: %v\n", source, err)
			return
		}
		fmt.Fprintf(a.stdout, "OK      %s (%d rows)\n", source, report.Written)
	})
	if stderrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printSummary(w io.Writer, s *batch.Summary) {
	fmt.Fprintf(w, "Processed %d files in %s\n", s.Total(), s.Elapsed)
	fmt.Fprintf(w, "  succeeded: %d (%d rows written)\n", len(s.Succeeded), s.Written)
	fmt.Fprintf(w, "  skipped:   %d\n", len(s.Skipped))
	fmt.Fprintf(w, "  failed:    %d\n", len(s.Failed))
	for _, f := range s.Failed {
		fmt.Fprintf(w, "    %s: %s\n", f.Source, f.Error)
	}
}
