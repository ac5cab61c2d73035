package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nijaru/scribe/config"
	"github.com/nijaru/scribe/ledger"
	"github.com/nijaru/scribe/pipeline"
	"github.com/nijaru/scribe/storage"
	"github.com/nijaru/scribe/transcription"
	"github.com/nijaru/scribe/utils"
)

// recognizerFlags override the recognizer section of the configuration.
type recognizerFlags struct {
	model             string
	language          string
	modelDir          string
	hfToken           string
	minSpeakers       int
	maxSpeakers       int
	diarize           bool
	noForceSimplified bool
}

func (f *recognizerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "Model size: tiny, base, small, medium, large, turbo")
	cmd.Flags().StringVarP(&f.language, "language", "l", "", "Language code, or auto to detect")
	cmd.Flags().StringVarP(&f.modelDir, "model-dir", "d", "", "Model download directory")
	cmd.Flags().StringVarP(&f.hfToken, "hf-token", "t", "", "HuggingFace token for the diarization model")
	cmd.Flags().IntVar(&f.minSpeakers, "min-speakers", 0, "Minimum number of speakers")
	cmd.Flags().IntVar(&f.maxSpeakers, "max-speakers", 0, "Maximum number of speakers")
	cmd.Flags().BoolVar(&f.diarize, "diarize", false, "Label speakers (diarized ledger)")
	cmd.Flags().BoolVar(&f.noForceSimplified, "no-force-simplified", false, "Keep traditional Chinese output")
}

func (f *recognizerFlags) apply(cmd *cobra.Command, cfg config.RecognizerConfig) (config.RecognizerConfig, transcription.Options) {
	changed := cmd.Flags().Changed
	if changed("model") {
		cfg.Model = f.model
	}
	if changed("language") {
		cfg.Language = f.language
	}
	if changed("model-dir") {
		cfg.ModelDir = f.modelDir
	}
	if changed("hf-token") {
		cfg.HFToken = f.hfToken
	}
	if changed("min-speakers") {
		cfg.MinSpeakers = f.minSpeakers
	}
	if changed("max-speakers") {
		cfg.MaxSpeakers = f.maxSpeakers
	}
	if f.noForceSimplified {
		cfg.ForceSimplified = false
	}

	opts := transcription.OptionsFromConfig(cfg)
	opts.Diarize = f.diarize
	return cfg, opts
}

type transcribeOptions struct {
	recognizer recognizerFlags
	output     string
	archive    bool
	restore    bool
	jsonOutput bool
	print      bool
}

func (a *App) newTranscribeCmd() *cobra.Command {
	opts := &transcribeOptions{}

	cmd := &cobra.Command{
		Use:   "transcribe <file>",
		Short: "Transcribe a media file into its ledger",
		Long: `Transcribe a media file and append new rows to its CSV ledger.

The ledger defaults to <name>_transcript.csv, or <name>_diarize.csv with
--diarize. When the ledger already holds rows, only observations that end
after its last row are appended.

Examples:
  scribe transcribe talk.mp3
  scribe transcribe -m large -l zh talk.mp3
  scribe transcribe --diarize -t $HF_TOKEN --min-speakers 2 meeting.m4a
  scribe transcribe --archive --restore talk.mp3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTranscribe(cmd, args[0], opts)
		},
	}

	opts.recognizer.register(cmd)
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Ledger path (default derived from the file name)")
	cmd.Flags().BoolVar(&opts.archive, "archive", false, "Upload the ledger to object storage after new rows are written")
	cmd.Flags().BoolVar(&opts.restore, "restore", false, "Fetch an archived ledger when none exists locally")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Print the run report as JSON")
	cmd.Flags().BoolVar(&opts.print, "print", false, "Print the newest rows written")
	return cmd
}

func (a *App) runTranscribe(cmd *cobra.Command, source string, opts *transcribeOptions) error {
	ctx := cmd.Context()

	session, err := a.newPipeline(ctx, cmd, &opts.recognizer, opts.archive || opts.restore, opts.restore)
	if err != nil {
		return err
	}

	report, err := session.Run(ctx, source, opts.output)
	if err != nil {
		return err
	}

	if opts.jsonOutput {
		return a.writeJSON(report)
	}
	printReport(a.stdout, report, opts.print)
	return nil
}

// newPipeline wires the recognizer, run store and optional archive.
func (a *App) newPipeline(ctx context.Context, cmd *cobra.Command, flags *recognizerFlags, archive, restore bool) (*pipeline.Session, error) {
	recCfg, recOpts := flags.apply(cmd, a.cfg.Recognizer)
	if err := recOpts.Validate(); err != nil {
		return nil, err
	}

	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	options := []pipeline.Option{pipeline.WithStore(store)}

	if archive || a.cfg.Storage.Enabled {
		storageCfg := a.cfg.Storage
		storageCfg.Enabled = true
		if err := storageCfg.Validate(); err != nil {
			return nil, err
		}
		archiver, err := storage.New(ctx, storageCfg)
		if err != nil {
			return nil, err
		}
		options = append(options, pipeline.WithArchiver(archiver, restore))
	}

	return pipeline.NewSession(a.newRecognizer(recCfg), recOpts, options...), nil
}

func printReport(w io.Writer, r *pipeline.Report, rows bool) {
	fmt.Fprintf(w, "Source:   %s\n", r.Source)
	fmt.Fprintf(w, "Ledger:   %s\n", r.Ledger)
	if r.Language != "" {
		fmt.Fprintf(w, "Language: %s\n", r.Language)
	}
	if r.Resumed {
		fmt.Fprintf(w, "Resumed:  from %s\n", ledger.FormatTimestamp(r.CursorBefore))
	}
	fmt.Fprintf(w, "Segments: %d recognized, %d written, %d already in ledger\n", r.Total, r.Written, r.Skipped)
	fmt.Fprintf(w, "Cursor:   %s\n", ledger.FormatTimestamp(r.CursorAfter))
	if r.ArchiveKey != "" {
		fmt.Fprintf(w, "Archived: %s\n", r.ArchiveKey)
	}

	if rows && len(r.Latest) > 0 {
		fmt.Fprintln(w)
		for _, o := range r.Latest {
			fmt.Fprintf(w, "[%s -> %s] %s\n", ledger.FormatTimestamp(o.Start), ledger.FormatTimestamp(o.End), utils.FormatText(o.Text))
		}
	}
}
