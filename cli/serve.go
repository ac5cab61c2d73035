package cli

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nijaru/scribe/handlers"
	"github.com/nijaru/scribe/live"
	"github.com/nijaru/scribe/transcription"
)

type serveOptions struct {
	port      string
	outputDir string
}

func (a *App) newServeCmd() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the live transcription API",
		Long: `Serve the live transcription API. POST /api/start records the audio
device in short chunks, transcribes each one and streams the text to
/api/events subscribers while appending it to a session file in the
output directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.port, "port", "p", "", "Listen port (overrides config)")
	cmd.Flags().StringVar(&opts.outputDir, "output-dir", "", "Session file directory (overrides config)")
	return cmd
}

func (a *App) runServe(cmd *cobra.Command, opts *serveOptions) error {
	ctx := cmd.Context()

	liveCfg := a.cfg.Live
	if opts.port != "" {
		liveCfg.ServerPort = opts.port
	}
	if opts.outputDir != "" {
		liveCfg.OutputDir = opts.outputDir
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}

	recognizer := a.newRecognizer(a.cfg.Recognizer)
	if svc, ok := recognizer.(*transcription.Service); ok {
		// a chunk that fails is simply replaced by the next one
		svc.Retry.MaxRetries = 1
		svc.Timeout = 0
	}

	svc, err := live.NewService(
		recognizer,
		live.NewFFmpeg(liveCfg.RecorderPath, liveCfg.InputFormat),
		live.SettingsFromConfig(a.cfg),
		live.Options{OutputDir: liveCfg.OutputDir, Store: store},
	)
	if err != nil {
		return err
	}

	server := handlers.NewServer(liveCfg, handlers.New(svc, store, Version))
	errc := make(chan error, 1)
	go func() { errc <- server.Start() }()

	select {
	case err := <-errc:
		svc.Close(context.Background())
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), liveCfg.ShutdownTimeout)
	defer cancel()

	if err := svc.Close(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Live session did not stop cleanly")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}

