// Package cli is the scribe command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/nijaru/scribe/config"
	"github.com/nijaru/scribe/db"
	"github.com/nijaru/scribe/logger"
	"github.com/nijaru/scribe/transcription"
)

// Version information set at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
)

type App struct {
	root   *cobra.Command
	stdout io.Writer
	stderr io.Writer

	configPath string
	logLevel   string
	cfg        *config.Config
	closers    []io.Closer

	// newRecognizer builds the speech recognizer; replaced in tests.
	newRecognizer func(cfg config.RecognizerConfig) transcription.Recognizer
}

func New() *App {
	app := &App{
		stdout: os.Stdout,
		stderr: os.Stderr,
		newRecognizer: func(cfg config.RecognizerConfig) transcription.Recognizer {
			return transcription.NewService(cfg)
		},
	}

	app.root = &cobra.Command{
		Use:   "scribe",
		Short: "Incremental transcription and subtitle capture",
		Long: `scribe turns long recordings and live screens into append-only ledgers.

Transcripts resume where the ledger left off, so rerunning a file only
appends what is new. The watch command translates on-screen subtitles once
they settle, and serve runs a live microphone transcriber with an HTTP API.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: app.setup,
		PersistentPostRun: func(*cobra.Command, []string) { app.close() },
	}

	app.root.PersistentFlags().StringVarP(&app.configPath, "config", "c", config.GetEnv("SCRIBE_CONFIG", ""), "Path to YAML configuration file")
	app.root.PersistentFlags().StringVar(&app.logLevel, "log-level", "", "Log level (overrides config)")

	app.root.AddCommand(
		app.newVersionCmd(),
		app.newTranscribeCmd(),
		app.newBatchCmd(),
		app.newWatchCmd(),
		app.newServeCmd(),
		app.newHistoryCmd(),
	)
	return app
}

func (a *App) WithOutput(stdout, stderr io.Writer) *App {
	a.stdout = stdout
	a.stderr = stderr
	a.root.SetOut(stdout)
	a.root.SetErr(stderr)
	return a
}

// Execute runs the command line until it finishes or the process is
// interrupted.
func (a *App) Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	defer a.close()

	return a.root.ExecuteContext(ctx)
}

func (a *App) ExecuteWithArgs(ctx context.Context, args []string) error {
	a.root.SetArgs(args)
	return a.Execute(ctx)
}

func (a *App) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}

	closer, err := logger.Setup(logger.Config{Dir: cfg.LogDir, Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, closer)
	a.cfg = cfg
	return nil
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i].Close()
	}
	a.closers = nil
}

// openStore opens the run database, creating its directory.
func (a *App) openStore() (*db.Store, error) {
	if dir := filepath.Dir(a.cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create database directory")
		}
	}
	store, err := db.Open(a.cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store)
	return store, nil
}

func (a *App) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// no config needed
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "scribe version %s\n", Version)
			fmt.Fprintf(a.stdout, "  Git commit: %s\n", GitCommit)
		},
	}
}
