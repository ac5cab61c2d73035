package cli

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nijaru/scribe/ocr"
	"github.com/nijaru/scribe/stability"
	"github.com/nijaru/scribe/subtitle"
	"github.com/nijaru/scribe/translate"
)

type watchOptions struct {
	region         string
	stableDuration time.Duration
	interval       time.Duration
	ocrLanguage    string
	target         string
	logPath        string
	noPreprocess   bool
}

func (a *App) newWatchCmd() *cobra.Command {
	opts := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Translate on-screen subtitles once they settle",
		Long: `Capture a screen region, read it with OCR and translate the text once it
has stayed the same for the stable duration. Each subtitle is translated
once, printed and appended to the subtitle log.

Examples:
  scribe watch --region 100,800,1820,1000
  scribe watch --region 100,800,1820,1000 --stable 1.5s --target en`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runWatch(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.region, "region", "", "Screen region as x1,y1,x2,y2 (required)")
	cmd.Flags().DurationVar(&opts.stableDuration, "stable", 0, "How long text must stay unchanged (overrides config)")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "Capture interval (overrides config)")
	cmd.Flags().StringVar(&opts.ocrLanguage, "ocr-lang", "", "Tesseract languages, e.g. chi_sim+eng")
	cmd.Flags().StringVar(&opts.target, "target", "", "Translation target language")
	cmd.Flags().StringVar(&opts.logPath, "log", "subtitles.txt", "Subtitle log file (empty disables)")
	cmd.Flags().BoolVar(&opts.noPreprocess, "no-preprocess", false, "Skip grayscale and threshold before OCR")
	_ = cmd.MarkFlagRequired("region")
	return cmd
}

func (a *App) runWatch(cmd *cobra.Command, opts *watchOptions) error {
	ctx := cmd.Context()

	region, err := ocr.ParseRegion(opts.region)
	if err != nil {
		return err
	}

	stabCfg := stability.Config{
		StableDuration:  a.cfg.Stability.StableDuration,
		CaptureInterval: a.cfg.Stability.CaptureInterval,
	}
	if opts.stableDuration > 0 {
		stabCfg.StableDuration = opts.stableDuration
	}
	if opts.interval > 0 {
		stabCfg.CaptureInterval = opts.interval
	}
	monitor, err := stability.NewMonitor(stabCfg)
	if err != nil {
		return err
	}

	ocrCfg := a.cfg.OCR
	if opts.ocrLanguage != "" {
		ocrCfg.Language = opts.ocrLanguage
	}
	if opts.noPreprocess {
		ocrCfg.Preprocess = false
	}
	sampler, err := ocr.NewSampler(ocrCfg, region)
	if err != nil {
		return err
	}
	defer sampler.Close()

	trCfg := a.cfg.Translate
	if opts.target != "" {
		trCfg.TargetLang = opts.target
	}
	translator, err := translate.New(ctx, trCfg)
	if err != nil {
		return err
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"region":   sampler.Region().String(),
		"stable":   stabCfg.StableDuration,
		"interval": stabCfg.CaptureInterval,
		"target":   trCfg.TargetLang,
	}).Info("Watching subtitles")
	fmt.Fprintf(a.stdout, "Watching region %s (Ctrl+C to stop)\n", sampler.Region())

	w := subtitle.NewWatcher(monitor, sampler, translator, subtitle.Options{
		LogPath: opts.logPath,
		Store:   store,
		Output:  a.stdout,
	})
	return w.Run(ctx, nil)
}
