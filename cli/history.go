package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nijaru/scribe/ledger"
	"github.com/nijaru/scribe/utils"
)

func (a *App) newHistoryCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded runs, live sessions and translations",
	}
	cmd.PersistentFlags().IntVarP(&limit, "limit", "n", 20, "Maximum number of rows")
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	runs := &cobra.Command{
		Use:   "runs [source]",
		Short: "List transcription runs, optionally for one source",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			source := ""
			if len(args) == 1 {
				source = args[0]
			}
			list, err := store.ListRuns(cmd.Context(), source, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return a.writeJSON(list)
			}

			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tSTATUS\tWRITTEN\tCURSOR\tSOURCE")
			for _, r := range list {
				fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\n",
					r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Status, r.Written, r.Total,
					ledger.FormatTimestamp(r.CursorAfter), r.Source)
			}
			return tw.Flush()
		},
	}

	sessions := &cobra.Command{
		Use:   "sessions",
		Short: "List live transcription sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			list, err := store.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if len(list) > limit {
				list = list[:limit]
			}
			if jsonOutput {
				return a.writeJSON(list)
			}

			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tENTRIES\tSOURCE\tFILE")
			for _, s := range list {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n",
					s.StartedAt.Local().Format("2006-01-02 15:04:05"), s.Entries, s.Source, s.Filename)
			}
			return tw.Flush()
		},
	}

	translations := &cobra.Command{
		Use:   "translations",
		Short: "List recent subtitle translations and this month's character usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			list, err := store.ListTranslations(cmd.Context(), limit)
			if err != nil {
				return err
			}
			now := time.Now()
			month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
			used, err := store.CharactersSince(cmd.Context(), month)
			if err != nil {
				return err
			}

			if jsonOutput {
				return a.writeJSON(map[string]interface{}{
					"translations":     list,
					"characters_month": used,
				})
			}
			for _, t := range list {
				fmt.Fprintf(a.stdout, "[%s] %s => %s\n",
					t.CreatedAt.Local().Format("2006-01-02 15:04:05"), utils.Preview(t.SourceText, 40), utils.Preview(t.TargetText, 40))
			}
			fmt.Fprintf(a.stdout, "Characters translated this month: %d\n", used)
			return nil
		},
	}

	cmd.AddCommand(runs, sessions, translations)
	return cmd
}

func (a *App) writeJSON(v interface{}) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
