package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/usbflash/tools/internal/config"
	"github.com/usbflash/tools/internal/journal"
)

func historyCmd() *cobra.Command {
	var (
		limit int
		id    string
	)
	cmd := &cobra.Command{
		GroupID: "info",
		Use:     "history",
		Short:   "Show past flash operations from the journal",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if cfg.Journal == "" {
				return fmt.Errorf("the journal is disabled (--journal is empty)")
			}
			j, err := journal.Open(cfg.Journal, newLogger(cmd.ErrOrStderr(), cfg.Verbose))
			if err != nil {
				return err
			}
			defer j.Close()
			if id != "" {
				ts, err := j.Transitions(cmd.Context(), id)
				if err != nil {
					return err
				}
				if len(ts) == 0 {
					return fmt.Errorf("no operation %s in %s", id, cfg.Journal)
				}
				return printTransitions(cmd.OutOrStdout(), ts)
			}
			runs, err := j.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of operations to show")
	cmd.Flags().StringVarP(&id, "id", "", "", "show the state transitions of this operation")
	return cmd
}

func printRuns(w io.Writer, runs []journal.Run) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tDURATION\tDEVICE\tIMAGE\tSTATE\tID")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%v\t%s\t%s\t%s\t%s\n",
			r.Started.Local().Format(time.DateTime),
			r.Updated.Sub(r.Started).Round(time.Second),
			r.Device,
			r.Image,
			r.State,
			r.ID)
	}
	return tw.Flush()
}

func printTransitions(w io.Writer, ts []journal.Transition) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSTATE\tMESSAGE")
	for _, t := range ts {
		msg := t.Message
		if t.Error != "" && t.Error != msg {
			msg += ": " + t.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.At.Local().Format(time.DateTime), t.State, msg)
	}
	return tw.Flush()
}
