package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/cron"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect scheduled jobs",
	}
	cmd.AddCommand(cronListCmd())
	return cmd
}

func cronListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cron jobs and their state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			store, err := cron.NewStore(cfg.CronStorePath())
			if err != nil {
				return err
			}
			doc, err := store.Load()
			if err != nil {
				return err
			}
			if len(doc.Jobs) == 0 {
				fmt.Println("no cron jobs")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tENABLED\tSCHEDULE\tNEXT RUN\tLAST STATUS")
			for _, job := range doc.Jobs {
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\n",
					job.ID, job.Enabled, describeSchedule(job.Schedule),
					formatMs(job.State.NextRunAtMs), job.State.LastStatus)
			}
			return w.Flush()
		},
	}
}

func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case "at":
		return "at " + formatMs(s.AtMs)
	case "every":
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	case "cron":
		return s.Expr
	}
	return s.Kind
}

func formatMs(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format(time.RFC3339)
}
