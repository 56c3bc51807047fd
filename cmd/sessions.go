package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/models"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var agentID string
	var active time.Duration

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if agentID == "" {
				agentID = cfg.ResolveDefaultAgentID()
			}

			selector := models.NewSelector(cfg.ToModelConfig(), models.DefaultCatalog())
			store, err := sessions.NewStore(cfg.SessionsDir(), cfg.Sessions.MainKey, selector)
			if err != nil {
				return err
			}

			var activeSince int64
			if active > 0 {
				activeSince = time.Now().Add(-active).UnixMilli()
			}
			items, err := store.List(agentID, activeSince)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("no sessions")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tSESSION\tUPDATED\tTOKENS")
			for _, it := range items {
				updated := time.UnixMilli(it.UpdatedAt).Format(time.RFC3339)
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", it.Key, it.SessionID, updated, it.Tokens)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id (default: configured default agent)")
	cmd.Flags().DurationVar(&active, "active", 0, "only sessions active within this window, e.g. 24h")
	return cmd
}
