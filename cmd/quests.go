package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bnema/questd/internal/domain"
)

func newQuestsCmd(app *app) *cobra.Command {
	var accountID string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "quests",
		Short: "List the active quests visible to an identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			credential, err := app.credentials.Credential(cmd.Context(), domain.IdentityID(accountID))
			if err != nil {
				return err
			}
			api, err := app.newQuestAPI(app.cfg.API.ProxyURL)
			if err != nil {
				return err
			}

			var quests []domain.Quest
			fetch := func(ctx context.Context) error {
				listed, err := api.ListQuests(ctx, credential)
				if err != nil {
					return err
				}
				quests = domain.FilterActiveQuests(listed, app.now())
				return nil
			}

			if asJSON {
				err = fetch(cmd.Context())
			} else {
				err = runFetchSpinner(cmd.Context(), cmd.ErrOrStderr(), "Fetching quests...", fetch)
			}
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(quests)
			}
			return writeQuests(cmd, quests, app.cfg.Tasks.DurationIDs)
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "Identity ID")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render JSON output")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func writeQuests(cmd *cobra.Command, quests []domain.Quest, durationIDs []string) error {
	if len(quests) == 0 {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), "no active quests")
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	for _, quest := range quests {
		enrolled := "not enrolled"
		if quest.Enrolled() {
			enrolled = "enrolled"
		}

		next := "completed"
		if task, err := quest.SelectTask(durationIDs); err == nil {
			next = fmt.Sprintf("%s %d%% (%s)", task.ID, task.Percent(), task.Kind)
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", quest.ID, quest.Label(), enrolled, next)
	}
	return w.Flush()
}
