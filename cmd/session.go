package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bnema/questd/internal/domain"
)

func newEnrollCmd(app *app) *cobra.Command {
	var accountID string
	var questID string

	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Enroll an identity in a quest on the running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snapshot, err := app.controlClient().Enroll(cmd.Context(), accountID, questID)
			if err != nil {
				return app.controlError(err)
			}
			return writeSession(cmd, snapshot)
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "Identity ID")
	cmd.Flags().StringVar(&questID, "quest", "", "Quest ID")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("quest")

	return cmd
}

func newStartCmd(app *app) *cobra.Command {
	var accountID string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an enrolled session on a worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snapshot, err := app.controlClient().Start(cmd.Context(), accountID)
			if err != nil {
				return app.controlError(err)
			}
			return writeSession(cmd, snapshot)
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "Identity ID")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func newStopCmd(app *app) *cobra.Command {
	var accountID string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a session and release its worker slot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := app.controlClient().Stop(cmd.Context(), accountID); err != nil {
				return app.controlError(err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", accountID)
			return err
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "Identity ID")
	_ = cmd.MarkFlagRequired("account")

	return cmd
}

func writeSession(cmd *cobra.Command, snapshot domain.SessionSnapshot) error {
	line := fmt.Sprintf("%s %s", snapshot.Identity, snapshot.State)
	if snapshot.Task != nil {
		line += fmt.Sprintf(" %s/%s %d%%", snapshot.Task.QuestID, snapshot.Task.ID, snapshot.Percent)
	}
	if snapshot.Worker != domain.NoWorker {
		line += fmt.Sprintf(" worker=%d", snapshot.Worker)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), line)
	return err
}
