package cmd

import "github.com/spf13/cobra"

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	app := &app{}

	rootCmd := &cobra.Command{
		Use:           "questd",
		Short:         "questd: supervise quest sessions across a pool of worker processes",
		Long:          "questd keeps identity credentials, runs a pool of worker processes that host quest sessions, and exposes a local HTTP control surface to enroll, start, stop and inspect them.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.wire(cmd.ErrOrStderr())
		},
	}

	rootCmd.PersistentFlags().StringVar(&app.configPath, "config", "", "Config file (default: ~/.questd/config.toml)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(app),
		newWorkerCmd(app),
		newCredentialCmd(app),
		newQuestsCmd(app),
		newEnrollCmd(app),
		newStartCmd(app),
		newStopCmd(app),
		newStatusCmd(app),
	)

	return rootCmd
}
