package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bnema/questd/internal/application"
	"github.com/bnema/questd/internal/domain"
	"github.com/bnema/questd/internal/ports"
	"github.com/bnema/questd/internal/worker"
)

// newWorkerCmd is the process the supervisor spawns for each pool slot. It
// speaks the control protocol on stdin and stdout and logs to stderr.
func newWorkerCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Host quest sessions for a supervisor (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := app.logger.With(zap.Int("pid", os.Getpid()))
			observe := worker.ObserveStrategy{Interval: app.cfg.Tasks.PollInterval}
			strategies := worker.NewStrategies().
				Register(application.DefaultMethod, observe).
				RegisterKind(domain.TaskKindDuration, observe).
				RegisterKind(domain.TaskKindCount, observe)

			loop := worker.NewLoop(worker.Options{
				Strategies: strategies,
				API: func(proxy string) (ports.QuestAPI, error) {
					client, err := app.newQuestAPI(proxy)
					if err != nil {
						return nil, err
					}
					return client, nil
				},
				Logger: logger,
			})

			return loop.Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}
