package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	configx "github.com/tanpawarit/moneta-advisor/pkg/config"
	logx "github.com/tanpawarit/moneta-advisor/pkg/logger"
	_ "github.com/tanpawarit/moneta-advisor/pkg/logger/autoload"
)

func newRootCommand() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:           "moneta",
		Short:         "Multi-agent advisor for banking and insurance conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			configx.SetEnvFile(envFile)
			return initLogger()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVar(&envFile, "env", "", "path to .env file")

	cmd.AddCommand(
		newChatCommand(),
		newHistoryCommand(),
		newAgentsCommand(),
	)
	return cmd
}

// initLogger reloads LOG_* once --env is known. The autoload import only sees
// the process environment.
func initLogger() error {
	conf, err := configx.New[logx.Config]("LOG")
	if err != nil {
		return fmt.Errorf("load log config: %w", err)
	}
	logx.Init(*conf)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
