package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"escalator/internal/app"
	"escalator/internal/clock"
	"escalator/internal/config"
	"escalator/internal/escalation"
	"escalator/internal/logging"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configFile string
	configDir  string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "escalator",
		Short:         "Alert aggregation and notification escalation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config-file", "", "path to one TOML config file")
	root.PersistentFlags().StringVar(&opts.configDir, "config-dir", "", "path to directory with TOML config fragments")

	root.AddCommand(newRunCommand(opts), newCheckCommand(opts), newSendCommand())
	return root
}

func (o *rootOptions) load() (config.Config, error) {
	source, err := config.FromCLI(o.configFile, o.configDir)
	if err != nil {
		return config.Config{}, err
	}
	return config.LoadSnapshot(source)
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the escalator service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, closeLog, err := logging.New(cfg.Log, logging.WithService(cfg.Service.Name))
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			service, err := app.NewService(ctx, cfg, logger, clock.RealClock{})
			if err != nil {
				return fmt.Errorf("service init failed: %w", err)
			}
			if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("service run failed: %w", err)
			}
			logger.Info("escalator stopped")
			return nil
		},
	}
}

func newCheckCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and print alert groups and people",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			groups, err := escalation.BuildGroups(cfg.AlertGroups, nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "configuration ok: %d groups, %d people, %d lists\n", len(groups), len(cfg.People), len(cfg.PeopleLists))
			for _, group := range escalation.NewPolicy(groups, escalation.Deps{}).Groups() {
				_, _ = fmt.Fprintf(out, "group %s level=%s position=%d rules=%d\n", group.Name, group.Level, group.Position, len(group.Notifications))
			}
			for _, person := range cfg.People {
				_, _ = fmt.Fprintf(out, "person %s\n", person.Name)
			}
			for _, list := range cfg.PeopleLists {
				_, _ = fmt.Fprintf(out, "list %s members=%v\n", list.Name, list.Members)
			}
			return nil
		},
	}
}
