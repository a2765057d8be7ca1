package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dkeye/studio/internal/config"
)

type commandContext struct {
	configFlag string
	serverFlag string
	cfg        *config.Config
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	var (
		cfg *config.Config
		err error
	)
	if c.configFlag != "" {
		cfg, err = config.LoadFile(c.configFlag)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	return cfg, nil
}

func (c *commandContext) serverURL() string {
	if c.serverFlag != "" {
		return c.serverFlag
	}
	return fmt.Sprintf("http://localhost:%d", c.cfg.Port)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "studioctl",
		Short:         "Inspect the studio recording pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.SetErr(os.Stderr)

	rootCmd.PersistentFlags().StringVarP(&ctx.configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&ctx.serverFlag, "server", "", "Base URL of the studio server")

	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newJobsCommand(ctx))
	rootCmd.AddCommand(newRetryCommand(ctx))

	return rootCmd
}
