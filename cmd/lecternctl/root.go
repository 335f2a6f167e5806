package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultAddr = "http://localhost:8080"

// commandContext carries the persistent flags shared by every subcommand.
type commandContext struct {
	addr    string
	token   string
	json    bool
	timeout time.Duration
}

func (c *commandContext) client() *apiClient {
	return newAPIClient(c.addr, c.token, c.timeout)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "lecternctl",
		Short:         "Inspect and control a lectern coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ctx.addr, "addr", envOr("LECTERN_ADDR", defaultAddr), "Coordinator REST address")
	flags.StringVar(&ctx.token, "token", os.Getenv("LECTERN_TOKEN"), "Bearer token for the admin API")
	flags.BoolVar(&ctx.json, "json", false, "Print raw JSON instead of tables")
	flags.DurationVar(&ctx.timeout, "timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(newWorkflowCommand(ctx))
	rootCmd.AddCommand(newDefinitionCommand(ctx))
	rootCmd.AddCommand(newJobCommand(ctx))
	rootCmd.AddCommand(newServiceCommand(ctx))
	rootCmd.AddCommand(newHostCommand(ctx))
	rootCmd.AddCommand(newTokenCommand())

	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
