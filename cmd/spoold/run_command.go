package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"spool/internal/daemon"
)

func newRunCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the ingestion daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return daemon.Run(ctx, *configPath)
		},
	}
}
