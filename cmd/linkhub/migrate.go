package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/linkhubhq/linkhub/internal/config"
	"github.com/linkhubhq/linkhub/internal/db"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "load config: %v\n", err)
				os.Exit(1)
			}
			if err := db.Migrate(cfg.Postgres); err != nil {
				fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
				os.Exit(1)
			}
			cmd.Println("migrations applied")
		},
	}
}
