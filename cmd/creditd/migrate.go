package main

import (
	"fmt"

	"github.com/MarkoPoloResearchLab/mailcredits/internal/config"
	"github.com/spf13/cobra"
)

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the ledger schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opened, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = opened.cleanup() }()
			if err := opened.migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema ready (%s, %s)\n", cfg.StoreDriver, opened.driver)
			return nil
		},
	}
}
