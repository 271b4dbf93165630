package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"marketplace-chat/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		database, err := db.Connect(ctx, cfg.DBDSN)
		if err != nil {
			return err
		}
		defer database.Close()

		return db.Migrate(ctx, database, logger)
	},
}
