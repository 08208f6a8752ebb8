package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stoik/smsledger/services/reporting-service/internal/config"
	"github.com/stoik/smsledger/services/reporting-service/internal/db"
	"github.com/stoik/smsledger/services/reporting-service/internal/store"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Setup the canonical store",
	Long:  "Creates the message_records table and its indexes when the postgres backend is used",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Storage.Backend != config.BackendPostgres {
			fmt.Printf("Storage backend %q needs no setup\n", cfg.Storage.Backend)
			return nil
		}

		// Initialize database
		if err := db.Init(ctx, cfg.Database); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()

		// Run migrations
		fmt.Println("Running migrations...")
		if err := store.NewPostgresStore(db.Pool).Migrate(ctx); err != nil {
			return err
		}

		fmt.Println("✓ Database setup complete")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(setupCmd)
}
