// Command boletoctl operates the boleto WhatsApp service: migrations, demo data,
// session housekeeping and a local conversation simulator.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/tecmax-dev/sisvida-sub021/internal/app"
	"github.com/tecmax-dev/sisvida-sub021/internal/config"
	"github.com/tecmax-dev/sisvida-sub021/internal/repo"
	"github.com/tecmax-dev/sisvida-sub021/internal/seed"
	"gorm.io/gorm"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "boletoctl",
		Short:         "Operações do atendimento de boletos via WhatsApp",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(migrateCmd())
	root.AddCommand(seedCmd())
	root.AddCommand(sessionsCmd())
	root.AddCommand(simulateCmd())
	return root
}

// openDB loads config and connects; DATABASE_URL is required.
func openDB(ctx context.Context) (*config.Config, *gorm.DB, error) {
	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := app.OpenDB(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database: %w", err)
	}
	return cfg, db, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Aplica as migrations pendentes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, db, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer closeDB(db)
			return app.Migrate(ctx, db)
		},
	}
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Cria sindicatos, empresas e tipos de contribuição de demonstração",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, db, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer closeDB(db)
			if err := app.Migrate(ctx, db); err != nil {
				return err
			}
			keys, err := app.Keyring(cfg)
			if err != nil {
				return err
			}
			apiURL, _ := cmd.Flags().GetString("api-url")
			apiKey, _ := cmd.Flags().GetString("api-key")
			return seed.Run(ctx, db, keys, seed.Options{APIURL: apiURL, APIKey: apiKey})
		},
	}
	cmd.Flags().String("api-url", "http://localhost:8081", "Evolution API base URL stored in the demo configs")
	cmd.Flags().String("api-key", os.Getenv("EVOLUTION_API_KEY"), "Evolution API key stored (sealed) in the demo configs")
	return cmd
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manutenção das sessões de conversa",
	}
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Remove sessões expiradas há mais de --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			ctx := cmd.Context()
			_, db, err := openDB(ctx)
			if err != nil {
				return err
			}
			defer closeDB(db)
			n, err := repo.PurgeExpiredSessions(ctx, db, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d sessão(ões) removida(s)\n", n)
			return nil
		},
	}
	purge.Flags().Duration("older-than", 24*time.Hour, "Idade mínima desde a expiração")
	cmd.AddCommand(purge)
	return cmd
}
