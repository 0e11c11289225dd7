package main

import (
	"fmt"
	"os"

	"courier/internal/auth"
	"courier/internal/config"
	"courier/internal/db"
	"courier/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "courier",
	Short:         "Schedule one-time and recurring webhook messages",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		gdb, err := db.Connect(cfg.DBDriver, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		if err := db.AutoMigrateAndIndexes(gdb); err != nil {
			return err
		}
		logrus.Info("[DB] Schema up to date")
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for an owner id",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		if err := cfg.RequireJWT(); err != nil {
			return err
		}
		user, _ := cmd.Flags().GetUint64("user")
		if user == 0 {
			return fmt.Errorf("--user is required")
		}
		tok, err := auth.NewJWT(cfg.JWTSecret).Sign(user)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().Uint64("user", 0, "owner id to put in the token subject")
	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd)
}

func setup() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("courier failed")
		os.Exit(1)
	}
}
