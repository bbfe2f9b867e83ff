package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/showrunner/pkg/log"
	"github.com/cuemby/showrunner/pkg/storage"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "showrunner-migrate",
	Short: "Manage the showrunner database schema",
	Long: `Apply, roll back, or inspect the embedded schema migrations.
The server applies pending migrations at boot; this tool exists for
operators who migrate separately from deploys.`,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := open(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.Migrate(context.Background()); err != nil {
			return err
		}
		fmt.Println("migrations applied")
		return nil
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := open(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := store.MigrateDown(); err != nil {
			return err
		}
		fmt.Println("rolled back one migration")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := open(cmd)
		if err != nil {
			return err
		}
		defer store.Close()
		return store.MigrateStatus()
	},
}

func init() {
	for _, c := range []*cobra.Command{upCmd, downCmd, statusCmd} {
		c.Flags().String("db-url", "", "Postgres DSN (defaults to DATABASE_URL)")
		rootCmd.AddCommand(c)
	}
}

func open(cmd *cobra.Command) (*storage.Store, error) {
	log.Init(log.Config{Level: log.WarnLevel, JSONOutput: false})
	dsn, _ := cmd.Flags().GetString("db-url")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	return storage.Open(storage.Config{DSN: dsn})
}
