/*
main.go - Application entry point

PURPOSE:
  Command-line front end for the credit engine. Every command loads the
  same configuration and wires the same service; they differ only in
  what they do with it.

COMMANDS:
  serve         Run the HTTP API (and optionally the sweep scheduler)
  sweep         Run one monthly allocation sweep and exit
  seed-plans    Upsert the plan catalog from a YAML or JSON file
  purge-guests  Delete expired durable guest balances

GLOBAL FLAGS:
  --config   Path to a config file (default: search ./, cmd/server/, config/)
  --env-dir  Directory holding .env and .env.local (default: config/)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM the serve command stops the scheduler, stops accepting
  connections, drains in-flight requests (30s), then closes the store,
  the caches and the NATS connection.

EXAMPLES:
  # Run with the defaults (sqlite at ./data/credits.db)
  ./server serve

  # In-memory store with demo scenarios
  CREDITS_DATABASE_DRIVER=memory ./server serve --scenarios

  # Cron-driven sweep against postgres
  CREDITS_DATABASE_DRIVER=postgres CREDITS_DATABASE_DSN=postgres://... ./server sweep

SEE ALSO:
  - app.go: Dependency wiring
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	configFile string
	envDir     string
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Credit ledger and allocation engine",
	Long: `Credit ledger and allocation engine. Tracks per-user credit balances,
charges generated text, grants bonuses and monthly allowances, sells plans
and keeps short-lived guest balances.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&envDir, "env-dir", "", "Directory holding .env files")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
