/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the fulfillment engine. Subcommands:

    serve   Run the HTTP API and the ledger audit scheduler
    audit   Run one ledger audit and print the report as JSON
    gate    Print the transition table

CONFIGURATION:
  Flags override KISAAN_* environment variables, which override kisaan.yaml
  (searched in . and ./config), which overrides built-in defaults.

  --port            HTTP server port (default: 8080)
  --db              SQLite database path (default: ./data/kisaan.db)
                    Use ":memory:" for an in-memory database
  --ledger-backend  sqlite | memory | redis
  --record-backend  sqlite | memory
  --redis-addr      Redis address for the redis ledger backend
  --catalog-seed    YAML/JSON seed of listings and products

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the audit scheduler
  4. Drain the event bus, close stores
  5. Exit

EXAMPLES:
  # Run with file database
  ./server serve --db=./data/kisaan.db --catalog-seed=./seed.yaml

  # Shared ledger in redis
  KISAAN_LEDGER_BACKEND=redis ./server serve

  # One audit pass
  ./server audit --db=./data/kisaan.db

SEE ALSO:
  - runtime.go: Backend wiring
  - api/server.go: Router configuration
*/
package main

import (
	"fmt"
	"os"

	"github.com/kisaan/fulfillment-engine/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:           "server",
	Short:         "Listing fulfillment and order lifecycle engine",
	Long:          "Reserves listing and product quantities for offers and orders, and moves them through their lifecycles.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "config file (default kisaan.yaml)")
	flags.Int("port", 8080, "HTTP server port")
	flags.String("db", "./data/kisaan.db", "SQLite database path")
	flags.String("ledger-backend", config.BackendSQLite, "ledger store: sqlite, memory or redis")
	flags.String("record-backend", config.BackendSQLite, "record store: sqlite or memory")
	flags.String("redis-addr", "localhost:6379", "redis address for the redis ledger backend")
	flags.String("catalog-seed", "", "listings and products to load at startup (.yaml or .json)")
	bindFlags(flags, map[string]string{
		"port":           "port",
		"db_path":        "db",
		"ledger_backend": "ledger-backend",
		"record_backend": "record-backend",
		"redis.addr":     "redis-addr",
		"catalog_seed":   "catalog-seed",
	})

	rootCmd.AddCommand(serveCmd, auditCmd, gateCmd)
}

// bindFlags binds config keys to the flags that override them.
func bindFlags(flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		_ = viper.BindPFlag(key, flags.Lookup(name))
	}
}

func initConfig() {
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("kisaan")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}

	config.BindEnv(viper.GetViper())

	// No config file is fine; flags, env and defaults cover everything.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Warning: reading config: %v\n", err)
		}
	}
}
