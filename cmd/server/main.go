package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "portfolio-engine",
	Short: "Trade execution and ledger service for cash, stock and bond accounts",
	Long: `portfolio-engine runs deposits, withdrawals, buys and sells as atomic
units per account against PostgreSQL, SQLite or an in-memory store, and
serves portfolio and history reads over HTTP.

Configuration is read from configs/config.yaml (or --config) and from
PORTFOLIO_* environment variables, e.g. PORTFOLIO_DATABASE_DRIVER=postgres.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is configs/config.yaml or ./config.yaml)")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
