package main

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chartd",
	Short: "Real-time OHLC bar and trade mark engine",
	Long: `chartd keeps a live candlestick series and trade marks for one token.

Features:
• Bars for every configured resolution, with gap-fill across quiet periods
• Price or market-cap valuation in SOL or USD
• Deduplicated, classified trade marks and average price lines
• Automatic reconnect with replay after connectivity gaps`,
	SilenceUsage: true,
	Version:      "1.0.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./config.yaml or ./config/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level override (debug, info, warn, error)")
}
