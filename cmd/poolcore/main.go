// Command poolcore is the process entrypoint: it performs the watchdog
// startup handshake on fd 3 (spec.md section 6), builds the Pool and its
// RPC server from config, and serves until the shutdown handshake fires.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagSocket string
)

var rootCmd = &cobra.Command{
	Use:     "poolcore",
	Short:   "poolcore manages a pool of spawned application worker processes",
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to a poolcore.yaml config file")
	rootCmd.PersistentFlags().StringVar(&flagSocket, "socket", "", "override the RPC socket path for client subcommands")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(accountsCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
