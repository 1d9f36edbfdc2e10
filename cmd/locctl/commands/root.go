package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverAddr is the node's client HTTP address (host:port).
	serverAddr string

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// httpClient is shared by all commands.
	httpClient = &http.Client{Timeout: 10 * time.Second}
)

// baseURL returns the node's HTTP base URL.
func baseURL() string {
	return "http://" + serverAddr
}

// rootCmd is the top-level cobra command for locctl.
var rootCmd = &cobra.Command{
	Use:   "locctl",
	Short: "CLI client for a locationd node",
	Long:  "locctl talks to the client HTTP surface of a locationd node to write and read location stats.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8080",
		"locationd node address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(putCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(pingCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
