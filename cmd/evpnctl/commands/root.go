package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/evpnd/internal/server"
)

var (
	// client is the admin service client, initialized in PersistentPreRunE.
	client *server.Client

	// outputFormat controls the output format for all commands.
	outputFormat string

	// serverAddr is the daemon address (host:port) for the ConnectRPC connection.
	serverAddr string

	// timeout bounds each unary call.
	timeout time.Duration
)

// rootCmd is the top-level cobra command for evpnctl.
var rootCmd = &cobra.Command{
	Use:   "evpnctl",
	Short: "CLI client for the evpnd daemon",
	Long:  "evpnctl communicates with the evpnd daemon via ConnectRPC to inspect and administer EVPN state.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = server.NewClient(http.DefaultClient, "http://"+serverAddr)
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:50052",
		"evpnd daemon address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", formatTable,
		"output format: table, json, yaml")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"timeout of a single request")

	rootCmd.AddCommand(vniCmd())
	rootCmd.AddCommand(macCmd())
	rootCmd.AddCommand(neighCmd())
	rootCmd.AddCommand(vtepCmd())
	rootCmd.AddCommand(rmacCmd())
	rootCmd.AddCommand(dupCmd())
	rootCmd.AddCommand(floodCmd())
	rootCmd.AddCommand(advertiseCmd())
	rootCmd.AddCommand(dadCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(monitorCmd())
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

// call invokes a unary procedure with the global timeout.
func call(procedure string, req, resp any) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return client.Call(ctx, procedure, req, resp)
}

// show calls a query procedure and prints its response.
func show[T any](procedure string, req any, what string) error {
	var resp T
	if err := call(procedure, req, &resp); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	out, err := render(resp, outputFormat)
	if err != nil {
		return fmt.Errorf("format %s: %w", what, err)
	}
	fmt.Print(out)
	return nil
}
