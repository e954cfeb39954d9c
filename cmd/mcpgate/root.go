package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "0.1.0-dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mcpgate",
	Short: "Gateway for MCP backend servers",
	Long: `mcpgate manages a fleet of MCP (Model Context Protocol) backend
servers behind a single HTTP control surface. Templates describe how to
reach a backend (subprocess, HTTP, or HTTP streaming); instances are live
connections spawned from templates. Requests are load-balanced across
healthy instances with health probing, circuit breaking, and per-instance
rate limiting.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the gateway version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mcpgate %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"config file (default searches ./mcpgate.yaml)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}
