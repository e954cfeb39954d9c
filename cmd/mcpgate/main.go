// mcpgate is a gateway that fronts a fleet of MCP backend servers. It
// manages server templates and instances, routes JSON-RPC requests across
// healthy instances, and exposes an HTTP control surface.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
