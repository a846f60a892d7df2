// Command moleculed is the broker's CLI entrypoint: load config, wire the
// NATS transport into a Broker, serve the admin HTTP introspection
// surface, and block until shutdown.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "moleculed [command]",
		Short: "Moleculer-compatible broker core daemon",
	}

	root.AddCommand(newServeCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
