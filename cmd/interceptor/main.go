// Command interceptor runs the verifiable PostgreSQL interceptor: it
// terminates client connections, forwards traffic to a real PostgreSQL
// backend, and produces signed, chained evidence of every state
// transition it rewrote or observed.
//
// Grounded on teacher's fc-server/main.go (a flag-driven main dispatching
// into a mode), generalized from a single flat flag.FlagSet dispatching
// on a "-node" string into cobra subcommands, since this CLI has three
// genuinely different operations (serve, replay-log, verify-proof)
// rather than two modes of the same flag set.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "interceptor",
		Short: "Verifiable PostgreSQL wire-protocol interceptor",
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newReplayLogCommand())
	root.AddCommand(newVerifyProofCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
