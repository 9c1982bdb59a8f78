package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "projgate",
	Short:         "Projected filesystem interception daemon",
	Long: `projgate interposes a FUSE layer over a backing directory and gates
every filesystem operation on registered virtualization roots. Empty
placeholder nodes are hydrated on demand by providers connected over the
provider socket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
