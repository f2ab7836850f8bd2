// Command omptgt replays recorded offloading traces against the
// emulated device, mainly to inspect mapping behavior offline.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "omptgt",
	Short: "Offloading runtime tools",
}

func main() {
	// Optional; flag values still win over the environment.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
