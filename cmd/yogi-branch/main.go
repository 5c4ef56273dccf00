// Command yogi-branch runs a single Yogi branch process: multicast
// discovery, authenticated TCP sessions with peers on the same network, and
// broadcast fan-out, fronted by an HTTP introspection endpoint.
package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// A missing .env is fine; godotenv.Load only overlays what's present.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{Use: "yogi-branch"}
	rootCmd.PersistentFlags().String("env", "", "environment config overlay to merge over cmd/config/default.yaml (e.g. production)")
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
