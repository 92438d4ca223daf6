// Pairline is the realtime coordination server of the matching app: presence,
// premium-gated call signaling, chat relay and notification fan-out over one
// websocket per client.
//
//	pairline init --config pairline.json
//	pairline serve --config pairline.json
//
// PAIRLINE_CONFIG sets the default config path.
package main

import (
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
)

var log = logging.Logger("main")

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "pairline",
		Short:        "Realtime presence, call signaling, chat and notifications",
		Version:      appVersion,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", defaultConfigPath(),
		"Path to the JSON config file (or set PAIRLINE_CONFIG)")

	root.AddCommand(
		buildServeCmd(),
		buildInitCmd(),
		buildMigrateCmd(),
		buildTokenCmd(),
		buildPremiumCmd(),
		buildVersionCmd(),
	)
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("PAIRLINE_CONFIG"); p != "" {
		return p
	}
	return "pairline.json"
}
