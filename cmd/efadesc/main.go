package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rocketbitz/efa-go/cmd/efadesc/commands"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "efadesc",
		Short: "Inspect and exercise EFA queue descriptors",
		Long: `efadesc encodes and decodes the descriptors exchanged with an EFA device
and drives queue pairs on a simulated device.

  efadesc decode-cq 0700000303000400
  efadesc build-send --req-id 7 --dest-qp 3 --ah 1 --inline PING
  efadesc loopback --config profile.yaml --metrics`,
		Version:      fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(commands.NewDecodeCQCmd())
	rootCmd.AddCommand(commands.NewDecodeTxCmd())
	rootCmd.AddCommand(commands.NewDecodeRxCmd())
	rootCmd.AddCommand(commands.NewBuildSendCmd())
	rootCmd.AddCommand(commands.NewBuildRecvCmd())
	rootCmd.AddCommand(commands.NewLoopbackCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
