package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gridlink/relay/internal/wgkey"
)

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a new WireGuard private key for a charger",
	Long: `Generate a new Curve25519 private key for provisioning a charger's
management tunnel. The private key is printed to stdout as base64; the
corresponding public key is printed to stderr.

Example:
  relayd genkey                    # print private key
  relayd genkey 2>/dev/null        # private key only (pipe-friendly)`,
	RunE: runGenkey,
}

func runGenkey(cmd *cobra.Command, args []string) error {
	priv, err := wgkey.Generate()
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	pub := wgkey.Public(priv)

	fmt.Fprintln(cmd.OutOrStdout(), priv.String())
	fmt.Fprintf(cmd.ErrOrStderr(), "public key: %s\n", pub.String())
	return nil
}
