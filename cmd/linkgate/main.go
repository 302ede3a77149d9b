// Command linkgate serves the OAuth authorize and callback endpoints for
// sign-in providers and account connectors.
package main

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/mnehpets/linkgate/state"
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "linkgate",
		Short:        "OAuth sign-in and connector gateway",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newKeygenCmd(), newVersionCmd())
	return root
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new random state key (base64url, 32 bytes)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := state.GenerateKey()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), base64.RawURLEncoding.EncodeToString(key))
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "linkgate %s\n", version)
		},
	}
}
