package main

import (
	"fmt"
	"os"

	"github.com/nathanyu/pocket-pal/internal/config"
	"github.com/spf13/cobra"
)

const serviceName = "pocketpal"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pocketpal",
		Short:         "Pocket Pal mobile money transfer service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(root)
	root.AddCommand(newServeCmd(), newMigrateCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
