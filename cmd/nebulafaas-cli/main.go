package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/piwi3910/nebulafaas/cmd/nebulafaas-cli/commands"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nebulafaas-cli",
		Short: "NebulaFaaS CLI - leases and remote invocations",
		Long: `NebulaFaaS CLI manages leases on the lease manager and invokes
functions on executors over the fabric.

Configure the lease manager and, once you hold a lease, the executor:
  nebulafaas-cli config set admin-url http://localhost:7480
  nebulafaas-cli lease create --client me --cores 2 --save
  nebulafaas-cli invoke reverse --input hello

Or use environment variables:
  NEBULAFAAS_ADMIN_URL
  NEBULAFAAS_EXECUTOR
  NEBULAFAAS_LEASE_ID
  NEBULAFAAS_SECRET`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewConfigCmd())
	rootCmd.AddCommand(commands.NewLeaseCmd())
	rootCmd.AddCommand(commands.NewExecutorsCmd())
	rootCmd.AddCommand(commands.NewInvokeCmd())
	rootCmd.AddCommand(commands.NewFunctionsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
