package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/piwi3910/nebulafaas/internal/lease"
)

// NewLeaseCmd creates the lease command group
func NewLeaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Manage leases",
		Long:  `Create, inspect and release leases on the lease manager.`,
	}

	cmd.AddCommand(newLeaseCreateCmd())
	cmd.AddCommand(newLeaseListCmd())
	cmd.AddCommand(newLeaseGetCmd())
	cmd.AddCommand(newLeaseReleaseCmd())

	return cmd
}

func newLeaseCreateCmd() *cobra.Command {
	var (
		req  lease.CreateRequest
		save bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a lease",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}

			client := NewAdminClient(cfg.AdminURL, cfg.httpConfig())

			l, err := client.CreateLease(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("failed to create lease: %w", err)
			}

			printLease(cmd.OutOrStdout(), l)

			if save {
				cfg.LeaseID = l.ID
				cfg.Secret = l.Secret
				cfg.Executor = l.ExecutorAddress
				cfg.Cores = l.Cores

				if err := SaveConfig(cfg); err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Saved lease %d to %s\n", l.ID, configPath())
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&req.Client, "client", "", "Client name recorded on the lease")
	cmd.Flags().StringVar(&req.Executor, "executor", "", "Executor to place the lease on (default: most free cores)")
	cmd.Flags().IntVar(&req.Cores, "cores", 1, "Cores to reserve")
	cmd.Flags().BoolVar(&save, "save", false, "Store the lease credentials in the CLI config")
	_ = cmd.MarkFlagRequired("client")

	return cmd
}

func newLeaseListCmd() *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient()
			if err != nil {
				return err
			}

			leases, err := client.ListLeases(cmd.Context(), state)
			if err != nil {
				return fmt.Errorf("failed to list leases: %w", err)
			}

			if len(leases) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No leases found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCLIENT\tEXECUTOR\tCORES\tSTATE\tHOT POLLING\tEXECUTION\tCREATED")

			for _, l := range leases {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
					l.ID, l.Client, l.Executor, l.Cores, l.State,
					time.Duration(l.HotPollingNs), time.Duration(l.ExecutionNs),
					l.CreatedAt.Format(time.RFC3339))
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by state (active or released)")

	return cmd
}

func newLeaseGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLease(args[0], func(client *AdminClient, id uint16) error {
				l, err := client.GetLease(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("failed to get lease: %w", err)
				}

				printLease(cmd.OutOrStdout(), l)
				return nil
			})
		},
	}
}

func newLeaseReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <id>",
		Short: "Release a lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLease(args[0], func(client *AdminClient, id uint16) error {
				l, err := client.ReleaseLease(cmd.Context(), id)
				if err != nil {
					return fmt.Errorf("failed to release lease: %w", err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Lease %d released\n", l.ID)
				printLease(cmd.OutOrStdout(), l)
				return nil
			})
		},
	}
}

// NewExecutorsCmd creates the executors command
func NewExecutorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "executors",
		Short: "List executors known to the lease manager",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient()
			if err != nil {
				return err
			}

			executors, err := client.ListExecutors(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list executors: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tADDRESS\tCORES\tFREE")

			for _, e := range executors {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", e.Name, e.Address, e.Cores, e.FreeCores)
			}

			return w.Flush()
		},
	}
}

func withLease(arg string, fn func(*AdminClient, uint16) error) error {
	id, err := parseUint16(arg)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid lease id %q", arg)
	}

	client, err := newAdminClient()
	if err != nil {
		return err
	}

	return fn(client, id)
}

func printLease(out io.Writer, l *lease.Lease) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "ID:\t%d\n", l.ID)
	fmt.Fprintf(w, "Secret:\t%#04x\n", l.Secret)
	fmt.Fprintf(w, "Token:\t%s\n", l.Token)
	fmt.Fprintf(w, "Client:\t%s\n", l.Client)
	fmt.Fprintf(w, "Executor:\t%s (%s)\n", l.Executor, l.ExecutorAddress)
	fmt.Fprintf(w, "Cores:\t%d\n", l.Cores)
	fmt.Fprintf(w, "State:\t%s\n", l.State)
	fmt.Fprintf(w, "Hot polling:\t%s\n", time.Duration(l.HotPollingNs))
	fmt.Fprintf(w, "Execution:\t%s\n", time.Duration(l.ExecutionNs))
	fmt.Fprintf(w, "Created:\t%s\n", l.CreatedAt.Format(time.RFC3339))

	if l.ReleasedAt != nil {
		fmt.Fprintf(w, "Released:\t%s\n", l.ReleasedAt.Format(time.RFC3339))
	}

	_ = w.Flush()
}
