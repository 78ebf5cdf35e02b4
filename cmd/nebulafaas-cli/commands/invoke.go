package commands

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/piwi3910/nebulafaas/internal/fabric"
	"github.com/piwi3910/nebulafaas/internal/invoker"
	"github.com/piwi3910/nebulafaas/internal/protocol"
)

const defaultOutputSize = 64 << 10

// dialer opens an invoker session. Tests replace it to run against the
// in-process provider.
var dialer = func(ctx context.Context, cfg *ClientConfig, cores int) (*invoker.Invoker, error) {
	provider, err := fabric.NewProvider(cfg.Provider, fabric.DefaultSocketsConfig())
	if err != nil {
		return nil, err
	}

	return invoker.Dial(ctx, provider, invoker.Config{
		Address:   cfg.Executor,
		LeaseID:   cfg.LeaseID,
		Secret:    cfg.Secret,
		Cores:     cores,
		Solicited: cfg.Solicited,
	})
}

func openSession(ctx context.Context, cores int) (*invoker.Invoker, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	if cfg.LeaseID == 0 {
		return nil, ErrNoLease
	}

	if cores < 1 {
		cores = cfg.Cores
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	inv, err := dialer(ctx, cfg, cores)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to executor %s: %w", cfg.Executor, err)
	}

	return inv, nil
}

// NewInvokeCmd creates the invoke command
func NewInvokeCmd() *cobra.Command {
	var (
		input      string
		file       string
		fanout     int
		outputSize int
		raw        bool
	)

	cmd := &cobra.Command{
		Use:   "invoke <function>",
		Short: "Invoke a function on the leased executor",
		Long: `Invoke a function on the executor named in the CLI config.

The payload comes from --input or --file. With --fanout n the same payload is
submitted to n cores as one invocation and every output is printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte(input)

			if file != "" {
				data, err := os.ReadFile(file) // #nosec G304 - user supplied input file
				if err != nil {
					return fmt.Errorf("failed to read input: %w", err)
				}

				payload = data
			}

			if fanout < 0 {
				return fmt.Errorf("invalid fanout %d", fanout)
			}

			inv, err := openSession(cmd.Context(), fanout)
			if err != nil {
				return err
			}
			defer inv.Close()

			status, outputs, err := invoke(cmd.Context(), inv, args[0], payload, inv.Cores(), outputSize)
			if err != nil {
				return err
			}

			printOutputs(cmd.OutOrStdout(), status, outputs, raw)

			if status != protocol.StatusOK {
				return fmt.Errorf("function %s returned %s", args[0], status)
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "Input payload")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the input payload from a file")
	cmd.Flags().IntVar(&fanout, "fanout", 0, "Number of cores to run the invocation on (default: configured cores)")
	cmd.Flags().IntVar(&outputSize, "output-size", defaultOutputSize, "Output buffer size per core")
	cmd.Flags().BoolVar(&raw, "raw", false, "Write outputs without formatting")
	cmd.MarkFlagsMutuallyExclusive("input", "file")

	return cmd
}

func invoke(ctx context.Context, inv *invoker.Invoker, function string, payload []byte, fanout, outputSize int) (protocol.Status, [][]byte, error) {
	inputs := make([]*fabric.Buffer, 0, fanout)
	outputs := make([]*fabric.Buffer, 0, fanout)

	defer func() {
		for _, b := range inputs {
			b.Close()
		}

		for _, b := range outputs {
			b.Close()
		}
	}()

	for range fanout {
		in, err := inv.NewInput(len(payload))
		if err != nil {
			return 0, nil, err
		}

		inputs = append(inputs, in)
		copy(in.Payload(), payload)

		out, err := inv.NewOutput(outputSize)
		if err != nil {
			return 0, nil, err
		}

		outputs = append(outputs, out)
	}

	f, err := inv.Submit(ctx, function, inputs, outputs)
	if err != nil {
		return 0, nil, err
	}

	status, err := f.Wait(ctx)
	if err != nil {
		return status, nil, err
	}

	results := make([][]byte, f.Parts())
	for i := range results {
		results[i] = append([]byte(nil), f.Bytes(i)...)
	}

	return status, results, nil
}

func printOutputs(out io.Writer, status protocol.Status, outputs [][]byte, raw bool) {
	if raw {
		for _, o := range outputs {
			out.Write(o)
		}

		return
	}

	fmt.Fprintf(out, "status: %s\n", status)

	for i, o := range outputs {
		if utf8.Valid(o) {
			fmt.Fprintf(out, "[%d] %s\n", i, o)
		} else {
			fmt.Fprintf(out, "[%d] %s\n", i, hex.EncodeToString(o))
		}
	}
}

// NewFunctionsCmd creates the functions command
func NewFunctionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "functions",
		Short: "List the functions the leased executor serves",
		RunE: func(cmd *cobra.Command, args []string) error {
			inv, err := openSession(cmd.Context(), 1)
			if err != nil {
				return err
			}
			defer inv.Close()

			for id, name := range inv.Functions() {
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", id, name)
			}

			return nil
		},
	}
}
