package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// NewConfigCmd creates the config command
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration",
		Long:  `Configure the NebulaFaaS CLI with the lease manager, executor and lease credentials.`,
	}

	cmd.AddCommand(newConfigSetCmd())
	cmd.AddCommand(newConfigGetCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long: `Set a configuration value. Available keys:
  admin-url  - The lease manager admin API URL
  executor   - The executor fabric address
  provider   - The fabric provider (sockets or sim)
  lease-id   - The lease to present to executors
  secret     - The lease secret (decimal or 0x hex)
  cores      - Connections to open per invocation session
  solicited  - Mark submissions solicited (true/false)
  timeout    - Request timeout, e.g. 10s
  skip-verify - Skip TLS verification of the admin API (true/false)`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := strings.ToLower(args[0])

			cfg, err := LoadConfig()
			if err != nil {
				cfg = DefaultConfig()
			}

			if err := setConfigValue(cfg, key, args[1]); err != nil {
				return err
			}

			if err := SaveConfig(cfg); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, maskSecret(key, args[1]))
			return nil
		},
	}
}

func setConfigValue(cfg *ClientConfig, key, value string) error {
	switch key {
	case "admin-url", "adminurl":
		cfg.AdminURL = value
	case "executor":
		cfg.Executor = value
	case "provider":
		cfg.Provider = value
	case "lease-id", "leaseid":
		id, err := parseUint16(value)
		if err != nil {
			return fmt.Errorf("invalid lease id %q: %w", value, err)
		}

		cfg.LeaseID = id
	case "secret":
		secret, err := parseUint16(value)
		if err != nil {
			return fmt.Errorf("invalid secret %q: %w", value, err)
		}

		cfg.Secret = secret
	case "cores":
		cores, err := strconv.Atoi(value)
		if err != nil || cores < 1 {
			return fmt.Errorf("invalid cores %q", value)
		}

		cfg.Cores = cores
	case "solicited":
		cfg.Solicited = value == "true" || value == "1" || value == "yes"
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", value, err)
		}

		cfg.Timeout = d
	case "skip-verify", "skipverify":
		cfg.SkipVerify = value == "true" || value == "1" || value == "yes"
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}

	return nil
}

func configValue(cfg *ClientConfig, key string) (string, error) {
	switch key {
	case "admin-url", "adminurl":
		return cfg.AdminURL, nil
	case "executor":
		return cfg.Executor, nil
	case "provider":
		return cfg.Provider, nil
	case "lease-id", "leaseid":
		return strconv.Itoa(int(cfg.LeaseID)), nil
	case "secret":
		return maskSecret(key, fmt.Sprintf("%#04x", cfg.Secret)), nil
	case "cores":
		return strconv.Itoa(cfg.Cores), nil
	case "solicited":
		return strconv.FormatBool(cfg.Solicited), nil
	case "timeout":
		return cfg.Timeout.String(), nil
	case "skip-verify", "skipverify":
		return strconv.FormatBool(cfg.SkipVerify), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}

			value, err := configValue(cfg, strings.ToLower(args[0]))
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show all configuration values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, key := range []string{"admin-url", "executor", "provider", "lease-id", "secret", "cores", "solicited", "timeout", "skip-verify"} {
				value, _ := configValue(cfg, key)
				fmt.Fprintf(out, "%-12s %s\n", key+":", value)
			}

			return nil
		},
	}
}

// maskSecret hides secret values entirely.
func maskSecret(key, value string) string {
	if !strings.Contains(key, "secret") {
		return value
	}

	return "****"
}
