// Package main provides credgw-cli, the command line companion of credgw.
package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	credgateway "github.com/ferro-labs/credential-gateway"
	"github.com/ferro-labs/credential-gateway/internal/version"
	"github.com/ferro-labs/credential-gateway/plugin/external"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "credgw-cli",
		Short:         "credgw command line tool",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newValidateCmd(), newPluginsCmd(), newPlatformCmd(), newVersionCmd())
	return root
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a gateway configuration file (JSON/YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := credgateway.LoadConfig(args[0])
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := credgateway.ValidateConfig(*cfg); err != nil {
				return fmt.Errorf("validation: %w", err)
			}
			printConfigSummary(cmd.OutOrStdout(), cfg.WithDefaults())
			return nil
		},
	}
}

func printConfigSummary(w io.Writer, cfg credgateway.Config) {
	fmt.Fprintln(w, "✓ Config is valid")
	fmt.Fprintf(w, "  Strategy:      %s\n", cfg.Strategy)
	fmt.Fprintf(w, "  Risk control:  %t\n", cfg.Risk.IsEnabled())
	fmt.Fprintf(w, "  Store:         %s\n", cfg.Store.Driver)

	var pools []string
	for _, p := range cfg.Pools {
		pools = append(pools, fmt.Sprintf("%s (%d)", p.Provider, len(p.Credentials)))
	}
	if len(pools) > 0 {
		fmt.Fprintf(w, "  Pools:         %s\n", strings.Join(pools, ", "))
	}

	var builtins []string
	for _, b := range cfg.Plugins.Builtin {
		status := "disabled"
		if b.IsEnabled() {
			status = "enabled"
		}
		builtins = append(builtins, fmt.Sprintf("%s (%s)", b.Name, status))
	}
	if len(builtins) > 0 {
		fmt.Fprintf(w, "  Builtins:      %s\n", strings.Join(builtins, ", "))
	}
	if cfg.Plugins.Dir != "" {
		fmt.Fprintf(w, "  Plugin dir:    %s\n", cfg.Plugins.Dir)
	}
}

func newPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect external plugin directories",
	}

	scan := &cobra.Command{
		Use:   "scan <plugins-dir>",
		Short: "List the plugins found in a plugins directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := external.NewLoader(args[0])
			dirs, err := loader.Scan()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(dirs) == 0 {
				fmt.Fprintln(w, "No plugins found.")
				return nil
			}
			for _, dir := range dirs {
				m, err := loader.LoadManifest(dir)
				if err != nil {
					fmt.Fprintf(w, "  %-40s invalid: %v\n", dir, err)
					continue
				}
				fmt.Fprintf(w, "  %-20s %-10s %s\n", m.Provider.ID, m.Version, dir)
			}
			return nil
		},
	}

	validate := &cobra.Command{
		Use:   "validate <plugin-dir>",
		Short: "Validate one plugin's manifest and executable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := external.ReadManifest(args[0])
			if err != nil {
				return err
			}
			if err := m.Validate(); err != nil {
				return err
			}
			binary, err := external.FindBinary(args[0], m)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "✓ %s is valid\n", m.Provider.ID)
			fmt.Fprintf(w, "  Version:     %s\n", m.Version)
			fmt.Fprintf(w, "  Protocol:    %s\n", m.Protocol())
			fmt.Fprintf(w, "  Executable:  %s\n", binary)
			if len(m.Permissions) > 0 {
				fmt.Fprintf(w, "  Permissions: %s\n", strings.Join(m.Permissions, ", "))
			}
			return nil
		},
	}

	cmd.AddCommand(scan, validate)
	return cmd
}

func newPlatformCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "platform",
		Short: "Print the platform key used to pick plugin binaries",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s/%s)\n", external.CurrentPlatformKey(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "credgw-cli %s\n", version.String())
		},
	}
}
