package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/spacerjobs/am"
	"github.com/teranos/spacerjobs/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Show and check spacerjobs configuration",
	Long: sym.AM + ` am - spacerjobs configuration

Configuration sources (in order of precedence):
1. Environment variables (SPACERJOBS_* prefix, e.g. SPACERJOBS_JOBS_MAX_MINUTES)
2. Project config (./am.toml or ./config.toml, searched upwards)
3. User config (~/.spacerjobs/am.toml)
4. System config (/etc/spacerjobs/am.toml)
5. Default values

--config replaces the whole cascade with a single file.

Examples:
  spacerjobs am show                 # Show effective configuration
  spacerjobs am show --format json   # ...as JSON
  spacerjobs am where                # Which files were merged
  spacerjobs am validate             # Check values and unknown keys`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration (secrets redacted)",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		cfg, err := LoadConfig(cmd)
		if err != nil {
			return err
		}
		out, err := am.Render(cfg, format)
		if err != nil {
			return err
		}
		if format == am.FormatTOML {
			fmt.Fprintln(cmd.OutOrStdout(), "# spacerjobs configuration")
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which configuration files were merged",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := LoadConfig(cmd); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		paths := configPaths(cmd)
		if len(paths) == 0 {
			fmt.Fprintf(out, "%s No config files found; using defaults and environment\n", sym.AM)
			return nil
		}
		fmt.Fprintf(out, "%s Config files, lowest precedence first:\n", sym.AM)
		for _, p := range paths {
			fmt.Fprintf(out, "  %s\n", p)
		}
		return nil
	},
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration values and keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cmd)
		if err != nil {
			return err
		}
		for _, p := range configPaths(cmd) {
			if err := am.CheckKeys(p); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Configuration is valid: %s\n", sym.Success, cfg)
		return nil
	},
}

func init() {
	amShowCmd.Flags().String("format", am.FormatTOML, "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amWhereCmd)
	AmCmd.AddCommand(amValidateCmd)
}
