package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/replex/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or check replex configuration",
	Long: `View or check replex configuration.

Without arguments, displays the effective configuration: defaults, the
config file and REPLEX_* environment overrides merged.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and the ladder file",
	RunE:  runConfigValidate,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	// Show where config is being read from
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	settings := displaySettings(viper.AllSettings())
	delete(settings, "config")
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	_, err = out.Write(data)
	return err
}

// displaySettings renders durations as "1m30s" instead of nanoseconds.
func displaySettings(m map[string]any) map[string]any {
	for k, v := range m {
		switch val := v.(type) {
		case time.Duration:
			m[k] = val.String()
		case map[string]any:
			m[k] = displaySettings(val)
		}
	}
	return m
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	cfg, err := loadConfig()
	if err != nil {
		if errs, ok := err.(config.ValidationErrors); ok {
			fmt.Fprintln(out, errs.Error())
			return fmt.Errorf("configuration is invalid")
		}
		return err
	}

	path := cfg.ResolvedLadderFile(viper.ConfigFileUsed())
	if path == "" {
		fmt.Fprintln(out, "Configuration is valid (no ladder file configured)")
		return nil
	}
	a := &app{cfg: cfg}
	spec, err := a.ladderSpec(path)
	if err != nil {
		return fmt.Errorf("ladder file: %w", err)
	}
	fmt.Fprintf(out, "Configuration is valid; ladder %s has %d replicas over %s\n", path, len(spec.Values), spec.ExchangeKey)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintln(out, used)
		return nil
	}
	fmt.Fprintf(out, "%s (not created)\n", config.ConfigFile())
	return nil
}
