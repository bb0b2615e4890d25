package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/replex/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "replex",
	Short: "Replica-exchange coordinator for simulation ladders",
	Long: `Replex drives a ladder of independent simulation jobs, one per value of an
exchange parameter. Whenever every replica has finished its run segment it
swaps the configurations of two neighbouring replicas and resubmits the
ladder. Progress is persisted after every step, so an interrupted
coordinator resumes exactly where it stopped.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./replex.yaml or $XDG_CONFIG_HOME/replex/replex.yaml)")
	rootCmd.PersistentFlags().StringP("workspace", "w", "", "workspace directory (overrides config)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(config.ConfigName)
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(config.ConfigDir())
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix(config.EnvPrefix)
	// Replace dots with underscores for nested keys in env vars
	// e.g., REPLEX_POLL_MAX_TRIES for poll.max_tries
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing file is fine; an unreadable one is reported by loadConfig
	configErr = nil
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			configErr = err
		}
	}
}

// configErr holds the error of reading the config file, if any.
var configErr error

// loadConfig returns the validated configuration of this invocation.
func loadConfig() (*config.Config, error) {
	if configErr != nil {
		return nil, fmt.Errorf("read config: %w", configErr)
	}
	return config.Load()
}
