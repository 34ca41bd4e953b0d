package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/gematik/tee3/pkg/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const defaultConfigFile = "tee3.yaml"

func init() {
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the loaded configuration",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Config file: %s\n", viper.GetString("config_file"))
		cfg, err := loadConfig()
		cobra.CheckErr(err)
		fmt.Printf("Base dir: %s\n", cfg.BaseDir)
		yaml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
	},
}

// loadConfig reads the config file. A missing default config file yields the
// built-in defaults.
func loadConfig() (*config.Config, error) {
	path := config.ExpandPath(viper.GetString("config_file"))
	if path == "" {
		return nil, errors.New("config file is required. Use --config-file/-f flag or environment variable")
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == defaultConfigFile {
		slog.Debug("No config file, using defaults", "config_file", path)
		cfg, err := config.Parse(nil)
		if err != nil {
			return nil, err
		}
		cfg.BaseDir = "."
		return cfg, nil
	}
	cfg, err := config.LoadConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config file %q: %w", path, err)
	}
	slog.Debug("Loaded config file", "config_file", path, "config", fmt.Sprintf("%+v", *cfg))
	return cfg, nil
}
