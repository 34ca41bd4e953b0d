package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/gematik/tee3/pkg/tee3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tee3 v%s (protocol version %d)\n", Version, tee3.Version)
		expanded, err := filepath.Abs(viper.GetString("config_file"))
		if err != nil {
			fmt.Printf("Error expanding config file: %s\n", err)
		} else {
			fmt.Println("Config file:", expanded)
		}
		fmt.Println("Working directory:", workdir)
	},
}
