package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(handshakeCmd)
}

var handshakeCmd = &cobra.Command{
	Use:   "handshake [url]",
	Short: "Open a VAU channel and print its VAU-CID and KeyID",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		cobra.CheckErr(err)
		ctx := context.Background()

		factory, err := newClientFactory(ctx, cfg)
		cobra.CheckErr(err)
		defer factory.Close()
		baseURL, err := factory.baseURL(args)
		cobra.CheckErr(err)

		client, err := factory.NewClient(baseURL)
		cobra.CheckErr(err)
		defer client.Close()

		slog.Info("Opening VAU channel", "url", baseURL, "env", cfg.Environment)
		channel, err := client.Open(ctx)
		cobra.CheckErr(err)
		keyID := channel.KeyID()
		fmt.Fprintf(cmd.OutOrStdout(), "VAU-CID: %s\nKeyID: %x\nPU: %t\n", channel.VauCid(), keyID[:], channel.IsPU())
	},
}
