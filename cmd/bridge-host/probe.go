package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func probeCmd() *cobra.Command {
	var playerID string
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect once and print the player's current device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if playerID == "" {
				return fmt.Errorf("--player is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			level := new(slog.LevelVar)
			logger := newLogger(os.Stderr, cfg.Log, level)

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Bridge.HandshakeTimeout+cfg.Bridge.CallTimeout)
			defer cancel()
			st, err := buildStack(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer st.Close()

			device, err := st.signer.GetCurrentDevice(ctx, playerID)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"player": playerID, "device": device})
		},
	}
	cmd.Flags().StringVar(&playerID, "player", "", "player id to query")
	return cmd
}
