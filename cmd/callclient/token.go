package main

import (
	"context"
	"fmt"
	"time"

	"github.com/mossy-p/call-orchestrator/config"
	"github.com/mossy-p/call-orchestrator/internal/api"
	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Fetch a development bearer token from the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadClient()
			if userID == "" {
				userID = cfg.UserID
			}
			if userID == "" {
				return fmt.Errorf("--user or CALL_USER_ID is required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			client := api.NewClient(cfg.HTTPScheme()+"://"+cfg.SignalingHost, "")
			token, err := client.IssueToken(ctx, userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to issue the token for")
	return cmd
}
