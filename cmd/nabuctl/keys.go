package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/nabulines/nabulines/internal/auth/apikey"
)

func keysCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}
	cmd.AddCommand(keysCreateCmd(a), keysRevokeCmd(a), keysListCmd(a))
	return cmd
}

func keysCreateCmd(a *app) *cobra.Command {
	var role string
	var rateLimit int
	var expiresIn time.Duration
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an API key and print it once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := apikey.ParseRole(role)
			if err != nil {
				return err
			}
			db, err := a.postgres(cmd.Context())
			if err != nil {
				return err
			}
			var expiresAt *time.Time
			if expiresIn > 0 {
				t := time.Now().Add(expiresIn)
				expiresAt = &t
			}
			if rateLimit <= 0 {
				rateLimit = a.cfg.Auth.DefaultRateLimit
			}
			raw, err := apikey.NewValidator(db).CreateKey(cmd.Context(), args[0], r, rateLimit, expiresAt)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, raw)
			fmt.Fprintln(a.out, color.New(color.FgYellow).Sprint("store this key now, it cannot be shown again"))
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(apikey.RoleReader), "reader, writer or admin")
	cmd.Flags().IntVar(&rateLimit, "rate-limit", 0, "requests per rate window (default from config)")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "lifetime, e.g. 720h; 0 never expires")
	return cmd
}

func keysRevokeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <raw-key>",
		Short: "Deactivate an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.postgres(cmd.Context())
			if err != nil {
				return err
			}
			if err := apikey.NewValidator(db).RevokeKey(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "revoked")
			return nil
		},
	}
}

func keysListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List active API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.postgres(cmd.Context())
			if err != nil {
				return err
			}
			keys, err := apikey.NewValidator(db).ListKeys(cmd.Context())
			if err != nil {
				return err
			}
			for _, k := range keys {
				expiry := "never"
				if k.ExpiresAt != nil {
					expiry = k.ExpiresAt.Local().Format(time.DateTime)
				}
				fmt.Fprintf(a.out, "%-5s %-24s %-7s %5d/window  expires %s\n", k.ID, k.Name, k.Role, k.RateLimit, expiry)
			}
			return nil
		},
	}
}
