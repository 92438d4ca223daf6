package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petervdpas/pairline/internal/app"
	"github.com/petervdpas/pairline/internal/auth"
	"github.com/petervdpas/pairline/internal/config"
	"github.com/petervdpas/pairline/internal/util"
)

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	return p
}

func buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket and HTTP server",
		Long: `Run the server until SIGINT or SIGTERM.

The server opens the SQLite store (applying pending migrations), connects the
configured account-status provider and serves /ws, /healthz, /metrics and the
JSON API on server.http_addr.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath(cmd)
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := app.SetupLogging(cfg.Logging); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx, app.Options{CfgPath: path, Cfg: cfg})
		},
	}
}

func buildInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath(cmd)
			_, created, err := config.Ensure(path)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already exists\n", path)
			}
			return nil
		},
	}
}

func buildMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadPartial(configPath(cmd))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			db, err := app.OpenStore(cmd.Context(), cfg.Storage)
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "database %s is up to date\n", db.Path())
			return nil
		},
	}
}

func buildTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Sign a join token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath(cmd))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if !cfg.Auth.Enabled {
				return errors.New("auth.enabled is false; clients join without a token")
			}
			userID, err := util.ValidateUserID(args[0])
			if err != nil {
				return err
			}
			tok, err := auth.NewValidator(cfg.Auth.JWTSecret, cfg.Auth.Issuer).Issue(userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime (0 for no expiry)")
	return cmd
}

func buildPremiumCmd() *cobra.Command {
	var (
		until string
		off   bool
	)
	cmd := &cobra.Command{
		Use:   "premium <user-id>",
		Short: "Set premium status in the local accounts table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadPartial(configPath(cmd))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Accounts.Provider != config.ProviderSQLite {
				log.Warnf("accounts.provider is %s; the local table is not consulted", cfg.Accounts.Provider)
			}
			userID, err := util.ValidateUserID(args[0])
			if err != nil {
				return err
			}
			var expiry *time.Time
			if until != "" {
				t, err := time.Parse(time.RFC3339, until)
				if err != nil {
					return fmt.Errorf("--until: %w", err)
				}
				expiry = &t
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), util.DefaultFetchTimeout)
			defer cancel()
			db, err := app.OpenStore(ctx, cfg.Storage)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.SetPremium(ctx, userID, !off, expiry); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s premium=%v\n", userID, !off)
			return nil
		},
	}
	cmd.Flags().StringVar(&until, "until", "", "Premium expiry (RFC 3339)")
	cmd.Flags().BoolVar(&off, "off", false, "Remove premium")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pairline %s\n", appVersion)
		},
	}
}
