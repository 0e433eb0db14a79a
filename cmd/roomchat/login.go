package main

import (
	"context"
	"fmt"
	"time"

	"github.com/shopfront/roomsync"
	"github.com/spf13/cobra"
)

var (
	loginUserID   string
	loginUsername string
)

func init() {
	loginCmd.Flags().StringVar(&loginUserID, "user-id", "", "User ID the token belongs to")
	loginCmd.Flags().StringVar(&loginUsername, "username", "", "Display name the token belongs to")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store an auth token in ~/.roomchat/config.toml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth = ConfigAuth{
			Token:    args[0],
			UserID:   loginUserID,
			Username: loginUsername,
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Token saved to %s\n", path)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored auth token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.Token == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "Not logged in.")
			return nil
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show resolved settings and check the server connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()
		if err := printSettings(out, resolveSettings(cfg)); err != nil {
			return err
		}
		if cfg.Auth.Token == "" {
			return nil
		}

		log := newLogger()
		conn := roomsync.NewConn(&roomsync.ConnConfig{
			URL:    wsURL(cfg),
			Token:  cfg.Auth.Token,
			Logger: &log,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Fprintln(out)
		if err := conn.Connect(ctx); err != nil {
			fmt.Fprintf(out, "Connection: unreachable (%v)\n", err)
			return nil
		}
		defer conn.Close()
		fmt.Fprintf(out, "Connection: ok (%s)\n", conn.ID())
		return nil
	},
}
