package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file as stored")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change roomchat settings",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the settings roomchat will use",
	Long: `Print every setting as roomchat resolves it: unset values fall back to
defaults and the websocket URL is derived from the base URL when not set.
The token is masked. Use --raw to print the file itself.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowRaw {
			return printRawConfig(cmd.OutOrStdout())
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return printSettings(cmd.OutOrStdout(), resolveSettings(cfg))
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Set a setting",
	Example: "  roomchat config set chat.default_room general\n  roomchat config set chat.typing_debounce_ms 500",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := updateConfig(args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Clear a setting so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := updateConfig(args[0], ""); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s cleared\n", args[0])
		return nil
	},
}

func updateConfig(key, value string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

func printRawConfig(out io.Writer) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		fmt.Fprintf(out, "%s does not exist yet\n", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot read config file: %w", err)
	}
	_, err = out.Write(data)
	return err
}

// setting is one resolved config value. Source says where it came from:
// "config", "default" or "derived".
type setting struct {
	Key    string
	Value  string
	Source string
}

func resolveSettings(cfg *Config) []setting {
	source := func(v string) string {
		if v == "" {
			return "default"
		}
		return "config"
	}

	ws := setting{Key: "server.ws_url", Value: wsURL(cfg), Source: source(cfg.Server.WSURL)}
	if cfg.Server.WSURL == "" && cfg.Server.BaseURL != "" {
		ws.Source = "derived"
	}

	token := setting{Key: "auth.token", Value: "(not logged in)", Source: "config"}
	if cfg.Auth.Token != "" {
		token.Value = maskKey(cfg.Auth.Token)
	}

	debounceSrc := "config"
	if cfg.Chat.TypingDebounceMS <= 0 {
		debounceSrc = "default"
	}

	return []setting{
		{Key: "server.base_url", Value: baseURL(cfg), Source: source(cfg.Server.BaseURL)},
		ws,
		token,
		{Key: "auth.user_id", Value: valueOrDefault(cfg.Auth.UserID, "(unknown)"), Source: "config"},
		{Key: "auth.username", Value: valueOrDefault(cfg.Auth.Username, "(unknown)"), Source: "config"},
		{Key: "chat.default_room", Value: valueOrDefault(cfg.Chat.DefaultRoom, "(none)"), Source: "config"},
		{Key: "chat.typing_debounce_ms", Value: strconv.FormatInt(typingDebounce(cfg).Milliseconds(), 10), Source: debounceSrc},
	}
}

func printSettings(out io.Writer, settings []setting) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, s := range settings {
		if s.Source == "config" {
			fmt.Fprintf(w, "%s\t%s\n", s.Key, s.Value)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t(%s)\n", s.Key, s.Value, s.Source)
	}
	return w.Flush()
}
