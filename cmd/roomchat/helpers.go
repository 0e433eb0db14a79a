package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopfront/roomsync"
)

var errNotLoggedIn = errors.New("not logged in. Run 'roomchat login <token>' first")

// loadSignedIn loads the config and requires a token.
func loadSignedIn() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, errNotLoggedIn
	}
	return cfg, nil
}

func baseURL(cfg *Config) string {
	return valueOrDefault(cfg.Server.BaseURL, roomsync.DefaultBaseURL)
}

// wsURL returns the configured websocket URL, or derives one from the
// REST base URL: same host, ws scheme, path /ws.
func wsURL(cfg *Config) string {
	if cfg.Server.WSURL != "" {
		return cfg.Server.WSURL
	}
	if cfg.Server.BaseURL == "" {
		return roomsync.DefaultWSURL
	}
	u, err := url.Parse(cfg.Server.BaseURL)
	if err != nil || u.Host == "" {
		return roomsync.DefaultWSURL
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String()
}

func typingDebounce(cfg *Config) time.Duration {
	if cfg.Chat.TypingDebounceMS <= 0 {
		return roomsync.DefaultTypingDebounce
	}
	return time.Duration(cfg.Chat.TypingDebounceMS) * time.Millisecond
}

// formatMessage renders a message as "[15:04:05] alice: hi".
func formatMessage(m roomsync.Message) string {
	stamp := "--:--:--"
	if m.SentAt != nil {
		stamp = m.SentAt.Local().Format("15:04:05")
	}
	who := "?"
	if m.Sender != nil {
		who = valueOrDefault(m.Sender.Username, m.Sender.UserID)
	}
	return fmt.Sprintf("[%s] %s: %s", stamp, who, m.Content)
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
