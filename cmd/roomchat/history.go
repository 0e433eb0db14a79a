package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopfront/roomsync"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var historyJSON bool

func init() {
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history <room> [room...]",
	Short: "Print the message history of one or more rooms",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadSignedIn()
		if err != nil {
			return err
		}

		token := cfg.Auth.Token
		client := roomsync.NewHistoryClient(
			func() string { return token },
			roomsync.WithBaseURL(baseURL(cfg)),
			roomsync.WithHistoryLogger(newLogger()),
		)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		rooms, err := fetchRooms(ctx, client, args)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if historyJSON {
			byRoom := make(map[string][]roomsync.Message, len(args))
			for i, room := range args {
				byRoom[room] = rooms[i]
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(byRoom)
		}

		for i, room := range args {
			if len(args) > 1 {
				fmt.Fprintf(out, "#%s\n", room)
			}
			if len(rooms[i]) == 0 {
				fmt.Fprintln(out, "No messages found.")
			}
			for _, m := range rooms[i] {
				fmt.Fprintln(out, formatMessage(m))
			}
		}
		return nil
	},
}

// fetchRooms loads every room concurrently; results keep the order of rooms.
// The first failure cancels the rest.
func fetchRooms(ctx context.Context, h roomsync.HistoryFetcher, rooms []string) ([][]roomsync.Message, error) {
	results := make([][]roomsync.Message, len(rooms))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, room := range rooms {
		i, room := i, room
		g.Go(func() error {
			msgs, err := h.FetchHistory(ctx, room)
			if err != nil {
				return fmt.Errorf("history of %s: %w", room, err)
			}
			results[i] = msgs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
