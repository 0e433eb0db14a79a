package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/shopfront/roomsync"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat [room]",
	Short: "Chat interactively in a room",
	Long: `Join a room and chat. Lines are sent as messages; commands start with a slash:

  /join <room>   switch rooms
  /leave         leave the current room
  /who           list who is online
  /typing        tell the room you are typing
  /quit          exit`,
	Args: cobra.MaximumNArgs(1),
	RunE: runChat,
}

var errQuit = errors.New("quit")

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadSignedIn()
	if err != nil {
		return err
	}
	room := cfg.Chat.DefaultRoom
	if len(args) == 1 {
		room = args[0]
	}

	log := newLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := roomsync.NewSession(&roomsync.ConnConfig{
		URL:                  wsURL(cfg),
		AutoReconnect:        true,
		MaxReconnectAttempts: -1,
		Logger:               &log,
	})
	defer session.Close()

	history := roomsync.NewHistoryClient(session.Token,
		roomsync.WithBaseURL(baseURL(cfg)),
		roomsync.WithHistoryLogger(log),
	)
	r := roomsync.NewRoom(history,
		roomsync.WithLogger(log),
		roomsync.WithTypingDebounce(typingDebounce(cfg)),
	)
	defer r.Close()

	v := newChatView(cmd.OutOrStdout())
	v.watch(r)
	defer session.Attach(r)()

	if room != "" {
		r.EnterRoom(room)
	} else {
		v.println("* no room selected, use /join <room>")
	}

	// A blocked stdin read cannot be interrupted, so the scanner feeds the
	// group through a channel and is left behind on exit.
	lines := make(chan string)
	go scanLines(cmd.InOrStdin(), lines)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := session.SetToken(ctx, cfg.Auth.Token); err != nil {
			v.println("! connect failed, retrying in the background: " + err.Error())
		}
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := handleLine(r, v, line); err != nil {
					return err
				}
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

func scanLines(in io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		lines <- sc.Text()
	}
}

// chatRoom is the part of roomsync.Room the input loop drives.
type chatRoom interface {
	EnterRoom(roomID string)
	LeaveRoom()
	SendMessage(content string) bool
	NotifyTyping()
	Snapshot() roomsync.Snapshot
}

// handleLine runs one line of input. It returns errQuit on /quit.
func handleLine(r chatRoom, v *chatView, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		if !r.SendMessage(line) {
			v.println("! not sent: not connected to a room")
		}
		return nil
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "join":
		if arg == "" {
			v.println("! usage: /join <room>")
			return nil
		}
		r.EnterRoom(arg)
	case "leave":
		r.LeaveRoom()
	case "who":
		snap := r.Snapshot()
		if snap.Room == "" {
			v.println("! not in a room")
			return nil
		}
		v.println(formatPresence(snap.Presence))
	case "typing":
		r.NotifyTyping()
	case "quit", "exit":
		return errQuit
	default:
		v.println(fmt.Sprintf("! unknown command /%s", name))
	}
	return nil
}

// ============================================================================
// View
// ============================================================================

// chatView prints room events. Its handlers run on the room's loop.
type chatView struct {
	mu     sync.Mutex
	out    io.Writer
	room   string
	seen   map[string]struct{}
	typing string
}

func newChatView(out io.Writer) *chatView {
	return &chatView{out: out, seen: make(map[string]struct{})}
}

func (v *chatView) println(s string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintln(v.out, s)
}

func (v *chatView) watch(r *roomsync.Room) {
	r.On(roomsync.RoomEventRoom, v.onRoom)
	r.On(roomsync.RoomEventMessages, v.onMessages)
	r.On(roomsync.RoomEventPresence, v.onPresence)
	r.On(roomsync.RoomEventTyping, v.onTyping)
	r.On(roomsync.RoomEventHistoryDegraded, v.onDegraded)
}

func (v *chatView) onRoom(_ string, snap roomsync.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.room = snap.Room
	v.seen = make(map[string]struct{})
	v.typing = ""
	if snap.Room == "" {
		fmt.Fprintln(v.out, "* left the room")
		return
	}
	fmt.Fprintf(v.out, "* entering #%s\n", snap.Room)
}

// onMessages prints messages not shown yet. A seed can put history in front
// of live messages already printed, so rendering tracks keys instead of a
// cursor.
func (v *chatView) onMessages(_ string, snap roomsync.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if snap.Room != v.room || len(snap.Messages) == 0 {
		v.room = snap.Room
		v.seen = make(map[string]struct{})
	}
	for _, m := range snap.Messages {
		key := messageKey(m)
		if _, ok := v.seen[key]; ok {
			continue
		}
		v.seen[key] = struct{}{}
		fmt.Fprintln(v.out, formatMessage(m))
	}
}

func (v *chatView) onPresence(_ string, snap roomsync.Snapshot) {
	if snap.Room == "" || !snap.Joined {
		return
	}
	v.println(formatPresence(snap.Presence))
}

func (v *chatView) onTyping(_ string, snap roomsync.Snapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if snap.Typing == v.typing {
		return
	}
	v.typing = snap.Typing
	if snap.Typing != "" {
		fmt.Fprintf(v.out, "* %s\n", snap.Typing)
	}
}

func (v *chatView) onDegraded(_ string, snap roomsync.Snapshot) {
	v.println(fmt.Sprintf("! history of #%s unavailable: %v", snap.Room, snap.HistoryErr))
}

func messageKey(m roomsync.Message) string {
	if m.ID != "" {
		return m.ID
	}
	key := m.Content
	if m.Sender != nil {
		key = m.Sender.UserID + "|" + key
	}
	if m.SentAt != nil {
		key += "|" + m.SentAt.String()
	}
	return key
}

func formatPresence(entries []roomsync.PresenceEntry) string {
	if len(entries) == 0 {
		return "* nobody online"
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, valueOrDefault(e.Username, e.UserID))
	}
	return fmt.Sprintf("* online (%d): %s", len(entries), strings.Join(names, ", "))
}
