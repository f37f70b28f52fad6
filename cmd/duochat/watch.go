package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/LuminPulse-AI/duochat"
	"github.com/spf13/cobra"
)

var watchIDs bool

func init() {
	rootCmd.AddCommand(watchCmd)
	addSessionFlags(watchCmd)
	watchCmd.Flags().BoolVar(&watchIDs, "ids", false, "Show message ids")
}

const watchHelp = `Type a line to send it. Commands:
  /reply <id> <text>   answer a message
  /delete <id>         delete your message for everyone
  /hide <id>           delete a message for yourself
  /clear               clear the chat for yourself
  /log                 reprint the conversation
  /away, /back         go offline / online
  /quit                leave`

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open the chat interactively and follow it live",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, env *chatEnv) error {
			s := env.session
			out := &syncWriter{}

			printed := make(map[string]duochat.VisibleMessage)
			s.On(duochat.EventMessagesChanged, func(_ string, payload any) {
				ev := payload.(duochat.MessagesChangedEvent)
				out.Lock()
				defer out.Unlock()
				for _, m := range ev.View {
					prev, seen := printed[m.ID]
					if seen && prev.Status == m.Status && prev.Deleted == m.Deleted {
						continue
					}
					printed[m.ID] = m
					if seen && prev.Deleted == m.Deleted && m.Mine {
						fmt.Printf("  %s is now %s\n", m.ID, m.Status)
						continue
					}
					printMessage(os.Stdout, m, watchIDs)
				}
			})
			s.On(duochat.EventMessageIncoming, func(string, any) {
				out.Lock()
				fmt.Print("\a")
				out.Unlock()
			})
			s.On(duochat.EventPresenceChanged, func(_ string, payload any) {
				ev := payload.(duochat.PresenceChangedEvent)
				out.println(fmt.Sprintf("* %s: %s", ev.Participant, ev.Status))
			})
			s.On(duochat.EventTypingChanged, func(_ string, payload any) {
				ev := payload.(duochat.TypingChangedEvent)
				if ev.Typing {
					out.println(fmt.Sprintf("* %s is typing...", ev.Participant))
				}
			})
			s.On(duochat.EventPushFailed, func(_ string, payload any) {
				ev := payload.(duochat.PushFailedEvent)
				out.println(fmt.Sprintf("! not synced yet: %v", ev.Err))
			})

			out.println(fmt.Sprintf("Chatting as %s with %s (%s). /help for commands.", s.Self(), s.Partner(), s.PartnerStatus()))
			if view, err := s.View(); err == nil {
				out.Lock()
				for _, m := range view {
					printed[m.ID] = m
					printMessage(os.Stdout, m, watchIDs)
				}
				out.Unlock()
			}

			lines := make(chan string)
			go func() {
				defer close(lines)
				sc := bufio.NewScanner(os.Stdin)
				for sc.Scan() {
					lines <- sc.Text()
				}
			}()

			for {
				select {
				case <-ctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					quit, err := runWatchLine(s, line, out)
					if err != nil {
						out.println("! " + err.Error())
					}
					if quit {
						return nil
					}
				}
			}
		})
	},
}

func runWatchLine(s *duochat.Session, line string, out *syncWriter) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		_ = s.Typing()
		_, err := s.Send(line, "")
		return false, err
	}

	fields := strings.Fields(line)
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		out.println(watchHelp)
	case "/reply":
		if len(fields) < 3 {
			return false, fmt.Errorf("usage: /reply <id> <text>")
		}
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, fields[0]), " "+fields[1]))
		_, err := s.Send(text, fields[1])
		return false, err
	case "/delete":
		return false, s.DeleteForEveryone(arg(1))
	case "/hide":
		return false, s.DeleteForMe(arg(1))
	case "/clear":
		n, err := s.ClearChat()
		if err == nil {
			out.println(fmt.Sprintf("Chat cleared (%d messages hidden).", n))
		}
		return false, err
	case "/log":
		view, err := s.View()
		if err != nil {
			return false, err
		}
		out.Lock()
		for _, m := range view {
			printMessage(os.Stdout, m, watchIDs)
		}
		out.Unlock()
	case "/away":
		return false, s.SetOnline(false)
	case "/back":
		return false, s.SetOnline(true)
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", fields[0])
	}
	return false, nil
}

// syncWriter serializes terminal output from event handlers.
type syncWriter struct {
	sync.Mutex
}

func (w *syncWriter) println(s string) {
	w.Lock()
	fmt.Println(s)
	w.Unlock()
}
