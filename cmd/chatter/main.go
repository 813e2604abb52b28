package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	chatter "github.com/putto11262002/chatter-sync/app"
	"github.com/putto11262002/chatter-sync/core"
	"github.com/spf13/pflag"
)

const help = `commands:
  <text>            send a message
  /typing           tell the others you are typing
  /retry <local id> resend a failed message
  /discard <id>     drop a failed message
  /older            load older messages
  /refresh          reload the newest page
  /open <id>        switch conversation
  /quit             leave
`

func main() {
	configFile := pflag.StringP("config", "c", "", "path to the config file (default ./config.yaml)")
	conversation := pflag.String("conversation", "", "conversation to open (default client.conversation_id)")
	logFile := pflag.String("log", "", "write debug logs to this file")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config, err := chatter.LoadConfig(*configFile)
	if err != nil {
		failed("failed to load config: %v\n", err)
	}

	var logOut io.Writer = io.Discard
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			failed("open log file: %v\n", err)
		}
		defer f.Close()
		logOut = f
	}
	logger := chatter.NewLogger(logOut, slog.LevelDebug)

	engine, err := chatter.NewEngine(&config.Client, logger)
	if err != nil {
		failed("invalid client config:\n%s", chatter.FormatValidationErrors(err))
	}
	defer engine.Close()

	v := newView(os.Stdout, engine.Session())
	stopListening := engine.Session().Listen(v.onChange)
	defer stopListening()

	if err := engine.Open(ctx, *conversation); err != nil {
		if !errors.Is(err, core.ErrHistoryFetch) {
			failed("open conversation: %v\n", err)
		}
		v.printf("! %v\n", err)
	}
	fmt.Fprint(os.Stdout, help)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := v.command(ctx, engine, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

// view renders session changes as lines of text.
type view struct {
	mu      sync.Mutex
	out     io.Writer
	session *core.Session
	printed map[string]core.DeliveryState
	typing  string
	conn    core.ConnState
}

func newView(out io.Writer, session *core.Session) *view {
	return &view{out: out, session: session, printed: make(map[string]core.DeliveryState)}
}

func (v *view) printf(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, format, args...)
}

func (v *view) onChange(kind core.ChangeKind) {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch kind {
	case core.ChangeMessages:
		for _, m := range v.session.Messages() {
			key := m.LocalID
			if key == "" {
				key = fmt.Sprint(m.ID)
			}
			state, seen := v.printed[key]
			if seen && state == m.DeliveryState {
				continue
			}
			v.printed[key] = m.DeliveryState
			if seen {
				fmt.Fprintf(v.out, "  [%s] %s\n", m.DeliveryState, key)
				continue
			}
			fmt.Fprintf(v.out, "%s %s (%s): %s%s\n",
				m.CreatedAt.Local().Format("15:04"), m.AuthorName, m.AuthorKind, m.Body, attachmentSuffix(m))
			if m.DeliveryState != core.Sent {
				fmt.Fprintf(v.out, "  [%s] %s\n", m.DeliveryState, key)
			}
		}
	case core.ChangeTyping:
		label := v.session.TypingLabel()
		if label != "" && label != v.typing {
			fmt.Fprintf(v.out, "  ... %s\n", label)
		}
		v.typing = label
	case core.ChangeConnection:
		state := v.session.Connection()
		if state != v.conn {
			fmt.Fprintf(v.out, "  (%s)\n", state)
		}
		v.conn = state
	case core.ChangePresence:
		for _, p := range v.session.Presence() {
			status := "offline"
			if p.Online {
				status = "online"
			}
			fmt.Fprintf(v.out, "  %s is %s\n", p.UserName, status)
		}
	case core.ChangeError:
		if err := v.session.LastError(); err != nil {
			fmt.Fprintf(v.out, "! %v\n", err)
		}
	}
}

func (v *view) reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	clear(v.printed)
	v.typing = ""
}

func attachmentSuffix(m core.Message) string {
	if len(m.Attachments) == 0 {
		return ""
	}
	names := make([]string, len(m.Attachments))
	for i, a := range m.Attachments {
		names[i] = a.Filename
	}
	return " [" + strings.Join(names, ", ") + "]"
}

// command runs one input line and reports whether the client should exit.
func (v *view) command(ctx context.Context, engine *chatter.Engine, line string) bool {
	s := engine.Session()
	cmd, arg, _ := strings.Cut(line, " ")
	var err error
	switch cmd {
	case "":
	case "/quit":
		return true
	case "/help":
		v.printf(help)
	case "/typing":
		s.NotifyTyping()
	case "/retry":
		_, err = s.Retry(arg)
	case "/discard":
		err = s.Discard(arg)
	case "/older":
		err = s.LoadOlder(ctx)
	case "/refresh":
		err = s.Refresh(ctx)
	case "/open":
		v.reset()
		err = engine.Open(ctx, arg)
	default:
		_, err = s.Send(core.Draft{Body: line})
	}

	var rateErr *core.RateLimitError
	switch {
	case err == nil:
	case errors.As(err, &rateErr):
		v.printf("! slow down, retry in %s\n", rateErr.RetryAfter)
	default:
		v.printf("! %v\n", err)
	}
	return false
}

func failed(s string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, s, args...)
	os.Exit(1)
}
