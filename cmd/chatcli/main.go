// Command chatcli is a terminal client for one private conversation.
//
//	chatcli --server http://localhost:8083 --token $TOKEN --user 1 --peer 2
//
// Lines are sent as messages. Commands: /edit <id> <text>, /delete <id> [all],
// /resend <tempId>, /discard <tempId>, /history, /typing, /quit.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"messenger/internal/client"
	"messenger/internal/logging"
	"messenger/internal/models"
)

func main() {
	server := flag.StringP("server", "s", "http://localhost:8083", "service base URL")
	token := flag.StringP("token", "t", os.Getenv("CHAT_TOKEN"), "bearer token (default $CHAT_TOKEN)")
	userID := flag.IntP("user", "u", 0, "own user id")
	peerID := flag.IntP("peer", "p", 0, "user id to talk to")
	logLevel := flag.String("log-level", "warn", "logrus level")
	flag.Parse()

	if *token == "" || *userID <= 0 || *peerID <= 0 {
		flag.Usage()
		os.Exit(2)
	}
	if err := logging.Setup(*logLevel, "text"); err != nil {
		log.Fatal(err)
	}
	log.SetOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	history := client.NewHistoryClient(*server, *token)
	summary, err := history.OpenConversation(ctx, *peerID)
	if err != nil {
		log.Fatalf("open conversation: %v", err)
	}
	conversationID := summary.ConversationID

	lines := make(chan string)
	go func() {
		defer close(lines)
		in := bufio.NewScanner(os.Stdin)
		for in.Scan() {
			lines <- in.Text()
		}
	}()

	view := &printer{me: *userID, printed: make(map[int]bool)}
	var engine *client.Engine
	engine = client.NewEngine(*userID, history,
		client.WithChangeHandler(func(id int) {
			if id == conversationID {
				view.render(engine.Entries(id))
			}
		}),
		client.WithOutcome(func(o client.Outcome) {
			if !o.OK() {
				view.printf("! %s failed: %s (/resend %s)\n", o.TempID, o.Err.Code, o.TempID)
			}
		}),
		client.WithErrorHandler(func(op string, e *models.AckError) {
			view.printf("! %s rejected: %s %s\n", op, e.Code, e.Message)
		}),
		client.WithDeleteConfirmation(func(entry client.Entry) bool {
			view.printf("delete %q for everyone? [y/N] ", entry.Message.Text)
			answer, ok := <-lines
			return ok && strings.EqualFold(strings.TrimSpace(answer), "y")
		}),
	)

	transport := client.NewTransport(wsURL(*server), *token, engine)
	go func() {
		if err := transport.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("connection: %v", err)
		}
	}()
	if err := engine.OpenConversation(ctx, conversationID); err != nil {
		log.WithError(err).Warn("initial history fetch failed")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := command(engine, view, conversationID, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func command(engine *client.Engine, view *printer, conversationID int, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := engine.Submit(conversationID, line, nil); err != nil {
			view.printf("! %v\n", err)
		}
		engine.SetTyping(conversationID, false)
		return false
	}

	fields := strings.Fields(line)
	var err error
	switch fields[0] {
	case "/quit":
		return true
	case "/history":
		view.reset()
		view.render(engine.Entries(conversationID))
	case "/typing":
		engine.SetTyping(conversationID, true)
	case "/resend":
		if len(fields) != 2 {
			err = fmt.Errorf("usage: /resend <tempId>")
			break
		}
		_, err = engine.Resend(fields[1])
	case "/discard":
		if len(fields) != 2 {
			err = fmt.Errorf("usage: /discard <tempId>")
			break
		}
		engine.Discard(fields[1])
	case "/edit":
		if len(fields) < 3 {
			err = fmt.Errorf("usage: /edit <id> <text>")
			break
		}
		var id int
		if id, err = strconv.Atoi(fields[1]); err == nil {
			err = engine.Edit(id, strings.Join(fields[2:], " "))
		}
	case "/delete":
		if len(fields) < 2 {
			err = fmt.Errorf("usage: /delete <id> [all]")
			break
		}
		var id int
		if id, err = strconv.Atoi(fields[1]); err == nil {
			err = engine.Delete(id, len(fields) > 2 && fields[2] == "all")
		}
	default:
		err = fmt.Errorf("unknown command %s", fields[0])
	}
	if err != nil {
		view.printf("! %v\n", err)
	}
	return false
}

func wsURL(server string) string {
	switch {
	case strings.HasPrefix(server, "https://"):
		return "wss://" + strings.TrimPrefix(server, "https://") + "/ws"
	case strings.HasPrefix(server, "http://"):
		return "ws://" + strings.TrimPrefix(server, "http://") + "/ws"
	}
	return strings.TrimRight(server, "/") + "/ws"
}

// printer writes newly confirmed messages once and reprints edits.
type printer struct {
	mu      sync.Mutex
	me      int
	printed map[int]bool
	texts   map[int]string
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Printf(format, args...)
}

func (p *printer) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printed = make(map[int]bool)
	p.texts = nil
}

func (p *printer) render(entries []client.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.texts == nil {
		p.texts = make(map[int]string)
	}
	for _, e := range entries {
		if !e.Confirmed() {
			continue
		}
		m := e.Message
		text := m.Text
		if m.DeletedForAll() {
			text = "(deleted)"
		} else if m.EditedAt != nil {
			text += " (edited)"
		}
		if p.printed[m.ID] && p.texts[m.ID] == text {
			continue
		}
		who := "them"
		if m.SenderID == p.me {
			who = "me"
		}
		fmt.Printf("[%d] %s %s: %s\n", m.ID, m.CreatedAt.Local().Format("15:04"), who, text)
		p.printed[m.ID] = true
		p.texts[m.ID] = text
	}
}
