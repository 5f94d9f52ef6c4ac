package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"assemble-chat-client/internal/api"
	"assemble-chat-client/internal/badge"
	"assemble-chat-client/internal/chat"
	"assemble-chat-client/internal/eventbus"
	"assemble-chat-client/internal/realtime"
	"assemble-chat-client/internal/session"
	"assemble-chat-client/internal/typing"
)

type config struct {
	APIBaseURL     string        `env:"ASSEMBLE_API_URL" envDefault:"http://localhost:5000/api"`
	SocketURL      string        `env:"ASSEMBLE_SOCKET_URL" envDefault:"ws://localhost:5000/ws"`
	Username       string        `env:"ASSEMBLE_USERNAME"`
	Password       string        `env:"ASSEMBLE_PASSWORD"`
	Token          string        `env:"ASSEMBLE_TOKEN"`
	RequestTimeout time.Duration `env:"ASSEMBLE_REQUEST_TIMEOUT" envDefault:"15s"`
	TypingIdle     time.Duration `env:"ASSEMBLE_TYPING_IDLE" envDefault:"1s"`
	TypingWatchdog time.Duration `env:"ASSEMBLE_TYPING_WATCHDOG" envDefault:"3s"`
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("zap.NewDevelopment: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	// A local .env is optional.
	_ = godotenv.Load()

	cfg := config{}
	if err := env.Parse(&cfg); err != nil {
		sugar.Fatalf("Cannot parse env config: %v", err)
	}

	ctx := context.Background()

	sess, err := establishSession(ctx, sugar, cfg)
	if err != nil {
		sugar.Fatalf("Cannot establish session: %v", err)
	}
	identity := sess.Identity()
	sugar.Infof("Signed in as %s (id %d)", identity.Username, identity.UserID)

	client := api.New(sugar, cfg.APIBaseURL, sess, api.RequestTimeout(cfg.RequestTimeout))
	bus := eventbus.New()

	printer := &printer{}

	// The repaint hook needs the controller it is attached to, so the
	// variable is declared ahead of construction and captured.
	var controller *chat.Controller
	var renderMu sync.Mutex
	printed := 0
	peerWasTyping := false

	controller = chat.New(sugar, client, bus, identity.UserID,
		typing.Config{IdleTimeout: cfg.TypingIdle, PeerWatchdog: cfg.TypingWatchdog},
		chat.OnUpdate(func() {
			renderMu.Lock()
			defer renderMu.Unlock()

			messages := controller.Messages()
			if len(messages) < printed {
				printed = 0 // list was replaced by a peer switch
			}
			for _, m := range messages[printed:] {
				who := "them"
				if m.IsOwn {
					who = "you"
				}
				printer.printf("[%s] %s: %s", m.CreatedAt.Format("15:04:05"), who, m.Content)
			}
			printed = len(messages)

			if typing := controller.PeerTyping(); typing != peerWasTyping {
				peerWasTyping = typing
				if typing {
					printer.printf("peer is typing...")
				}
			}
		}),
	)

	connector := realtime.NewConnector(sugar, cfg.SocketURL, sess)
	if ch, err := connector.Connect(ctx); err != nil {
		sugar.Warnf("Real-time channel unavailable, sends fall back to HTTP: %v", err)
	} else {
		controller.AttachChannel(ch)
	}

	watcher := badge.NewWatcher(sugar, client, bus, func(counts badge.Counts) {
		printer.printf("[badge] %d unread messages, %d notifications", counts.Messages, counts.Notifications)
	})
	watcher.Start(ctx)

	if err := controller.LoadConversations(ctx); err != nil {
		sugar.Warnf("Initial conversation load failed: %v", err)
	}

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint

		watcher.Stop()
		controller.Close()
		connector.Close()
		os.Exit(0)
	}()

	runREPL(ctx, sugar, controller, printer)

	watcher.Stop()
	controller.Close()
	connector.Close()
}

// establishSession turns either a pre-issued token or username/password
// credentials into a bound session.
func establishSession(ctx context.Context, sugar *zap.SugaredLogger, cfg config) (*session.Session, error) {
	if cfg.Token != "" {
		sess, err := session.New(cfg.Token)
		if err != nil {
			return nil, err
		}
		if sess.Expired(time.Now()) {
			return nil, fmt.Errorf("provided token is expired")
		}
		if sess.Identity().UserID == 0 {
			client := api.New(sugar, cfg.APIBaseURL, sess, api.RequestTimeout(cfg.RequestTimeout))
			me, err := client.Me(ctx)
			if err != nil {
				return nil, err
			}
			sess.Bind(me.ID, me.Username)
		}
		return sess, nil
	}

	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("set ASSEMBLE_TOKEN or ASSEMBLE_USERNAME/ASSEMBLE_PASSWORD")
	}

	client := api.New(sugar, cfg.APIBaseURL, nil, api.RequestTimeout(cfg.RequestTimeout))
	creds, user, err := client.Login(ctx, cfg.Username, cfg.Password)
	if err != nil {
		return nil, err
	}

	sess, err := session.New(creds.AccessToken)
	if err != nil {
		return nil, err
	}
	sess.Bind(user.ID, user.Username)
	return sess, nil
}

func runREPL(ctx context.Context, sugar *zap.SugaredLogger, controller *chat.Controller, p *printer) {
	p.printf("commands: /list, /open <user-id>, /search <query>, /quit; anything else is sent as a message")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "/quit":
			return

		case line == "/list":
			for _, conv := range controller.Conversations() {
				p.printf("%d %s — %q (%d unread)",
					conv.User.ID, conv.User.DisplayName(), conv.LastMessage.Content, conv.UnreadCount)
			}

		case strings.HasPrefix(line, "/open "):
			id, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "/open ")), 10, 64)
			if err != nil {
				p.printf("usage: /open <user-id>")
				continue
			}
			if err := controller.SelectPeer(ctx, id); err != nil {
				sugar.Errorf("Cannot open conversation: %v", err)
				continue
			}
			if peer, ok := controller.Selected(); ok {
				p.printf("chatting with %s", peer.DisplayName())
			}

		case strings.HasPrefix(line, "/search "):
			users, err := controller.SearchPeers(ctx, strings.TrimPrefix(line, "/search "))
			if err != nil {
				sugar.Errorf("Search failed: %v", err)
				continue
			}
			for _, u := range users {
				p.printf("%d %s (@%s)", u.ID, u.DisplayName(), u.Username)
			}

		case line != "":
			controller.Keystroke()
			if err := controller.SendMessage(ctx, line); err != nil {
				sugar.Errorf("Send failed: %v", err)
			}
		}
	}
}

// printer serializes terminal output from the REPL and background hooks.
type printer struct {
	mu sync.Mutex
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Printf(format+"\n", args...)
}
