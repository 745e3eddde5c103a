package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/urfave/cli/v2"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/chat"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/notify"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/realtime"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/store"
)

func viewerFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "as",
		Usage:    "Act as `ROLE:ID` (club:<id> or brand:<id>)",
		Required: true,
	}
}

// ServeCommand runs the HTTP server with the push gateway.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the push gateway and health/metrics endpoints",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "Override RUNHUB_HTTP_ADDR"},
		},
		Action: func(c *cli.Context) error {
			cfg := configFrom(c)
			if v := c.String("addr"); v != "" {
				cfg.HTTPAddr = v
			}
			log := NewLogger(cfg.LogLevel, cfg.LogFormat)

			a, err := New(c.Context, cfg, log)
			if err != nil {
				return err
			}
			return a.Run(c.Context)
		},
	}
}

// MigrateCommand applies the embedded schema.
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the chat schema to RUNHUB_DATABASE_URL",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "schema", Usage: "Override RUNHUB_DB_SCHEMA"},
			&cli.BoolFlag{Name: "print", Usage: "Print the DDL instead of applying it"},
		},
		Action: func(c *cli.Context) error {
			cfg := configFrom(c)
			if v := c.String("schema"); v != "" {
				cfg.DBSchema = v
			}

			if c.Bool("print") {
				ddl, err := store.SchemaDDL(cfg.DBSchema)
				if err != nil {
					return err
				}
				_, err = io.WriteString(c.App.Writer, ddl)
				return err
			}

			if cfg.DatabaseURL == "" {
				return errors.New("migrate: RUNHUB_DATABASE_URL is not set")
			}
			log := NewLogger(cfg.LogLevel, cfg.LogFormat)

			pool, err := NewDBPool(c.Context, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := store.Migrate(c.Context, pool, cfg.DBSchema); err != nil {
				return err
			}
			log.Info("db.migrated", "schema", cfg.DBSchema)
			return nil
		},
	}
}

// WorkerCommand consumes mark-consumed tasks and applies them to the notifications table.
func WorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Consume notification tasks enqueued with RUNHUB_NOTIFY_MODE=asynq",
		Action: func(c *cli.Context) error {
			cfg := configFrom(c)
			if cfg.RedisURL == "" || cfg.DatabaseURL == "" {
				return errors.New("worker: RUNHUB_REDIS_URL and RUNHUB_DATABASE_URL are required")
			}
			log := NewLogger(cfg.LogLevel, cfg.LogFormat)

			pool, err := NewDBPool(c.Context, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			target, err := notify.NewPostgresBridge(pool, cfg.DBSchema)
			if err != nil {
				return err
			}

			opt, err := asynq.ParseRedisURI(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("worker: asynq redis url: %w", err)
			}
			srv := asynq.NewServer(opt, asynq.Config{
				Concurrency: cfg.AsynqConcurrency,
				Queues:      map[string]int{cfg.AsynqQueue: 1},
			})

			mux := asynq.NewServeMux()
			notify.RegisterConsumer(mux, target, log)

			if err := srv.Start(mux); err != nil {
				return err
			}
			log.Info("worker.start", "queue", cfg.AsynqQueue, "concurrency", cfg.AsynqConcurrency)

			<-c.Context.Done()
			srv.Shutdown()
			log.Info("worker.stopped")
			return nil
		},
	}
}

// SeedCommand creates two profiles and the conversation between them.
// It stands in for the application-accepted workflow in dev environments.
func SeedCommand() *cli.Command {
	return &cli.Command{
		Name:  "seed",
		Usage: "Create a conversation between a club and a brand",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "conversation", Required: true},
			&cli.StringFlag{Name: "club", Required: true},
			&cli.StringFlag{Name: "brand", Required: true},
			&cli.StringFlag{Name: "application", Required: true},
			&cli.StringFlag{Name: "opportunity"},
			&cli.StringFlag{Name: "club-name"},
			&cli.StringFlag{Name: "brand-name"},
		},
		Action: func(c *cli.Context) error {
			cfg := configFrom(c)
			rt, err := NewRuntime(c.Context, cfg, NewLogger(cfg.LogLevel, cfg.LogFormat))
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.Seeder.PutProfile(c.Context, c.String("club"), chat.RoleClub, chat.Profile{Name: c.String("club-name")}); err != nil {
				return err
			}
			if err := rt.Seeder.PutProfile(c.Context, c.String("brand"), chat.RoleBrand, chat.Profile{Name: c.String("brand-name")}); err != nil {
				return err
			}
			return rt.Seeder.PutConversation(c.Context, chat.Conversation{
				ID:            c.String("conversation"),
				ClubID:        c.String("club"),
				BrandID:       c.String("brand"),
				ApplicationID: c.String("application"),
				OpportunityID: c.String("opportunity"),
			})
		},
	}
}

// SendCommand opens a session and sends one message through it.
func SendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send a message into a conversation",
		ArgsUsage: "TEXT",
		Flags: []cli.Flag{
			viewerFlag(),
			&cli.StringFlag{Name: "conversation", Required: true},
		},
		Action: func(c *cli.Context) error {
			viewer, err := parseViewer(c.String("as"))
			if err != nil {
				return err
			}
			cfg := configFrom(c)
			rt, err := NewRuntime(c.Context, cfg, NewLogger(cfg.LogLevel, cfg.LogFormat))
			if err != nil {
				return err
			}
			defer rt.Close()

			s, err := rt.OpenSession(c.Context, viewer, c.String("conversation"))
			if err != nil {
				return err
			}
			defer s.Close()

			if snap := s.Snapshot(); snap.LoadErr != nil {
				return snap.LoadErr
			}
			m, err := s.Send(c.Context, strings.Join(c.Args().Slice(), " "))
			if err != nil {
				return err
			}
			return printMessage(c.App.Writer, m)
		},
	}
}

// TailCommand follows a push gateway from the outside, the way a remote client would.
func TailCommand() *cli.Command {
	return &cli.Command{
		Name:  "tail",
		Usage: "Print messages pushed by a runhub gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "ws://127.0.0.1:8080/ws", Usage: "Gateway websocket `URL`"},
			&cli.StringFlag{Name: "party", Required: true, Usage: "Party id sent in hello"},
			&cli.StringFlag{Name: "conversation", Usage: "Follow one conversation instead of all of the party's"},
			&cli.StringFlag{Name: "origin", Value: "http://localhost", Usage: "Origin header"},
			&cli.StringSliceFlag{Name: "header", Usage: "Extra upgrade header `KEY=VALUE` (repeatable)"},
		},
		Action: func(c *cli.Context) error {
			cfg := configFrom(c)
			log := NewLogger(cfg.LogLevel, cfg.LogFormat)

			header := http.Header{}
			header.Set("Origin", c.String("origin"))
			for _, kv := range c.StringSlice("header") {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("tail: bad header %q", kv)
				}
				header.Add(strings.TrimSpace(k), strings.TrimSpace(v))
			}

			client, err := realtime.DialWS(c.Context, c.String("url"), realtime.WSDialOptions{
				PartyID: c.String("party"),
				Header:  header,
				Log:     log,
			})
			if err != nil {
				return err
			}
			defer client.Close()

			failed := make(chan error, 1)
			mgr := realtime.NewManager(log, client, realtime.WithStateFunc(func(topic string, state realtime.State, err error) {
				if state == realtime.StateFailed {
					select {
					case failed <- fmt.Errorf("tail: %s: %w", topic, err):
					default:
					}
				}
			}))
			defer mgr.Close()

			out := &syncWriter{w: c.App.Writer}
			emit := func(m chat.Message) { _ = printMessage(out, m) }

			var h *realtime.Handle
			if id := c.String("conversation"); id != "" {
				h, err = mgr.SubscribeToConversation(c.Context, id, emit)
			} else {
				h, err = mgr.SubscribeToAllMessageInserts(c.Context, c.String("party"), emit)
			}
			if err != nil {
				return err
			}
			defer h.Close()
			log.Info("tail.start", "topic", h.Topic(), "session_id", client.SessionID)

			select {
			case <-c.Context.Done():
				return nil
			case err := <-failed:
				return err
			}
		},
	}
}

// InboxCommand prints the viewer's conversation list, optionally following changes.
func InboxCommand() *cli.Command {
	return &cli.Command{
		Name:  "inbox",
		Usage: "Print the conversation list of a party",
		Flags: []cli.Flag{
			viewerFlag(),
			&cli.BoolFlag{Name: "watch", Aliases: []string{"w"}, Usage: "Reprint on every change"},
		},
		Action: func(c *cli.Context) error {
			viewer, err := parseViewer(c.String("as"))
			if err != nil {
				return err
			}
			cfg := configFrom(c)
			rt, err := NewRuntime(c.Context, cfg, NewLogger(cfg.LogLevel, cfg.LogFormat))
			if err != nil {
				return err
			}
			defer rt.Close()

			agg, err := rt.OpenInbox(c.Context, viewer)
			if err != nil {
				return err
			}
			defer agg.Close()

			snap := agg.Snapshot()
			if snap.LoadErr != nil {
				return snap.LoadErr
			}
			printInbox(c.App.Writer, viewer, snap.Conversations)
			if !c.Bool("watch") {
				return nil
			}

			for {
				select {
				case <-c.Context.Done():
					return nil
				case <-agg.Changed():
					snap := agg.Snapshot()
					if snap.Loading {
						continue
					}
					printInbox(c.App.Writer, viewer, snap.Conversations)
				}
			}
		},
	}
}

func parseViewer(s string) (chat.Viewer, error) {
	roleStr, id, ok := strings.Cut(s, ":")
	if !ok || strings.TrimSpace(id) == "" {
		return chat.Viewer{}, fmt.Errorf("bad --as %q: want ROLE:ID", s)
	}
	role, err := chat.ParseRole(roleStr)
	if err != nil {
		return chat.Viewer{}, err
	}
	return chat.Viewer{ID: strings.TrimSpace(id), Role: role}, nil
}

type printedMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	SenderRole     chat.Role `json:"sender_role"`
	Content        string    `json:"content"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"created_at"`
}

func printMessage(w io.Writer, m chat.Message) error {
	return json.NewEncoder(w).Encode(printedMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderRole:     m.SenderRole,
		Content:        m.Content,
		Read:           m.Read,
		CreatedAt:      m.CreatedAt,
	})
}

func printInbox(w io.Writer, viewer chat.Viewer, convs []chat.Conversation) {
	_, _ = fmt.Fprintf(w, "-- %d conversations\n", len(convs))
	for _, c := range convs {
		id, p := c.Counterpart(viewer.ID)
		name := p.Name
		if name == "" {
			name = id
		}
		_, _ = fmt.Fprintf(w, "%-28s %-24s unread=%-3d %s\n", c.ID, name, c.UnreadCount, c.UpdatedAt.Format(time.RFC3339))
	}
}

// syncWriter serializes writes from listener goroutines.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
