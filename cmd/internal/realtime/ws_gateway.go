package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/ids"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/metrics"
	v1 "github.com/RUNHUB2131/runhub-link-sub000/shared/contracts/push/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

var (
	errTopicForbidden = errors.New("topic not allowed for this party")
	errHelloRequired  = errors.New("hello required")
)

// Authenticator resolves the party of an upgrade request.
// A non-nil error rejects the upgrade with 401.
type Authenticator func(r *http.Request) (partyID string, err error)

// Membership is the authorization boundary for conversation topics.
type Membership interface {
	IsParticipant(ctx context.Context, conversationID, partyID string) (bool, error)
}

// WSGatewayConfig holds the gateway's transport policy. Zero values fall back to defaults.
type WSGatewayConfig struct {
	// DevInsecure disables websocket.Accept's origin verification (dev only).
	DevInsecure bool

	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	// RateEvents inbound envelopes are allowed per RateWindow (token bucket, burst RateEvents).
	RateEvents int
	RateWindow time.Duration
}

// DefaultWSGatewayConfig returns secure defaults: origin required, localhost only.
func DefaultWSGatewayConfig() WSGatewayConfig {
	return WSGatewayConfig{
		OriginRequired:   true,
		AllowedOrigins:   []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:     wsDefaultWriteTimeout,
		ReadIdleTimeout:  wsDefaultReadIdle,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

func (c WSGatewayConfig) withDefaults() WSGatewayConfig {
	def := DefaultWSGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = def.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	return c
}

// WSGateway is the websocket entrypoint of the push layer.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and topic authorization, and forwards events of a PushLayer to remote sessions.
type WSGateway struct {
	log     *slog.Logger
	push    PushLayer
	members Membership
	auth    Authenticator
	metrics *metrics.Metrics

	cfg WSGatewayConfig

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string
}

// WSGatewayOption configures a WSGateway.
type WSGatewayOption func(*WSGateway)

// WithAuthenticator binds sessions to the party resolved from the upgrade request.
// Without one, the party named in hello is trusted (dev only).
func WithAuthenticator(a Authenticator) WSGatewayOption {
	return func(g *WSGateway) { g.auth = a }
}

// WithMembership enables conversation topics. Without it they are refused.
func WithMembership(m Membership) WSGatewayOption {
	return func(g *WSGateway) { g.members = m }
}

// WithGatewayMetrics records session and drop metrics on m.
func WithGatewayMetrics(m *metrics.Metrics) WSGatewayOption {
	return func(g *WSGateway) { g.metrics = m }
}

// NewWSGateway constructs a gateway serving push to remote sessions.
func NewWSGateway(log *slog.Logger, push PushLayer, cfg WSGatewayConfig, opts ...WSGatewayOption) (*WSGateway, error) {
	if push == nil {
		return nil, errors.New("realtime: nil push layer")
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	g := &WSGateway{log: log, push: push, cfg: cfg.withDefaults()}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.cfg.AllowedOrigins)
	return g, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a websocket session and runs the push loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var authParty string
	if g.auth != nil {
		party, err := g.auth(r)
		if err != nil || strings.TrimSpace(party) == "" {
			g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		authParty = strings.TrimSpace(party)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(uuid.NewString(), g.cfg.SendQueueSize)
	g.metrics.WSSessionOpened()
	defer g.metrics.WSSessionClosed()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// client.Close closes every push channel, which stops the forwarders.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	limiter := rate.NewLimiter(rate.Every(g.cfg.RateWindow/time.Duration(g.cfg.RateEvents)), g.cfg.RateEvents)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", client.SessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", client.SessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON", "")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", client.SessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !limiter.Allow() {
			g.trySendError(ctx, client, "rate_limited", "too many events", "")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error(), "")
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, client, env, authParty); err != nil {
				g.trySendError(ctx, client, "hello_failed", err.Error(), "")
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeSubscribe:
			topic, err := g.onSubscribe(ctx, client, env, shutdown)
			if err != nil {
				code := "subscribe_failed"
				switch {
				case errors.Is(err, errTopicForbidden):
					code = "forbidden"
				case errors.Is(err, errHelloRequired):
					code = "hello_required"
				}
				g.log.Info("ws.subscribe.fail", "session_id", client.SessionID, "topic", topic, "err", err)
				g.trySendError(ctx, client, code, err.Error(), topic)
				continue readLoop
			}

		case v1.TypeUnsubscribe:
			if err := g.onUnsubscribe(client, env); err != nil {
				g.trySendError(ctx, client, "unsubscribe_failed", err.Error(), "")
				continue readLoop
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type), "")
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *Client, env v1.Envelope, authParty string) error {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	party := strings.TrimSpace(p.PartyID)
	if authParty != "" {
		if party != "" && party != authParty {
			return errors.New("party_id does not match credentials")
		}
		party = authParty
	}
	if party == "" {
		return errors.New("missing party_id")
	}
	if bound := client.PartyID(); bound != "" && bound != party {
		return errors.New("session already bound to another party")
	}
	client.bindParty(party)

	ack, err := v1.NewEnvelope(v1.TypeHelloAck, ids.MustULID(time.Now()), time.Now().UTC(), v1.HelloAckPayload{SessionID: client.SessionID})
	if err != nil {
		return err
	}
	if !g.enqueue(ctx, client, ack) {
		return errors.New("backpressure: hello_ack")
	}
	return nil
}

func (g *WSGateway) onSubscribe(ctx context.Context, client *Client, env v1.Envelope, shutdown func(websocket.StatusCode, string)) (string, error) {
	var p v1.SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}
	topic := strings.TrimSpace(p.Topic)

	party := client.PartyID()
	if party == "" {
		return topic, errHelloRequired
	}

	scope, err := v1.ParseTopic(topic)
	if err != nil {
		return topic, err
	}
	if err := g.authorize(ctx, party, scope); err != nil {
		return topic, err
	}

	if !client.subscribed(topic) {
		if client.subscriptionCount() >= maxSubscriptionsPerSession {
			return topic, errors.New("subscription limit reached")
		}

		ch, err := g.push.Open(ctx, topic)
		if err != nil {
			return topic, err
		}
		if !client.track(topic, ch, maxSubscriptionsPerSession) {
			_ = ch.Close()
			return topic, errors.New("subscription limit reached")
		}

		ack, err := v1.NewEnvelope(v1.TypeSubscribed, ids.MustULID(time.Now()), time.Now().UTC(), v1.SubscribePayload{Topic: topic})
		if err == nil && !g.enqueue(ctx, client, ack) {
			err = errors.New("backpressure: subscribed")
		}
		if err != nil {
			if c := client.untrack(topic, ch); c != nil {
				_ = c.Close()
			}
			return topic, err
		}

		go g.forward(ctx, client, topic, ch, shutdown)
		return topic, nil
	}

	// Repeated subscribe: confirm again.
	ack, err := v1.NewEnvelope(v1.TypeSubscribed, ids.MustULID(time.Now()), time.Now().UTC(), v1.SubscribePayload{Topic: topic})
	if err != nil {
		return topic, err
	}
	if !g.enqueue(ctx, client, ack) {
		return topic, errors.New("backpressure: subscribed")
	}
	return topic, nil
}

func (g *WSGateway) onUnsubscribe(client *Client, env v1.Envelope) error {
	var p v1.SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if ch := client.untrack(strings.TrimSpace(p.Topic), nil); ch != nil {
		_ = ch.Close()
	}
	return nil
}

// authorize allows party topics of the session's own party, and conversation
// topics of conversations the party participates in.
func (g *WSGateway) authorize(ctx context.Context, partyID string, scope v1.TopicScope) error {
	switch {
	case scope.Party != "":
		if scope.Party != partyID {
			return errTopicForbidden
		}
		return nil
	case scope.Conversation != "":
		if g.members == nil {
			return errTopicForbidden
		}
		ok, err := g.members.IsParticipant(ctx, scope.Conversation, partyID)
		if err != nil {
			return fmt.Errorf("membership: %w", err)
		}
		if !ok {
			return errTopicForbidden
		}
		return nil
	default:
		return errTopicForbidden
	}
}

// forward relays one push channel to the session.
// A session that cannot keep up is disconnected rather than silently losing events.
func (g *WSGateway) forward(ctx context.Context, client *Client, topic string, ch Channel, shutdown func(websocket.StatusCode, string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			return

		case ev := <-ch.Events():
			env, err := v1.NewEnvelope(v1.TypeEvent, ids.MustULID(time.Now()), time.Now().UTC(), ev)
			if err != nil {
				g.log.Warn("ws.event.encode.fail", "session_id", client.SessionID, "topic", topic, "err", err)
				continue
			}
			if !g.enqueue(ctx, client, env) {
				g.metrics.EventDropped()
				g.log.Warn("ws.event.drop", "session_id", client.SessionID, "topic", topic, "kind", ev.Kind)
				shutdown(websocket.StatusPolicyViolation, "slow consumer")
				return
			}

		case <-ch.Done():
			if client.untrack(topic, ch) == nil {
				// Unsubscribed by the session.
				return
			}
			err := ch.Err()
			if err == nil {
				err = errChannelEnded
			}
			_ = ch.Close()
			g.log.Error("ws.channel.fail", "session_id", client.SessionID, "topic", topic, "err", err)
			g.trySendError(ctx, client, "channel_failed", err.Error(), topic)
			return
		}
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg, topic string) {
	env, err := v1.NewEnvelope(v1.TypeError, ids.MustULID(time.Now()), time.Now().UTC(), v1.ErrorPayload{Code: code, Message: msg, Topic: topic})
	if err != nil {
		return
	}
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}
		if origin == a {
			return nil
		}
		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}
