package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/chat"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/store"
	v1 "github.com/RUNHUB2131/runhub-link-sub000/shared/contracts/push/v1"
)

func startWSTestServer(t *testing.T, cfg WSGatewayConfig, opts ...WSGatewayOption) (*Broker, string) {
	t.Helper()

	b := NewBroker(nil)
	st := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, st.PutConversation(ctx, chat.Conversation{
		ID: "conv-1", ClubID: "club-1", BrandID: "brand-1", ApplicationID: "app-1",
	}))

	gw, err := NewWSGateway(nil, b, cfg, append([]WSGatewayOption{WithMembership(st)}, opts...)...)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return b, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func openOriginConfig() WSGatewayConfig {
	cfg := DefaultWSGatewayConfig()
	cfg.OriginRequired = false
	return cfg
}

func mustDialWS(t *testing.T, url string, opts WSDialOptions) *WSClient {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := DialWS(ctx, url, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func dialRawWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()

	env, err := v1.NewEnvelope(typ, "test-"+typ, time.Now().UTC(), payload)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, writeEnvelope(ctx, conn, env, 5*time.Second))
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		env, err := readEnvelope(ctx, conn)
		cancel()
		require.NoError(t, err)
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func TestWSGateway_EndToEndThroughManager(t *testing.T) {
	t.Parallel()

	b, url := startWSTestServer(t, openOriginConfig())
	client := mustDialWS(t, url, WSDialOptions{PartyID: "club-1"})
	require.NotEmpty(t, client.SessionID)

	m := NewManager(nil, client)
	ctx := context.Background()

	var msgs collector[chat.Message]
	var convs collector[chat.Conversation]

	h1, err := m.SubscribeToConversation(ctx, "conv-1", msgs.add)
	require.NoError(t, err)
	h2, err := m.SubscribeToConversationUpdates(ctx, "club-1", convs.add)
	require.NoError(t, err)
	require.Equal(t, StateActive, h1.State())
	require.Equal(t, StateActive, h2.State())

	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	topic := v1.ConversationMessagesTopic("conv-1")
	require.NoError(t, b.Publish(ctx, topic, messageEvent(t, topic, testMessage("m1", "conv-1", "brand-1", now))))

	ctopic := v1.PartyConversationsTopic("club-1")
	require.NoError(t, b.Publish(ctx, ctopic, conversationEvent(t, ctopic, chat.Conversation{
		ID: "conv-1", ClubID: "club-1", BrandID: "brand-1", UpdatedAt: now,
	})))

	require.Eventually(t, func() bool { return msgs.len() == 1 && convs.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "m1", msgs.snapshot()[0].ID)

	h1.Close()
	require.Eventually(t, func() bool { return b.Subscribers(topic) == 0 }, 2*time.Second, 10*time.Millisecond)
	h2.Close()
}

func TestWSGateway_RejectsForeignTopics(t *testing.T) {
	t.Parallel()

	_, url := startWSTestServer(t, openOriginConfig())
	client := mustDialWS(t, url, WSDialOptions{PartyID: "brand-2"})
	ctx := context.Background()

	_, err := client.Open(ctx, v1.ConversationMessagesTopic("conv-1"))
	require.ErrorContains(t, err, "forbidden")

	_, err = client.Open(ctx, v1.PartyMessagesTopic("club-1"))
	require.ErrorContains(t, err, "forbidden")

	ch, err := client.Open(ctx, v1.PartyMessagesTopic("brand-2"))
	require.NoError(t, err)
	require.NoError(t, ch.Close())
}

func TestWSGateway_SubscribeRequiresHello(t *testing.T) {
	t.Parallel()

	_, url := startWSTestServer(t, openOriginConfig())
	conn := dialRawWS(t, url)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, conn, v1.TypeSubscribe, v1.SubscribePayload{Topic: v1.PartyMessagesTopic("club-1")})

	env := readUntilType(t, conn, v1.TypeError, 3)
	var p v1.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.Equal(t, "hello_required", p.Code)
	require.Equal(t, v1.PartyMessagesTopic("club-1"), p.Topic)
}

func TestWSGateway_RejectsUnknownEnvelope(t *testing.T) {
	t.Parallel()

	_, url := startWSTestServer(t, openOriginConfig())
	conn := dialRawWS(t, url)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, conn, "message.send", map[string]string{"text": "hi"})

	env := readUntilType(t, conn, v1.TypeError, 3)
	var p v1.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.Equal(t, "bad_envelope", p.Code)
}

func TestWSGateway_OriginPolicy(t *testing.T) {
	t.Parallel()

	_, url := startWSTestServer(t, DefaultWSGatewayConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := DialWS(ctx, url, WSDialOptions{PartyID: "club-1"})
	require.Error(t, err, "missing origin must be rejected")

	h := http.Header{}
	h.Set("Origin", "https://evil.example")
	_, err = DialWS(ctx, url, WSDialOptions{PartyID: "club-1", Header: h})
	require.Error(t, err)

	h.Set("Origin", "http://127.0.0.1")
	c, err := DialWS(ctx, url, WSDialOptions{PartyID: "club-1", Header: h})
	require.NoError(t, err)
	require.NoError(t, c.Close())
}

func TestWSGateway_Authenticator(t *testing.T) {
	t.Parallel()

	auth := func(r *http.Request) (string, error) {
		if r.Header.Get("Authorization") != "Bearer club-token" {
			return "", errors.New("bad token")
		}
		return "club-1", nil
	}
	_, url := startWSTestServer(t, openOriginConfig(), WithAuthenticator(auth))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := DialWS(ctx, url, WSDialOptions{PartyID: "club-1"})
	require.Error(t, err)

	h := http.Header{}
	h.Set("Authorization", "Bearer club-token")

	// Claiming another party than the credentials is refused at hello.
	_, err = DialWS(ctx, url, WSDialOptions{PartyID: "brand-1", Header: h})
	require.Error(t, err)

	client := mustDialWS(t, url, WSDialOptions{Header: h})
	ch, err := client.Open(ctx, v1.PartyMessagesTopic("club-1"))
	require.NoError(t, err)
	require.NoError(t, ch.Close())
}

func TestWSClient_GatewayChannelFailurePropagates(t *testing.T) {
	t.Parallel()

	b, url := startWSTestServer(t, openOriginConfig())
	client := mustDialWS(t, url, WSDialOptions{PartyID: "club-1"})
	m := NewManager(nil, client)

	h, err := m.SubscribeToAllMessageInserts(context.Background(), "club-1", func(chat.Message) {})
	require.NoError(t, err)

	require.NoError(t, b.Close())

	require.Eventually(t, func() bool { return h.State() == StateFailed }, 2*time.Second, 10*time.Millisecond)
	require.ErrorContains(t, h.Err(), "channel_failed")
}

func TestWSClient_CloseFailsEveryChannel(t *testing.T) {
	t.Parallel()

	_, url := startWSTestServer(t, openOriginConfig())
	client := mustDialWS(t, url, WSDialOptions{PartyID: "club-1"})
	m := NewManager(nil, client)
	ctx := context.Background()

	h1, err := m.SubscribeToAllMessageInserts(ctx, "club-1", func(chat.Message) {})
	require.NoError(t, err)
	h2, err := m.SubscribeToConversation(ctx, "conv-1", func(chat.Message) {})
	require.NoError(t, err)

	require.NoError(t, client.Close())

	require.Eventually(t, func() bool {
		return h1.State() == StateFailed && h2.State() == StateFailed
	}, 2*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, h1.Err(), ErrWSClientClosed)

	_, err = client.Open(ctx, v1.PartyConversationsTopic("club-1"))
	require.ErrorIs(t, err, ErrWSClientClosed)
}
