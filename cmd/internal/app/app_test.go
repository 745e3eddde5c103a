package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/chat"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/realtime"
)

func testConfig() Config {
	return Config{
		NotifyMode:       NotifyNop,
		WSOriginRequired: true,
		WSAllowedOrigins: []string{"http://localhost", "http://127.0.0.1"},
		WSPartyHeader:    "X-Party-ID",
	}
}

func startTestApp(t *testing.T, cfg Config) (*App, *httptest.Server) {
	t.Helper()

	a, err := New(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	return a, srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestApp_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	_, srv := startTestApp(t, testConfig())

	code, body := get(t, srv.URL+"/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok\n", body)

	code, _ = get(t, srv.URL+"/readyz")
	require.Equal(t, http.StatusOK, code)

	code, body = get(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "runhub_realtime_channels_open")
	require.Contains(t, body, "go_goroutines")
}

func TestApp_ReadinessRequiresDB(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.ReadinessRequireDB = true
	_, srv := startTestApp(t, cfg)

	code, _ := get(t, srv.URL+"/readyz")
	require.Equal(t, http.StatusServiceUnavailable, code)
}

func TestApp_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.NotifyMode = NotifyPostgres
	_, err := New(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.Error(t, err)
}

func TestApp_WSRequiresPartyHeader(t *testing.T) {
	t.Parallel()

	_, srv := startTestApp(t, testConfig())

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/ws", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://127.0.0.1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

// A brand sends through a local session; a club following the gateway
// remotely receives the insert, and the club's inbox counts it unread.
func TestApp_EndToEnd(t *testing.T) {
	t.Parallel()

	a, srv := startTestApp(t, testConfig())
	rt := a.Runtime()
	ctx := context.Background()

	require.NoError(t, rt.Seeder.PutProfile(ctx, "club-1", chat.RoleClub, chat.Profile{Name: "FC Rovers"}))
	require.NoError(t, rt.Seeder.PutProfile(ctx, "brand-1", chat.RoleBrand, chat.Profile{Name: "Acme"}))
	require.NoError(t, rt.Seeder.PutConversation(ctx, chat.Conversation{
		ID: "conv-1", ClubID: "club-1", BrandID: "brand-1", ApplicationID: "app-1",
	}))

	club := chat.Viewer{ID: "club-1", Role: chat.RoleClub}
	agg, err := rt.OpenInbox(ctx, club)
	require.NoError(t, err)
	defer agg.Close()
	require.Len(t, agg.Snapshot().Conversations, 1)

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := realtime.DialWS(dialCtx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", realtime.WSDialOptions{
		PartyID: "club-1",
		Header:  http.Header{"Origin": {"http://127.0.0.1"}, "X-Party-Id": {"club-1"}},
	})
	require.NoError(t, err)
	defer client.Close()

	remote := realtime.NewManager(nil, client)
	defer remote.Close()
	got := make(chan chat.Message, 4)
	h, err := remote.SubscribeToConversation(ctx, "conv-1", func(m chat.Message) { got <- m })
	require.NoError(t, err)
	defer h.Close()

	brand, err := rt.OpenSession(ctx, chat.Viewer{ID: "brand-1", Role: chat.RoleBrand}, "conv-1")
	require.NoError(t, err)
	defer brand.Close()

	sent, err := brand.Send(ctx, "  welcome aboard  ")
	require.NoError(t, err)
	require.Equal(t, "welcome aboard", sent.Content)

	select {
	case m := <-got:
		require.Equal(t, sent.ID, m.ID)
		require.Equal(t, "brand-1", m.SenderID)
	case <-time.After(5 * time.Second):
		t.Fatal("remote listener did not receive the insert")
	}

	require.Eventually(t, func() bool {
		convs := agg.Snapshot().Conversations
		return len(convs) == 1 && convs[0].UnreadCount == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCLI_MigratePrint(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	app := NewCLI()
	app.Writer = &out
	require.NoError(t, app.Run([]string{"runhub", "--env-file", "does-not-exist.env", "migrate", "--print", "--schema", "chat"}))
	require.Contains(t, out.String(), `"chat"`)
}

func TestParseViewer(t *testing.T) {
	t.Parallel()

	v, err := parseViewer("Brand:brand-9")
	require.NoError(t, err)
	require.Equal(t, chat.Viewer{ID: "brand-9", Role: chat.RoleBrand}, v)

	for _, bad := range []string{"", "club", "club:", "coach:c1"} {
		_, err := parseViewer(bad)
		require.Error(t, err, bad)
	}
}

func TestPrintInbox(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	ts := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	printInbox(&out, chat.Viewer{ID: "club-1", Role: chat.RoleClub}, []chat.Conversation{
		{ID: "conv-1", ClubID: "club-1", BrandID: "brand-1", Brand: chat.Profile{Name: "Acme"}, UnreadCount: 2, UpdatedAt: ts},
		{ID: "conv-2", ClubID: "club-1", BrandID: "brand-2", UpdatedAt: ts},
	})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "-- 2 conversations", lines[0])
	require.Contains(t, lines[1], "Acme")
	require.Contains(t, lines[1], "unread=2")
	require.Contains(t, lines[2], "brand-2")
}
