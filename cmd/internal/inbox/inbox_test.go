package inbox

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/chat"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/realtime"
	"github.com/RUNHUB2131/runhub-link-sub000/cmd/internal/store"
)

var club = chat.Viewer{ID: "club-1", Role: chat.RoleClub}

type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type countingStore struct {
	*store.MemoryStore
	lists atomic.Int32
	// gate, when set, holds ListConversations before reading.
	gate chan struct{}
	// fetched is signalled after reading; postGate then holds the result.
	fetched  chan struct{}
	postGate chan struct{}
	delay    time.Duration
	listErr  error
}

func (s *countingStore) ListConversations(ctx context.Context, viewer chat.Viewer) ([]chat.Conversation, error) {
	s.lists.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.listErr != nil {
		return nil, s.listErr
	}
	time.Sleep(s.delay)
	convs, err := s.MemoryStore.ListConversations(ctx, viewer)
	if s.postGate != nil {
		select {
		case s.fetched <- struct{}{}:
		default:
		}
		<-s.postGate
	}
	return convs, err
}

type harness struct {
	broker  *realtime.Broker
	manager *realtime.Manager
	mem     *store.MemoryStore
	store   *countingStore
}

func newHarness(t *testing.T, convIDs ...string) *harness {
	t.Helper()

	broker := realtime.NewBroker(nil)
	clk := &tickClock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	mem := store.NewMemoryStore(store.WithMemoryPublisher(broker), store.WithMemoryClock(clk.Now))

	ctx := context.Background()
	require.NoError(t, mem.PutProfile(ctx, "club-1", chat.RoleClub, chat.Profile{Name: "FC Rovers"}))
	for _, id := range convIDs {
		require.NoError(t, mem.PutConversation(ctx, chat.Conversation{
			ID: id, ClubID: "club-1", BrandID: "brand-" + id, ApplicationID: "app-" + id,
		}))
	}

	h := &harness{
		broker:  broker,
		manager: realtime.NewManager(nil, broker),
		mem:     mem,
		store:   &countingStore{MemoryStore: mem},
	}
	t.Cleanup(func() { _ = h.manager.Close() })
	return h
}

func (h *harness) deps() Deps {
	return Deps{Store: h.store, Channels: h.manager}
}

func (h *harness) open(t *testing.T) *Aggregator {
	t.Helper()
	a, err := Open(context.Background(), h.deps(), club)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func (h *harness) send(t *testing.T, convID, senderID string) chat.Message {
	t.Helper()
	role := chat.RoleBrand
	if senderID == club.ID {
		role = chat.RoleClub
	}
	m, err := h.mem.PersistMessage(context.Background(), store.PersistInput{
		ConversationID: convID, SenderID: senderID, SenderRole: role, Content: "msg",
	})
	require.NoError(t, err)
	return m
}

func order(convs []chat.Conversation) []string {
	out := make([]string, 0, len(convs))
	for _, c := range convs {
		out = append(out, c.ID)
	}
	return out
}

func unread(convs []chat.Conversation) map[string]int {
	out := make(map[string]int, len(convs))
	for _, c := range convs {
		out[c.ID] = c.UnreadCount
	}
	return out
}

func requireSortedDesc(t *testing.T, convs []chat.Conversation) {
	t.Helper()
	for i := 1; i < len(convs); i++ {
		require.False(t, convs[i].UpdatedAt.After(convs[i-1].UpdatedAt), "list out of order at %d", i)
	}
}

// A has no unread messages, B has two; an insert in A from the other party
// bumps A's unread counter and moves it to the top.
func TestAggregator_UnreadAccumulation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "A", "B")
	ctx := context.Background()

	h.send(t, "A", "brand-A")
	_, err := h.mem.MarkRead(ctx, "A", club.ID)
	require.NoError(t, err)
	h.send(t, "B", "brand-B")
	h.send(t, "B", "brand-B")

	a := h.open(t)
	snap := a.Snapshot()
	require.Equal(t, StateReady, snap.State)
	require.Equal(t, []string{"B", "A"}, order(snap.Conversations))
	require.Equal(t, map[string]int{"A": 0, "B": 2}, unread(snap.Conversations))
	lists := h.store.lists.Load()

	m := h.send(t, "A", "brand-A")

	require.Eventually(t, func() bool {
		return order(a.Snapshot().Conversations)[0] == "A"
	}, time.Second, 5*time.Millisecond)
	snap = a.Snapshot()
	require.Equal(t, map[string]int{"A": 1, "B": 2}, unread(snap.Conversations))
	require.Equal(t, m.CreatedAt, snap.Conversations[0].UpdatedAt)

	// Applied locally, no refetch.
	require.Equal(t, lists, h.store.lists.Load())
}

func TestAggregator_InterleavedInsertsKeepOrderAndCounts(t *testing.T) {
	t.Parallel()

	convs := []string{"c1", "c2", "c3", "c4"}
	h := newHarness(t, convs...)
	a := h.open(t)

	want := map[string]int{}
	var last chat.Message
	for i := 0; i < 30; i++ {
		id := convs[(i*7)%len(convs)]
		sender := "brand-" + id
		if i%3 == 0 {
			sender = club.ID
		} else {
			want[id]++
		}
		last = h.send(t, id, sender)
	}

	require.Eventually(t, func() bool {
		snap := a.Snapshot()
		return len(snap.Conversations) == len(convs) && snap.Conversations[0].UpdatedAt.Equal(last.CreatedAt)
	}, time.Second, 5*time.Millisecond)

	snap := a.Snapshot()
	requireSortedDesc(t, snap.Conversations)
	for _, c := range snap.Conversations {
		require.Equal(t, want[c.ID], c.UnreadCount, "conversation %s", c.ID)
	}

	// The locally maintained list agrees with the store.
	fresh, err := h.mem.ListConversations(context.Background(), club)
	require.NoError(t, err)
	require.Equal(t, order(fresh), order(snap.Conversations))
	require.Equal(t, unread(fresh), unread(snap.Conversations))
}

func TestAggregator_UnknownConversationReloads(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "A")
	a := h.open(t)
	require.Len(t, a.Snapshot().Conversations, 1)

	require.NoError(t, h.mem.PutConversation(context.Background(), chat.Conversation{
		ID: "N", ClubID: "club-1", BrandID: "brand-N", ApplicationID: "app-N",
	}))
	h.send(t, "N", "brand-N")

	require.Eventually(t, func() bool {
		convs := a.Snapshot().Conversations
		return len(convs) == 2 && convs[0].ID == "N"
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, a.Snapshot().Conversations[0].UnreadCount)
}

func TestAggregator_ConversationUpdateReloads(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "A")
	h.send(t, "A", "brand-A")
	h.send(t, "A", "brand-A")

	a := h.open(t)
	require.Equal(t, 2, a.Snapshot().Conversations[0].UnreadCount)

	// Another session of the viewer reads the conversation.
	changed, err := h.mem.MarkRead(context.Background(), "A", club.ID)
	require.NoError(t, err)
	require.True(t, changed)

	require.Eventually(t, func() bool {
		return a.Snapshot().Conversations[0].UnreadCount == 0
	}, time.Second, 5*time.Millisecond)
}

func openAsync(h *harness) <-chan *Aggregator {
	opened := make(chan *Aggregator, 1)
	go func() {
		a, err := Open(context.Background(), h.deps(), club)
		if err == nil {
			opened <- a
		}
		close(opened)
	}()
	return opened
}

func awaitOpen(t *testing.T, opened <-chan *Aggregator) *Aggregator {
	t.Helper()
	select {
	case a, ok := <-opened:
		require.True(t, ok, "open failed")
		t.Cleanup(a.Close)
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("open did not return")
		return nil
	}
}

// An insert racing the initial load is counted exactly once, whether or not
// the fetched list already reflects it, and without another fetch.
func TestAggregator_InsertsDuringLoadAreReplayed(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name       string
		afterFetch bool
	}{
		{name: "insert before the list is read"},
		{name: "insert after the list is read", afterFetch: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, "A")
			release := make(chan struct{})
			if tc.afterFetch {
				h.store.fetched = make(chan struct{}, 1)
				h.store.postGate = release
			} else {
				h.store.gate = release
			}

			opened := openAsync(h)
			if tc.afterFetch {
				<-h.store.fetched
			} else {
				require.Eventually(t, func() bool { return h.store.lists.Load() == 1 }, time.Second, 5*time.Millisecond)
			}

			// Listeners run in subscription order, so once this one sees the
			// insert the aggregator has buffered it too.
			seen := make(chan struct{}, 1)
			tap, err := h.manager.SubscribeToAllMessageInserts(context.Background(), club.ID, func(chat.Message) {
				seen <- struct{}{}
			})
			require.NoError(t, err)
			defer tap.Close()

			m := h.send(t, "A", "brand-A")
			select {
			case <-seen:
			case <-time.After(time.Second):
				t.Fatal("insert not delivered")
			}

			close(release)
			a := awaitOpen(t, opened)

			snap := a.Snapshot()
			require.Equal(t, StateReady, snap.State)
			require.False(t, snap.Loading)
			require.Len(t, snap.Conversations, 1)
			require.Equal(t, 1, snap.Conversations[0].UnreadCount)
			require.Equal(t, m.CreatedAt, snap.Conversations[0].UpdatedAt)
			require.Equal(t, int32(1), h.store.lists.Load())
		})
	}
}

func TestAggregator_UpdateDuringLoadRunsOneFollowUp(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "A")
	h.send(t, "A", "brand-A")
	h.send(t, "A", "brand-A")
	h.store.fetched = make(chan struct{}, 1)
	release := make(chan struct{})
	h.store.postGate = release

	opened := openAsync(h)
	<-h.store.fetched

	seen := make(chan struct{}, 1)
	tap, err := h.manager.SubscribeToConversationUpdates(context.Background(), club.ID, func(chat.Conversation) {
		seen <- struct{}{}
	})
	require.NoError(t, err)
	defer tap.Close()

	changed, err := h.mem.MarkRead(context.Background(), "A", club.ID)
	require.NoError(t, err)
	require.True(t, changed)
	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatal("update not delivered")
	}

	close(release)
	a := awaitOpen(t, opened)

	// The stale list is shown first, then corrected by exactly one refetch.
	require.Eventually(t, func() bool {
		snap := a.Snapshot()
		return !snap.Loading && snap.Conversations[0].UnreadCount == 0
	}, time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return h.store.lists.Load() > 2 }, 100*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, int32(2), h.store.lists.Load())
}

// A steady stream of inserts slower to arrive than one list fetch must not keep
// the aggregator from becoming Ready.
func TestAggregator_SteadyInsertsDuringSlowLoad(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "A", "B")
	h.store.delay = 30 * time.Millisecond
	ctx := context.Background()

	stop := make(chan struct{})
	streamErr := make(chan error, 1)
	go func() {
		tick := time.NewTicker(5 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				streamErr <- nil
				return
			case <-tick.C:
				_, err := h.mem.PersistMessage(ctx, store.PersistInput{
					ConversationID: "B", SenderID: "brand-B", SenderRole: chat.RoleBrand, Content: "tick",
				})
				if err != nil {
					streamErr <- err
					return
				}
			}
		}
	}()

	opened := openAsync(h)
	var a *Aggregator
	select {
	case got, ok := <-opened:
		if !ok {
			close(stop)
			t.Fatal("open failed")
		}
		a = got
		t.Cleanup(a.Close)
	case <-time.After(time.Second):
		close(stop)
		t.Fatalf("open blocked under steady inserts; %d list fetches", h.store.lists.Load())
	}
	require.Equal(t, StateReady, a.Snapshot().State)

	time.Sleep(50 * time.Millisecond)
	close(stop)
	require.NoError(t, <-streamErr)

	require.Eventually(t, func() bool {
		fresh, err := h.mem.ListConversations(ctx, club)
		if err != nil {
			return false
		}
		snap := a.Snapshot()
		return slices.Equal(order(fresh), order(snap.Conversations)) &&
			maps.Equal(unread(fresh), unread(snap.Conversations))
	}, time.Second, 5*time.Millisecond)

	// Inserts into known conversations never refetch.
	require.Equal(t, int32(1), h.store.lists.Load())
}

func TestAggregator_LoadFailureAndManualReload(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "A")
	h.store.listErr = chat.NewStoreError("list_conversations", errors.New("timeout"))

	a := h.open(t)
	snap := a.Snapshot()
	require.Equal(t, StateReady, snap.State)
	require.Empty(t, snap.Conversations)
	require.ErrorIs(t, snap.LoadErr, chat.ErrStore)

	h.store.listErr = nil
	require.NoError(t, a.Reload(context.Background()))
	snap = a.Snapshot()
	require.NoError(t, snap.LoadErr)
	require.Len(t, snap.Conversations, 1)
}

func TestAggregator_CloseUnsubscribes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "A")
	a := h.open(t)
	require.Equal(t, 2, h.manager.Channels())

	a.Close()
	a.Close()
	require.Equal(t, 0, h.manager.Channels())
	require.Equal(t, StateClosed, a.Snapshot().State)
	require.ErrorIs(t, a.Reload(context.Background()), ErrClosed)
}

func TestOpen_ValidatesArguments(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := Open(context.Background(), Deps{}, club)
	require.Error(t, err)
	_, err = Open(context.Background(), h.deps(), chat.Viewer{ID: "club-1"})
	require.Error(t, err)
}
