package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"ranksync/internal/cache"
	"ranksync/internal/model"
	"ranksync/internal/service"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingProcessor struct {
	mu       sync.Mutex
	calls    []Event
	failures int
}

func (p *recordingProcessor) ProcessRankUpdate(ctx context.Context, username, rank, purchaseID string) (service.Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Event{Username: username, Rank: rank, PurchaseID: purchaseID})
	if p.failures > 0 {
		p.failures--
		return service.Outcome{}, errors.New("ledger down")
	}
	return service.Outcome{Status: model.PurchaseQueued}, nil
}

func (p *recordingProcessor) snapshot() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.calls...)
}

func TestEventValidate(t *testing.T) {
	assert.NoError(t, Event{Username: "Alice", Rank: "VIP", PurchaseID: "p-1"}.Validate())
	assert.ErrorIs(t, Event{Username: "Alice", Rank: "VIP"}.Validate(), model.ErrMalformedWebhookPayload)
	assert.ErrorIs(t, Event{Username: "Al ice", Rank: "VIP", PurchaseID: "p-1"}.Validate(), model.ErrMalformedWebhookPayload)
}

func TestDeliverSkipsDuplicatesWithinTTL(t *testing.T) {
	proc := &recordingProcessor{}
	dedup := cache.NewMemoryClaimer()
	defer dedup.Close()
	d := deliverer{processor: proc, dedup: dedup, ttl: time.Minute, logger: zap.NewNop()}

	ev := Event{Username: "Alice", Rank: "VIP", PurchaseID: "p-1"}
	require.NoError(t, d.deliver(context.Background(), ev))
	require.NoError(t, d.deliver(context.Background(), ev))
	assert.Len(t, proc.snapshot(), 1)

	// Applied inserts and malformed events are not processed.
	require.NoError(t, d.deliver(context.Background(), Event{Username: "Bob", Rank: "VIP", PurchaseID: "p-2", Status: model.RankUpdateApplied}))
	require.NoError(t, d.deliver(context.Background(), Event{Username: "Bob"}))
	assert.Len(t, proc.snapshot(), 1)
}

func TestDeliverReleasesClaimOnFailure(t *testing.T) {
	proc := &recordingProcessor{failures: 1}
	dedup := cache.NewMemoryClaimer()
	defer dedup.Close()
	d := deliverer{processor: proc, dedup: dedup, ttl: time.Minute, logger: zap.NewNop()}

	ev := Event{Username: "Alice", Rank: "VIP", PurchaseID: "p-1"}
	require.Error(t, d.deliver(context.Background(), ev))
	require.NoError(t, d.deliver(context.Background(), ev))
	assert.Len(t, proc.snapshot(), 2)
}

func newStreamFixture(t *testing.T, proc *recordingProcessor) (*redis.Client, *StreamSubscriber) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	sub := NewStreamSubscriber(client, proc, cache.NewRedisClaimer(client, "ranksync"), StreamConfig{
		Stream:     "ranksync:rank_updates",
		Group:      "ranksync",
		Consumer:   "coordinator-1",
		Block:      20 * time.Millisecond,
		RetryDelay: 20 * time.Millisecond,
	}, zap.NewNop())
	return client, sub
}

func runInBackground(t *testing.T, run func(ctx context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("subscriber did not stop")
		}
	})
}

func pendingCount(ctx context.Context, client *redis.Client) int {
	pending, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: "ranksync:rank_updates",
		Group:  "ranksync",
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0
	}
	if err != nil {
		return -1
	}
	return len(pending)
}

func TestStreamSubscriberProcessesAndAcks(t *testing.T) {
	proc := &recordingProcessor{}
	client, sub := newStreamFixture(t, proc)
	ctx := context.Background()

	_, err := Publish(ctx, client, "ranksync:rank_updates", Event{Username: "Alice", Rank: "VIP", PurchaseID: "p-1"})
	require.NoError(t, err)
	_, err = Publish(ctx, client, "ranksync:rank_updates", Event{Username: "Alice", Rank: "VIP", PurchaseID: "p-1"})
	require.NoError(t, err)

	runInBackground(t, sub.Run)

	_, err = Publish(ctx, client, "ranksync:rank_updates", Event{Username: "Bob", Rank: "MVP", PurchaseID: "p-2"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(proc.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []Event{
		{Username: "Alice", Rank: "VIP", PurchaseID: "p-1"},
		{Username: "Bob", Rank: "MVP", PurchaseID: "p-2"},
	}, proc.snapshot())

	require.Eventually(t, func() bool {
		return pendingCount(ctx, client) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamSubscriberRetriesUnackedEntries(t *testing.T) {
	proc := &recordingProcessor{failures: 1}
	client, sub := newStreamFixture(t, proc)
	ctx := context.Background()

	runInBackground(t, sub.Run)

	_, err := Publish(ctx, client, "ranksync:rank_updates", Event{Username: "Alice", Rank: "VIP", PurchaseID: "p-1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(proc.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return pendingCount(ctx, client) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketURL(t *testing.T) {
	u, err := websocketURL("https://abc.supabase.co/", "anon")
	require.NoError(t, err)
	assert.Equal(t, "wss://abc.supabase.co/realtime/v1/websocket?apikey=anon&vsn=1.0.0", u)

	_, err = websocketURL("ftp://abc", "anon")
	assert.Error(t, err)
}

func TestSupabaseSubscriberHandlesInserts(t *testing.T) {
	joined := make(chan phxMessage, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/realtime/v1/websocket", r.URL.Path)
		assert.Equal(t, "anon", r.URL.Query().Get("apikey"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		var join phxMessage
		if !assert.NoError(t, conn.ReadJSON(&join)) {
			return
		}
		joined <- join

		frames := []string{
			`{"topic":"realtime:public:rank_updates","event":"phx_reply","payload":{"status":"ok"},"ref":"1"}`,
			`{"topic":"realtime:public:rank_updates","event":"postgres_changes","payload":{"data":{"type":"INSERT","record":{"username":"Alice","rank":"VIP","purchase_id":"p-1","status":"pending"}}}}`,
			`{"topic":"realtime:public:rank_updates","event":"postgres_changes","payload":{"data":{"type":"INSERT","record":{"username":"Alice","rank":"VIP","purchase_id":"p-1","status":"pending"}}}}`,
			`{"topic":"realtime:public:rank_updates","event":"INSERT","payload":{"type":"INSERT","record":{"username":"Bob","rank":"MVP","purchase_id":"p-2"}}}`,
			`{"topic":"realtime:public:rank_updates","event":"postgres_changes","payload":{"data":{"type":"UPDATE","record":{"username":"Carol","rank":"MVP","purchase_id":"p-3"}}}}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Hold the socket open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	proc := &recordingProcessor{}
	dedup := cache.NewMemoryClaimer()
	defer dedup.Close()

	sub, err := NewSupabaseSubscriber(proc, dedup, SupabaseConfig{URL: srv.URL, Key: "anon", Heartbeat: 20 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)
	runInBackground(t, sub.Run)

	select {
	case join := <-joined:
		assert.Equal(t, rankUpdatesTopic, join.Topic)
		assert.Equal(t, "phx_join", join.Event)
		assert.Contains(t, string(join.Payload), `"table":"rank_updates"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no join received")
	}

	require.Eventually(t, func() bool { return len(proc.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []Event{
		{Username: "Alice", Rank: "VIP", PurchaseID: "p-1"},
		{Username: "Bob", Rank: "MVP", PurchaseID: "p-2"},
	}, proc.snapshot())
}
