package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"ranksync/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingApplier struct {
	mu    sync.Mutex
	calls []Command
	fail  map[string]error
}

func (a *recordingApplier) Apply(ctx context.Context, username, rankName string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, Command{Username: username, Rank: rankName})
	if err, ok := a.fail[rankName]; ok {
		return err
	}
	return nil
}

func (a *recordingApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand("ranksync apply Alice VIP p-100")
	require.NoError(t, err)
	assert.Equal(t, Command{Username: "Alice", Rank: "VIP", PurchaseID: "p-100"}, cmd)
	assert.Equal(t, "ranksync apply Alice VIP p-100", cmd.String())

	for _, payload := range []string{
		"ranksync apply onlyuser",
		"ranksync apply Alice VIP",
		"ranksync remove Alice VIP p-1",
		"other apply Alice VIP p-1",
		"",
		"ranksync apply Alice  p-1 x",
	} {
		_, err := ParseCommand(payload)
		assert.ErrorIs(t, err, model.ErrMalformedCommand, payload)
	}
}

func TestAckWireFormat(t *testing.T) {
	ok := Ack{PurchaseID: "p-1"}
	assert.Equal(t, "ranksync ack p-1 ok", ok.String())

	failed := Ack{PurchaseID: "p-2", Err: fmt.Errorf("apply: %w", model.ErrRankNotFound), Message: "LEGEND:  rank not found"}
	assert.Equal(t, "ranksync ack p-2 error rank_not_found LEGEND: rank not found", failed.String())

	parsed, err := ParseAck(failed.String())
	require.NoError(t, err)
	assert.Equal(t, "p-2", parsed.PurchaseID)
	assert.ErrorIs(t, parsed.Err, model.ErrRankNotFound)
	assert.Equal(t, "LEGEND: rank not found", parsed.Message)

	parsed, err = ParseAck(ok.String())
	require.NoError(t, err)
	assert.NoError(t, parsed.Err)

	_, err = ParseAck("ranksync ack p-3")
	assert.Error(t, err)
	_, err = ParseAck("ranksync ack p-3 error")
	assert.Error(t, err)
}

func TestReceiverDropsMalformedCommand(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	applier := &recordingApplier{}
	r := NewReceiver(client, applier, ReceiverConfig{Server: "lobby"}, zap.NewNop())

	assert.NotPanics(t, func() {
		assert.False(t, r.Handle("ranksync apply onlyuser"))
	})
	assert.Empty(t, r.jobs)
	assert.Zero(t, applier.count())
}

func startReceiver(t *testing.T, client *redis.Client, applier RankApplier, server string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	r := NewReceiver(client, applier, ReceiverConfig{Server: server, Workers: 2}, zap.NewNop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		subs, err := client.PubSubNumSub(context.Background(), CommandChannel(server)).Result()
		return err == nil && subs[CommandChannel(server)] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	applier := &recordingApplier{fail: map[string]error{
		"LEGEND": fmt.Errorf("LEGEND: %w", model.ErrRankNotFound),
	}}
	startReceiver(t, client, applier, "survival")

	d := NewDispatcher(client, 2*time.Second, zap.NewNop())
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	alice := model.Presence{Username: "Alice", Identity: uuid.New(), Server: "survival"}
	require.NoError(t, d.Dispatch(context.Background(), alice, "VIP", "p-100"))

	err := d.Dispatch(context.Background(), alice, "LEGEND", "p-101")
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrRankNotFound)

	assert.Equal(t, 2, applier.count())
	assert.Equal(t, Command{Username: "Alice", Rank: "VIP"}, applier.calls[0])
}

func TestDispatchWithoutReceiver(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	d := NewDispatcher(client, time.Second, zap.NewNop())
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	err := d.Dispatch(context.Background(), model.Presence{Username: "Bob", Server: "gone"}, "VIP", "p-1")
	assert.ErrorIs(t, err, model.ErrBackendUnavailable)
}

func TestDispatchTimesOutWithoutAck(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	// A silent subscriber: receives commands but never acknowledges.
	silent := client.Subscribe(context.Background(), CommandChannel("stuck"))
	defer silent.Close()
	_, err := silent.Receive(context.Background())
	require.NoError(t, err)

	d := NewDispatcher(client, 100*time.Millisecond, zap.NewNop())
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	start := time.Now()
	err = d.Dispatch(context.Background(), model.Presence{Username: "Bob", Server: "stuck"}, "VIP", "p-1")
	assert.ErrorIs(t, err, model.ErrBackendUnavailable)
	assert.Less(t, time.Since(start), time.Second)

	d.mu.Lock()
	assert.Empty(t, d.waiters)
	d.mu.Unlock()
}

func TestDispatchRejectsUnencodableFields(t *testing.T) {
	d := NewDispatcher(nil, time.Second, zap.NewNop())
	err := d.Dispatch(context.Background(), model.Presence{Username: "Bad Name", Server: "lobby"}, "VIP", "p-1")
	assert.True(t, errors.Is(err, model.ErrMalformedCommand))
}

type stubApplier struct {
	err   error
	calls []string
}

func (a *stubApplier) Apply(ctx context.Context, username, rankName string) error {
	a.calls = append(a.calls, username+":"+rankName)
	return a.err
}

func TestLocalDispatcher(t *testing.T) {
	applier := &stubApplier{}
	d := NewLocalDispatcher("lobby", applier, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, model.Presence{Username: "Steve", Server: "lobby"}, "VIP", "p-1"))
	assert.Equal(t, []string{"Steve:VIP"}, applier.calls)

	err := d.Dispatch(ctx, model.Presence{Username: "Steve", Server: "survival"}, "VIP", "p-2")
	assert.ErrorIs(t, err, model.ErrBackendUnavailable)
	assert.Len(t, applier.calls, 1)

	applier.err = fmt.Errorf("group mvp: %w", model.ErrRankNotFound)
	assert.ErrorIs(t, d.Dispatch(ctx, model.Presence{Username: "Steve", Server: "lobby"}, "MVP", "p-3"), model.ErrRankNotFound)

	applier.err = errors.New("luckperms returned 502")
	err = d.Dispatch(ctx, model.Presence{Username: "Steve", Server: "lobby"}, "MVP", "p-4")
	assert.ErrorIs(t, err, model.ErrBackendUnavailable)
	assert.Contains(t, err.Error(), "502")
}
