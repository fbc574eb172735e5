package bus

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func mustOpen(t *testing.T, path string) *Bus {
	t.Helper()
	b, err := New(path, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func recv(t *testing.T, ch <-chan Message, timeout time.Duration) Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		require.True(t, ok, "channel closed without a message")
		return m
	case <-time.After(timeout):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func noMore(t *testing.T, ch <-chan Message, wait time.Duration) {
	t.Helper()
	select {
	case m, ok := <-ch:
		if ok {
			t.Fatalf("unexpected message delivered: %+v", m)
		}
	case <-time.After(wait):
	}
}

// Property 3: priority ordering, (-priority, created_at).
func TestPriorityOrdering(t *testing.T) {
	b := mustOpen(t, ":memory:")
	ctx := context.Background()

	_, err := b.Publish(ctx, "q", map[string]any{"n": "low"}, 1, "")
	require.NoError(t, err)
	_, err = b.Publish(ctx, "q", map[string]any{"n": "high"}, 5, "")
	require.NoError(t, err)
	_, err = b.Publish(ctx, "q", map[string]any{"n": "mid"}, 3, "")
	require.NoError(t, err)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := b.Subscribe(subCtx, "q")
	require.NoError(t, err)

	require.Equal(t, "high", recv(t, ch, time.Second).Payload["n"])
	require.Equal(t, "mid", recv(t, ch, time.Second).Payload["n"])
	require.Equal(t, "low", recv(t, ch, time.Second).Payload["n"])
}

// Property 1 & 2: durability and at-least-once delivery until acked.
func TestDurabilityAcrossRestart(t *testing.T) {
	dir := t.TempDir() + "/bus.db"
	b1, err := New(dir, nil, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	id, err := b1.Publish(ctx, "q", map[string]any{"n": 1}, 0, "")
	require.NoError(t, err)
	require.NoError(t, b1.Close())

	b2, err := New(dir, nil, testLogger())
	require.NoError(t, err)
	defer b2.Close()

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := b2.Subscribe(subCtx, "q")
	require.NoError(t, err)
	m := recv(t, ch, time.Second)
	require.Equal(t, id, m.ID)

	require.NoError(t, b2.Ack(ctx, id))

	cancel()
	time.Sleep(20 * time.Millisecond)

	subCtx2, cancel2 := context.WithCancel(ctx)
	defer cancel2()
	ch2, err := b2.Subscribe(subCtx2, "q")
	require.NoError(t, err)
	noMore(t, ch2, 100*time.Millisecond)
}

// Property 10: idempotent ack.
func TestIdempotentAck(t *testing.T) {
	b := mustOpen(t, ":memory:")
	ctx := context.Background()

	id, err := b.Publish(ctx, "q", map[string]any{}, 0, "")
	require.NoError(t, err)

	require.NoError(t, b.Ack(ctx, id))
	require.NoError(t, b.Ack(ctx, id))
}

// Boundary: ack on unknown id is a no-op, not an error.
func TestAckUnknownID(t *testing.T) {
	b := mustOpen(t, ":memory:")
	require.NoError(t, b.Ack(context.Background(), 99999))
}

// Property 9: correlation completeness via by_correlation.
func TestByCorrelation(t *testing.T) {
	b := mustOpen(t, ":memory:")
	ctx := context.Background()

	_, err := b.Publish(ctx, "improvement_queue", map[string]any{"stage": "witness"}, 0, "corr-1")
	require.NoError(t, err)
	_, err = b.Publish(ctx, "execution_queue", map[string]any{"stage": "architect"}, 0, "corr-1")
	require.NoError(t, err)
	_, err = b.Publish(ctx, "telemetry_stream", map[string]any{"stage": "other"}, 0, "corr-2")
	require.NoError(t, err)

	msgs, err := b.ByCorrelation(ctx, "corr-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "witness", msgs[0].Payload["stage"])
	require.Equal(t, "architect", msgs[1].Payload["stage"])
}

// S5 — Cross-restart durability scenario, literal from the spec.
func TestScenarioS5CrossRestartDurability(t *testing.T) {
	dir := t.TempDir() + "/bus.db"
	ctx := context.Background()

	b1, err := New(dir, nil, testLogger())
	require.NoError(t, err)
	idA, err := b1.Publish(ctx, "q", map[string]any{"n": "A"}, 1, "")
	require.NoError(t, err)
	idB, err := b1.Publish(ctx, "q", map[string]any{"n": "B"}, 5, "")
	require.NoError(t, err)
	require.NoError(t, b1.Close())

	b2, err := New(dir, nil, testLogger())
	require.NoError(t, err)

	subCtx, cancel := context.WithCancel(ctx)
	ch, err := b2.Subscribe(subCtx, "q")
	require.NoError(t, err)

	first := recv(t, ch, time.Second)
	require.Equal(t, idB, first.ID)
	second := recv(t, ch, time.Second)
	require.Equal(t, idA, second.ID)

	require.NoError(t, b2.Ack(ctx, idB))
	cancel()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b2.Close())

	b3, err := New(dir, nil, testLogger())
	require.NoError(t, err)
	defer b3.Close()

	subCtx2, cancel2 := context.WithCancel(ctx)
	defer cancel2()
	ch2, err := b3.Subscribe(subCtx2, "q")
	require.NoError(t, err)

	only := recv(t, ch2, time.Second)
	require.Equal(t, idA, only.ID)
	noMore(t, ch2, 100*time.Millisecond)
}

func TestPendingCountAndStats(t *testing.T) {
	b := mustOpen(t, ":memory:")
	ctx := context.Background()

	id1, err := b.Publish(ctx, "q", map[string]any{}, 0, "")
	require.NoError(t, err)
	_, err = b.Publish(ctx, "q", map[string]any{}, 0, "")
	require.NoError(t, err)

	n, err := b.PendingCount(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.NoError(t, b.Ack(ctx, id1))

	stats, err := b.QueueStats(ctx, "q")
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
	require.Equal(t, 1, stats.Processed)
}

// Property: global Stats aggregates totals, by_status, by_queue, and
// active_subscribers across every queue, not just one.
func TestGlobalStats(t *testing.T) {
	b := mustOpen(t, ":memory:")
	ctx := context.Background()

	idA, err := b.Publish(ctx, "improvement_queue", map[string]any{}, 0, "")
	require.NoError(t, err)
	_, err = b.Publish(ctx, "improvement_queue", map[string]any{}, 0, "")
	require.NoError(t, err)
	_, err = b.Publish(ctx, "execution_queue", map[string]any{}, 0, "")
	require.NoError(t, err)
	require.NoError(t, b.Ack(ctx, idA))

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	_, err = b.Subscribe(subCtx, "improvement_queue")
	require.NoError(t, err)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 1, stats.ByStatus[statusProcessed])
	require.Equal(t, 2, stats.ByStatus[statusPending])
	require.Equal(t, 2, stats.ByQueue["improvement_queue"])
	require.Equal(t, 1, stats.ByQueue["execution_queue"])
	require.Equal(t, 1, stats.ActiveSubscribers["improvement_queue"])
	require.Equal(t, 0, stats.ActiveSubscribers["execution_queue"])
}

// Fanout: a second subscriber registered after the backlog was drained by
// the first only sees messages published from then on.
func TestFanoutToLateSubscriber(t *testing.T) {
	b := mustOpen(t, ":memory:")
	ctx := context.Background()

	_, err := b.Publish(ctx, "q", map[string]any{"n": "backlog"}, 0, "")
	require.NoError(t, err)

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	first, err := b.Subscribe(subCtx, "q")
	require.NoError(t, err)
	require.Equal(t, "backlog", recv(t, first, time.Second).Payload["n"])

	subCtx2, cancel2 := context.WithCancel(ctx)
	defer cancel2()
	second, err := b.Subscribe(subCtx2, "q")
	require.NoError(t, err)
	noMore(t, second, 50*time.Millisecond)

	_, err = b.Publish(ctx, "q", map[string]any{"n": "fresh"}, 0, "")
	require.NoError(t, err)

	require.Equal(t, "fresh", recv(t, first, time.Second).Payload["n"])
	require.Equal(t, "fresh", recv(t, second, time.Second).Payload["n"])
}
