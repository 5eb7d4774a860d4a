package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jobSubject = "scan.startAgentScan"

func runJetStream(t *testing.T) string {
	t.Helper()
	opts := natstest.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	srv := natstest.RunServer(&opts)
	t.Cleanup(srv.Shutdown)
	return srv.ClientURL()
}

func newTestBus(t *testing.T, url string, opts ...Option) *Bus {
	t.Helper()
	opts = append([]Option{WithFetchWait(100 * time.Millisecond)}, opts...)
	b, err := New(url, zerolog.Nop(), nil, opts...)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestQueueMembersShareJobs(t *testing.T) {
	url := runJetStream(t)
	ctx := context.Background()
	first, second := newTestBus(t, url), newTestBus(t, url)
	require.NoError(t, first.AddStream(ctx, "scanner_a", []string{jobSubject}))
	require.NoError(t, second.AddStream(ctx, "scanner_a", []string{jobSubject}))

	var mu sync.Mutex
	seen := make(map[string]int)
	handler := func(_ context.Context, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		seen[string(data)]++
		return nil
	}
	for _, b := range []*Bus{first, second} {
		sub, err := b.Subscribe(ctx, jobSubject, "scanner_a", handler)
		require.NoError(t, err)
		t.Cleanup(func() { _ = sub.Close() })
	}

	const jobs = 20
	for i := 0; i < jobs; i++ {
		require.NoError(t, first.Publish(ctx, jobSubject, fmt.Sprintf("job-%d", i)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == jobs
	}, 10*time.Second, 20*time.Millisecond)

	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for job, n := range seen {
		assert.Equal(t, 1, n, job)
	}
}

func TestFailedJobIsRedeliveredThenDeadLettered(t *testing.T) {
	url := runJetStream(t)
	ctx := context.Background()
	b := newTestBus(t, url, WithMaxDeliver(3), WithNakDelay(20*time.Millisecond), WithDeadLetter("scan.dead"))
	require.NoError(t, b.AddStream(ctx, "scanner_a", []string{jobSubject}))
	require.NoError(t, b.AddStream(ctx, "scanner_dead", []string{"scan.dead"}))

	dead := make(chan *nats.Msg, 1)
	deadSub, err := b.conn.ChanSubscribe("scan.dead", dead)
	require.NoError(t, err)
	t.Cleanup(func() { _ = deadSub.Unsubscribe() })

	var attempts atomic.Int32
	sub, err := b.Subscribe(ctx, jobSubject, "scanner_a", func(context.Context, []byte) error {
		attempts.Add(1)
		return fmt.Errorf("malformed job")
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	require.NoError(t, b.Publish(ctx, jobSubject, "poison"))

	select {
	case msg := <-dead:
		assert.JSONEq(t, `"poison"`, string(msg.Data))
	case <-time.After(10 * time.Second):
		t.Fatal("job was not dead-lettered")
	}
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestUnackedJobIsRedeliveredAfterAckWait(t *testing.T) {
	url := runJetStream(t)
	ctx := context.Background()
	b := newTestBus(t, url, WithAckWait(300*time.Millisecond))
	require.NoError(t, b.AddStream(ctx, "scanner_a", []string{jobSubject}))
	require.NoError(t, b.ensureConsumer(ctx, "scanner_a", jobSubject, "scanner_a"))
	require.NoError(t, b.Publish(ctx, jobSubject, "job-1"))

	// A member that fetched the job and went away without settling it.
	gone, err := b.js.PullSubscribe(jobSubject, "scanner_a", nats.Bind("scanner_a", "scanner_a"))
	require.NoError(t, err)
	msgs, err := gone.Fetch(1, nats.MaxWait(2*time.Second))
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	got := make(chan []byte, 1)
	sub, err := b.Subscribe(ctx, jobSubject, "scanner_a", func(_ context.Context, data []byte) error {
		got <- data
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	select {
	case data := <-got:
		assert.JSONEq(t, `"job-1"`, string(data))
	case <-time.After(10 * time.Second):
		t.Fatal("unacked job was not redelivered")
	}
}
