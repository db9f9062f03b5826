package bridge_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/nestwatch/internal/bridge"
	"github.com/temoto/nestwatch/log2"
	"github.com/temoto/spq"
)

func TestQueueOrder(t *testing.T) {
	t.Parallel()
	q := bridge.NewQueue()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push(bridge.Message{Text: fmt.Sprint(i)}))
	}
	assert.Equal(t, 5, q.Len())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), m.Text)
	}
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	t.Parallel()
	q := bridge.NewQueue()
	got := make(chan bridge.Message, 1)
	go func() {
		m, err := q.Pop(context.Background())
		assert.NoError(t, err)
		got <- m
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Push(bridge.Message{Text: "late"}))
	select {
	case m := <-got:
		assert.Equal(t, "late", m.Text)
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake up")
	}
}

func TestQueueManyConsumers(t *testing.T) {
	t.Parallel()
	q := bridge.NewQueue()
	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]int)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			m, err := q.Pop(ctx)
			if assert.NoError(t, err) {
				mu.Lock()
				seen[m.Text]++
				mu.Unlock()
			}
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, q.Push(bridge.Message{Text: fmt.Sprint(i)}))
	}
	wg.Wait()
	assert.Len(t, seen, n)
	for k, v := range seen {
		assert.Equal(t, 1, v, "item=%s", k)
	}
}

func TestQueueCloseAndContext(t *testing.T) {
	t.Parallel()
	q := bridge.NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Pop(ctx)
	assert.Equal(t, context.DeadlineExceeded, err)

	require.NoError(t, q.Push(bridge.Message{Text: "before-close"}))
	require.NoError(t, q.Close())
	assert.Equal(t, bridge.ErrClosed, q.Push(bridge.Message{Text: "after"}))
	m, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "before-close", m.Text)
	_, err = q.Pop(context.Background())
	assert.Equal(t, bridge.ErrClosed, err)
}

func TestSubmitUncorrelatedAck(t *testing.T) {
	t.Parallel()
	b := bridge.New(bridge.Options{Log: log2.NewTest(t, log2.LDebug)})
	defer b.Close()
	ctx := context.Background()

	go func() {
		cmd, err := b.NextCommand(ctx)
		if assert.NoError(t, err) {
			assert.Equal(t, "[CMD] PING", cmd.Text)
			assert.Equal(t, "127.0.0.1:5555", cmd.Peer)
			assert.NotEmpty(t, cmd.ID)
			b.Ack("[ACK] PONG")
		}
	}()
	ack, err := b.Submit(ctx, "127.0.0.1:5555", "[CMD] PING", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "[ACK] PONG", ack)
	assert.Equal(t, 0, b.Waiting())
	assert.Equal(t, int64(1), b.Stat().Commands.Value())
}

func TestSubmitParkedAck(t *testing.T) {
	t.Parallel()
	b := bridge.New(bridge.Options{})
	defer b.Close()

	// ack produced before any command, consumed by next handler that waits
	b.Ack("[ACK] early")
	ack, err := b.Submit(context.Background(), "p", "[CMD] anything", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "[ACK] early", ack)
}

func TestSubmitTimeout(t *testing.T) {
	t.Parallel()
	b := bridge.New(bridge.Options{})
	defer b.Close()

	start := time.Now()
	_, err := b.Submit(context.Background(), "p", "[CMD] ignored", 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, bridge.ErrAckTimeout, errors.Cause(err))
	assert.True(t, time.Since(start) >= 50*time.Millisecond)
	assert.Equal(t, 0, b.Waiting())
	assert.Equal(t, int64(1), b.Stat().AckTimeouts.Value())

	// late uncorrelated ack is parked for next command, not lost
	b.Ack("[ACK] late")
	ack, err := b.Submit(context.Background(), "p", "[CMD] next", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "[ACK] late", ack)
}

func TestReplyCorrelated(t *testing.T) {
	t.Parallel()
	b := bridge.New(bridge.Options{})
	defer b.Close()
	ctx := context.Background()

	const n = 8
	type result struct{ peer, ack string }
	results := make(chan result, n)
	for i := 0; i < n; i++ {
		peer := fmt.Sprintf("peer-%d", i)
		go func() {
			ack, err := b.Submit(ctx, peer, "[CMD] WHOAMI "+peer, 2*time.Second)
			assert.NoError(t, err)
			results <- result{peer, ack}
		}()
	}
	cmds := make([]bridge.Message, 0, n)
	for i := 0; i < n; i++ {
		cmd, err := b.NextCommand(ctx)
		require.NoError(t, err)
		cmds = append(cmds, cmd)
	}
	// answer in reverse order, correlation must still route each reply home
	for i := len(cmds) - 1; i >= 0; i-- {
		assert.True(t, b.Reply(cmds[i].ID, "[ACK] you are "+cmds[i].Peer))
	}
	for i := 0; i < n; i++ {
		r := <-results
		assert.Equal(t, "[ACK] you are "+r.peer, r.ack)
	}
	assert.False(t, b.Reply(cmds[0].ID, "[ACK] again"))
	assert.Equal(t, int64(1), b.Stat().LateReplies.Value())
}

func TestConcurrentSubmitExactlyOneAckEach(t *testing.T) {
	t.Parallel()
	b := bridge.New(bridge.Options{})
	defer b.Close()
	ctx := context.Background()

	const n = 20
	go func() {
		for i := 0; i < n; i++ {
			if _, err := b.NextCommand(ctx); err != nil {
				return
			}
			b.Ack(fmt.Sprintf("[ACK] %d", i))
		}
	}()
	var wg sync.WaitGroup
	acks := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ack, err := b.Submit(ctx, "p", "[CMD] X", 2*time.Second)
			if assert.NoError(t, err) {
				acks <- ack
			}
		}()
	}
	wg.Wait()
	close(acks)
	seen := make(map[string]struct{})
	for a := range acks {
		seen[a] = struct{}{}
	}
	assert.Len(t, seen, n)
}

func TestCloseUnblocksSubmit(t *testing.T) {
	t.Parallel()
	b := bridge.New(bridge.Options{})
	errch := make(chan error, 1)
	go func() {
		_, err := b.Submit(context.Background(), "p", "[CMD] X", 5*time.Second)
		errch <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Close())
	select {
	case err := <-errch:
		assert.Equal(t, bridge.ErrClosed, errors.Cause(err))
	case <-time.After(time.Second):
		t.Fatal("Submit not unblocked by Close")
	}
}

func TestReportsMemoryAndSpool(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	spool, err := bridge.OpenSpool(spq.OnlyForTesting, log)
	require.NoError(t, err)
	cases := []struct {
		name string
		q    bridge.ReportQueue
	}{
		{"memory", bridge.NewMemoryReports()},
		{"spool", spool},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			b := bridge.New(bridge.Options{Log: log, Reports: c.q})
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				require.NoError(t, b.Report(fmt.Sprintf("[REP] pos = %d", i)))
			}
			for i := 0; i < 3; i++ {
				r, err := b.NextReport(ctx)
				require.NoError(t, err)
				assert.Equal(t, fmt.Sprintf("[REP] pos = %d", i), r)
			}
			require.NoError(t, b.Close())
			_, err := b.NextReport(ctx)
			assert.Equal(t, bridge.ErrClosed, errors.Cause(err))
			assert.Error(t, b.Report("[REP] after close"))
		})
	}
}
