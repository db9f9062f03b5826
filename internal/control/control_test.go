package control_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/nestwatch/internal/bridge"
	"github.com/temoto/nestwatch/internal/control"
	"github.com/temoto/nestwatch/log2"
)

func testLoop(t testing.TB, opt control.Options) (*control.Loop, *bridge.Bridge) {
	b := bridge.New(bridge.Options{Log: log2.NewTest(t, log2.LDebug)})
	opt.Log = log2.NewTest(t, log2.LDebug)
	opt.Bridge = b
	l, err := control.New(opt)
	require.NoError(t, err)
	return l, b
}

func TestHandle(t *testing.T) {
	t.Parallel()
	l, b := testLoop(t, control.Options{
		Clients: func() int { return 3 },
		Handlers: []control.Handler{
			func(cmd string) (string, bool) {
				if strings.HasPrefix(cmd, "setTemperature=") {
					return "temperature " + strings.TrimPrefix(cmd, "setTemperature="), true
				}
				return "", false
			},
		},
	})
	defer b.Close()

	cases := []struct {
		input  string
		expect string
	}{
		{"[CMD] PING", "[ACK] PONG"},
		{"[CMD] ping\r\n", "[ACK] PONG"},
		{"[CMD] GET IR STATE", "[ACK] IR STATE is OFF"},
		{"[CMD] IR ON", "[ACK] IR ON executed"},
		{"[CMD] IR ON", "[ACK] IR ON executed"},
		{"[CMD] GET IR STATE", "[ACK] IR STATE is ON"},
		{"[CMD] IR OFF", "[ACK] IR OFF executed"},
		{"[CMD] setTemperature=30.0", "[ACK] temperature 30.0"},
		{"[CMD] STATS", "[ACK] clients=3 commands=0 reports=2"},
		{"[CMD] self destruct", "[ACK] unknown command [CMD] self destruct"},
	}
	for _, c := range cases {
		assert.Equal(t, c.expect, l.Handle(c.input), "input=%q", c.input)
	}

	// IR state reported on change only
	ctx := context.Background()
	r, err := b.NextReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, "[REP] IR LED STATE: ON", r)
	r, err = b.NextReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, "[REP] IR LED STATE: OFF", r)
}

func TestRunRepliesCorrelated(t *testing.T) {
	t.Parallel()
	l, b := testLoop(t, control.Options{})
	defer b.Close()
	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	ack, err := b.Submit(context.Background(), "127.0.0.1:1", "[CMD] PING", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "[ACK] PONG", ack)
	assert.Equal(t, int64(1), b.Stat().Replies.Value())

	require.NoError(t, l.Close())
	assert.NoError(t, <-done)
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()
	l, b := testLoop(t, control.Options{Heartbeat: 20 * time.Millisecond})
	defer b.Close()
	done := make(chan error, 1)
	go func() { done <- l.Run() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := b.NextReport(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(r, "[REP] HEARTBEAT "), r)

	require.NoError(t, l.Close())
	assert.NoError(t, <-done)
}

func TestRunStopsOnBridgeClose(t *testing.T) {
	t.Parallel()
	l, b := testLoop(t, control.Options{})
	done := make(chan error, 1)
	go func() { done <- l.Run() }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after bridge Close")
	}
	require.NoError(t, l.Close())
}
