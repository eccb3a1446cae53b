package talk

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageLifecycle(t *testing.T) {
	var ticks atomic.Int64
	st := newStage("test", func() time.Duration { return time.Millisecond }, func() { ticks.Add(1) })

	require.NoError(t, st.Start(time.Second))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, st.Stop())

	after := ticks.Load()
	assert.Greater(t, after, int64(0), "the loop must have ticked")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, ticks.Load(), "no ticks after Stop")
}

func TestConnHealthTeardown(t *testing.T) {
	srv := newTestServer(t, nil)
	tk, c := testTalker(t, srv)
	registerTalker(t, srv, tk, c, "alice")

	c.MarkBroken()
	srv.connHealthTick()

	assert.Equal(t, ConnClosed, c.State())
	_, ok := srv.Registry().Talker(tk.ID())
	assert.False(t, ok)
	assert.Equal(t, 0, srv.Registry().ConnectionCount())

	// A second pass over the same wreckage is a no-op.
	srv.connHealthTick()
}

func TestOverloadFlagFollowsConnectionCount(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConnections = 10
	cfg.OverloadPercent = 20 // threshold: 2 connections
	srv := newTestServer(t, cfg)

	srv.connHealthTick()
	assert.False(t, srv.Overloaded())

	testTalker(t, srv)
	testTalker(t, srv)
	srv.connHealthTick()
	assert.True(t, srv.Overloaded())
}

func TestTalkerHealthPingsAndTimesOut(t *testing.T) {
	cfg := testConfig(t)
	cfg.PingSilence = 10 * time.Millisecond
	cfg.PongTimeout = 10 * time.Millisecond
	srv := newTestServer(t, cfg)

	tk, c := testTalker(t, srv)
	registerTalker(t, srv, tk, c, "alice")

	// Quiet past the silence threshold: the monitor sends a PING.
	time.Sleep(20 * time.Millisecond)
	srv.talkerHealthTick()
	lines := drainReplies(c)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "PING")
	_, _, pending := c.PingStatus()
	assert.True(t, pending)

	// No PONG inside the timeout: the talker is disconnected.
	time.Sleep(20 * time.Millisecond)
	srv.talkerHealthTick()
	assert.Equal(t, ConnClose, c.State())

	// A PONG in time clears the pending flag instead.
	tk2, c2 := testTalker(t, srv)
	registerTalker(t, srv, tk2, c2, "bob")
	time.Sleep(20 * time.Millisecond)
	srv.talkerHealthTick()
	drainReplies(c2)
	srv.engine.Dispatch("PONG :test.talk.server", tk2)
	srv.talkerHealthTick()
	assert.Equal(t, ConnOperational, c2.State())
}

func TestDispatchPreservesSingleSlotOrder(t *testing.T) {
	srv := newTestServer(t, nil)
	tk, c := testTalker(t, srv)
	registerTalker(t, srv, tk, c, "alice")

	require.True(t, c.OfferInbound("PING one"))
	require.False(t, c.OfferInbound("PING two"), "reader must wait for the slot")

	srv.dispatchTick()
	lines := drainReplies(c)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "PONG one")

	require.True(t, c.OfferInbound("PING two"))
	srv.dispatchTick()
	lines = drainReplies(c)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "PONG two")
}
