package gactivatetest_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/gactivate/gactivate/gactivatetest"
	"github.com/gordian-engine/gactivate/gwire"
	"github.com/gordian-engine/gactivate/internal/gtest"
	"github.com/stretchr/testify/require"
)

// send issues one request to n and returns a channel receiving the response.
func send(n *gactivatetest.Node, v uint64) <-chan gwire.Response {
	ch := make(chan gwire.Response, 2)
	n.SendActivateVersion(
		context.Background(),
		gwire.ActivateVersionMessage{Version: v},
		time.Second,
		func(r gwire.Response) { ch <- r },
	)
	return ch
}

func TestNode_acceptUpdatesVersion(t *testing.T) {
	t.Parallel()

	net := gactivatetest.NewNetwork(clock.NewMock())
	n, h := net.AddNode("n0", gactivatetest.Accept())
	require.Equal(t, n, net.Node("n0"))
	require.Equal(t, n.ID(), h.ID())

	resp := gtest.ReceiveSoon(t, send(n, 4))
	require.False(t, resp.IsError())
	require.Equal(t, uint64(4), n.Version())

	// An older accepted version does not move the node backward.
	_ = gtest.ReceiveSoon(t, send(n, 2))
	require.Equal(t, uint64(4), n.Version())

	calls := n.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, 1, calls[0].Attempt)
	require.Equal(t, time.Second, calls[0].Timeout)
}

func TestNode_delayedReply(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	net := gactivatetest.NewNetwork(clk)
	n, _ := net.AddNode("n0", gactivatetest.Delayed(30*time.Millisecond, gactivatetest.Accept()))

	ch := send(n, 1)
	_ = gtest.ReceiveSoon(t, n.Sent())
	gtest.NotSending(t, ch)

	clk.Add(30 * time.Millisecond)
	_ = gtest.ReceiveSoon(t, ch)
	require.Equal(t, uint64(1), n.Version())
}

func TestNode_manualAndSilent(t *testing.T) {
	t.Parallel()

	net := gactivatetest.NewNetwork(clock.NewMock())
	m, _ := net.AddNode("manual", gactivatetest.Manual())
	s, _ := net.AddNode("silent", gactivatetest.Silent())

	mCh := send(m, 1)
	sCh := send(s, 1)
	gtest.NotSending(t, mCh)
	gtest.NotSending(t, sCh)

	c := gtest.ReceiveSoon(t, m.Sent())
	c.Done(gwire.Response{ErrorCode: gwire.ErrorAbort})
	require.Equal(t, gwire.ErrorAbort, gtest.ReceiveSoon(t, mCh).ErrorCode)
	require.Equal(t, 1, s.CallCount())
}

func TestAddNode_duplicatePanics(t *testing.T) {
	t.Parallel()

	net := gactivatetest.NewNetwork(clock.NewMock())
	net.AddNode("n0", gactivatetest.Accept())
	require.Panics(t, func() {
		net.AddNode("n0", gactivatetest.Accept())
	})
}

func TestSequence(t *testing.T) {
	t.Parallel()

	net := gactivatetest.NewNetwork(clock.NewMock())
	n, _ := net.AddNode("n0", gactivatetest.Sequence(
		gactivatetest.Fail(gwire.ErrorTimeout),
		gactivatetest.Conflict(9),
		gactivatetest.Accept(),
	))

	require.Equal(t, gwire.ErrorTimeout, gtest.ReceiveSoon(t, send(n, 3)).ErrorCode)
	require.Equal(t, gwire.ErrorVersionConflict, gtest.ReceiveSoon(t, send(n, 3)).ErrorCode)
	require.False(t, gtest.ReceiveSoon(t, send(n, 3)).IsError())
	require.False(t, gtest.ReceiveSoon(t, send(n, 3)).IsError())

	// Attempts are counted per version.
	require.Equal(t, gwire.ErrorTimeout, gtest.ReceiveSoon(t, send(n, 4)).ErrorCode)
}

func TestRejectOlder(t *testing.T) {
	t.Parallel()

	net := gactivatetest.NewNetwork(clock.NewMock())
	n, _ := net.AddNode("n0", gactivatetest.RejectOlder())
	n.SetVersion(5)

	resp := gtest.ReceiveSoon(t, send(n, 5))
	require.Equal(t, gwire.ErrorVersionConflict, resp.ErrorCode)
	v, err := gwire.ParseVersionConflict(resp.ErrorMessage)
	require.NoError(t, err)
	require.Equal(t, uint64(5), v)

	require.False(t, gtest.ReceiveSoon(t, send(n, 6)).IsError())
	require.Equal(t, uint64(6), n.Version())
}

func TestFlaky_deterministic(t *testing.T) {
	t.Parallel()

	outcomes := func() []bool {
		net := gactivatetest.NewNetwork(clock.NewMock())
		n, _ := net.AddNode("n0", gactivatetest.Flaky(42, 0.5, 0))
		var res []bool
		for v := uint64(1); v <= 32; v++ {
			res = append(res, gtest.ReceiveSoon(t, send(n, v)).IsError())
		}
		return res
	}

	a := outcomes()
	require.Equal(t, a, outcomes())
	require.Contains(t, a, true)
	require.Contains(t, a, false)
}
