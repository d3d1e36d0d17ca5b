package proximity

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/aptospay/offline-reconciler/entities"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testLink(t *testing.T, listenAddr string) *Link {
	t.Helper()
	link := NewLink(Config{ListenAddr: listenAddr, SendTimeout: 2 * time.Second}, zap.NewNop().Sugar())
	t.Cleanup(link.Disable)
	return link
}

func connectedPair(t *testing.T) (*Link, *Link) {
	t.Helper()
	a := testLink(t, "127.0.0.1:0")
	b := testLink(t, "127.0.0.1:0")
	require.True(t, a.Enable())
	require.True(t, b.Enable())

	require.NoError(t, b.Connect(context.Background(), a.Addr()))
	waitForState(t, b, StateConnected)
	waitForState(t, a, StateConnected)
	return a, b
}

func waitForState(t *testing.T, link *Link, expected State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return link.State() == expected
	}, 2*time.Second, 10*time.Millisecond, "expected state %s", expected)
}

func TestLink_Enable_capabilityAbsent(t *testing.T) {
	link := testLink(t, "")
	assert.False(t, link.Enable())
	assert.Equal(t, StateDisabled, link.State())
}

func TestLink_Enable(t *testing.T) {
	link := testLink(t, "127.0.0.1:0")
	assert.True(t, link.Enable())
	assert.Equal(t, StateEnabled, link.State())
	assert.NotEmpty(t, link.Addr())
}

func TestLink_Enable_isIdempotent(t *testing.T) {
	link := testLink(t, "127.0.0.1:0")
	require.True(t, link.Enable())
	assert.True(t, link.Enable())
	assert.Equal(t, StateEnabled, link.State())
}

func TestLink_Disable_isIdempotent(t *testing.T) {
	link := testLink(t, "127.0.0.1:0")
	require.True(t, link.Enable())
	link.Disable()
	assert.Equal(t, StateDisabled, link.State())
	link.Disable()
	assert.Equal(t, StateDisabled, link.State())
}

func TestLink_Connect_requiresEnabled(t *testing.T) {
	link := testLink(t, "127.0.0.1:0")
	err := link.Connect(context.Background(), "127.0.0.1:1")
	assert.ErrorIs(t, err, entities.ErrTransportUnavailable)
}

func TestLink_SendAndReceive(t *testing.T) {
	a, b := connectedPair(t)

	payload := entities.OfflinePayload{
		Sender:      "0xabc",
		Recipient:   "0xdef",
		AmountUnits: 10_0000_0000,
		Note:        "rent",
		Timestamp:   1744610180000,
		Nonce:       1234,
		Signature:   "sig",
	}
	require.True(t, b.Send(context.Background(), payload))

	select {
	case received := <-a.Receive():
		require.Empty(t, cmp.Diff(payload, received))
	case <-time.After(2 * time.Second):
		t.Fatal("payload never delivered")
	}
}

func TestLink_Send_notConnected(t *testing.T) {
	link := testLink(t, "127.0.0.1:0")
	require.True(t, link.Enable())
	assert.False(t, link.Send(context.Background(), entities.OfflinePayload{Nonce: 1}))
}

func TestLink_Send_timesOutWithoutAck(t *testing.T) {
	link := NewLink(Config{ListenAddr: "127.0.0.1:0", SendTimeout: 100 * time.Millisecond}, zap.NewNop().Sugar())
	t.Cleanup(link.Disable)
	require.True(t, link.Enable())

	// a raw peer that accepts the session but never acknowledges
	conn, err := net.Dial("tcp", link.Addr())
	require.NoError(t, err)
	defer conn.Close()
	waitForState(t, link, StateConnected)

	start := time.Now()
	ok := link.Send(context.Background(), entities.OfflinePayload{Nonce: 9})
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateConnected, link.State())
}

func TestLink_peerLossReturnsToEnabled(t *testing.T) {
	a, b := connectedPair(t)

	b.Disable()
	waitForState(t, a, StateEnabled)

	select {
	case <-a.Disconnected():
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect never surfaced")
	}
}
