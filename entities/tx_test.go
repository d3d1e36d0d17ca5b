package entities

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfflinePayload_Transaction(t *testing.T) {
	payload := OfflinePayload{
		Sender:      "0xalice",
		Recipient:   "0xbob",
		AmountUnits: 7_5000_0000,
		Note:        "rent",
		Timestamp:   1735000000000,
		Nonce:       42,
	}

	got := payload.Transaction()
	want := Transaction{
		Sender:      "0xalice",
		Recipient:   "0xbob",
		AmountUnits: 7_5000_0000,
		Timestamp:   1735000000000,
		Status:      StatusPending,
		Note:        "rent",
	}
	require.Empty(t, cmp.Diff(want, got))
	assert.Empty(t, got.Hash)
}

func TestOfflinePayload_Expired(t *testing.T) {
	now := time.Now()
	window := 72 * time.Hour

	fresh := OfflinePayload{Timestamp: now.Add(-time.Hour).UnixMilli()}
	assert.False(t, fresh.Expired(window, now))

	edge := OfflinePayload{Timestamp: now.Add(-window).UnixMilli()}
	assert.False(t, edge.Expired(window, now))

	stale := OfflinePayload{Timestamp: now.Add(-window - time.Minute).UnixMilli()}
	assert.True(t, stale.Expired(window, now))
}
