package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aptospay/offline-reconciler/entities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL, 5*time.Second)
	require.NoError(t, err)
	return client, server
}

func TestLedgerClient_invalidBaseURL(t *testing.T) {
	_, err := NewClient("not-a-url", time.Second)
	assert.Error(t, err)
}

func TestLedgerClient_Probe(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	assert.Equal(t, entities.ReachabilityReachable, client.Probe(context.Background()))
}

func TestLedgerClient_Probe_unexpectedStatus(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	assert.Equal(t, entities.ReachabilityUnknown, client.Probe(context.Background()))
}

func TestLedgerClient_Probe_connectionRefused(t *testing.T) {
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()
	assert.Equal(t, entities.ReachabilityUnreachable, client.Probe(context.Background()))
}

func TestLedgerClient_GetBalance(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/accounts/0xabc/balance", r.URL.Path)
		_ = json.NewEncoder(w).Encode(balanceResponse{Account: "0xabc", BalanceUnits: 42_0000_0000})
	}))

	balance, err := client.GetBalance(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, int64(42_0000_0000), balance)
}

func TestLedgerClient_GetBalance_unreachable(t *testing.T) {
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	_, err := client.GetBalance(context.Background(), "0xabc")
	assert.ErrorIs(t, err, entities.ErrLedgerUnreachable)
}

func TestLedgerClient_Transfer(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/transfers", r.URL.Path)

		var req transferRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, uint32(77), req.Nonce)
		assert.Equal(t, int64(10_0000_0000), req.AmountUnits)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(transferResponse{Hash: "0xf00", Timestamp: 1744610180000})
	}))

	tx, err := client.Transfer(context.Background(), "0xabc", "0xdef", 10_0000_0000, "lunch", 77)
	require.NoError(t, err)
	assert.Equal(t, entities.StatusCompleted, tx.Status)
	assert.Equal(t, "0xf00", tx.Hash)
	assert.Equal(t, "lunch", tx.Note)
}

func TestLedgerClient_Transfer_terminalErrors(t *testing.T) {
	testData := []struct {
		name     string
		code     string
		status   int
		expected error
	}{
		{name: "insufficient_funds", code: "insufficient_funds", status: http.StatusUnprocessableEntity, expected: entities.ErrInsufficientFunds},
		{name: "invalid_recipient", code: "invalid_recipient", status: http.StatusBadRequest, expected: entities.ErrInvalidRecipient},
		{name: "unknown_account", code: "account_not_found", status: http.StatusNotFound, expected: entities.ErrInvalidRecipient},
	}

	for _, testRun := range testData {
		t.Run(testRun.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(testRun.status)
				_ = json.NewEncoder(w).Encode(errorResponse{Code: testRun.code, Message: "nope"})
			}))

			_, err := client.Transfer(context.Background(), "0xabc", "0xdef", 1, "", 1)
			assert.ErrorIs(t, err, testRun.expected)
		})
	}
}

func TestLedgerClient_Transfer_serverErrorIsRetryable(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.Transfer(context.Background(), "0xabc", "0xdef", 1, "", 1)
	assert.ErrorIs(t, err, entities.ErrLedgerUnreachable)
}

func TestLedgerClient_Transactions_pagesAndFilters(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("cursor") {
		case "":
			_ = json.NewEncoder(w).Encode(transactionsResponse{
				Transactions: []ledgerTransaction{
					{Hash: "0x3", Kind: "transfer", Sender: "0xabc", Recipient: "0xdef", AmountUnits: 3, Timestamp: 300, Success: true},
					{Hash: "0x2", Kind: "module_call", Sender: "0xabc", Timestamp: 200, Success: true},
				},
				NextCursor: "page2",
			})
		case "page2":
			_ = json.NewEncoder(w).Encode(transactionsResponse{
				Transactions: []ledgerTransaction{
					{Hash: "0x1", Kind: "transfer", Sender: "0xdef", Recipient: "0xabc", AmountUnits: 1, Timestamp: 100, Success: false},
				},
			})
		default:
			t.Errorf("unexpected cursor [%s]", r.URL.Query().Get("cursor"))
		}
	}))

	pager := client.Transactions("0xabc")

	page, more, err := pager.Next(context.Background())
	require.NoError(t, err)
	require.True(t, more)
	require.Len(t, page, 1) // module_call filtered out
	assert.Equal(t, "0x3", page[0].Hash)
	assert.Equal(t, entities.StatusCompleted, page[0].Status)

	page, more, err = pager.Next(context.Background())
	require.NoError(t, err)
	require.True(t, more)
	require.Len(t, page, 1)
	assert.Equal(t, entities.StatusFailed, page[0].Status)

	_, more, err = pager.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, more)

	// a fresh pager restarts the sequence
	restarted := client.Transactions("0xabc")
	page, more, err = restarted.Next(context.Background())
	require.NoError(t, err)
	require.True(t, more)
	require.Len(t, page, 1)
	assert.Equal(t, "0x3", page[0].Hash)
}

func TestLedgerClient_Transfer_missingHash(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))

	_, err := client.Transfer(context.Background(), "0xabc", "0xdef", 1, "", 1)
	assert.Error(t, err)
}
