// Package ledger talks to the full node's REST API. It performs no caching:
// cached reads are the accounts service's concern and always explicit there.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aptospay/offline-reconciler/entities"
	"github.com/pkg/errors"
)

const defaultPageSize = 25

type Client struct {
	httpClient *http.Client
	baseURL    string
}

func NewClient(baseURL string, requestTimeout time.Duration) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid ledger base url [%s]", baseURL)
	}

	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    parsed.String(),
	}, nil
}

type balanceResponse struct {
	Account      string `json:"account"`
	BalanceUnits int64  `json:"balanceUnits"`
}

type transferRequest struct {
	Sender      string `json:"sender"`
	Recipient   string `json:"recipient"`
	AmountUnits int64  `json:"amountUnits"`
	Note        string `json:"note,omitempty"`
	Nonce       uint32 `json:"nonce"`
}

type transferResponse struct {
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type transactionsResponse struct {
	Transactions []ledgerTransaction `json:"transactions"`
	NextCursor   string              `json:"nextCursor"`
}

type ledgerTransaction struct {
	Hash        string `json:"hash"`
	Kind        string `json:"kind"`
	Sender      string `json:"sender"`
	Recipient   string `json:"recipient"`
	AmountUnits int64  `json:"amountUnits"`
	Timestamp   int64  `json:"timestamp"`
	Success     bool   `json:"success"`
	Note        string `json:"note"`
}

// Probe checks whether the node can answer within the client timeout. A
// transport failure means unreachable; an unexpected status means unknown.
func (c *Client) Probe(ctx context.Context) entities.Reachability {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return entities.ReachabilityUnknown
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return entities.ReachabilityUnreachable
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode == http.StatusOK {
		return entities.ReachabilityReachable
	}
	return entities.ReachabilityUnknown
}

// GetBalance returns the live balance in minor units. Fails with
// ErrLedgerUnreachable when the node cannot be reached; never falls back to
// cached data.
func (c *Client) GetBalance(ctx context.Context, account string) (int64, error) {
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/balance", c.baseURL, url.PathEscape(account))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, errors.Wrap(err, "creating request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errors.Wrapf(entities.ErrLedgerUnreachable, "getting balance: %v", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return 0, remoteError(resp)
	}

	var body balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, errors.Wrap(err, "decoding balance response")
	}
	return body.BalanceUnits, nil
}

// Transfer submits a transfer and waits for the node to settle it. The nonce
// is the idempotency token: resubmitting the same (sender, nonce) pair yields
// the original transaction instead of a double spend, so retrying callers
// must reuse the payload's nonce.
func (c *Client) Transfer(ctx context.Context, sender, recipient string, amountUnits int64, note string, nonce uint32) (entities.Transaction, error) {
	payload, err := json.Marshal(transferRequest{
		Sender:      sender,
		Recipient:   recipient,
		AmountUnits: amountUnits,
		Note:        note,
		Nonce:       nonce,
	})
	if err != nil {
		return entities.Transaction{}, errors.Wrap(err, "marshalling transfer request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transfers", bytes.NewReader(payload))
	if err != nil {
		return entities.Transaction{}, errors.Wrap(err, "creating request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return entities.Transaction{}, errors.Wrapf(entities.ErrLedgerUnreachable, "submitting transfer: %v", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return entities.Transaction{}, remoteError(resp)
	}

	var body transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return entities.Transaction{}, errors.Wrap(err, "decoding transfer response")
	}
	if body.Hash == "" {
		return entities.Transaction{}, errors.New("ledger settled transfer without a hash")
	}

	return entities.Transaction{
		Hash:        body.Hash,
		Sender:      sender,
		Recipient:   recipient,
		AmountUnits: amountUnits,
		Timestamp:   body.Timestamp,
		Status:      entities.StatusCompleted,
		Note:        note,
	}, nil
}

// Transactions returns a restartable pager over the account's history,
// newest first. Pages are fetched lazily on Next; entries that are not value
// transfers are filtered out.
func (c *Client) Transactions(account string) *TransactionPager {
	return &TransactionPager{client: c, account: account, pageSize: defaultPageSize}
}

type TransactionPager struct {
	client   *Client
	account  string
	pageSize int
	cursor   string
	done     bool
}

// Next fetches the next page. It returns false once the sequence is
// exhausted; a pager that returned an error may be retried with another Next
// call or restarted via Client.Transactions.
func (p *TransactionPager) Next(ctx context.Context) ([]entities.Transaction, bool, error) {
	if p.done {
		return nil, false, nil
	}

	endpoint := fmt.Sprintf("%s/v1/accounts/%s/transactions?limit=%d", p.client.baseURL, url.PathEscape(p.account), p.pageSize)
	if p.cursor != "" {
		endpoint += "&cursor=" + url.QueryEscape(p.cursor)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, errors.Wrap(err, "creating request")
	}

	resp, err := p.client.httpClient.Do(req)
	if err != nil {
		return nil, false, errors.Wrapf(entities.ErrLedgerUnreachable, "listing transactions: %v", err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, false, remoteError(resp)
	}

	var body transactionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, false, errors.Wrap(err, "decoding transactions response")
	}

	txs := make([]entities.Transaction, 0, len(body.Transactions))
	for _, tx := range body.Transactions {
		if tx.Kind != "transfer" {
			continue
		}
		status := entities.StatusCompleted
		if !tx.Success {
			status = entities.StatusFailed
		}
		txs = append(txs, entities.Transaction{
			Hash:        tx.Hash,
			Sender:      tx.Sender,
			Recipient:   tx.Recipient,
			AmountUnits: tx.AmountUnits,
			Timestamp:   tx.Timestamp,
			Status:      status,
			Note:        tx.Note,
		})
	}

	p.cursor = body.NextCursor
	if p.cursor == "" {
		p.done = true
	}
	return txs, true, nil
}

// remoteError maps a non-success response to the domain error taxonomy.
func remoteError(resp *http.Response) error {
	var body errorResponse
	_ = json.NewDecoder(resp.Body).Decode(&body)

	switch body.Code {
	case "insufficient_funds":
		return errors.Wrap(entities.ErrInsufficientFunds, body.Message)
	case "invalid_recipient", "account_not_found":
		return errors.Wrap(entities.ErrInvalidRecipient, body.Message)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return errors.Wrapf(entities.ErrLedgerUnreachable, "ledger returned status [%d]", resp.StatusCode)
	}
	return fmt.Errorf("ledger returned status [%d]: %s", resp.StatusCode, body.Message)
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
