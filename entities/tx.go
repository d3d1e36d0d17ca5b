package entities

import "time"

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// MaxNoteLength bounds the free text annotation attached to a transfer.
const MaxNoteLength = 280

// Transaction is the canonical record of a value movement. Hash stays empty
// until the ledger settles the transfer.
type Transaction struct {
	Hash        string            `json:"hash"`
	Sender      string            `json:"sender"`
	Recipient   string            `json:"recipient"`
	AmountUnits int64             `json:"amountUnits"`
	Timestamp   int64             `json:"timestamp"` // unix milliseconds
	Status      TransactionStatus `json:"status"`
	Note        string            `json:"note,omitempty"`
}

// OfflinePayload is a transfer intent created while the ledger is unreachable.
// The nonce doubles as the idempotency token when the payload is later
// submitted to the ledger. An empty signature marks the payload as
// unauthenticated and it must never be settled by a processor.
type OfflinePayload struct {
	Sender      string `json:"sender"`
	Recipient   string `json:"recipient"`
	AmountUnits int64  `json:"amountUnits"`
	Note        string `json:"note,omitempty"`
	Timestamp   int64  `json:"timestamp"`
	Nonce       uint32 `json:"nonce"`
	Signature   string `json:"signature,omitempty"`
}

// Transaction projects the payload into its pending transaction record.
func (p OfflinePayload) Transaction() Transaction {
	return Transaction{
		Sender:      p.Sender,
		Recipient:   p.Recipient,
		AmountUnits: p.AmountUnits,
		Timestamp:   p.Timestamp,
		Status:      StatusPending,
		Note:        p.Note,
	}
}

// Expired reports whether the payload's validity window has elapsed.
func (p OfflinePayload) Expired(validity time.Duration, now time.Time) bool {
	created := time.UnixMilli(p.Timestamp)
	return now.Sub(created) > validity
}

// QueuedPayload pairs a pending payload with its store sequence. The
// sequence preserves insertion order across restarts and addresses the entry
// for removal.
type QueuedPayload struct {
	Seq     uint64
	Payload OfflinePayload
}

// BankAccount is the cached projection of a ledger-external account. The
// balance may be stale; LastUpdated marks the last successful refresh.
type BankAccount struct {
	ID           string `json:"id"`
	BankName     string `json:"bankName"`
	AccountType  string `json:"accountType"`
	BalanceUnits int64  `json:"balanceUnits"`
	LastUpdated  int64  `json:"lastUpdated"`
	IsPrimary    bool   `json:"isPrimary"`
}
