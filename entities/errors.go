package entities

import "errors"

var ErrStoreEntityNotFound = errors.New("store resource not found")

// Retryable: the remote ledger or transport could not be reached.
var ErrLedgerUnreachable = errors.New("ledger unreachable")

// Terminal transfer failures. Never retried automatically.
var ErrInsufficientFunds = errors.New("insufficient funds")
var ErrInvalidRecipient = errors.New("invalid recipient")

// ErrDuplicatePayload marks a payload whose (sender, nonce) pair was already
// processed. Confirmed duplicates are discarded silently, never surfaced as a
// failure to the user.
var ErrDuplicatePayload = errors.New("duplicate payload")

// ErrTransportUnavailable means the proximity capability is absent on this
// device. The feature is disabled, it is not an application error.
var ErrTransportUnavailable = errors.New("proximity transport unavailable")

// ErrTransactionExpired marks a queued payload whose validity window elapsed
// before settlement. The payload is dropped and reported as failed.
var ErrTransactionExpired = errors.New("transaction expired")

// ErrUnsignedPayload marks an inbound payload without a signature. Unsigned
// payloads are unauthenticated and must not be settled.
var ErrUnsignedPayload = errors.New("unsigned payload")
