// Package reconcile decides between the online and offline transfer path,
// owns the pending queue, and guarantees at most one settlement per
// (sender, nonce) pair.
package reconcile

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aptospay/offline-reconciler/entities"
	"github.com/aptospay/offline-reconciler/metrics"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type LedgerClient interface {
	Probe(ctx context.Context) entities.Reachability
	Transfer(ctx context.Context, sender, recipient string, amountUnits int64, note string, nonce uint32) (entities.Transaction, error)
}

type Transport interface {
	Connected() bool
	Send(ctx context.Context, payload entities.OfflinePayload) bool
}

type SettlementPublisher interface {
	PublishSettlement(ctx context.Context, tx entities.Transaction) error
}

type reconcilerStore interface {
	AppendPending(payload entities.OfflinePayload) (uint64, error)
	PendingPayloads() ([]entities.QueuedPayload, error)
	RemovePending(seq uint64) error
	ClearPending() error
	MarkSeen(sender string, nonce uint32, processedAt time.Time) error
	WasSeen(sender string, nonce uint32) (bool, error)
	PurgeSeenBefore(cutoff time.Time) (int, error)
	AppendSettled(tx entities.Transaction) error
	SettledTransactions() ([]entities.Transaction, error)
}

// DefaultValidityWindow bounds how long a queued payload may wait for
// settlement before it is dropped as failed.
const DefaultValidityWindow = 72 * time.Hour

// DefaultSeenRetention bounds how long processed (sender, nonce) pairs are
// remembered. It must cover the validity window with room to spare.
const DefaultSeenRetention = 30 * 24 * time.Hour

type Config struct {
	ValidityWindow time.Duration
	SeenRetention  time.Duration

	// SigningKey authenticates the payloads this device queues for peer
	// delivery. Empty means an ephemeral key is generated at startup; such
	// payloads still settle on peers, they just cannot be re-verified after a
	// restart.
	SigningKey []byte
}

type Reconciler struct {
	ledger    LedgerClient
	transport Transport
	store     reconcilerStore
	publisher  SettlementPublisher // optional
	cfg        Config
	signingKey []byte
	m          *metrics.ReconcilerMetrics
	logger     *zap.SugaredLogger

	flushing     atomic.Bool
	reachability atomic.Int32
	seenCache    *ttlcache.Cache[string, bool]
	now          func() time.Time
}

func NewReconciler(
	ledger LedgerClient,
	transport Transport,
	store reconcilerStore,
	publisher SettlementPublisher,
	cfg Config,
	m *metrics.ReconcilerMetrics,
	logger *zap.SugaredLogger,
) *Reconciler {
	if cfg.ValidityWindow <= 0 {
		cfg.ValidityWindow = DefaultValidityWindow
	}
	if cfg.SeenRetention <= 0 {
		cfg.SeenRetention = DefaultSeenRetention
	}
	signingKey := cfg.SigningKey
	if len(signingKey) == 0 {
		signingKey = make([]byte, 32)
		if _, err := rand.Read(signingKey); err != nil {
			logger.Errorw("generating ephemeral signing key", "error", err)
		}
	}
	return &Reconciler{
		ledger:     ledger,
		transport:  transport,
		store:      store,
		publisher:  publisher,
		cfg:        cfg,
		signingKey: signingKey,
		m:          m,
		logger:     logger,
		seenCache:  ttlcache.New[string, bool](ttlcache.WithTTL[string, bool](cfg.SeenRetention)),
		now:        time.Now,
	}
}

// SubmitTransfer executes a transfer directly when the ledger is reachable.
// Otherwise it queues an offline payload and returns its pending projection,
// with no hash. Amounts are decimal strings; fractional digits below the
// minor unit scale are truncated.
func (r *Reconciler) SubmitTransfer(ctx context.Context, sender, recipient, amount, note string) (entities.Transaction, error) {
	if len(note) > entities.MaxNoteLength {
		return entities.Transaction{}, fmt.Errorf("note exceeds %d characters", entities.MaxNoteLength)
	}
	amountUnits, err := entities.ParseAmount(amount)
	if err != nil {
		return entities.Transaction{}, err
	}

	nonce, err := newNonce()
	if err != nil {
		return entities.Transaction{}, errors.Wrap(err, "generating nonce")
	}

	if r.probe(ctx) == entities.ReachabilityReachable {
		tx, err := r.ledger.Transfer(ctx, sender, recipient, amountUnits, note, nonce)
		if err != nil {
			return entities.Transaction{}, errors.Wrapf(err, "transferring to [%s]", recipient)
		}
		if err := r.store.AppendSettled(tx); err != nil {
			r.logger.Errorw("recording settled transfer", "hash", tx.Hash, "error", err)
		}
		r.publish(ctx, tx)
		return tx, nil
	}

	payload := entities.OfflinePayload{
		Sender:      sender,
		Recipient:   recipient,
		AmountUnits: amountUnits,
		Note:        note,
		Timestamp:   r.now().UnixMilli(),
		Nonce:       nonce,
	}
	// unsigned payloads are rejected by every processor, so a queued payload
	// without a signature could never settle on a peer
	payload.Signature = r.signPayload(payload)
	if _, err := r.store.AppendPending(payload); err != nil {
		return entities.Transaction{}, errors.Wrap(err, "queueing offline payload")
	}
	r.logger.Infow("ledger unreachable, queued offline payload", "nonce", nonce, "recipient", recipient)
	r.updateQueueGauge()

	return payload.Transaction(), nil
}

// FlushPending walks the queue in insertion order and tries to settle each
// payload, preferring the ledger over peer delivery. Each payload reaches a
// success or failure determination before the next one starts. Overlapping
// calls are a no-op returning 0: at most one flush is in flight.
//
// The returned count is the number of payloads settled by this call, not the
// queue's remaining size. Partial success is expected.
func (r *Reconciler) FlushPending(ctx context.Context) (int, error) {
	if !r.flushing.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer r.flushing.Store(false)

	start := r.now()
	defer func() {
		r.m.ObserveFlushDuration(time.Since(start).Seconds())
		r.updateQueueGauge()
	}()

	queued, err := r.store.PendingPayloads()
	if err != nil {
		return 0, errors.Wrap(err, "loading pending queue")
	}
	if len(queued) == 0 {
		return 0, nil
	}

	ledgerUp := r.probe(ctx) == entities.ReachabilityReachable

	var settled int
	for _, entry := range queued {
		payload := entry.Payload

		if payload.Expired(r.cfg.ValidityWindow, r.now()) {
			r.retire(ctx, entry, entities.StatusFailed, "")
			r.m.IncExpired()
			r.logger.Warnw("dropping expired payload",
				"nonce", payload.Nonce, "recipient", payload.Recipient, "error", entities.ErrTransactionExpired)
			continue
		}

		if ledgerUp {
			tx, err := r.ledger.Transfer(ctx, payload.Sender, payload.Recipient, payload.AmountUnits, payload.Note, payload.Nonce)
			switch {
			case err == nil:
				r.retire(ctx, entry, entities.StatusCompleted, tx.Hash)
				settled++
			case errors.Is(err, entities.ErrInsufficientFunds) || errors.Is(err, entities.ErrInvalidRecipient):
				// terminal, never retried
				r.retire(ctx, entry, entities.StatusFailed, "")
				r.logger.Warnw("payload failed terminally",
					"nonce", payload.Nonce, "recipient", payload.Recipient, "error", err)
			default:
				// transient, stays queued for a later flush
				ledgerUp = false
				r.logger.Infow("ledger failed mid flush, payload stays queued",
					"nonce", payload.Nonce, "error", err)
			}
			continue
		}

		if r.transport.Connected() {
			if r.transport.Send(ctx, payload) {
				r.retire(ctx, entry, entities.StatusCompleted, "")
				settled++
			}
			// a false send leaves the payload queued for the next flush
			continue
		}
	}

	return settled, nil
}

// retire removes a payload from the queue and records its outcome in the
// settled journal.
func (r *Reconciler) retire(ctx context.Context, entry entities.QueuedPayload, status entities.TransactionStatus, hash string) {
	tx := entry.Payload.Transaction()
	tx.Status = status
	tx.Hash = hash

	if err := r.store.RemovePending(entry.Seq); err != nil {
		r.logger.Errorw("removing settled payload from queue", "nonce", entry.Payload.Nonce, "error", err)
	}
	if err := r.store.AppendSettled(tx); err != nil {
		r.logger.Errorw("recording payload outcome", "nonce", entry.Payload.Nonce, "error", err)
	}

	if status == entities.StatusCompleted {
		r.m.IncSettled()
		r.publish(ctx, tx)
	} else {
		r.m.IncFailed()
	}
}

// HandlePayload processes one inbound peer payload. Duplicates by
// (sender, nonce) are discarded silently. Unsigned payloads are never
// settled. The pair is recorded as seen regardless of the settlement
// outcome, so a payload known to be invalid here is not retried.
func (r *Reconciler) HandlePayload(ctx context.Context, payload entities.OfflinePayload) error {
	seen, err := r.wasSeen(payload.Sender, payload.Nonce)
	if err != nil {
		return errors.Wrap(err, "checking seen set")
	}
	if seen {
		r.m.IncDuplicates()
		r.logger.Debugw("discarding duplicate payload",
			"sender", payload.Sender, "nonce", payload.Nonce, "reason", entities.ErrDuplicatePayload)
		return nil
	}

	if err := r.markSeen(payload.Sender, payload.Nonce); err != nil {
		return errors.Wrap(err, "recording seen pair")
	}

	if payload.Signature == "" {
		r.logger.Warnw("rejecting unsigned payload",
			"sender", payload.Sender, "nonce", payload.Nonce, "error", entities.ErrUnsignedPayload)
		return errors.Wrapf(entities.ErrUnsignedPayload, "payload [%s/%d]", payload.Sender, payload.Nonce)
	}

	tx, err := r.ledger.Transfer(ctx, payload.Sender, payload.Recipient, payload.AmountUnits, payload.Note, payload.Nonce)
	if err != nil {
		return errors.Wrapf(err, "settling inbound payload [%s/%d]", payload.Sender, payload.Nonce)
	}

	if err := r.store.AppendSettled(tx); err != nil {
		r.logger.Errorw("recording inbound settlement", "hash", tx.Hash, "error", err)
	}
	r.m.IncSettled()
	r.publish(ctx, tx)
	r.logger.Infow("settled inbound payload", "sender", payload.Sender, "nonce", payload.Nonce, "hash", tx.Hash)
	return nil
}

// Drain consumes inbound payloads from the channel until the context ends or
// the channel closes. Handler failures are logged, not fatal: the peer owns
// its own retry logic.
func (r *Reconciler) Drain(ctx context.Context, inbound <-chan entities.OfflinePayload) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-inbound:
			if !ok {
				return
			}
			if err := r.HandlePayload(ctx, payload); err != nil {
				r.logger.Warnw("handling inbound payload", "sender", payload.Sender, "nonce", payload.Nonce, "error", err)
			}
		}
	}
}

// ClearPending empties the queue without ledger confirmation. Destructive and
// user initiated: unsettled transfers are lost.
func (r *Reconciler) ClearPending() error {
	if err := r.store.ClearPending(); err != nil {
		return errors.Wrap(err, "clearing pending queue")
	}
	r.updateQueueGauge()
	return nil
}

// PendingTransactions projects the queue for read-only display callers.
func (r *Reconciler) PendingTransactions() ([]entities.Transaction, error) {
	queued, err := r.store.PendingPayloads()
	if err != nil {
		return nil, errors.Wrap(err, "loading pending queue")
	}
	txs := make([]entities.Transaction, 0, len(queued))
	for _, entry := range queued {
		txs = append(txs, entry.Payload.Transaction())
	}
	return txs, nil
}

// SettledTransactions returns the local settlement journal, oldest first.
func (r *Reconciler) SettledTransactions() ([]entities.Transaction, error) {
	return r.store.SettledTransactions()
}

// PurgeSeen drops seen entries older than the retention window and returns
// the number removed.
func (r *Reconciler) PurgeSeen() (int, error) {
	purged, err := r.store.PurgeSeenBefore(r.now().Add(-r.cfg.SeenRetention))
	if err != nil {
		return 0, errors.Wrap(err, "purging seen set")
	}
	return purged, nil
}

func (r *Reconciler) probe(ctx context.Context) entities.Reachability {
	reachability := r.ledger.Probe(ctx)
	r.reachability.Store(int32(reachability))
	r.m.SetLedgerReachable(reachability == entities.ReachabilityReachable)
	return reachability
}

// LedgerReachability reports the outcome of the most recent probe.
func (r *Reconciler) LedgerReachability() entities.Reachability {
	return entities.Reachability(r.reachability.Load())
}

func (r *Reconciler) wasSeen(sender string, nonce uint32) (bool, error) {
	if r.seenCache.Get(seenCacheKey(sender, nonce)) != nil {
		return true, nil
	}
	return r.store.WasSeen(sender, nonce)
}

func (r *Reconciler) markSeen(sender string, nonce uint32) error {
	if err := r.store.MarkSeen(sender, nonce, r.now()); err != nil {
		return err
	}
	r.seenCache.Set(seenCacheKey(sender, nonce), true, ttlcache.DefaultTTL)
	return nil
}

func (r *Reconciler) publish(ctx context.Context, tx entities.Transaction) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.PublishSettlement(ctx, tx); err != nil {
		// downstream indexing is best effort, settlement already happened
		r.logger.Warnw("publishing settlement event", "hash", tx.Hash, "error", err)
	}
}

func (r *Reconciler) updateQueueGauge() {
	queued, err := r.store.PendingPayloads()
	if err != nil {
		return
	}
	r.m.SetPendingPayloads(len(queued))
}

// signPayload authenticates the transfer intent with the device key. Peers
// only require a signature to be present; cross-device verification would
// need a key exchange this system does not have.
func (r *Reconciler) signPayload(payload entities.OfflinePayload) string {
	mac := hmac.New(sha256.New, r.signingKey)
	fmt.Fprintf(mac, "%s|%s|%d|%d|%d", payload.Sender, payload.Recipient, payload.AmountUnits, payload.Timestamp, payload.Nonce)
	return hex.EncodeToString(mac.Sum(nil))
}

func seenCacheKey(sender string, nonce uint32) string {
	return fmt.Sprintf("%s/%d", sender, nonce)
}

func newNonce() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}
