package pebbledb

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/aptospay/offline-reconciler/entities"
	"github.com/cockroachdb/pebble/v2"
	"github.com/pkg/errors"
)

// Key space layout. Each record type lives under its own single byte prefix
// so prefix iteration and range deletes stay cheap.
const (
	pendingKeyPrefix = 0x01 // + big-endian sequence -> OfflinePayload JSON
	seenKeyPrefix    = 0x02 // + sender + '/' + nonce -> big-endian unix milli
	accountKeyPrefix = 0x03 // + account id -> BankAccount JSON
	settledKeyPrefix = 0x04 // + big-endian sequence -> Transaction JSON
	valueKeyPrefix   = 0x05 // + caller key -> opaque string
)

type Store struct {
	db *pebble.DB

	mu      sync.Mutex
	nextSeq uint64
}

func NewStore(storeDir string) (*Store, error) {
	db, err := pebble.Open(filepath.Join(storeDir, "reconciler-store"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening pebble db: %v", err)
	}

	s := &Store{db: db}
	nextSeq, err := s.loadNextSequence()
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "loading next sequence")
	}
	s.nextSeq = nextSeq
	return s, nil
}

// loadNextSequence scans the queue prefixes for the highest used sequence so
// ordering survives process restarts.
func (s *Store) loadNextSequence() (uint64, error) {
	var next uint64
	for _, prefix := range []byte{pendingKeyPrefix, settledKeyPrefix} {
		iter, err := s.db.NewIter(prefixIterOptions(prefix))
		if err != nil {
			return 0, errors.Wrap(err, "creating iterator")
		}
		if iter.Last() && iter.Valid() {
			seq := binary.BigEndian.Uint64(iter.Key()[1:])
			if seq+1 > next {
				next = seq + 1
			}
		}
		if err := iter.Close(); err != nil {
			return 0, errors.Wrap(err, "closing iterator")
		}
	}
	return next, nil
}

func (s *Store) claimSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.nextSeq
	s.nextSeq++
	return seq
}

// AppendPending stores the payload at the tail of the pending queue and
// returns its sequence.
func (s *Store) AppendPending(payload entities.OfflinePayload) (uint64, error) {
	seq := s.claimSeq()

	value, err := json.Marshal(payload)
	if err != nil {
		return 0, errors.Wrap(err, "marshalling payload")
	}

	if err := s.db.Set(seqKey(pendingKeyPrefix, seq), value, pebble.Sync); err != nil {
		return 0, errors.Wrapf(err, "storing pending payload [%d]", seq)
	}
	return seq, nil
}

// PendingPayloads returns the queue in insertion order.
func (s *Store) PendingPayloads() ([]entities.QueuedPayload, error) {
	iter, err := s.db.NewIter(prefixIterOptions(pendingKeyPrefix))
	if err != nil {
		return nil, errors.Wrap(err, "creating iterator")
	}
	defer closeIter(iter)

	var queued []entities.QueuedPayload
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, errors.Wrap(err, "getting value from iter")
		}

		var payload entities.OfflinePayload
		if err := json.Unmarshal(value, &payload); err != nil {
			return nil, errors.Wrap(err, "unmarshalling payload")
		}
		queued = append(queued, entities.QueuedPayload{
			Seq:     binary.BigEndian.Uint64(iter.Key()[1:]),
			Payload: payload,
		})
	}
	return queued, nil
}

// PendingCount reports the number of queued payloads.
func (s *Store) PendingCount() (int, error) {
	queued, err := s.PendingPayloads()
	if err != nil {
		return 0, err
	}
	return len(queued), nil
}

// RemovePending deletes one queue entry by sequence.
func (s *Store) RemovePending(seq uint64) error {
	if err := s.db.Delete(seqKey(pendingKeyPrefix, seq), pebble.Sync); err != nil {
		return errors.Wrapf(err, "deleting pending payload [%d]", seq)
	}
	return nil
}

// ClearPending drops the whole queue. Destructive, caller initiated.
func (s *Store) ClearPending() error {
	if err := s.deletePrefix(pendingKeyPrefix); err != nil {
		return errors.Wrap(err, "clearing pending queue")
	}
	return nil
}

// MarkSeen records a processed (sender, nonce) pair with its processing time.
func (s *Store) MarkSeen(sender string, nonce uint32, processedAt time.Time) error {
	var value []byte
	value = binary.BigEndian.AppendUint64(value, uint64(processedAt.UnixMilli()))

	if err := s.db.Set(seenKey(sender, nonce), value, pebble.Sync); err != nil {
		return errors.Wrapf(err, "marking [%s/%d] seen", sender, nonce)
	}
	return nil
}

// WasSeen reports whether the (sender, nonce) pair was already processed.
func (s *Store) WasSeen(sender string, nonce uint32) (bool, error) {
	_, closer, err := s.db.Get(seenKey(sender, nonce))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "getting seen entry [%s/%d]", sender, nonce)
	}
	defer closeQuietly(closer)
	return true, nil
}

// PurgeSeenBefore removes seen entries processed before the cutoff and
// returns the number removed. Called periodically to bound retention.
func (s *Store) PurgeSeenBefore(cutoff time.Time) (int, error) {
	iter, err := s.db.NewIter(prefixIterOptions(seenKeyPrefix))
	if err != nil {
		return 0, errors.Wrap(err, "creating iterator")
	}
	defer closeIter(iter)

	var stale [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return 0, errors.Wrap(err, "getting value from iter")
		}
		processedAt := time.UnixMilli(int64(binary.BigEndian.Uint64(value)))
		if processedAt.Before(cutoff) {
			key := make([]byte, len(iter.Key()))
			copy(key, iter.Key())
			stale = append(stale, key)
		}
	}

	for _, key := range stale {
		if err := s.db.Delete(key, pebble.Sync); err != nil {
			return 0, errors.Wrap(err, "deleting stale seen entry")
		}
	}
	return len(stale), nil
}

// AppendSettled records a settled or failed transaction in the journal.
func (s *Store) AppendSettled(tx entities.Transaction) error {
	seq := s.claimSeq()

	value, err := json.Marshal(tx)
	if err != nil {
		return errors.Wrap(err, "marshalling transaction")
	}
	if err := s.db.Set(seqKey(settledKeyPrefix, seq), value, pebble.Sync); err != nil {
		return errors.Wrapf(err, "storing settled transaction [%d]", seq)
	}
	return nil
}

// SettledTransactions returns the journal in settlement order.
func (s *Store) SettledTransactions() ([]entities.Transaction, error) {
	iter, err := s.db.NewIter(prefixIterOptions(settledKeyPrefix))
	if err != nil {
		return nil, errors.Wrap(err, "creating iterator")
	}
	defer closeIter(iter)

	var txs []entities.Transaction
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, errors.Wrap(err, "getting value from iter")
		}
		var tx entities.Transaction
		if err := json.Unmarshal(value, &tx); err != nil {
			return nil, errors.Wrap(err, "unmarshalling transaction")
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// PutAccount upserts one cached account record.
func (s *Store) PutAccount(account entities.BankAccount) error {
	value, err := json.Marshal(account)
	if err != nil {
		return errors.Wrap(err, "marshalling account")
	}
	if err := s.db.Set(accountKey(account.ID), value, pebble.Sync); err != nil {
		return errors.Wrapf(err, "storing account [%s]", account.ID)
	}
	return nil
}

// GetAccount returns one cached account or ErrStoreEntityNotFound.
func (s *Store) GetAccount(id string) (entities.BankAccount, error) {
	value, closer, err := s.db.Get(accountKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return entities.BankAccount{}, entities.ErrStoreEntityNotFound
	}
	if err != nil {
		return entities.BankAccount{}, errors.Wrapf(err, "getting account [%s]", id)
	}
	defer closeQuietly(closer)

	var account entities.BankAccount
	if err := json.Unmarshal(value, &account); err != nil {
		return entities.BankAccount{}, errors.Wrap(err, "unmarshalling account")
	}
	return account, nil
}

// Accounts returns all cached accounts ordered by id.
func (s *Store) Accounts() ([]entities.BankAccount, error) {
	iter, err := s.db.NewIter(prefixIterOptions(accountKeyPrefix))
	if err != nil {
		return nil, errors.Wrap(err, "creating iterator")
	}
	defer closeIter(iter)

	var accounts []entities.BankAccount
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, errors.Wrap(err, "getting value from iter")
		}
		var account entities.BankAccount
		if err := json.Unmarshal(value, &account); err != nil {
			return nil, errors.Wrap(err, "unmarshalling account")
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// SetPrimaryAccount marks one account as primary and clears the flag on every
// other account in the same batch, so there is never more than one primary.
func (s *Store) SetPrimaryAccount(id string) error {
	accounts, err := s.Accounts()
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer closeQuietly(batch)

	var found bool
	for _, account := range accounts {
		isTarget := account.ID == id
		if isTarget {
			found = true
		}
		if account.IsPrimary == isTarget {
			continue
		}
		account.IsPrimary = isTarget
		value, err := json.Marshal(account)
		if err != nil {
			return errors.Wrap(err, "marshalling account")
		}
		if err := batch.Set(accountKey(account.ID), value, nil); err != nil {
			return errors.Wrapf(err, "batching account [%s]", account.ID)
		}
	}
	if !found {
		return entities.ErrStoreEntityNotFound
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return errors.Wrap(err, "committing primary account swap")
	}
	return nil
}

// GetValue, SetValue, RemoveValue and ClearValues form the generic string
// store the outer application uses for profile and session records.
func (s *Store) GetValue(key string) (string, error) {
	value, closer, err := s.db.Get(valueKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", entities.ErrStoreEntityNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "getting value for key [%s]", key)
	}
	defer closeQuietly(closer)
	return string(value), nil
}

func (s *Store) SetValue(key, value string) error {
	if err := s.db.Set(valueKey(key), []byte(value), pebble.Sync); err != nil {
		return errors.Wrapf(err, "setting key [%s]", key)
	}
	return nil
}

func (s *Store) RemoveValue(key string) error {
	if err := s.db.Delete(valueKey(key), pebble.Sync); err != nil {
		return errors.Wrapf(err, "deleting key [%s]", key)
	}
	return nil
}

func (s *Store) ClearValues() error {
	if err := s.deletePrefix(valueKeyPrefix); err != nil {
		return errors.Wrap(err, "clearing values")
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) deletePrefix(prefix byte) error {
	return s.db.DeleteRange([]byte{prefix}, []byte{prefix + 1}, pebble.Sync)
}

func seqKey(prefix byte, seq uint64) []byte {
	key := []byte{prefix}
	return binary.BigEndian.AppendUint64(key, seq)
}

func seenKey(sender string, nonce uint32) []byte {
	key := []byte{seenKeyPrefix}
	key = append(key, sender...)
	key = append(key, '/')
	return binary.BigEndian.AppendUint32(key, nonce)
}

func accountKey(id string) []byte {
	return append([]byte{accountKeyPrefix}, id...)
}

func valueKey(key string) []byte {
	return append([]byte{valueKeyPrefix}, key...)
}

func prefixIterOptions(prefix byte) *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: []byte{prefix},
		UpperBound: []byte{prefix + 1},
	}
}

func closeIter(iter *pebble.Iterator) {
	if err := iter.Close(); err != nil {
		log.Printf("[ERROR] closing iterator: %v", err)
	}
}

func closeQuietly(closer io.Closer) {
	if err := closer.Close(); err != nil {
		log.Printf("[ERROR] closing db resource: %v", err)
	}
}
