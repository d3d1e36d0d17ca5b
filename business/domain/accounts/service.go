// Package accounts manages linked bank accounts and their cached balances.
package accounts

import (
	"context"
	"time"

	"github.com/aptospay/offline-reconciler/entities"
	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type BalanceProvider interface {
	GetBalance(ctx context.Context, account string) (int64, error)
}

type accountStore interface {
	PutAccount(account entities.BankAccount) error
	GetAccount(id string) (entities.BankAccount, error)
	Accounts() ([]entities.BankAccount, error)
	SetPrimaryAccount(id string) error
}

const balanceCacheTTL = 30 * time.Second

type Service struct {
	ledger       BalanceProvider
	store        accountStore
	balanceCache *ttlcache.Cache[string, int64]
	logger       *zap.SugaredLogger
	now          func() time.Time
}

func NewService(ledger BalanceProvider, store accountStore, logger *zap.SugaredLogger) *Service {
	return &Service{
		ledger:       ledger,
		store:        store,
		balanceCache: ttlcache.New[string, int64](ttlcache.WithTTL[string, int64](balanceCacheTTL)),
		logger:       logger,
		now:          time.Now,
	}
}

// Link registers a bank account. The first linked account becomes primary.
func (s *Service) Link(account entities.BankAccount) error {
	if account.ID == "" {
		return errors.New("account id is empty")
	}
	existing, err := s.store.Accounts()
	if err != nil {
		return errors.Wrap(err, "loading accounts")
	}
	if len(existing) == 0 {
		account.IsPrimary = true
	}
	account.LastUpdated = s.now().UnixMilli()
	if err := s.store.PutAccount(account); err != nil {
		return errors.Wrapf(err, "storing account [%s]", account.ID)
	}
	s.logger.Infow("linked account", "id", account.ID, "bank", account.BankName, "primary", account.IsPrimary)
	return nil
}

// List returns all linked accounts.
func (s *Service) List() ([]entities.BankAccount, error) {
	return s.store.Accounts()
}

// Get returns one linked account by id.
func (s *Service) Get(id string) (entities.BankAccount, error) {
	return s.store.GetAccount(id)
}

// SetPrimary promotes the given account and demotes the previous primary in
// one atomic store write.
func (s *Service) SetPrimary(id string) error {
	if err := s.store.SetPrimaryAccount(id); err != nil {
		return errors.Wrapf(err, "promoting account [%s]", id)
	}
	s.logger.Infow("changed primary account", "id", id)
	return nil
}

// Primary returns the current primary account.
func (s *Service) Primary() (entities.BankAccount, error) {
	accounts, err := s.store.Accounts()
	if err != nil {
		return entities.BankAccount{}, errors.Wrap(err, "loading accounts")
	}
	for _, account := range accounts {
		if account.IsPrimary {
			return account, nil
		}
	}
	return entities.BankAccount{}, entities.ErrStoreEntityNotFound
}

// Balance returns the last known balance for the account. It serves from the
// short lived cache when fresh, falling back to the stored snapshot so
// balances stay readable while the ledger is unreachable.
func (s *Service) Balance(ctx context.Context, id string) (int64, error) {
	if cached := s.balanceCache.Get(id); cached != nil {
		return cached.Value(), nil
	}

	units, err := s.ledger.GetBalance(ctx, id)
	if err != nil {
		account, storeErr := s.store.GetAccount(id)
		if storeErr != nil {
			return 0, errors.Wrapf(err, "fetching balance for [%s]", id)
		}
		s.logger.Debugw("serving stored balance, ledger unavailable", "id", id, "error", err)
		return account.BalanceUnits, nil
	}

	s.balanceCache.Set(id, units, ttlcache.DefaultTTL)
	return units, nil
}

// RefreshBalances fetches fresh balances for every linked account in
// parallel and persists the new snapshots. Accounts whose fetch fails keep
// their previous balance.
func (s *Service) RefreshBalances(ctx context.Context) error {
	accounts, err := s.store.Accounts()
	if err != nil {
		return errors.Wrap(err, "loading accounts")
	}

	var errGroup errgroup.Group
	for _, account := range accounts {
		errGroup.Go(func() error {
			units, err := s.ledger.GetBalance(ctx, account.ID)
			if err != nil {
				s.logger.Warnw("refreshing balance", "id", account.ID, "error", err)
				return nil
			}
			account.BalanceUnits = units
			account.LastUpdated = s.now().UnixMilli()
			if err := s.store.PutAccount(account); err != nil {
				return errors.Wrapf(err, "storing refreshed account [%s]", account.ID)
			}
			s.balanceCache.Set(account.ID, units, ttlcache.DefaultTTL)
			return nil
		})
	}
	return errGroup.Wait()
}
