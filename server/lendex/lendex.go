// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package lendex creates and controls the lifetime of all components of the
// lending engine, and exposes the core operations to the API and admin
// servers.
package lendex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"lendex.org/lendex/dex"
	"lendex.org/lendex/dex/wait"
	"lendex.org/lendex/server/account"
	"lendex.org/lendex/server/comms"
	"lendex.org/lendex/server/db"
	"lendex.org/lendex/server/db/driver/badgerdb"
	"lendex.org/lendex/server/db/driver/pg"
	"lendex.org/lendex/server/kyc"
	"lendex.org/lendex/server/ledger"
	"lendex.org/lendex/server/loan"
	"lendex.org/lendex/server/matcher"
	"lendex.org/lendex/server/notify"
	"lendex.org/lendex/server/offers"
	"lendex.org/lendex/server/settle"
	"lendex.org/lendex/server/withdraw"
)

// DefaultHousekeepingInterval is the period of the housekeeping loop.
const DefaultHousekeepingInterval = time.Minute

// DBConf selects and configures the database driver.
type DBConf struct {
	// Driver is badgerdb.DriverName or pg.DriverName.
	Driver string
	Badger badgerdb.Config
	PG     pg.Config
}

func (c *DBConf) driverConfig() (any, error) {
	switch c.Driver {
	case badgerdb.DriverName:
		return &c.Badger, nil
	case pg.DriverName:
		return &c.PG, nil
	}
	return nil, fmt.Errorf("unknown database driver %q", c.Driver)
}

// Config is the configuration data required to create a new Lendex.
type Config struct {
	DB *DBConf
	// Comms configures the HTTP API server. Core, Hub and Clock are set by
	// NewLendex. With nil Comms no API server is started.
	Comms        *comms.Config
	MaxWSClients int
	Clock        loan.Clock
	Backoff      wait.Backoff
	// HoldPeriod defaults to loan.HoldPeriod.
	HoldPeriod   time.Duration
	MinimumOffer uint64
	// MaxOfferAge is the age at which pending offers expire. Zero disables
	// expiry.
	MaxOfferAge          time.Duration
	ProposalTimeout      time.Duration
	HousekeepingInterval time.Duration
	// KYCLimits are the offer limits per KYC level. Nil disables KYC gating.
	KYCLimits kyc.Limits
	// RedisAddr enables the KYC level cache.
	RedisAddr   string
	KYCCacheTTL time.Duration
	// Kafka enables event publishing to a Kafka topic.
	Kafka *notify.KafkaConfig
}

// Lendex is the engine manager.
type Lendex struct {
	storage  db.LendexArchivist
	ledger   *ledger.Ledger
	offers   *offers.Registry
	matcher  *matcher.Matcher
	settle   *settle.Workflow
	withdraw *withdraw.Processor
	kycCache *kyc.CachedDirectory
	redis    *redis.Client
	hub      *comms.Hub
	server   *comms.Server
	kafka    *notify.KafkaPublisher

	housekeepingInterval time.Duration
	closeOnce            sync.Once
	closeErr             error
}

// NewLendex opens the database and creates every component. ctx bounds the
// lifetime of the database. Start the servers and background work with Run.
func NewLendex(ctx context.Context, cfg *Config) (*Lendex, error) {
	if cfg.DB == nil {
		return nil, errors.New("no database configuration")
	}
	drvCfg, err := cfg.DB.driverConfig()
	if err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = loan.SystemClock{}
	}

	errCloser := dex.NewErrorCloser()
	defer errCloser.Done(log)

	log.Infof("Opening %s database...", cfg.DB.Driver)
	storage, err := db.Open(ctx, cfg.DB.Driver, drvCfg)
	if err != nil {
		return nil, fmt.Errorf("db.Open: %w", err)
	}
	errCloser.Add(storage.Close)

	l := &Lendex{
		storage:              storage,
		hub:                  comms.NewHub(cfg.MaxWSClients),
		housekeepingInterval: cfg.HousekeepingInterval,
	}
	if l.housekeepingInterval <= 0 {
		l.housekeepingInterval = DefaultHousekeepingInterval
	}

	// Every event goes to the account's websocket connections, the optional
	// Kafka topic, and the debug log.
	notifier := notify.Multi{l.hub}
	if cfg.Kafka != nil {
		if l.kafka, err = notify.NewKafkaPublisher(cfg.Kafka); err != nil {
			return nil, err
		}
		notifier = append(notifier, l.kafka)
		log.Infof("Publishing events to kafka topic %q", cfg.Kafka.Topic)
	}
	notifier = append(notifier, &notify.Logger{Log: log})

	var directory kyc.Directory = &kyc.StoreDirectory{Store: storage}
	if cfg.RedisAddr != "" {
		if l.redis, err = kyc.Connect(cfg.RedisAddr); err != nil {
			return nil, err
		}
		errCloser.Add(l.redis.Close)
		if err := l.redis.Ping(ctx).Err(); err != nil {
			log.Warnf("Redis at %s is unreachable. KYC levels are read from the store until it is: %v",
				cfg.RedisAddr, err)
		}
		l.kycCache = kyc.NewCachedDirectory(directory, l.redis, cfg.KYCCacheTTL)
		directory = l.kycCache
	}
	if cfg.KYCLimits == nil {
		log.Warnf("No KYC limits configured. Any account may create offers of any size.")
	} else {
		log.Infof("KYC offer limits: %s", cfg.KYCLimits)
	}

	l.ledger = ledger.NewLedger(&ledger.Config{
		Store:   storage,
		Clock:   clock,
		Backoff: cfg.Backoff,
	})

	l.offers, err = offers.NewRegistry(&offers.Config{
		Store:        storage,
		Ledger:       l.ledger,
		Directory:    directory,
		Limits:       cfg.KYCLimits,
		Notifier:     notifier,
		Clock:        clock,
		Backoff:      cfg.Backoff,
		MinimumOffer: cfg.MinimumOffer,
		MaxOfferAge:  cfg.MaxOfferAge,
		HoldPeriod:   cfg.HoldPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("NewRegistry: %w", err)
	}

	l.matcher, err = matcher.New(&matcher.Config{
		Store:           storage,
		Notifier:        notifier,
		Clock:           clock,
		Backoff:         cfg.Backoff,
		HoldPeriod:      cfg.HoldPeriod,
		ProposalTimeout: cfg.ProposalTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("matcher.New: %w", err)
	}

	l.settle, err = settle.NewWorkflow(&settle.Config{
		Store:    storage,
		Ledger:   l.ledger,
		Notifier: notifier,
		Clock:    clock,
		Backoff:  cfg.Backoff,
	})
	if err != nil {
		return nil, fmt.Errorf("NewWorkflow: %w", err)
	}

	l.withdraw, err = withdraw.NewProcessor(&withdraw.Config{
		Store:    storage,
		Ledger:   l.ledger,
		Notifier: notifier,
		Clock:    clock,
		Backoff:  cfg.Backoff,
	})
	if err != nil {
		return nil, fmt.Errorf("NewProcessor: %w", err)
	}

	if cfg.Comms != nil {
		commsCfg := *cfg.Comms
		commsCfg.Core = l
		commsCfg.Hub = l.hub
		commsCfg.Clock = clock
		if l.server, err = comms.NewServer(&commsCfg); err != nil {
			return nil, fmt.Errorf("comms.NewServer: %w", err)
		}
	}

	errCloser.Success()
	return l, nil
}

// Run starts the API server, the event publisher and the housekeeping loop,
// and blocks until ctx is canceled and they have stopped. The database is
// closed on return.
func (l *Lendex) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if l.server != nil {
		g.Go(func() error {
			l.server.Run(ctx)
			log.Infof("API server stopped.")
			return nil
		})
	}
	if l.kafka != nil {
		g.Go(func() error {
			l.kafka.Run(ctx)
			log.Infof("Kafka publisher stopped.")
			return nil
		})
	}
	g.Go(func() error {
		l.runHousekeeping(ctx)
		return nil
	})
	err := g.Wait()
	if cerr := l.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

// Close releases the database and the cache client. Close is called by Run.
func (l *Lendex) Close() error {
	l.closeOnce.Do(func() {
		var errs []error
		if l.redis != nil {
			errs = append(errs, l.redis.Close())
		}
		if err := l.storage.Close(); err != nil {
			log.Errorf("LendexArchivist.Close: %v", err)
			errs = append(errs, err)
		}
		l.closeErr = errors.Join(errs...)
	})
	return l.closeErr
}

// Hub is the websocket notification hub.
func (l *Lendex) Hub() *comms.Hub {
	return l.hub
}

// CreateAccount opens an account.
func (l *Lendex) CreateAccount(ctx context.Context, aid account.AccountID, level account.KYCLevel) (*account.Account, error) {
	return l.ledger.CreateAccount(ctx, aid, level)
}

// Account retrieves the account.
func (l *Lendex) Account(ctx context.Context, aid account.AccountID) (*account.Account, error) {
	return l.ledger.Account(ctx, aid)
}

// Entries retrieves the account's ledger entries.
func (l *Lendex) Entries(ctx context.Context, aid account.AccountID) ([]*account.LedgerEntry, error) {
	return l.ledger.Entries(ctx, aid)
}

// Deposit credits an external deposit identified by refID.
func (l *Lendex) Deposit(ctx context.Context, aid account.AccountID, amt uint64, refID string) (*account.LedgerEntry, error) {
	return l.ledger.Deposit(ctx, aid, amt, refID)
}

// VerifyAccount checks the account's balances against its ledger entries.
func (l *Lendex) VerifyAccount(ctx context.Context, aid account.AccountID) error {
	return l.ledger.Verify(ctx, aid)
}

// SetKYCLevel records the account's KYC level and drops any cached level.
func (l *Lendex) SetKYCLevel(ctx context.Context, aid account.AccountID, level account.KYCLevel) (*account.Account, error) {
	acct, err := l.ledger.SetKYCLevel(ctx, aid, level)
	if err != nil {
		return nil, err
	}
	if l.kycCache != nil {
		l.kycCache.Invalidate(ctx, aid)
	}
	return acct, nil
}

// CreateOffer creates a pending offer.
func (l *Lendex) CreateOffer(ctx context.Context, owner account.AccountID, kind loan.Kind, amt uint64) (*loan.Offer, error) {
	return l.offers.CreateOffer(ctx, owner, kind, amt)
}

// CancelOffer cancels the actor's pending offer.
func (l *Lendex) CancelOffer(ctx context.Context, oid loan.OfferID, actor account.AccountID) (*loan.Offer, error) {
	return l.offers.CancelOffer(ctx, oid, actor)
}

// ExpireOffer cancels a pending offer on behalf of the system account.
func (l *Lendex) ExpireOffer(ctx context.Context, oid loan.OfferID) (*loan.Offer, error) {
	return l.offers.CancelOffer(ctx, oid, account.SystemID)
}

// ExpireStale cancels every pending offer past the maximum offer age.
func (l *Lendex) ExpireStale(ctx context.Context) (int, error) {
	return l.offers.ExpireStale(ctx)
}

// Offer retrieves the offer.
func (l *Lendex) Offer(ctx context.Context, oid loan.OfferID) (*loan.Offer, error) {
	return l.offers.Offer(ctx, oid)
}

// OffersForAccount retrieves the account's offers.
func (l *Lendex) OffersForAccount(ctx context.Context, aid account.AccountID) ([]*loan.Offer, error) {
	return l.offers.OffersForAccount(ctx, aid)
}

// ListReadyOffers lists the pending offers of the kind that are ready to
// match.
func (l *Lendex) ListReadyOffers(ctx context.Context, kind loan.Kind) ([]*loan.Offer, error) {
	return l.matcher.ListReadyOffers(ctx, kind)
}

// CreateMatch binds the lend offers to the borrow offer.
func (l *Lendex) CreateMatch(ctx context.Context, lenderOfferIDs []loan.OfferID, borrowerOfferID loan.OfferID) (*loan.Match, error) {
	return l.matcher.CreateMatch(ctx, lenderOfferIDs, borrowerOfferID)
}

// CreateSyntheticMatch binds the lend offers to a synthetic counterparty.
func (l *Lendex) CreateSyntheticMatch(ctx context.Context, lenderOfferIDs []loan.OfferID, ref string, operator account.AccountID) (*loan.Match, error) {
	return l.matcher.CreateSyntheticMatch(ctx, lenderOfferIDs, ref, operator)
}

// Match retrieves the match.
func (l *Lendex) Match(ctx context.Context, mid loan.MatchID) (*loan.Match, error) {
	return l.settle.Match(ctx, mid)
}

// MatchesForAccount retrieves the matches in which the account is a party.
func (l *Lendex) MatchesForAccount(ctx context.Context, aid account.AccountID) ([]*loan.Match, error) {
	return l.settle.MatchesForAccount(ctx, aid)
}

// ArchivedMatches retrieves up to n archived matches.
func (l *Lendex) ArchivedMatches(ctx context.Context, n int) ([]*loan.Match, error) {
	return l.settle.ArchivedMatches(ctx, n)
}

// AttestLenderPaid records a lender's payment attestation.
func (l *Lendex) AttestLenderPaid(ctx context.Context, mid loan.MatchID, actor account.AccountID) (*loan.Match, error) {
	return l.settle.AttestLenderPaid(ctx, mid, actor)
}

// AttestCounterpartyReceived records the counterparty's receipt attestation.
func (l *Lendex) AttestCounterpartyReceived(ctx context.Context, mid loan.MatchID, actor account.AccountID) (*loan.Match, error) {
	return l.settle.AttestCounterpartyReceived(ctx, mid, actor)
}

// AttestDepositMade records the counterparty's deposit attestation.
func (l *Lendex) AttestDepositMade(ctx context.Context, mid loan.MatchID, actor account.AccountID) (*loan.Match, error) {
	return l.settle.AttestDepositMade(ctx, mid, actor)
}

// Reject terminates a match on behalf of an operator.
func (l *Lendex) Reject(ctx context.Context, mid loan.MatchID, operator account.AccountID, reason string) (*loan.Match, error) {
	return l.settle.Reject(ctx, mid, operator, reason)
}

// Withdraw pays out the match to its lenders.
func (l *Lendex) Withdraw(ctx context.Context, mid loan.MatchID, actor account.AccountID) (*loan.Payout, error) {
	return l.withdraw.Withdraw(ctx, mid, actor)
}
