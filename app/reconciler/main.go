package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aptospay/offline-reconciler/api"
	"github.com/aptospay/offline-reconciler/business/domain/accounts"
	"github.com/aptospay/offline-reconciler/business/domain/reconcile"
	"github.com/aptospay/offline-reconciler/entities"
	"github.com/aptospay/offline-reconciler/external/elastic"
	"github.com/aptospay/offline-reconciler/external/kafka"
	"github.com/aptospay/offline-reconciler/external/ledger"
	"github.com/aptospay/offline-reconciler/external/proximity"
	"github.com/aptospay/offline-reconciler/infrastructure/store/pebbledb"
	"github.com/aptospay/offline-reconciler/metrics"
	"github.com/ardanlabs/conf"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const envPrefix = "APTOSPAY_RECONCILER"

func main() {
	if err := run(); err != nil {
		log.Fatalf("main: exited with error: %s", err.Error())
	}
}

func run() error {
	log.SetOutput(os.Stdout) // default is stderr

	config := zap.NewProductionConfig()
	// this is just for sugar, to display a readable date instead of an epoch time
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)

	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("creating logger: %v", err)
	}
	defer logger.Sync()
	sLogger := logger.Sugar()

	var cfg struct {
		Ledger struct {
			BaseUrl        string        `conf:"default:http://localhost:8080"`
			RequestTimeout time.Duration `conf:"default:15s"`
		}
		Broker struct {
			Enabled          bool     `conf:"default:false"`
			BootstrapServers []string `conf:"default:localhost:9092"`
			ProduceTopic     string   `conf:"default:aptospay-settlements"`
		}
		Elastic struct {
			Enabled           bool          `conf:"default:false"`
			Address           string        `conf:"default:https://localhost:9200"`
			TransactionsIndex string        `conf:"default:aptospay-transactions"`
			RequestTimeout    time.Duration `conf:"default:10s"`
		}
		Proximity struct {
			ListenAddr  string        `conf:"optional"` // empty means capability absent
			SendTimeout time.Duration `conf:"default:10s"`
		}
		Reconcile struct {
			InternalStoreFolder string        `conf:"default:store"`
			SigningKey          string        `conf:"optional,noprint"`
			ValidityWindow      time.Duration `conf:"default:72h"`
			SeenRetention       time.Duration `conf:"default:720h"`
			FlushInterval       time.Duration `conf:"default:30s"`
			SeenPurgeInterval   time.Duration `conf:"default:1h"`
			BalanceInterval     time.Duration `conf:"default:5m"`
			ServerPort          int           `conf:"default:8000"`
			MetricsPort         int           `conf:"default:9999"`
			MetricsNamespace    string        `conf:"default:aptospay"`
		}
	}

	// load config
	if err := conf.Parse(os.Args[1:], envPrefix, &cfg); err != nil {
		switch {
		case errors.Is(err, conf.ErrHelpWanted):
			usage, err := conf.Usage(envPrefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config usage")
			}
			fmt.Println(usage)
			return nil
		case errors.Is(err, conf.ErrVersionWanted):
			version, err := conf.VersionString(envPrefix, &cfg)
			if err != nil {
				return errors.Wrap(err, "generating config version")
			}
			fmt.Println(version)
			return nil
		}
		return errors.Wrap(err, "parsing config")
	}

	out, err := conf.String(&cfg)
	if err != nil {
		return errors.Wrap(err, "generating config for output")
	}
	log.Printf("main: Config :\n%v\n", out)

	store, err := pebbledb.NewStore(cfg.Reconcile.InternalStoreFolder)
	if err != nil {
		return errors.Wrap(err, "creating store")
	}
	defer store.Close()

	ledgerClient, err := ledger.NewClient(cfg.Ledger.BaseUrl, cfg.Ledger.RequestTimeout)
	if err != nil {
		return errors.Wrap(err, "creating ledger client")
	}

	var publishers []reconcile.SettlementPublisher
	if cfg.Broker.Enabled {
		m := kprom.NewMetrics(cfg.Reconcile.MetricsNamespace,
			kprom.Registerer(prometheus.DefaultRegisterer),
			kprom.Gatherer(prometheus.DefaultGatherer))
		kcl, err := kgo.NewClient(
			kgo.WithHooks(m),
			kgo.SeedBrokers(cfg.Broker.BootstrapServers...),
			kgo.DefaultProduceTopic(cfg.Broker.ProduceTopic),
			kgo.ProducerBatchCompression(kgo.ZstdCompression()),
			kgo.WithLogger(kgo.BasicLogger(os.Stdout, kgo.LogLevelInfo, nil)),
		)
		if err != nil {
			return errors.Wrap(err, "creating kafka client")
		}
		defer kcl.Close()
		publishers = append(publishers, kafka.NewClient(kcl))
	} else {
		log.Println("[WARN] main: Settlement event publishing disabled")
	}

	if cfg.Elastic.Enabled {
		elasticClient, err := elastic.NewClient(cfg.Elastic.Address, cfg.Elastic.TransactionsIndex, cfg.Elastic.RequestTimeout)
		if err != nil {
			return errors.Wrap(err, "creating elastic client")
		}
		publishers = append(publishers, &elasticIndexer{client: elasticClient})
	} else {
		log.Println("[WARN] main: Transaction indexing disabled")
	}

	link := proximity.NewLink(proximity.Config{
		ListenAddr:  cfg.Proximity.ListenAddr,
		SendTimeout: cfg.Proximity.SendTimeout,
	}, sLogger)
	if link.Enable() {
		log.Printf("main: Proximity link listening on [%s].", link.Addr())
	} else {
		log.Println("[WARN] main: Proximity capability absent")
	}
	defer link.Disable()

	procMetrics := metrics.NewReconcilerMetrics(cfg.Reconcile.MetricsNamespace)
	reconciler := reconcile.NewReconciler(ledgerClient, link, store, multiPublisher(publishers), reconcile.Config{
		ValidityWindow: cfg.Reconcile.ValidityWindow,
		SeenRetention:  cfg.Reconcile.SeenRetention,
		SigningKey:     []byte(cfg.Reconcile.SigningKey),
	}, procMetrics, sLogger)

	accountService := accounts.NewService(ledgerClient, store, sLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go reconciler.Drain(ctx, link.Receive())
	go runLoops(ctx, cfg.Reconcile.FlushInterval, cfg.Reconcile.SeenPurgeInterval, cfg.Reconcile.BalanceInterval, reconciler, accountService, sLogger)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// status endpoint
	apiError := make(chan error, 1)
	go func() {
		mux := http.NewServeMux()
		server := api.NewHandler(reconciler)
		mux.HandleFunc("/v1/health", server.GetHealth)
		mux.HandleFunc("/v1/status", server.GetStatus)
		mux.HandleFunc("/v1/transactions/pending", server.GetPendingTransactions)
		mux.HandleFunc("/v1/transactions/settled", server.GetSettledTransactions)
		log.Printf("main: Starting server on port [%d].", cfg.Reconcile.ServerPort)
		apiError <- http.ListenAndServe(fmt.Sprintf(":%d", cfg.Reconcile.ServerPort), mux)
	}()

	metricsError := make(chan error, 1)
	go func() {
		log.Printf("main: Starting metrics server on port [%d].", cfg.Reconcile.MetricsPort)
		http.Handle("/metrics", promhttp.Handler())
		metricsError <- http.ListenAndServe(fmt.Sprintf(":%d", cfg.Reconcile.MetricsPort), nil)
	}()

	log.Println("main: Service started.")

	for {
		select {
		case <-shutdown:
			log.Println("main: Received shutdown signal, shutting down...")
			return nil
		case err := <-metricsError:
			return fmt.Errorf("[ERROR] starting server: %v", err)
		case err := <-apiError:
			return fmt.Errorf("[ERROR] starting server: %v", err)
		}
	}
}

// runLoops drives the periodic flush, seen set purge, and balance refresh.
func runLoops(ctx context.Context, flushInterval, purgeInterval, balanceInterval time.Duration,
	reconciler *reconcile.Reconciler, accountService *accounts.Service, logger *zap.SugaredLogger) {

	flushTicker := time.NewTicker(flushInterval)
	defer flushTicker.Stop()
	purgeTicker := time.NewTicker(purgeInterval)
	defer purgeTicker.Stop()
	balanceTicker := time.NewTicker(balanceInterval)
	defer balanceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flushTicker.C:
			settled, err := reconciler.FlushPending(ctx)
			if err != nil {
				logger.Errorw("flushing pending queue", "error", err)
			} else if settled > 0 {
				logger.Infow("flushed pending queue", "settled", settled)
			}
		case <-purgeTicker.C:
			purged, err := reconciler.PurgeSeen()
			if err != nil {
				logger.Errorw("purging seen set", "error", err)
			} else if purged > 0 {
				logger.Infow("purged seen entries", "count", purged)
			}
		case <-balanceTicker.C:
			if err := accountService.RefreshBalances(ctx); err != nil {
				logger.Errorw("refreshing balances", "error", err)
			}
		}
	}
}

// multiPublisher fans a settlement out to every configured downstream.
type multiPublisher []reconcile.SettlementPublisher

func (mp multiPublisher) PublishSettlement(ctx context.Context, tx entities.Transaction) error {
	for _, publisher := range mp {
		if err := publisher.PublishSettlement(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}

// elasticIndexer adapts the bulk transaction indexer to the single settlement
// publish hook.
type elasticIndexer struct {
	client *elastic.Client
}

func (e *elasticIndexer) PublishSettlement(ctx context.Context, tx entities.Transaction) error {
	return e.client.IndexTransactions(ctx, []entities.Transaction{tx})
}
