//go:build !ci
// +build !ci

package elastic

import (
	"context"
	"flag"
	"log"
	"os"
	"testing"
	"time"

	"github.com/aptospay/offline-reconciler/entities"
	"github.com/ardanlabs/conf"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
)

var (
	elasticClient *Client
)

func TestElasticClient_indexTransactions(t *testing.T) {
	err := elasticClient.IndexTransactions(context.Background(), []entities.Transaction{
		{
			Hash:        "0xintegration-test-1",
			Sender:      "0xalice",
			Recipient:   "0xbob",
			AmountUnits: 12_3400_0000,
			Timestamp:   time.Now().UnixMilli(),
			Status:      entities.StatusCompleted,
			Note:        "integration test",
		},
	})
	assert.NoError(t, err)
}

func TestElasticClient_indexTransactions_givenNoHash_thenIndexWithoutError(t *testing.T) {
	err := elasticClient.IndexTransactions(context.Background(), []entities.Transaction{
		{
			Sender:      "0xalice",
			Recipient:   "0xbob",
			AmountUnits: 5000_0000,
			Timestamp:   time.Now().UnixMilli(),
			Status:      entities.StatusCompleted,
		},
	})
	assert.NoError(t, err)
}

func TestMain(m *testing.M) {
	setup()
	// Parse args and run
	flag.Parse()
	exitCode := m.Run()
	// Exit
	os.Exit(exitCode)
}

func setup() {
	const envPrefix = "APTOSPAY_RECONCILER"
	err := godotenv.Load("../../.env.local")
	if err != nil {
		log.Printf("[WARN] no env file found")
	}
	var cfg struct {
		Elastic struct {
			Address           string        `conf:"default:http://localhost:9200"`
			TransactionsIndex string        `conf:"default:aptospay-transactions-test"`
			RequestTimeout    time.Duration `conf:"default:10s"`
		}
	}
	err = conf.Parse(os.Args[1:], envPrefix, &cfg)
	if err != nil {
		log.Fatalf("error getting config: %v", err)
	}

	elasticClient, err = NewClient(cfg.Elastic.Address, cfg.Elastic.TransactionsIndex, cfg.Elastic.RequestTimeout)
	if err != nil {
		log.Fatalf("error creating elastic client: %v", err)
	}
}
