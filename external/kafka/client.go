package kafka

import (
	"context"
	"encoding/json"

	"github.com/aptospay/offline-reconciler/entities"
	"github.com/pkg/errors"
	"github.com/twmb/franz-go/pkg/kgo"
)

type KafkaClient interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Client publishes settlement events for downstream indexers.
type Client struct {
	kcl KafkaClient
}

func NewClient(kafkaClient KafkaClient) *Client {
	return &Client{
		kcl: kafkaClient,
	}
}

// PublishSettlement emits one settled (or terminally failed) transaction.
// Settlements are rare relative to broker throughput, so producing
// synchronously keeps the reconciler's bookkeeping simple.
func (kc *Client) PublishSettlement(ctx context.Context, tx entities.Transaction) error {
	record, err := createSettlementRecord(tx)
	if err != nil {
		return err
	}
	if err := kc.kcl.ProduceSync(ctx, record).FirstErr(); err != nil {
		return errors.Wrap(err, "failed to produce settlement record")
	}
	return nil
}

func createSettlementRecord(tx entities.Transaction) (*kgo.Record, error) {
	payload, err := json.Marshal(tx)
	if err != nil {
		return nil, errors.Wrap(err, "marshalling transaction to json")
	}

	// keyed by sender so per-account settlement order is preserved
	return &kgo.Record{
		Key:   []byte(tx.Sender),
		Value: payload,
	}, nil
}
