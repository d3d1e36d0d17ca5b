package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aptospay/offline-reconciler/entities"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

type MockKafkaClient struct {
	shouldError bool
	produced    []*kgo.Record
}

func (mkc *MockKafkaClient) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	if mkc.shouldError {
		return kgo.ProduceResults{{Err: errors.New("dummy error")}}
	}
	mkc.produced = append(mkc.produced, rs...)
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		results = append(results, kgo.ProduceResult{Record: r})
	}
	return results
}

func TestClient_PublishSettlement(t *testing.T) {
	mock := &MockKafkaClient{}
	kc := NewClient(mock)

	tx := entities.Transaction{
		Hash:        "0xf00",
		Sender:      "0xabc",
		Recipient:   "0xdef",
		AmountUnits: 10_0000_0000,
		Timestamp:   1744610180000,
		Status:      entities.StatusCompleted,
		Note:        "groceries",
	}
	err := kc.PublishSettlement(context.Background(), tx)
	require.NoError(t, err)
	require.Len(t, mock.produced, 1)

	record := mock.produced[0]
	assert.Equal(t, []byte("0xabc"), record.Key)

	var decoded entities.Transaction
	require.NoError(t, json.Unmarshal(record.Value, &decoded))
	assert.Equal(t, tx, decoded)
}

func TestClient_PublishSettlement_producerError(t *testing.T) {
	kc := NewClient(&MockKafkaClient{shouldError: true})

	err := kc.PublishSettlement(context.Background(), entities.Transaction{Hash: "0xf00"})
	assert.Error(t, err)
}
