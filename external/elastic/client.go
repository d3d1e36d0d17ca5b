package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aptospay/offline-reconciler/entities"
	"github.com/elastic/go-elasticsearch/v8"
)

// Client indexes settled transactions into the history index. The hash is
// the document id, so re-indexing an already settled transaction is a no-op
// upsert instead of a duplicate.
type Client struct {
	index    string
	esClient *elasticsearch.Client
}

func NewClient(address, index string, timeout time.Duration) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{address},
		Transport: &http.Transport{
			MaxIdleConnsPerHost:   10,
			ResponseHeaderTimeout: timeout,
		},
	}

	esClient, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %v", err)
	}

	return &Client{
		index:    index,
		esClient: esClient,
	}, nil
}

func (es *Client) IndexTransactions(ctx context.Context, txs []entities.Transaction) error {
	var buf bytes.Buffer

	for _, tx := range txs {
		docID := tx.Hash
		if docID == "" {
			// peer-settled transfers have no ledger hash yet
			docID = fmt.Sprintf("%s-%d", tx.Sender, tx.Timestamp)
		}
		meta := []byte(fmt.Sprintf(`{ "index": { "_index": "%s", "_id": "%s" } }%s`, es.index, docID, "\n"))
		buf.Write(meta)

		data, err := json.Marshal(tx)
		if err != nil {
			return fmt.Errorf("error serializing transaction: %w", err)
		}
		buf.Write(data)
		buf.Write([]byte("\n"))
	}

	res, err := es.esClient.Bulk(bytes.NewReader(buf.Bytes()),
		es.esClient.Bulk.WithContext(ctx),
		es.esClient.Bulk.WithRefresh("true"))
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("bulk request error: %s", res.String())
	}

	return nil
}
