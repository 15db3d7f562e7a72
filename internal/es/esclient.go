package es

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/elastic/go-elasticsearch/v9"

	"github.com/nkmelnikov/shop_backend/internal/config"
	"github.com/nkmelnikov/shop_backend/internal/models"
)

const ProductIndex = "product"

func NewClient(cfg *config.Config) (*elasticsearch.Client, error) {
	esCfg := elasticsearch.Config{
		Addresses: []string{cfg.ES_URL},
		Username:  cfg.ES_USER,
		Password:  cfg.ES_PASSWORD,
	}

	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch client: %w", err)
	}

	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("elasticsearch info: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("elasticsearch error: %s: %s", res.Status(), body)
	}

	return client, nil
}

// IndexProduct upserts the product document so search results reflect the
// current stock_quantity / in_stock values.
func IndexProduct(ctx context.Context, client *elasticsearch.Client, index string, p *models.Product) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(p); err != nil {
		return fmt.Errorf("index product %d: %w", p.ID, err)
	}

	res, err := client.Index(
		index,
		&buf,
		client.Index.WithDocumentID(strconv.FormatUint(uint64(p.ID), 10)),
		client.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("index product %d: %w", p.ID, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("index product %d: %s", p.ID, res.Status())
	}
	return nil
}
