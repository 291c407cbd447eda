package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// Elastic is the Elasticsearch implementation of Engine.
type Elastic struct {
	client *elasticsearch.Client
}

// NewElastic returns a client for the nodes at addresses.
func NewElastic(addresses []string) (*Elastic, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: addresses})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return &Elastic{client: client}, nil
}

type elasticError struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

// responseError reads an error response into an error.
func responseError(res *esapi.Response) error {
	body, _ := io.ReadAll(res.Body)
	var e elasticError
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Type != "" {
		return fmt.Errorf("elasticsearch %d: %s: %s", res.StatusCode, e.Error.Type, e.Error.Reason)
	}
	return fmt.Errorf("elasticsearch %d: %s", res.StatusCode, bytes.TrimSpace(body))
}

func (e *Elastic) Ping(ctx context.Context) error {
	res, err := e.client.Ping(e.client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elasticsearch unreachable: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return responseError(res)
	}
	return nil
}

func (e *Elastic) EnsureIndex(ctx context.Context, index string, mapping []byte) error {
	res, err := e.client.Indices.Exists([]string{index}, e.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return err
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("elasticsearch %d checking index %s", res.StatusCode, index)
	}

	res, err = e.client.Indices.Create(index,
		e.client.Indices.Create.WithBody(bytes.NewReader(mapping)),
		e.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		err := responseError(res)
		// Another process created it in between.
		if strings.Contains(err.Error(), "resource_already_exists_exception") {
			return nil
		}
		return err
	}
	return nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Index  string `json:"_index"`
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

func (e *Elastic) Bulk(ctx context.Context, ops []BulkOp) ([]BulkResult, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, op := range ops {
		meta := map[string]any{"index": map[string]any{"_index": op.Index, "_id": op.ID}}
		if err := enc.Encode(meta); err != nil {
			return nil, err
		}
		buf.Write(op.Body)
		buf.WriteByte('\n')
	}

	res, err := e.client.Bulk(bytes.NewReader(buf.Bytes()), e.client.Bulk.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, responseError(res)
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode bulk response: %w", err)
	}

	results := make([]BulkResult, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		for _, r := range item {
			result := BulkResult{Index: r.Index, ID: r.ID, Status: r.Status}
			if r.Error != nil {
				result.Error = r.Error.Type + ": " + r.Error.Reason
			}
			results = append(results, result)
		}
	}
	return results, nil
}

func (e *Elastic) DeleteByQuery(ctx context.Context, indexes []string, query map[string]any) (int64, error) {
	body, err := json.Marshal(map[string]any{"query": query})
	if err != nil {
		return 0, err
	}

	res, err := e.client.DeleteByQuery(indexes, bytes.NewReader(body),
		e.client.DeleteByQuery.WithContext(ctx),
		e.client.DeleteByQuery.WithConflicts("proceed"),
		e.client.DeleteByQuery.WithIgnoreUnavailable(true),
		e.client.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, responseError(res)
	}

	var parsed struct {
		Deleted int64 `json:"deleted"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("failed to decode delete response: %w", err)
	}
	return parsed.Deleted, nil
}

func (e *Elastic) Count(ctx context.Context, index string) (int64, error) {
	res, err := e.client.Count(e.client.Count.WithIndex(index), e.client.Count.WithContext(ctx))
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, responseError(res)
	}

	var parsed struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("failed to decode count response: %w", err)
	}
	return parsed.Count, nil
}
