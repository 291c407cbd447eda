// Package searchtest provides an in-memory search engine for tests.
package searchtest

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/iziplay/findingaids/pkg/search"
)

// Engine keeps documents in memory. Reject makes Bulk refuse a document id.
type Engine struct {
	mu      sync.Mutex
	indexes map[string]map[string]map[string]any
	reject  map[string]string

	// Down makes every call fail as if the engine were unreachable.
	Down bool
}

var _ search.Engine = (*Engine)(nil)

func New() *Engine {
	return &Engine{
		indexes: make(map[string]map[string]map[string]any),
		reject:  make(map[string]string),
	}
}

// Reject makes Bulk reject the document id with reason.
func (e *Engine) Reject(id, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reject[id] = reason
}

func (e *Engine) down() error {
	if e.Down {
		return fmt.Errorf("search engine unreachable")
	}
	return nil
}

func (e *Engine) Ping(context.Context) error {
	return e.down()
}

func (e *Engine) EnsureIndex(_ context.Context, index string, mapping []byte) error {
	if err := e.down(); err != nil {
		return err
	}
	if !json.Valid(mapping) {
		return fmt.Errorf("invalid mapping for %s", index)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.indexes[index]; !ok {
		e.indexes[index] = make(map[string]map[string]any)
	}
	return nil
}

func (e *Engine) Bulk(_ context.Context, ops []search.BulkOp) ([]search.BulkResult, error) {
	if err := e.down(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	results := make([]search.BulkResult, 0, len(ops))
	for _, op := range ops {
		result := search.BulkResult{Index: op.Index, ID: op.ID, Status: 200}
		var doc map[string]any
		if reason, ok := e.reject[op.ID]; ok {
			result.Status, result.Error = 400, reason
		} else if err := json.Unmarshal(op.Body, &doc); err != nil {
			result.Status, result.Error = 400, err.Error()
		} else {
			if _, ok := e.indexes[op.Index]; !ok {
				e.indexes[op.Index] = make(map[string]map[string]any)
			}
			e.indexes[op.Index][op.ID] = doc
		}
		results = append(results, result)
	}
	return results, nil
}

// DeleteByQuery understands the terms queries the synchronizer sends.
func (e *Engine) DeleteByQuery(_ context.Context, indexes []string, query map[string]any) (int64, error) {
	if err := e.down(); err != nil {
		return 0, err
	}
	terms, ok := query["terms"].(map[string]any)
	if !ok {
		return 0, fmt.Errorf("unsupported query %v", query)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var deleted int64
	for field, raw := range terms {
		values, ok := raw.([]string)
		if !ok {
			return deleted, fmt.Errorf("unsupported terms %T", raw)
		}
		match := make(map[string]bool, len(values))
		for _, v := range values {
			match[v] = true
		}
		for _, index := range indexes {
			for id, doc := range e.indexes[index] {
				if v, ok := doc[field].(string); ok && match[v] {
					delete(e.indexes[index], id)
					deleted++
				}
			}
		}
	}
	return deleted, nil
}

func (e *Engine) Count(_ context.Context, index string) (int64, error) {
	if err := e.down(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(len(e.indexes[index])), nil
}

// Doc returns a copy of the document id of index.
func (e *Engine) Doc(index, id string) (map[string]any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	doc, ok := e.indexes[index][id]
	if !ok {
		return nil, false
	}
	return maps.Clone(doc), true
}

// IDs returns the document ids of index.
func (e *Engine) IDs(index string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.indexes[index]))
	for id := range e.indexes[index] {
		ids = append(ids, id)
	}
	return ids
}

// HasIndex reports whether index was created.
func (e *Engine) HasIndex(index string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.indexes[index]
	return ok
}
