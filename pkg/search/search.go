// Package search keeps the search engine indexes in line with the store.
package search

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Family is a logical index. Each family maps to one named index.
type Family string

const (
	// Content holds the full payload of finding aids and components.
	Content Family = "content"
	// Suggest holds one autocomplete document per authority.
	Suggest Family = "suggest"
	// Person holds the person records.
	Person Family = "person"
)

// Families lists every index family.
func Families() []Family {
	return []Family{Content, Suggest, Person}
}

// EntityField is the document field holding the id of the source entity.
const EntityField = "eid"

// Document is the projection of one entity for one index family.
type Document struct {
	Family   Family
	ID       string
	EntityID uuid.UUID
	Body     map[string]any
}

// Engine is the search engine client.
type Engine interface {
	Ping(ctx context.Context) error
	// EnsureIndex creates index with mapping unless it exists.
	EnsureIndex(ctx context.Context, index string, mapping []byte) error
	// Bulk indexes documents, continuing past failed items. It returns one
	// result per operation.
	Bulk(ctx context.Context, ops []BulkOp) ([]BulkResult, error)
	// DeleteByQuery deletes the documents of indexes matching query and
	// returns how many were deleted.
	DeleteByQuery(ctx context.Context, indexes []string, query map[string]any) (int64, error)
	Count(ctx context.Context, index string) (int64, error)
}

// BulkOp indexes Body under ID in Index, replacing any previous version.
type BulkOp struct {
	Index string
	ID    string
	Body  []byte
}

// BulkResult is the outcome of one bulk operation.
type BulkResult struct {
	Index  string `json:"_index"`
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Failed reports whether the operation was rejected.
func (r BulkResult) Failed() bool {
	return r.Error != "" || r.Status >= 300
}

// ItemError is a document the engine rejected.
type ItemError struct {
	Index  string `json:"index"`
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Report is the outcome of a synchronization.
type Report struct {
	Indexed int         `json:"indexed"`
	Deleted int64       `json:"deleted"`
	Errors  []ItemError `json:"errors,omitempty"`
}

// Failed returns the number of documents that could not be indexed.
func (r *Report) Failed() int {
	return len(r.Errors)
}

// Merge adds the counters of other to r.
func (r *Report) Merge(other *Report) {
	if other == nil {
		return
	}
	r.Indexed += other.Indexed
	r.Deleted += other.Deleted
	r.Errors = append(r.Errors, other.Errors...)
}

func (r *Report) String() string {
	return fmt.Sprintf("%d indexed, %d deleted, %d failed", r.Indexed, r.Deleted, r.Failed())
}
