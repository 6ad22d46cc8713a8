// Package docstore defines the document store contract: documents addressed
// by slash-delimited paths, equality queries, child collection listing and
// atomic batches of merge/delete operations with a hard size limit.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// HardBatchLimit is the store's per-commit operation ceiling.
const HardBatchLimit = 500

var (
	ErrBatchTooLarge = errors.New("batch exceeds store operation limit")
	ErrInvalidPath   = errors.New("invalid document path")
)

// serverTimestamp is replaced by the commit time inside Commit.
type serverTimestamp struct{}

// ServerTimestamp is a Data value placeholder resolved to the commit time.
var ServerTimestamp = serverTimestamp{}

// Doc is one stored document.
type Doc struct {
	Path       string
	ID         string
	Data       map[string]any
	UpdateTime time.Time
}

// OpKind distinguishes upserts from deletes.
type OpKind int

const (
	OpUpsert OpKind = iota
	OpDelete
)

func (k OpKind) String() string {
	if k == OpDelete {
		return "delete"
	}
	return "upsert"
}

// Op is a single write against one document path.
type Op struct {
	Kind  OpKind
	Path  string
	Data  map[string]any
	Merge bool
}

// Upsert merges data into the document at path, creating it if missing.
func Upsert(path string, data map[string]any) Op {
	return Op{Kind: OpUpsert, Path: path, Data: data, Merge: true}
}

// Set replaces the document at path with data.
func Set(path string, data map[string]any) Op {
	return Op{Kind: OpUpsert, Path: path, Data: data}
}

// Delete removes the document at path. Deleting a missing document is a no-op.
func Delete(path string) Op {
	return Op{Kind: OpDelete, Path: path}
}

// Touch keeps a parent document alive by merging a lastUpdated timestamp.
func Touch(path string) Op {
	return Upsert(path, map[string]any{"lastUpdated": ServerTimestamp})
}

// Filter is an equality predicate on a top-level field.
type Filter struct {
	Field string
	Value any
}

// Query selects documents of one collection.
type Query struct {
	Collection string
	Where      []Filter
	OrderBy    string
}

// Store is implemented by every document store backend.
type Store interface {
	Get(ctx context.Context, path string) (*Doc, error)
	Query(ctx context.Context, q Query) ([]Doc, error)
	ListDocuments(ctx context.Context, collection string) ([]Doc, error)
	ListCollections(ctx context.Context, docPath string) ([]string, error)
	Commit(ctx context.Context, ops []Op) error
	Close() error
}

// Committer is the subset of Store the batch writer needs.
type Committer interface {
	Commit(ctx context.Context, ops []Op) error
}

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Split validates path and returns its segments.
func Split(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, path)
		}
	}
	return segs, nil
}

// ParseDocPath splits a document path into its parent collection and id.
func ParseDocPath(path string) (collection, id string, err error) {
	segs, err := Split(path)
	if err != nil {
		return "", "", err
	}
	if len(segs)%2 != 0 {
		return "", "", fmt.Errorf("%w: %q is not a document path", ErrInvalidPath, path)
	}
	return Join(segs[:len(segs)-1]...), segs[len(segs)-1], nil
}

// ValidateCollection checks that path addresses a collection.
func ValidateCollection(path string) error {
	segs, err := Split(path)
	if err != nil {
		return err
	}
	if len(segs)%2 != 1 {
		return fmt.Errorf("%w: %q is not a collection path", ErrInvalidPath, path)
	}
	return nil
}

// ValidateOps checks paths and the hard batch limit before a commit.
func ValidateOps(ops []Op) error {
	if len(ops) > HardBatchLimit {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(ops), HardBatchLimit)
	}
	for _, op := range ops {
		if _, _, err := ParseDocPath(op.Path); err != nil {
			return err
		}
	}
	return nil
}

// Resolve returns a deep copy of data with ServerTimestamp replaced by now.
func Resolve(data map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = resolveValue(v, now)
	}
	return out
}

func resolveValue(v any, now time.Time) any {
	switch t := v.(type) {
	case serverTimestamp:
		return now.UnixMilli()
	case map[string]any:
		return Resolve(t, now)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = resolveValue(e, now)
		}
		return out
	default:
		return v
	}
}

// Merge overlays patch onto base. Nested maps merge recursively; every other
// value in patch replaces the one in base.
func Merge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if pm, ok := v.(map[string]any); ok {
			if bm, ok := out[k].(map[string]any); ok {
				out[k] = Merge(bm, pm)
				continue
			}
		}
		out[k] = v
	}
	return out
}
