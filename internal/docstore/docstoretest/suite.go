// Package docstoretest holds the compliance suite every docstore.Store
// implementation must pass.
package docstoretest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ansplan/schedsync/internal/docstore"
	"github.com/ansplan/schedsync/internal/model"
)

// Run exercises the store contract. makeStore must return a clean, isolated
// store; documents are written under a unique root so shared databases work.
func Run(t *testing.T, makeStore func(t *testing.T) docstore.Store) {
	t.Helper()

	s := makeStore(t)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	root := "suite-" + uuid.New().String()
	classes := docstore.Join(root, "42", "classes")

	// Upsert + Get
	a := docstore.Join(classes, "a")
	if err := s.Commit(ctx, []docstore.Op{
		docstore.Upsert(a, map[string]any{
			"weekId":    "1000",
			"startTime": int64(3000),
			"day":       "2025-01-10",
			"lecturers": []any{map[string]any{"id": 1, "name": "X"}},
		}),
	}); err != nil {
		t.Fatalf("Commit upsert: %v", err)
	}
	got, err := s.Get(ctx, a)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != "a" || got.Data["day"] != "2025-01-10" {
		t.Fatalf("Get: unexpected doc %+v", got)
	}
	if !docstore.ValueEqual(got.Data["startTime"], 3000) {
		t.Fatalf("Get: startTime=%v", got.Data["startTime"])
	}

	// Missing documents
	if _, err := s.Get(ctx, docstore.Join(classes, "missing")); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Get missing: want ErrNotFound, got %v", err)
	}

	// Merge keeps untouched fields and resolves server timestamps
	if err := s.Commit(ctx, []docstore.Op{
		docstore.Upsert(a, map[string]any{"day": "2025-01-11", "lastUpdated": docstore.ServerTimestamp}),
	}); err != nil {
		t.Fatalf("Commit merge: %v", err)
	}
	got, err = s.Get(ctx, a)
	if err != nil {
		t.Fatalf("Get after merge: %v", err)
	}
	if got.Data["day"] != "2025-01-11" || got.Data["weekId"] != "1000" {
		t.Fatalf("merge: unexpected data %v", got.Data)
	}
	if _, ok := got.Data["lastUpdated"].(float64); !ok {
		t.Fatalf("merge: lastUpdated not resolved: %#v", got.Data["lastUpdated"])
	}

	// Set replaces
	if err := s.Commit(ctx, []docstore.Op{docstore.Set(a, map[string]any{"weekId": "1000", "startTime": 3000})}); err != nil {
		t.Fatalf("Commit set: %v", err)
	}
	got, _ = s.Get(ctx, a)
	if _, ok := got.Data["day"]; ok {
		t.Fatalf("set: stale field survived: %v", got.Data)
	}

	// Query with equality filter and ordering
	b := docstore.Join(classes, "b")
	c := docstore.Join(classes, "c")
	if err := s.Commit(ctx, []docstore.Op{
		docstore.Upsert(b, map[string]any{"weekId": "1000", "startTime": 1000}),
		docstore.Upsert(c, map[string]any{"weekId": "2000", "startTime": 500}),
	}); err != nil {
		t.Fatalf("Commit query fixtures: %v", err)
	}
	res, err := s.Query(ctx, docstore.Query{
		Collection: classes,
		Where:      []docstore.Filter{{Field: "weekId", Value: "1000"}},
		OrderBy:    "startTime",
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res) != 2 || res[0].ID != "b" || res[1].ID != "a" {
		t.Fatalf("Query: unexpected result %v", ids(res))
	}
	res, err = s.Query(ctx, docstore.Query{
		Collection: classes,
		Where:      []docstore.Filter{{Field: "startTime", Value: int64(500)}},
	})
	if err != nil || len(res) != 1 || res[0].ID != "c" {
		t.Fatalf("Query numeric: %v err=%v", ids(res), err)
	}

	// ListDocuments only returns direct children
	if err := s.Commit(ctx, []docstore.Op{
		docstore.Touch(docstore.Join(root, "42")),
		docstore.Upsert(docstore.Join(classes, "a", "notes", "n1"), map[string]any{"x": 1}),
	}); err != nil {
		t.Fatalf("Commit nested: %v", err)
	}
	docs, err := s.ListDocuments(ctx, classes)
	if err != nil || len(docs) != 3 {
		t.Fatalf("ListDocuments: %v err=%v", ids(docs), err)
	}

	// ListCollections
	colls, err := s.ListCollections(ctx, docstore.Join(root, "42"))
	if err != nil || len(colls) != 1 || colls[0] != "classes" {
		t.Fatalf("ListCollections: %v err=%v", colls, err)
	}

	// Non-ASCII segments and LIKE metacharacters in the parent path
	year := docstore.Join(root, "2024-2025", "2024Z")
	field := docstore.Join(year, "Zarządzanie")
	fieldDoc := docstore.Join(field, "S1", "semestr 1")
	wild := docstore.Join(year, "Z_rz%dzanie")
	if err := s.Commit(ctx, []docstore.Op{
		docstore.Upsert(fieldDoc, map[string]any{"Grupa 1": 11}),
		docstore.Upsert(docstore.Join(year, "IEZI", "S1", "semestr 1"), map[string]any{"Grupa 2": 22}),
		docstore.Upsert(docstore.Join(wild, "S2", "semestr 2"), map[string]any{"Grupa 3": 33}),
		docstore.Upsert(docstore.Join(year, "zarządzanie", "S3", "semestr 3"), map[string]any{"Grupa 4": 44}),
	}); err != nil {
		t.Fatalf("Commit non-ASCII: %v", err)
	}
	colls, err = s.ListCollections(ctx, field)
	if err != nil || len(colls) != 1 || colls[0] != "S1" {
		t.Fatalf("ListCollections non-ASCII: %v err=%v", colls, err)
	}
	colls, err = s.ListCollections(ctx, wild)
	if err != nil || len(colls) != 1 || colls[0] != "S2" {
		t.Fatalf("ListCollections wildcard: %v err=%v", colls, err)
	}
	docs, err = s.ListDocuments(ctx, docstore.Join(field, "S1"))
	if err != nil || len(docs) != 1 || docs[0].ID != "semestr 1" {
		t.Fatalf("ListDocuments non-ASCII: %v err=%v", ids(docs), err)
	}

	// Delete, including a missing document
	if err := s.Commit(ctx, []docstore.Op{
		docstore.Delete(b),
		docstore.Delete(docstore.Join(classes, "never-existed")),
	}); err != nil {
		t.Fatalf("Commit delete: %v", err)
	}
	if _, err := s.Get(ctx, b); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Get deleted: want ErrNotFound, got %v", err)
	}

	// Upsert then delete of the same path inside one batch leaves nothing
	d := docstore.Join(classes, "d")
	if err := s.Commit(ctx, []docstore.Op{
		docstore.Upsert(d, map[string]any{"x": 1}),
		docstore.Delete(d),
	}); err != nil {
		t.Fatalf("Commit upsert+delete: %v", err)
	}
	if _, err := s.Get(ctx, d); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("Get upsert+delete: want ErrNotFound, got %v", err)
	}

	// Hard limit
	over := make([]docstore.Op, docstore.HardBatchLimit+1)
	for i := range over {
		over[i] = docstore.Upsert(docstore.Join(root, "limit", "docs", fmt.Sprint(i)), map[string]any{"i": i})
	}
	if err := s.Commit(ctx, over); !errors.Is(err, docstore.ErrBatchTooLarge) {
		t.Fatalf("Commit over limit: want ErrBatchTooLarge, got %v", err)
	}
	if docs, _ := s.ListDocuments(ctx, docstore.Join(root, "limit", "docs")); len(docs) != 0 {
		t.Fatalf("rejected batch left %d documents", len(docs))
	}
	if err := s.Commit(ctx, over[:docstore.HardBatchLimit]); err != nil {
		t.Fatalf("Commit at limit: %v", err)
	}

	// Invalid paths
	if err := s.Commit(ctx, []docstore.Op{docstore.Upsert(root, map[string]any{})}); !errors.Is(err, docstore.ErrInvalidPath) {
		t.Fatalf("Commit collection path: want ErrInvalidPath, got %v", err)
	}

	// UpdateTime is populated
	got, _ = s.Get(ctx, a)
	if got.UpdateTime.IsZero() || got.UpdateTime.After(time.Now().Add(time.Minute)) {
		t.Fatalf("UpdateTime: %v", got.UpdateTime)
	}
}

func ids(docs []docstore.Doc) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}
