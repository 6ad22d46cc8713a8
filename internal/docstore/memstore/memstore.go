// Package memstore is an in-process docstore.Store used by tests and dry runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ansplan/schedsync/internal/docstore"
	"github.com/ansplan/schedsync/internal/model"
)

type entry struct {
	raw        []byte
	updateTime time.Time
}

// Store keeps documents as encoded JSON so reads observe the same value
// types the SQL backends return.
type Store struct {
	mu   sync.RWMutex
	docs map[string]entry
	now  func() time.Time

	commits int
}

// New returns an empty store.
func New() *Store {
	return &Store{docs: make(map[string]entry), now: time.Now}
}

// WithClock overrides the commit clock.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Commits returns how many batches were committed successfully.
func (s *Store) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func (s *Store) Get(ctx context.Context, path string) (*docstore.Doc, error) {
	if _, _, err := docstore.ParseDocPath(path); err != nil {
		return nil, err
	}
	s.mu.RLock()
	e, ok := s.docs[path]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("document %s: %w", path, model.ErrNotFound)
	}
	d, err := toDoc(path, e)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) Query(ctx context.Context, q docstore.Query) ([]docstore.Doc, error) {
	if err := docstore.ValidateCollection(q.Collection); err != nil {
		return nil, err
	}
	docs, err := s.children(q.Collection)
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for _, d := range docs {
		if docstore.Matches(d.Data, q.Where) {
			out = append(out, d)
		}
	}
	docstore.SortDocs(out, q.OrderBy)
	return out, nil
}

func (s *Store) ListDocuments(ctx context.Context, collection string) ([]docstore.Doc, error) {
	if err := docstore.ValidateCollection(collection); err != nil {
		return nil, err
	}
	return s.children(collection)
}

func (s *Store) ListCollections(ctx context.Context, docPath string) ([]string, error) {
	if _, _, err := docstore.ParseDocPath(docPath); err != nil {
		return nil, err
	}
	prefix := docPath + "/"
	seen := map[string]bool{}

	s.mu.RLock()
	for p := range s.docs {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		name, _, _ := strings.Cut(strings.TrimPrefix(p, prefix), "/")
		seen[name] = true
	}
	s.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Commit applies ops atomically: every op is staged against a copy and the
// copy replaces the live map only when all of them succeed.
func (s *Store) Commit(ctx context.Context, ops []docstore.Op) error {
	if err := docstore.ValidateOps(ops); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	staged := make(map[string]entry, len(ops))
	deleted := make(map[string]bool)

	current := func(path string) (entry, bool) {
		if deleted[path] {
			return entry{}, false
		}
		if e, ok := staged[path]; ok {
			return e, true
		}
		e, ok := s.docs[path]
		return e, ok
	}

	for _, op := range ops {
		switch op.Kind {
		case docstore.OpDelete:
			delete(staged, op.Path)
			deleted[op.Path] = true
		case docstore.OpUpsert:
			data := docstore.Resolve(op.Data, now)
			if op.Merge {
				if e, ok := current(op.Path); ok {
					base, err := docstore.Decode(e.raw)
					if err != nil {
						return err
					}
					data = docstore.Merge(base, data)
				}
			}
			raw, err := docstore.Encode(data)
			if err != nil {
				return err
			}
			staged[op.Path] = entry{raw: raw, updateTime: now}
			delete(deleted, op.Path)
		default:
			return fmt.Errorf("unknown op kind %d", op.Kind)
		}
	}

	for p := range deleted {
		delete(s.docs, p)
	}
	for p, e := range staged {
		s.docs[p] = e
	}
	s.commits++
	return nil
}

func (s *Store) Close() error { return nil }

// HealthPing always succeeds.
func (s *Store) HealthPing(ctx context.Context) error { return ctx.Err() }

func (s *Store) children(collection string) ([]docstore.Doc, error) {
	prefix := collection + "/"

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []docstore.Doc
	for p, e := range s.docs {
		rest, ok := strings.CutPrefix(p, prefix)
		if !ok || strings.Contains(rest, "/") {
			continue
		}
		d, err := toDoc(p, e)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func toDoc(path string, e entry) (docstore.Doc, error) {
	data, err := docstore.Decode(e.raw)
	if err != nil {
		return docstore.Doc{}, err
	}
	_, id, _ := docstore.ParseDocPath(path)
	return docstore.Doc{Path: path, ID: id, Data: data, UpdateTime: e.updateTime}, nil
}

var _ docstore.Store = (*Store)(nil)
