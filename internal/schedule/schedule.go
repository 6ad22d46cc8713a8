// Package schedule serves stored classes, group details and the cached
// group tree to readers.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ansplan/schedsync/internal/docstore"
	"github.com/ansplan/schedsync/internal/grouptree"
	"github.com/ansplan/schedsync/internal/model"
	"github.com/ansplan/schedsync/internal/reconcile"
)

const (
	DefaultTreeTTL = time.Hour

	unknownGroup = "Unknown group"
	unnamedGroup = "Unnamed group"
)

// GroupSummary is the public view of one dean group.
type GroupSummary struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Tree is the stored selectable group tree.
type Tree struct {
	Nodes       []model.TreeNode `json:"tree"`
	LastUpdated time.Time        `json:"lastUpdated"`
}

// Service reads what the sync jobs store.
type Service struct {
	store docstore.Store
	norm  reconcile.Normalizer
	log   zerolog.Logger
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	tree     *Tree
	cachedAt time.Time
}

func NewService(store docstore.Store, norm reconcile.Normalizer, log zerolog.Logger) *Service {
	return &Service{store: store, norm: norm, log: log, ttl: DefaultTreeTTL, now: time.Now}
}

// WithClock overrides the clock used for the tree cache.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Day returns the classes of groupID on date (YYYY-MM-DD) ordered by start.
func (s *Service) Day(ctx context.Context, groupID int64, date string) ([]model.StoredClass, error) {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, fmt.Errorf("%w: date %q: expected YYYY-MM-DD", model.ErrValidation, date)
	}
	return s.classes(ctx, groupID, "day", date)
}

// Week returns the classes of groupID in the week identified by weekID, the
// unix millis of its Monday midnight, ordered by start.
func (s *Service) Week(ctx context.Context, groupID int64, weekID string) ([]model.StoredClass, error) {
	if _, err := strconv.ParseInt(weekID, 10, 64); err != nil {
		return nil, fmt.Errorf("%w: week id %q is not unix millis", model.ErrValidation, weekID)
	}
	return s.classes(ctx, groupID, "weekId", weekID)
}

func (s *Service) classes(ctx context.Context, groupID int64, field, value string) ([]model.StoredClass, error) {
	docs, err := s.store.Query(ctx, docstore.Query{
		Collection: reconcile.ClassesPath(groupID),
		Where:      []docstore.Filter{{Field: field, Value: value}},
		OrderBy:    "startTime",
	})
	if err != nil {
		return nil, fmt.Errorf("query classes of group %d: %w", groupID, err)
	}
	out := make([]model.StoredClass, 0, len(docs))
	for _, d := range docs {
		sc, err := s.norm.NormalizeStored(d)
		if err != nil {
			s.log.Warn().Err(err).Int64("group_id", groupID).Str("doc_id", d.ID).Msg("undecodable class skipped")
			continue
		}
		out = append(out, sc)
	}
	return out, nil
}

// GroupDetails resolves ids to names in input order. Unknown ids get a
// placeholder name instead of an error.
func (s *Service) GroupDetails(ctx context.Context, ids []int64) ([]GroupSummary, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: expected at least one group id", model.ErrValidation)
	}
	out := make([]GroupSummary, 0, len(ids))
	for _, id := range ids {
		d, err := s.store.Get(ctx, docstore.Join(grouptree.GroupDetailsCollection, strconv.FormatInt(id, 10)))
		switch {
		case errors.Is(err, model.ErrNotFound):
			out = append(out, GroupSummary{ID: id, Name: unknownGroup})
		case err != nil:
			return nil, fmt.Errorf("group %d: %w", id, err)
		default:
			name, _ := d.Data["groupName"].(string)
			if name == "" {
				name = unnamedGroup
			}
			out = append(out, GroupSummary{ID: id, Name: name})
		}
	}
	return out, nil
}

// Tree returns the stored group tree, served from memory for up to an hour.
func (s *Service) Tree(ctx context.Context) (*Tree, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tree != nil && s.now().Sub(s.cachedAt) < s.ttl {
		return s.tree, nil
	}

	d, err := s.store.Get(ctx, grouptree.TreePath)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			s.log.Error().Str("path", grouptree.TreePath).Msg("group tree document missing")
		}
		return nil, fmt.Errorf("load group tree: %w", err)
	}
	nodes, err := grouptree.DecodeTree(d.Data)
	if err != nil {
		return nil, err
	}
	t := &Tree{Nodes: nodes}
	if ms, ok := d.Data["lastUpdated"].(float64); ok {
		t.LastUpdated = time.UnixMilli(int64(ms))
	}
	s.tree, s.cachedAt = t, s.now()
	return t, nil
}

// InvalidateTree drops the cached tree.
func (s *Service) InvalidateTree() {
	s.mu.Lock()
	s.tree = nil
	s.mu.Unlock()
}
