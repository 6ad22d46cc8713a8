package reconcile

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/ansplan/schedsync/internal/docstore"
	"github.com/ansplan/schedsync/internal/model"
)

// Snapshot is the stored state of one (group, week) pair read before a
// reconciliation run.
type Snapshot struct {
	byID      map[string]*model.StoredClass
	bySoftKey map[string]string
	ids       []string
}

// NewSnapshot indexes docs by document id and by soft key. Documents that
// cannot be decoded stay in the id index only, so a run deletes them unless
// something claims them. When two stored documents share a soft key the
// later one wins the key and the other becomes deletable.
func NewSnapshot(docs []docstore.Doc, n Normalizer, log zerolog.Logger) *Snapshot {
	s := &Snapshot{
		byID:      make(map[string]*model.StoredClass, len(docs)),
		bySoftKey: make(map[string]string, len(docs)),
		ids:       make([]string, 0, len(docs)),
	}
	for _, d := range docs {
		if _, dup := s.byID[d.ID]; !dup {
			s.ids = append(s.ids, d.ID)
		}
		sc, err := n.NormalizeStored(d)
		if err != nil {
			log.Warn().Err(err).Str("doc_id", d.ID).Msg("undecodable stored class")
			s.byID[d.ID] = nil
			continue
		}
		s.byID[d.ID] = &sc
		s.bySoftKey[SoftKey(sc.Class)] = d.ID
	}
	sort.Strings(s.ids)
	return s
}

// Len returns the number of stored documents.
func (s *Snapshot) Len() int { return len(s.ids) }

// Lookup returns the document currently holding key.
func (s *Snapshot) Lookup(key string) (*model.StoredClass, bool) {
	id, ok := s.bySoftKey[key]
	if !ok {
		return nil, false
	}
	return s.byID[id], true
}

// IDs returns every stored document id in ascending order.
func (s *Snapshot) IDs() []string { return s.ids }

// Keys returns the soft-key index as key -> document id.
func (s *Snapshot) Keys() map[string]string { return s.bySoftKey }
