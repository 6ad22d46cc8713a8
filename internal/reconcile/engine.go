// Package reconcile computes the minimal set of writes that turns the stored
// classes of one (group, week) pair into the freshly fetched ones.
package reconcile

import (
	"context"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ansplan/schedsync/internal/docstore"
	"github.com/ansplan/schedsync/internal/metrics"
	"github.com/ansplan/schedsync/internal/model"
	"github.com/ansplan/schedsync/internal/upstream"
)

// Collection names under which classes are stored.
const (
	SchedulesCollection = "schedules"
	ClassesCollection   = "classes"
)

// ClassesPath returns the collection holding a group's classes.
func ClassesPath(groupID int64) string {
	return docstore.Join(SchedulesCollection, strconv.FormatInt(groupID, 10), ClassesCollection)
}

// GroupPath returns the parent document of a group's classes.
func GroupPath(groupID int64) string {
	return docstore.Join(SchedulesCollection, strconv.FormatInt(groupID, 10))
}

// Writer receives the operations a run produces. *batch.Writer satisfies it.
type Writer interface {
	Add(op docstore.Op)
}

// Target identifies the (group, week) pair being reconciled.
type Target struct {
	GroupID int64
	WeekID  string
}

// Result summarizes one run. Changed is Added+Updated+Deleted.
type Result struct {
	Operations int
	Changed    int
	Added      int
	Updated    int
	Deleted    int
	Skipped    int
	Duplicates int
}

// Engine reconciles incoming classes against a snapshot.
type Engine struct {
	norm  Normalizer
	newID func() string
	log   zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithIDGenerator overrides the generator used for new document ids.
func WithIDGenerator(f func() string) Option {
	return func(e *Engine) { e.newID = f }
}

func NewEngine(n Normalizer, log zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		norm:  n,
		newID: func() string { return uuid.New().String() },
		log:   log,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Normalizer returns the engine's normalizer.
func (e *Engine) Normalizer() Normalizer { return e.norm }

// Snapshot builds a snapshot using the engine's normalizer.
func (e *Engine) Snapshot(docs []docstore.Doc) *Snapshot {
	return NewSnapshot(docs, e.norm, e.log)
}

type candidate struct {
	rec        model.ClassRecord
	upstreamID string
}

// Reconcile enqueues on w the upserts and deletes that make the stored state
// of t equal to incoming. Items without an upstream id are skipped. Items
// sharing a soft key collapse onto one document with the last one winning.
// Every stored document not claimed by an incoming item is deleted.
func (e *Engine) Reconcile(ctx context.Context, snap *Snapshot, incoming []upstream.ClassItem, w Writer, t Target) (Result, error) {
	var res Result
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if snap == nil {
		snap = NewSnapshot(nil, e.norm, e.log)
	}
	log := e.log.With().Int64("group_id", t.GroupID).Str("week_id", t.WeekID).Logger()

	var order []string
	byKey := make(map[string]candidate, len(incoming))
	for _, item := range incoming {
		rec, upID, ok := e.norm.NormalizeIncoming(item)
		if !ok {
			res.Skipped++
			log.Warn().Msg("class without upstream id skipped")
			continue
		}
		key := SoftKey(rec)
		if prev, dup := byKey[key]; dup {
			res.Duplicates++
			log.Warn().Str("soft_key", key).Str("first", prev.upstreamID).Str("second", upID).
				Msg("duplicate soft key in fetched week, last one wins")
		} else {
			order = append(order, key)
		}
		byKey[key] = candidate{rec: rec, upstreamID: upID}
	}

	coll := ClassesPath(t.GroupID)
	claimed := make(map[string]bool, len(order))
	for _, key := range order {
		c := byKey[key]
		existing, found := snap.Lookup(key)
		switch {
		case found && existing != nil:
			claimed[existing.DocID] = true
			if Equal(existing.Class, c.rec) && existing.UpstreamID == c.upstreamID &&
				existing.WeekID == t.WeekID && existing.SourceGroupID == t.GroupID {
				continue
			}
			w.Add(docstore.Upsert(docstore.Join(coll, existing.DocID), saveForm(c, t)))
			res.Updated++
			log.Debug().Str("doc_id", existing.DocID).Str("upstream_id", c.upstreamID).Msg("class updated")
		default:
			id := e.newID()
			claimed[id] = true
			w.Add(docstore.Upsert(docstore.Join(coll, id), saveForm(c, t)))
			res.Added++
			log.Debug().Str("doc_id", id).Str("upstream_id", c.upstreamID).Msg("class added")
		}
	}

	for _, id := range snap.IDs() {
		if claimed[id] {
			continue
		}
		w.Add(docstore.Delete(docstore.Join(coll, id)))
		res.Deleted++
		log.Debug().Str("doc_id", id).Msg("class deleted")
	}

	res.Changed = res.Added + res.Updated + res.Deleted
	res.Operations = res.Changed
	metrics.ReconciledMeetings.WithLabelValues("added").Add(float64(res.Added))
	metrics.ReconciledMeetings.WithLabelValues("updated").Add(float64(res.Updated))
	metrics.ReconciledMeetings.WithLabelValues("deleted").Add(float64(res.Deleted))
	metrics.ReconciledMeetings.WithLabelValues("skipped").Add(float64(res.Skipped))
	return res, nil
}

func saveForm(c candidate, t Target) map[string]any {
	r := c.rec
	lecturers := make([]any, len(r.Lecturers))
	for i, l := range r.Lecturers {
		lecturers[i] = map[string]any{"id": l.ID, "name": optional(l.Name)}
	}
	rooms := make([]any, len(r.Rooms))
	for i, rm := range r.Rooms {
		rooms[i] = map[string]any{"id": rm.ID, "name": optional(rm.Name)}
	}
	return map[string]any{
		"subjectFullName":  optional(r.SubjectFullName),
		"subjectShortName": optional(r.SubjectShortName),
		"startTime":        r.StartTime,
		"endTime":          r.EndTime,
		"day":              r.Day,
		"classType":        optional(r.ClassType),
		"weekId":           t.WeekID,
		"lecturers":        lecturers,
		"rooms":            rooms,
		"sourceGroupId":    t.GroupID,
		"upstreamId":       c.upstreamID,
		"lastUpdated":      docstore.ServerTimestamp,
	}
}

func optional(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
