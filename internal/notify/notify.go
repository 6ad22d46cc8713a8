// Package notify selects upcoming-class notifications for the devices of
// students observing a dean group. Delivery itself sits behind Sender.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ansplan/schedsync/internal/batch"
	"github.com/ansplan/schedsync/internal/docstore"
	"github.com/ansplan/schedsync/internal/metrics"
	"github.com/ansplan/schedsync/internal/model"
	"github.com/ansplan/schedsync/internal/reconcile"
)

const (
	ObservedGroupsCollection = "student_observed_groups"
	DevicesCollection        = "student_devices"

	// Lookahead bounds which classes are considered at all.
	Lookahead = 2 * time.Hour
	// DedupBand is the width, in minutes, of the slot in which a device is
	// notified. It matches the job interval so each class is sent once.
	DedupBand = 5

	title = "Upcoming class"
)

// Windows maps the stored notification setting to minutes before start.
var Windows = map[string]int{
	"15 minut":  15,
	"30 minut":  30,
	"1 godzina": 60,
	"2 godziny": 120,
}

// Device is one registered device of a student.
type Device struct {
	ID         string
	Token      string
	Enabled    bool
	TimeOption string
}

// Due reports whether the device wants a notification minutesUntil
// minutes before a class starts.
func (d Device) Due(minutesUntil int) bool {
	pref, ok := Windows[d.TimeOption]
	if !d.Enabled || !ok || d.Token == "" {
		return false
	}
	return minutesUntil <= pref && minutesUntil > pref-DedupBand
}

// Target addresses one device of one student.
type Target struct {
	StudentID string
	DeviceID  string
	Token     string
}

// Message is one notification about one class.
type Message struct {
	ClassID string
	GroupID int64
	Start   time.Time
	Title   string
	Body    string
	Targets []Target
}

// Report is what a Sender delivered. Invalid lists targets whose token the
// provider rejected as unregistered.
type Report struct {
	Sent    int
	Invalid []Target
}

// Sender delivers a message to its targets.
type Sender interface {
	Send(ctx context.Context, msg Message) (Report, error)
}

// LogSender only logs messages. Used when no push provider is configured.
type LogSender struct {
	log zerolog.Logger
}

func NewLogSender(log zerolog.Logger) *LogSender { return &LogSender{log: log} }

func (s *LogSender) Send(ctx context.Context, msg Message) (Report, error) {
	s.log.Info().
		Str("class_id", msg.ClassID).
		Int64("group_id", msg.GroupID).
		Int("devices", len(msg.Targets)).
		Str("body", msg.Body).
		Msg("class notification")
	return Report{Sent: len(msg.Targets)}, nil
}

// Planner reads observed groups, devices and stored classes.
type Planner struct {
	store   docstore.Store
	norm    reconcile.Normalizer
	loc     *time.Location
	ceiling int
	log     zerolog.Logger
}

func NewPlanner(store docstore.Store, norm reconcile.Normalizer, ceiling int, log zerolog.Logger) *Planner {
	loc := norm.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Planner{store: store, norm: norm, loc: loc, ceiling: ceiling, log: log}
}

// Plan returns one message per class starting within Lookahead of now that
// has at least one due device, ordered by group and start time.
func (p *Planner) Plan(ctx context.Context, now time.Time) ([]Message, error) {
	observers, err := p.observers(ctx)
	if err != nil {
		return nil, err
	}
	if len(observers) == 0 {
		return nil, nil
	}

	groups := make([]int64, 0, len(observers))
	for gid := range observers {
		groups = append(groups, gid)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })

	until := now.Add(Lookahead)
	days := []string{now.In(p.loc).Format(time.DateOnly)}
	if last := until.In(p.loc).Format(time.DateOnly); last != days[0] {
		days = append(days, last)
	}

	devices := map[string][]Device{}
	var out []Message
	for _, gid := range groups {
		classes, err := p.upcoming(ctx, gid, days, now, until)
		if err != nil {
			return nil, err
		}
		for _, c := range classes {
			start := time.UnixMilli(c.Class.StartTime)
			minutes := int(math.Round(start.Sub(now).Minutes()))

			var targets []Target
			for _, student := range observers[gid] {
				devs, ok := devices[student]
				if !ok {
					if devs, err = p.devices(ctx, student); err != nil {
						return nil, err
					}
					devices[student] = devs
				}
				for _, d := range devs {
					if d.Due(minutes) {
						targets = append(targets, Target{StudentID: student, DeviceID: d.ID, Token: d.Token})
					}
				}
			}
			if len(targets) == 0 {
				continue
			}
			out = append(out, Message{
				ClassID: c.DocID,
				GroupID: gid,
				Start:   start,
				Title:   title,
				Body:    p.body(c.Class, start),
				Targets: targets,
			})
		}
	}
	return out, nil
}

func (p *Planner) body(c model.ClassRecord, start time.Time) string {
	subject := "Class"
	if c.SubjectFullName != nil && *c.SubjectFullName != "" {
		subject = *c.SubjectFullName
	}
	room := "N/A"
	if len(c.Rooms) > 0 && c.Rooms[0].Name != nil && *c.Rooms[0].Name != "" {
		room = *c.Rooms[0].Name
	}
	return fmt.Sprintf("%s at %s in room %s.", subject, start.In(p.loc).Format("15:04"), room)
}

// upcoming returns the stored classes of gid starting in [now, until].
func (p *Planner) upcoming(ctx context.Context, gid int64, days []string, now, until time.Time) ([]model.StoredClass, error) {
	coll := reconcile.ClassesPath(gid)
	var out []model.StoredClass
	for _, day := range days {
		docs, err := p.store.Query(ctx, docstore.Query{
			Collection: coll,
			Where:      []docstore.Filter{{Field: "day", Value: day}},
			OrderBy:    "startTime",
		})
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", coll, err)
		}
		for _, d := range docs {
			c, err := p.norm.NormalizeStored(d)
			if err != nil {
				p.log.Warn().Err(err).Str("path", d.Path).Msg("skipping undecodable class")
				continue
			}
			start := time.UnixMilli(c.Class.StartTime)
			if start.Before(now) || start.After(until) {
				continue
			}
			out = append(out, c)
		}
	}
	return out, nil
}

// observers maps every observed group id to the students observing it.
func (p *Planner) observers(ctx context.Context) (map[int64][]string, error) {
	docs, err := p.store.ListDocuments(ctx, ObservedGroupsCollection)
	if err != nil {
		return nil, fmt.Errorf("list observed groups: %w", err)
	}
	out := map[int64][]string{}
	for _, d := range docs {
		groups, _ := d.Data["groups"].([]any)
		for _, g := range groups {
			if gid, ok := asInt64(g); ok {
				out[gid] = append(out[gid], d.ID)
			}
		}
	}
	return out, nil
}

func (p *Planner) devices(ctx context.Context, student string) ([]Device, error) {
	doc, err := p.store.Get(ctx, docstore.Join(DevicesCollection, student))
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("devices of %s: %w", student, err)
	}
	raw, _ := doc.Data["devices"].(map[string]any)
	out := make([]Device, 0, len(raw))
	for id, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		d := Device{ID: id}
		d.Token, _ = m["token"].(string)
		d.Enabled, _ = m["notificationEnabled"].(bool)
		d.TimeOption, _ = m["notificationTimeOption"].(string)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RemoveDevices deletes the given devices from their students' documents.
func (p *Planner) RemoveDevices(ctx context.Context, targets []Target) error {
	byStudent := map[string][]string{}
	for _, t := range targets {
		byStudent[t.StudentID] = append(byStudent[t.StudentID], t.DeviceID)
	}
	w := batch.NewWriter(p.store, p.ceiling, p.log)
	for student, ids := range byStudent {
		path := docstore.Join(DevicesCollection, student)
		doc, err := p.store.Get(ctx, path)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("devices of %s: %w", student, err)
		}
		raw, _ := doc.Data["devices"].(map[string]any)
		for _, id := range ids {
			delete(raw, id)
		}
		w.Add(docstore.Set(path, doc.Data))
	}
	_, err := w.FlushAll(ctx)
	if err == nil && len(targets) > 0 {
		p.log.Info().Int("devices", len(targets)).Msg("removed devices with invalid tokens")
	}
	return err
}

// ClearObserved empties every non-empty observed group list and returns
// how many students were reset.
func (p *Planner) ClearObserved(ctx context.Context) (int, error) {
	docs, err := p.store.ListDocuments(ctx, ObservedGroupsCollection)
	if err != nil {
		return 0, fmt.Errorf("list observed groups: %w", err)
	}
	w := batch.NewWriter(p.store, p.ceiling, p.log)
	n := 0
	for _, d := range docs {
		if groups, _ := d.Data["groups"].([]any); len(groups) == 0 {
			continue
		}
		w.Add(docstore.Upsert(d.Path, map[string]any{"groups": []any{}}))
		n++
	}
	if _, err := w.FlushAll(ctx); err != nil {
		return 0, err
	}
	return n, nil
}

// Deliver sends every message and drops the devices the sender reported
// as unregistered. Send errors are joined; remaining messages still go out.
func Deliver(ctx context.Context, p *Planner, s Sender, msgs []Message) (Report, error) {
	var (
		total Report
		errs  []error
	)
	for _, m := range msgs {
		rep, err := s.Send(ctx, m)
		metrics.NotificationsSent.WithLabelValues(metrics.Result(err)).Inc()
		if err != nil {
			errs = append(errs, fmt.Errorf("class %s: %w", m.ClassID, err))
			continue
		}
		total.Sent += rep.Sent
		total.Invalid = append(total.Invalid, rep.Invalid...)
	}
	if len(total.Invalid) > 0 {
		if err := p.RemoveDevices(ctx, total.Invalid); err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		id, err := strconv.ParseInt(n, 10, 64)
		return id, err == nil
	}
	return 0, false
}
