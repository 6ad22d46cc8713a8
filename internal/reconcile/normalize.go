package reconcile

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ansplan/schedsync/internal/docstore"
	"github.com/ansplan/schedsync/internal/model"
	"github.com/ansplan/schedsync/internal/upstream"
)

const dayLayout = "2006-01-02"

// Normalizer turns upstream items and stored documents into the canonical
// comparison form. Calendar days are derived in Location.
type Normalizer struct {
	Location *time.Location
}

func (n Normalizer) loc() *time.Location {
	if n.Location == nil {
		return time.UTC
	}
	return n.Location
}

// NormalizeIncoming converts one upstream item. ok is false when the item
// has no upstream identifier and must be skipped.
func (n Normalizer) NormalizeIncoming(item upstream.ClassItem) (rec model.ClassRecord, upstreamID string, ok bool) {
	upstreamID = strings.TrimSpace(item.UpstreamID())
	if upstreamID == "" {
		return model.ClassRecord{}, "", false
	}

	rec = model.ClassRecord{
		SubjectFullName:  clean(item.NazwaPelnaPrzedmiotu),
		SubjectShortName: clean(item.NazwaSkroconaPrzedmiotu),
		StartTime:        int64(item.DataRozpoczecia),
		EndTime:          int64(item.DataZakonczenia),
		Lecturers:        make([]model.Lecturer, 0, len(item.Wykladowcy)),
		Rooms:            make([]model.Room, 0, len(item.Sale)),
	}
	rec.Day = n.day(rec.StartTime)
	if len(item.ListaIdZajecInstancji) > 0 {
		rec.ClassType = clean(item.ListaIdZajecInstancji[0].TypZajec)
	}
	for _, w := range item.Wykladowcy {
		rec.Lecturers = append(rec.Lecturers, model.Lecturer{ID: w.IDProwadzacego, Name: clean(w.StopienImieNazwisko)})
	}
	for _, s := range item.Sale {
		rec.Rooms = append(rec.Rooms, model.Room{ID: s.IDSali, Name: clean(s.NazwaSkrocona)})
	}
	sortRecord(&rec)
	return rec, upstreamID, true
}

// NormalizeStored decodes a stored class document. Instants are accepted as
// integer or float millis, {seconds, nanoseconds} maps, time.Time values and
// RFC 3339 strings. Documents written before upstreamId was stored were
// keyed by the upstream id, so the document id stands in for it.
func (n Normalizer) NormalizeStored(doc docstore.Doc) (model.StoredClass, error) {
	d := doc.Data
	start, err := instant(d["startTime"])
	if err != nil {
		return model.StoredClass{}, fmt.Errorf("%s: startTime: %w", doc.Path, err)
	}
	end, err := instant(d["endTime"])
	if err != nil {
		return model.StoredClass{}, fmt.Errorf("%s: endTime: %w", doc.Path, err)
	}

	rec := model.ClassRecord{
		SubjectFullName:  optString(d["subjectFullName"]),
		SubjectShortName: optString(d["subjectShortName"]),
		StartTime:        start,
		EndTime:          end,
		ClassType:        optString(d["classType"]),
	}
	if day, ok := d["day"].(string); ok && day != "" {
		rec.Day = day
	} else {
		rec.Day = n.day(start)
	}

	lecturers, err := people(d["lecturers"])
	if err != nil {
		return model.StoredClass{}, fmt.Errorf("%s: lecturers: %w", doc.Path, err)
	}
	rec.Lecturers = make([]model.Lecturer, 0, len(lecturers))
	for _, p := range lecturers {
		rec.Lecturers = append(rec.Lecturers, model.Lecturer{ID: p.id, Name: p.name})
	}
	rooms, err := people(d["rooms"])
	if err != nil {
		return model.StoredClass{}, fmt.Errorf("%s: rooms: %w", doc.Path, err)
	}
	rec.Rooms = make([]model.Room, 0, len(rooms))
	for _, p := range rooms {
		rec.Rooms = append(rec.Rooms, model.Room{ID: p.id, Name: p.name})
	}
	sortRecord(&rec)

	sc := model.StoredClass{DocID: doc.ID, Class: rec, UpstreamID: doc.ID}
	if s, ok := d["upstreamId"].(string); ok && s != "" {
		sc.UpstreamID = s
	}
	if s, ok := d["weekId"].(string); ok {
		sc.WeekID = s
	}
	if gid, err := intValue(d["sourceGroupId"]); err == nil {
		sc.SourceGroupID = gid
	}
	return sc, nil
}

func (n Normalizer) day(ms int64) string {
	return time.UnixMilli(ms).In(n.loc()).Format(dayLayout)
}

func sortRecord(r *model.ClassRecord) {
	sort.SliceStable(r.Lecturers, func(i, j int) bool { return r.Lecturers[i].ID < r.Lecturers[j].ID })
	sort.SliceStable(r.Rooms, func(i, j int) bool { return r.Rooms[i].ID < r.Rooms[j].ID })
}

// clean trims s; blank strings become absent.
func clean(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}

func optString(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return clean(&s)
}

type person struct {
	id   int64
	name *string
}

func people(v any) ([]person, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected %T", v)
	}
	out := make([]person, 0, len(list))
	for _, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("unexpected element %T", e)
		}
		id, err := intValue(m["id"])
		if err != nil {
			return nil, fmt.Errorf("id: %w", err)
		}
		out = append(out, person{id: id, name: optString(m["name"])})
	}
	return out, nil
}

func intValue(v any) (int64, error) {
	switch t := v.(type) {
	case float64:
		return int64(t), nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case json.Number:
		return t.Int64()
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected %T", v)
	}
}

// instant normalizes every stored encoding of an instant to unix millis.
func instant(v any) (int64, error) {
	switch t := v.(type) {
	case float64:
		return int64(t), nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case json.Number:
		f, err := t.Float64()
		return int64(f), err
	case time.Time:
		return t.UnixMilli(), nil
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UnixMilli(), nil
		}
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("unparseable instant %q", t)
		}
		return int64(f), nil
	case map[string]any:
		sec, ok := t["seconds"]
		if !ok {
			sec = t["_seconds"]
		}
		nsec, ok := t["nanoseconds"]
		if !ok {
			nsec = t["_nanoseconds"]
		}
		s, err := intValue(sec)
		if err != nil {
			return 0, fmt.Errorf("seconds: %w", err)
		}
		var ns int64
		if nsec != nil {
			if ns, err = intValue(nsec); err != nil {
				return 0, fmt.Errorf("nanoseconds: %w", err)
			}
		}
		return s*1000 + ns/int64(time.Millisecond), nil
	case nil:
		return 0, fmt.Errorf("missing")
	default:
		return 0, fmt.Errorf("unexpected %T", v)
	}
}
