package reconcile

import (
	"strconv"
	"strings"

	"github.com/ansplan/schedsync/internal/model"
)

const keySep = "|"

// SoftKey derives the content identity of a meeting:
// day|startMillis|classType|subjectShortName|lecturerIDs|roomIDs.
// Records must be normalized so the id lists are already sorted.
func SoftKey(r model.ClassRecord) string {
	lecturers := make([]string, len(r.Lecturers))
	for i, l := range r.Lecturers {
		lecturers[i] = strconv.FormatInt(l.ID, 10)
	}
	rooms := make([]string, len(r.Rooms))
	for i, rm := range r.Rooms {
		rooms[i] = strconv.FormatInt(rm.ID, 10)
	}
	return strings.Join([]string{
		r.Day,
		strconv.FormatInt(r.StartTime, 10),
		deref(r.ClassType),
		deref(r.SubjectShortName),
		strings.Join(lecturers, ","),
		strings.Join(rooms, ","),
	}, keySep)
}

// Equal compares two canonical records field by field.
func Equal(a, b model.ClassRecord) bool {
	if !eqStr(a.SubjectFullName, b.SubjectFullName) ||
		!eqStr(a.SubjectShortName, b.SubjectShortName) ||
		a.StartTime != b.StartTime || a.EndTime != b.EndTime ||
		a.Day != b.Day ||
		!eqStr(a.ClassType, b.ClassType) ||
		len(a.Lecturers) != len(b.Lecturers) || len(a.Rooms) != len(b.Rooms) {
		return false
	}
	for i := range a.Lecturers {
		if a.Lecturers[i].ID != b.Lecturers[i].ID || !eqStr(a.Lecturers[i].Name, b.Lecturers[i].Name) {
			return false
		}
	}
	for i := range a.Rooms {
		if a.Rooms[i].ID != b.Rooms[i].ID || !eqStr(a.Rooms[i].Name, b.Rooms[i].Name) {
			return false
		}
	}
	return true
}

func eqStr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
