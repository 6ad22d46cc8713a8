// Package semester maps calendar dates to academic semesters and weeks.
//
// The boundary dates are business rules of the upstream university and are
// kept as constants on Rules rather than derived.
package semester

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Rules holds the semester calendar constants.
type Rules struct {
	WinterStartMonth  time.Month // academic year rolls over on the 1st of this month
	SummerStartMonth  time.Month
	SummerStartDay    int
	SummerEndMonth    time.Month // last month of the summer semester
	WinterIDBase      int        // upstream id of the winter semester starting in WinterIDBaseYear
	WinterIDBaseYear  int
	WinterIDYearShift int
}

// DefaultRules: winter from October 1, summer from February 15 to the end of
// June, vacation July through September.
var DefaultRules = Rules{
	WinterStartMonth:  time.October,
	SummerStartMonth:  time.February,
	SummerStartDay:    15,
	SummerEndMonth:    time.June,
	WinterIDBase:      90,
	WinterIDBaseYear:  2025,
	WinterIDYearShift: 2,
}

// Kind is the semester half: winter (Z) or summer (L).
type Kind string

const (
	Winter Kind = "Z"
	Summer Kind = "L"
)

// Info describes the semester a date falls into.
type Info struct {
	Identifier        string // e.g. "2024Z", "2025L"
	AcademicYear      string // e.g. "2024-2025"
	AcademicYearStart int
	Kind              Kind
}

// At returns the semester containing t, or false during the vacation.
func (r Rules) At(t time.Time) (Info, bool) {
	year, month, day := t.Date()

	summerStarted := month > r.SummerStartMonth || (month == r.SummerStartMonth && day >= r.SummerStartDay)

	switch {
	case month >= r.WinterStartMonth:
		return winter(year), true
	case !summerStarted:
		return winter(year - 1), true
	case month <= r.SummerEndMonth:
		return Info{
			Identifier:        fmt.Sprintf("%d%s", year, Summer),
			AcademicYear:      fmt.Sprintf("%d-%d", year-1, year),
			AcademicYearStart: year - 1,
			Kind:              Summer,
		}, true
	default:
		return Info{}, false
	}
}

func winter(start int) Info {
	return Info{
		Identifier:        fmt.Sprintf("%d%s", start, Winter),
		AcademicYear:      fmt.Sprintf("%d-%d", start, start+1),
		AcademicYearStart: start,
		Kind:              Winter,
	}
}

// WinterSemesterID returns the upstream numeric id of the winter semester
// of the academic year starting in academicYearStart.
func (r Rules) WinterSemesterID(academicYearStart int) int {
	return r.WinterIDBase + (academicYearStart-r.WinterIDBaseYear)*r.WinterIDYearShift
}

// Identifier builds the semester identifier for a group tree marker: winter
// groups belong to the start year, summer groups to the following one.
func Identifier(kind Kind, academicYearStart int) string {
	if kind == Summer {
		return fmt.Sprintf("%d%s", academicYearStart+1, Summer)
	}
	return fmt.Sprintf("%d%s", academicYearStart, Winter)
}

// ParseIdentifier splits "2024Z" into its year and kind and returns the
// academic year string the semester belongs to.
func ParseIdentifier(id string) (year int, kind Kind, academicYear string, err error) {
	if len(id) != 5 {
		return 0, "", "", fmt.Errorf("invalid semester identifier %q", id)
	}
	year, err = strconv.Atoi(id[:4])
	if err != nil {
		return 0, "", "", fmt.Errorf("invalid semester identifier %q: %w", id, err)
	}
	switch Kind(strings.ToUpper(id[4:])) {
	case Winter:
		return year, Winter, fmt.Sprintf("%d-%d", year, year+1), nil
	case Summer:
		return year, Summer, fmt.Sprintf("%d-%d", year-1, year), nil
	default:
		return 0, "", "", fmt.Errorf("invalid semester identifier %q", id)
	}
}

// WeekStart returns Monday 00:00 of the week containing t, in loc.
func WeekStart(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	offset := (int(local.Weekday()) + 6) % 7 // Monday == 0
	y, m, d := local.Date()
	return time.Date(y, m, d-offset, 0, 0, 0, 0, loc)
}

// WeekID encodes a week start as its unix millisecond string.
func WeekID(weekStart time.Time) string {
	return strconv.FormatInt(weekStart.UnixMilli(), 10)
}

// AddWeeks moves a week start by n calendar weeks, keeping local midnight
// across DST changes.
func AddWeeks(weekStart time.Time, n int) time.Time {
	return weekStart.AddDate(0, 0, 7*n)
}
