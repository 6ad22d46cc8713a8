// Package grouptree flattens the upstream organizational tree into stored
// dean-group paths and rebuilds the selectable tree from them.
package grouptree

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ansplan/schedsync/internal/docstore"
	"github.com/ansplan/schedsync/internal/model"
	"github.com/ansplan/schedsync/internal/semester"
)

const (
	DeanGroupsCollection   = "deanGroups"
	GroupDetailsCollection = "groupDetails"
)

var semesterMarker = regexp.MustCompile(`\s\(([ZL])\)$`)

// Result is the flat output of Process.
type Result struct {
	Ops     []docstore.Op
	Groups  []model.GroupDetail
	Skipped int
}

// seen is the set of already emitted group keys and touched ancestor paths.
// It is threaded through the walk explicitly rather than captured.
type seen map[string]struct{}

func (s seen) add(key string) bool {
	if _, ok := s[key]; ok {
		return false
	}
	s[key] = struct{}{}
	return true
}

// Process walks roots depth first and returns the writes that store every
// dean group under deanGroups/{year}/{semesterID}/{field}/{mode}/{semester}.
// The first occurrence of a (path, name) pair wins. Nodes that cannot be
// placed are logged and counted in Skipped. Process never touches a store.
func Process(roots []model.GroupNode, academicYear string, academicYearStart int, log zerolog.Logger) Result {
	var res Result
	visited := seen{}
	for _, n := range roots {
		res, visited = walk(n, model.ProcessingContext{}, academicYear, academicYearStart, res, visited, log)
	}
	return res
}

func walk(n model.GroupNode, pc model.ProcessingContext, year string, yearStart int, res Result, visited seen, log zerolog.Logger) (Result, seen) {
	switch n.Kind {
	case model.NodeUnit:
		pc.FieldOfStudy = strings.TrimSpace(n.Label)
	case model.NodeStudyMode:
		pc.StudyMode = strings.TrimSpace(n.Label)
	case model.NodeCycle:
		pc.Semester = strings.TrimSpace(n.Label)
	case model.NodeDeanGroup:
		if n.ID != nil {
			res, visited = emitGroup(n, pc, year, yearStart, res, visited, log)
		}
	}
	for _, c := range n.Children {
		res, visited = walk(c, pc, year, yearStart, res, visited, log)
	}
	return res, visited
}

func emitGroup(n model.GroupNode, pc model.ProcessingContext, year string, yearStart int, res Result, visited seen, log zerolog.Logger) (Result, seen) {
	name, kind, ok := ParseGroupLabel(n.Label)
	if !ok || pc.FieldOfStudy == "" || pc.StudyMode == "" || pc.Semester == "" || name == "" {
		res.Skipped++
		log.Warn().Str("label", n.Label).Interface("context", pc).Msg("dean group skipped, missing context")
		return res, visited
	}
	for _, seg := range []string{pc.FieldOfStudy, pc.StudyMode, pc.Semester} {
		if strings.Contains(seg, "/") {
			res.Skipped++
			log.Warn().Str("label", n.Label).Str("segment", seg).Msg("dean group skipped, label not addressable")
			return res, visited
		}
	}

	semID := semester.Identifier(kind, yearStart)
	yearDoc := docstore.Join(DeanGroupsCollection, year)
	fieldDoc := docstore.Join(yearDoc, semID, pc.FieldOfStudy)
	semesterDoc := docstore.Join(fieldDoc, pc.StudyMode, pc.Semester)

	for _, p := range []string{yearDoc, fieldDoc} {
		if visited.add("touch:" + p) {
			res.Ops = append(res.Ops, docstore.Touch(p))
		}
	}
	if !visited.add(semesterDoc + "/" + name) {
		return res, visited
	}

	id := *n.ID
	res.Ops = append(res.Ops,
		docstore.Upsert(semesterDoc, map[string]any{name: id}),
		docstore.Upsert(docstore.Join(GroupDetailsCollection, strconv.FormatInt(id, 10)), map[string]any{
			"groupName": name,
			"fullPath":  semesterDoc,
		}),
	)
	res.Groups = append(res.Groups, model.GroupDetail{ID: id, GroupName: name, FullPath: semesterDoc})
	return res, visited
}

// ParseGroupLabel extracts the display name and semester half from a label
// such as "Grupa 1: wykład (Z)". ok is false without a (Z)/(L) marker.
func ParseGroupLabel(label string) (name string, kind semester.Kind, ok bool) {
	m := semesterMarker.FindStringSubmatch(label)
	if m == nil {
		return "", "", false
	}
	kind = semester.Kind(m[1])
	name, _, _ = strings.Cut(label, ":")
	name = strings.TrimSpace(semesterMarker.ReplaceAllString(name, ""))
	return name, kind, true
}
