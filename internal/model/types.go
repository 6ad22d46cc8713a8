package model

import "time"

// Credential is the shared upstream session token. It stays valid until
// the broker explicitly invalidates it.
type Credential struct {
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// IsZero reports whether the credential carries no token.
func (c Credential) IsZero() bool { return c.Token == "" }

// Lecturer is one teacher attached to a class.
type Lecturer struct {
	ID   int64   `json:"id"`
	Name *string `json:"name"`
}

// Room is one room attached to a class.
type Room struct {
	ID   int64   `json:"id"`
	Name *string `json:"name"`
}

// ClassRecord is the canonical comparison form of one scheduled meeting.
// Lecturers and Rooms are always sorted ascending by ID.
type ClassRecord struct {
	SubjectFullName  *string    `json:"subjectFullName"`
	SubjectShortName *string    `json:"subjectShortName"`
	StartTime        int64      `json:"startTime"` // unix millis
	EndTime          int64      `json:"endTime"`   // unix millis
	Day              string     `json:"day"`       // YYYY-MM-DD
	ClassType        *string    `json:"classType"`
	Lecturers        []Lecturer `json:"lecturers"`
	Rooms            []Room     `json:"rooms"`
}

// StoredClass is a class document read back from the store together with
// the metadata the reconciliation does not compare on.
type StoredClass struct {
	DocID         string      `json:"docId"`
	Class         ClassRecord `json:"class"`
	WeekID        string      `json:"weekId"`
	SourceGroupID int64       `json:"sourceGroupId"`
	UpstreamID    string      `json:"upstreamId,omitempty"`
}

// NodeKind discriminates organizational tree nodes.
type NodeKind string

const (
	NodeUnit      NodeKind = "unit"
	NodeStudyMode NodeKind = "study-mode"
	NodeCycle     NodeKind = "cycle"
	NodeDeanGroup NodeKind = "dean-group"
	NodeParent    NodeKind = "parent"
)

// GroupNode is one node of the faculty -> field -> mode -> semester -> group tree.
// ID is set only for dean-group nodes that carry a numeric identifier.
type GroupNode struct {
	Kind     NodeKind    `json:"kind"`
	Label    string      `json:"label"`
	ID       *int64      `json:"id,omitempty"`
	Children []GroupNode `json:"children,omitempty"`
}

// ProcessingContext holds the nearest-ancestor labels seen on the path
// from the root. It is passed by value so siblings never share state.
type ProcessingContext struct {
	FieldOfStudy string `json:"fieldOfStudy,omitempty"`
	StudyMode    string `json:"studyMode,omitempty"`
	Semester     string `json:"semester,omitempty"`
}

// GroupDetail is the per-group record written next to the tree.
type GroupDetail struct {
	ID        int64  `json:"id"`
	GroupName string `json:"groupName"`
	FullPath  string `json:"fullPath"`
}

// TreeNode is the selectable tree rebuilt from the stored hierarchy.
type TreeNode struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Type     string     `json:"type"`
	GroupID  *int64     `json:"groupId"`
	Children []TreeNode `json:"children"`
}
