// Package api exposes the operator HTTP surface: health, metrics, manual
// sync triggers and read access to the stored schedules.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/ansplan/schedsync/internal/model"
	"github.com/ansplan/schedsync/internal/schedule"
	"github.com/ansplan/schedsync/internal/scheduler"
)

// Syncer queues operator-triggered group syncs.
type Syncer interface {
	QueueGroup(ctx context.Context, groupID int64, from time.Time, weeks int) (string, error)
}

// Reader serves stored schedules.
type Reader interface {
	Day(ctx context.Context, groupID int64, date string) ([]model.StoredClass, error)
	Week(ctx context.Context, groupID int64, weekID string) ([]model.StoredClass, error)
	GroupDetails(ctx context.Context, ids []int64) ([]schedule.GroupSummary, error)
	Tree(ctx context.Context) (*schedule.Tree, error)
}

// Entries lists scheduled jobs.
type Entries interface {
	Entries() []scheduler.Scheduled
}

// Handler holds the HTTP handlers.
type Handler struct {
	sync     Syncer
	reader   Reader
	entries  Entries
	healthy  func() bool
	location *time.Location
	log      zerolog.Logger
}

// SyncAccepted is returned by the sync trigger.
type SyncAccepted struct {
	JobID   string `json:"jobId"`
	GroupID int64  `json:"groupId"`
	From    string `json:"from"`
	Weeks   int    `json:"weeks"`
}

// CheckHealth handles GET /healthz. It answers 200 when healthy and 503 otherwise.
func (h *Handler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if h.healthy != nil && !h.healthy() {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	writeJSON(w, h.log, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// TriggerSync handles POST /api/groups/{groupId}/sync?weeks=N&from=YYYY-MM-DD.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	gid, err := groupID(r)
	if err != nil {
		writeErr(w, h.log, err)
		return
	}
	q := r.URL.Query()

	weeks := 0
	if v := q.Get("weeks"); v != "" {
		if weeks, err = strconv.Atoi(v); err != nil || weeks <= 0 {
			writeErr(w, h.log, fmt.Errorf("%w: weeks must be a positive integer", model.ErrValidation))
			return
		}
	}
	from := time.Now().In(h.location)
	if v := q.Get("from"); v != "" {
		if from, err = time.ParseInLocation("2006-01-02", v, h.location); err != nil {
			writeErr(w, h.log, fmt.Errorf("%w: from must be YYYY-MM-DD", model.ErrValidation))
			return
		}
	}

	id, err := h.sync.QueueGroup(r.Context(), gid, from, weeks)
	if err != nil {
		writeErr(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusAccepted, SyncAccepted{JobID: id, GroupID: gid, From: from.Format("2006-01-02"), Weeks: weeks})
}

// GetDay handles GET /api/groups/{groupId}/days/{date}.
func (h *Handler) GetDay(w http.ResponseWriter, r *http.Request) {
	gid, err := groupID(r)
	if err != nil {
		writeErr(w, h.log, err)
		return
	}
	classes, err := h.reader.Day(r.Context(), gid, mux.Vars(r)["date"])
	if err != nil {
		writeErr(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, map[string]any{"groupId": gid, "classes": classes})
}

// GetWeek handles GET /api/groups/{groupId}/weeks/{weekId}.
func (h *Handler) GetWeek(w http.ResponseWriter, r *http.Request) {
	gid, err := groupID(r)
	if err != nil {
		writeErr(w, h.log, err)
		return
	}
	classes, err := h.reader.Week(r.Context(), gid, mux.Vars(r)["weekId"])
	if err != nil {
		writeErr(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, map[string]any{"groupId": gid, "classes": classes})
}

// GetGroupDetails handles GET /api/groups?ids=1,2,3.
func (h *Handler) GetGroupDetails(w http.ResponseWriter, r *http.Request) {
	var ids []int64
	for _, part := range strings.Split(r.URL.Query().Get("ids"), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			writeErr(w, h.log, fmt.Errorf("%w: group id %q", model.ErrValidation, part))
			return
		}
		ids = append(ids, id)
	}
	groups, err := h.reader.GroupDetails(r.Context(), ids)
	if err != nil {
		writeErr(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, map[string]any{"groups": groups})
}

// GetTree handles GET /api/groups/tree.
func (h *Handler) GetTree(w http.ResponseWriter, r *http.Request) {
	tree, err := h.reader.Tree(r.Context())
	if err != nil {
		writeErr(w, h.log, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, tree)
}

// ListJobs handles GET /api/jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var out []scheduler.Scheduled
	if h.entries != nil {
		out = h.entries.Entries()
	}
	writeJSON(w, h.log, http.StatusOK, map[string]any{"jobs": out})
}

func groupID(r *http.Request) (int64, error) {
	v := mux.Vars(r)["groupId"]
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: group id %q", model.ErrValidation, v)
	}
	return id, nil
}
