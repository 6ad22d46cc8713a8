package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Options wires the router to its collaborators. Nil Reader or Syncer
// leaves the matching routes unregistered.
type Options struct {
	Syncer   Syncer
	Reader   Reader
	Entries  Entries
	Healthy  func() bool
	Location *time.Location
	Log      zerolog.Logger
}

// NewRouter builds the HTTP routes.
func NewRouter(o Options) *mux.Router {
	if o.Location == nil {
		o.Location = time.UTC
	}
	h := &Handler{
		sync:     o.Syncer,
		reader:   o.Reader,
		entries:  o.Entries,
		healthy:  o.Healthy,
		location: o.Location,
		log:      o.Log,
	}

	root := mux.NewRouter()
	root.Use(Recover(o.Log))

	root.HandleFunc("/healthz", h.CheckHealth).Methods(http.MethodGet)
	root.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	root.HandleFunc("/api/jobs", h.ListJobs).Methods(http.MethodGet)

	if o.Syncer != nil {
		root.HandleFunc("/api/groups/{groupId}/sync", h.TriggerSync).Methods(http.MethodPost)
	}
	if o.Reader != nil {
		root.HandleFunc("/api/groups", h.GetGroupDetails).Methods(http.MethodGet)
		root.HandleFunc("/api/groups/tree", h.GetTree).Methods(http.MethodGet)
		root.HandleFunc("/api/groups/{groupId}/days/{date}", h.GetDay).Methods(http.MethodGet)
		root.HandleFunc("/api/groups/{groupId}/weeks/{weekId}", h.GetWeek).Methods(http.MethodGet)
	}
	return root
}
