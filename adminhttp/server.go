// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package adminhttp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/jtacoma/uritemplates"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/negroni"

	"github.com/diffeo/go-hypershell/store"
)

const clientURLTemplate = "/clients/{id}"

// NewRouter builds the admin HTTP handler described in SPEC_FULL.md
// §2: /healthz, /metrics, /stats, /clients, /clients/{id}, wrapped in
// a negroni.Classic-style middleware stack (recovery + request
// logging), matching the teacher's restserver.NewRouter entry point
// but serving a fixed, read-only resource set rather than a generic
// REST API.
func NewRouter(s store.Store, log *logrus.Logger) http.Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	api := &api{Store: s, Log: log}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", api.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/stats", api.stats).Methods(http.MethodGet)
	r.HandleFunc("/clients", api.clients).Methods(http.MethodGet)
	r.HandleFunc(clientURLTemplate, api.client).Methods(http.MethodGet)

	n := negroni.New(negroni.NewRecovery(), newLogrusMiddleware(log))
	n.UseHandler(r)
	return n
}

type api struct {
	Store store.Store
	Log   *logrus.Logger
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statsDoc is the /stats response shape. ClientsURLTemplate is a
// RFC 6570 template (parsed with jtacoma/uritemplates, the same
// library the teacher's restclient uses to Expand server-provided
// templates) so a caller can build a single client's URL without a
// round trip to /clients first.
type statsDoc struct {
	Remaining          int     `json:"remaining"`
	Interrupted        int     `json:"interrupted"`
	Total              int     `json:"total"`
	EffectiveRate      float64 `json:"effective_rate"`
	AvgDuration        float64 `json:"avg_duration"`
	TimeToCompletion   float64 `json:"time_to_completion"`
	ClientsURLTemplate string  `json:"clients_url_template"`
}

func (a *api) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var doc statsDoc
	var err error

	if doc.Remaining, err = a.Store.CountRemaining(ctx); err != nil {
		writeError(w, err)
		return
	}
	if doc.Interrupted, err = a.Store.CountInterrupted(ctx); err != nil {
		writeError(w, err)
		return
	}
	if doc.Total, err = a.Store.Count(ctx); err != nil {
		writeError(w, err)
		return
	}
	if doc.EffectiveRate, err = a.Store.EffectiveRate(ctx); err != nil {
		writeError(w, err)
		return
	}
	if doc.AvgDuration, err = a.Store.AvgDuration(ctx); err != nil {
		writeError(w, err)
		return
	}
	if doc.TimeToCompletion, err = a.Store.TimeToCompletion(ctx); err != nil {
		writeError(w, err)
		return
	}
	doc.ClientsURLTemplate = clientURLTemplate

	ObserveTasksRemaining(doc.Remaining)
	writeJSON(w, http.StatusOK, doc)
}

type clientSummary struct {
	ID             string `json:"id"`
	Host           string `json:"host"`
	URL            string `json:"url"`
	ConnectedAt    string `json:"connected_at,omitempty"`
	DisconnectedAt string `json:"disconnected_at,omitempty"`
	Evicted        bool   `json:"evicted"`
}

func (a *api) clients(w http.ResponseWriter, r *http.Request) {
	clients, err := a.Store.ConnectedClients(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	docs := make([]clientSummary, 0, len(clients))
	for _, c := range clients {
		url, err := expandClientURL(c.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		docs = append(docs, clientSummary{ID: c.ID, Host: c.Host, URL: url, Evicted: c.Evicted})
	}
	writeJSON(w, http.StatusOK, docs)
}

func (a *api) client(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	c, err := a.Store.GetClient(r.Context(), id)
	if err != nil {
		if _, ok := err.(store.ErrNoSuchClient); ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeError(w, err)
		return
	}
	url, err := expandClientURL(c.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	doc := clientSummary{ID: c.ID, Host: c.Host, URL: url, Evicted: c.Evicted}
	if c.DisconnectedAt != nil {
		doc.DisconnectedAt = c.DisconnectedAt.Format(httpTimeLayout)
	}
	writeJSON(w, http.StatusOK, doc)
}

const httpTimeLayout = "2006-01-02T15:04:05Z07:00"

func expandClientURL(id string) (string, error) {
	tmpl, err := uritemplates.Parse(clientURLTemplate)
	if err != nil {
		return "", err
	}
	return tmpl.Expand(map[string]interface{}{"id": id})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

// newLogrusMiddleware adapts *logrus.Logger to negroni's
// negroni.Handler interface, matching the level of abstraction the
// teacher wires its own logging middleware through.
func newLogrusMiddleware(log *logrus.Logger) negroni.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
		log.WithContext(context.Background()).WithField("path", r.URL.Path).Debug("adminhttp: request")
		next(w, r)
	}
}
