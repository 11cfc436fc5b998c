// Package api exposes the pipeline's HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/socialmonitor/mention-pipeline/internal/faults"
	"github.com/socialmonitor/mention-pipeline/internal/models"
	"github.com/socialmonitor/mention-pipeline/internal/pipeline"
	"github.com/socialmonitor/mention-pipeline/internal/storage"
)

const maxBodyBytes = 1 << 20

// Deliveries controls queued notifications.
type Deliveries interface {
	Cancel(ctx context.Context, alertID, reason string) (int, error)
	MarkBounced(ctx context.Context, id, reason string) error
}

// Alerts resolves fired alerts.
type Alerts interface {
	ResolveAlert(ctx context.Context, id, by string, at time.Time) error
}

// FailureArchive reads archived delivery failures.
type FailureArchive interface {
	Failures(ctx context.Context, day time.Time) ([]models.Delivery, error)
}

// Handlers serves the HTTP endpoints.
type Handlers struct {
	submitter     pipeline.Submitter
	deliveries    Deliveries
	alerts        Alerts
	archive       FailureArchive
	gatherer      prometheus.Gatherer
	trigger       func()
	submitTimeout time.Duration
	log           *logrus.Entry
}

// NewHandlers creates the handlers. archive and trigger may be nil, which
// leaves their routes out.
func NewHandlers(submitter pipeline.Submitter, deliveries Deliveries, alerts Alerts, archive FailureArchive, gatherer prometheus.Gatherer, trigger func(), log *logrus.Entry) *Handlers {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Handlers{
		submitter:     submitter,
		deliveries:    deliveries,
		alerts:        alerts,
		archive:       archive,
		gatherer:      gatherer,
		trigger:       trigger,
		submitTimeout: 10 * time.Second,
		log:           log.WithField("component", "api"),
	}
}

// Router returns the route table.
func (h *Handlers) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", h.health).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	router.HandleFunc("/mentions", h.submitMention).Methods("POST")
	router.HandleFunc("/alerts/{id}/cancel", h.cancelAlert).Methods("POST")
	router.HandleFunc("/alerts/{id}/resolve", h.resolveAlert).Methods("POST")
	router.HandleFunc("/deliveries/{id}/bounce", h.bounceDelivery).Methods("POST")
	if h.archive != nil {
		router.HandleFunc("/deliveries/failed", h.failedDeliveries).Methods("GET")
	}

	// Manual collector trigger (for testing)
	if h.trigger != nil {
		router.HandleFunc("/trigger", h.triggerCollection).Methods("POST")
	}
	return router
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrClosed):
		status = http.StatusServiceUnavailable
	case faults.IsKind(err, faults.KindData):
		status = http.StatusBadRequest
	case faults.IsKind(err, faults.KindConflict):
		status = http.StatusConflict
	case faults.IsKind(err, faults.KindTransient):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		h.log.Errorf("Request failed: %v", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// decodeOptional reads a JSON body into v; an empty body leaves v unchanged.
func decodeOptional(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return faults.Data("decode request", "invalid JSON body: %v", err)
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

type submitResponse struct {
	Outcome   string `json:"outcome"`
	MentionID string `json:"mention_id,omitempty"`
}

func (h *Handlers) submitMention(w http.ResponseWriter, r *http.Request) {
	var raw models.RawMention
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&raw); err != nil {
		h.writeError(w, faults.Data("submit mention", "invalid JSON body: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.submitTimeout)
	defer cancel()

	result, err := h.submitter.Submit(ctx, raw)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{Outcome: string(result.Outcome), MentionID: result.MentionID})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handlers) cancelAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	req := reasonRequest{Reason: "cancelled"}
	if err := decodeOptional(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	n, err := h.deliveries.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alert_id": id, "cancelled": n})
}

func (h *Handlers) resolveAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	user := r.URL.Query().Get("user")
	if user == "" {
		h.writeError(w, faults.Data("resolve alert", "user is required"))
		return
	}

	if err := h.alerts.ResolveAlert(r.Context(), id, user, time.Now().UTC()); err != nil {
		h.writeError(w, err)
		return
	}
	n, err := h.deliveries.Cancel(r.Context(), id, "resolved by "+user)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alert_id": id, "resolved_by": user, "cancelled": n})
}

func (h *Handlers) bounceDelivery(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	req := reasonRequest{Reason: "bounced"}
	if err := decodeOptional(r, &req); err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.deliveries.MarkBounced(r.Context(), id, req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"delivery_id": id, "status": string(models.DeliveryBounced)})
}

// failedDeliveries lists the archived failures of one UTC day, today by default.
func (h *Handlers) failedDeliveries(w http.ResponseWriter, r *http.Request) {
	day := time.Now().UTC()
	if v := r.URL.Query().Get("date"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			h.writeError(w, faults.Data("failed deliveries", "date must be YYYY-MM-DD"))
			return
		}
		day = parsed
	}

	failures, err := h.archive.Failures(r.Context(), day)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"date":       day.Format("2006-01-02"),
		"count":      len(failures),
		"deliveries": failures,
	})
}

func (h *Handlers) triggerCollection(w http.ResponseWriter, r *http.Request) {
	go h.trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Collection triggered"})
}
