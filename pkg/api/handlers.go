package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/orchardproj/orchard/pkg/job"
	"github.com/orchardproj/orchard/pkg/orchestrator"
)

type handlers struct {
	deps Dependencies
}

type jobRequestBody struct {
	Attributes map[string]string `json:"attributes,omitempty"`
	Force      bool              `json:"force,omitempty"`
}

type createEnvironmentBody struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Nodes      []string          `json:"nodes,omitempty"`
}

type addNodeBody struct {
	Node string `json:"node"`
}

type ticketResponse struct {
	TicketID string `json:"ticket_id"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if h.deps.HealthCheck != nil {
		if err := h.deps.HealthCheck(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "UNHEALTHY", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// submitJob adapts one orchestrator operation into a 202 handler.
func (h *handlers) submitJob(submit func(context.Context, orchestrator.Request) (job.Ticket, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body jobRequestBody
		if err := decodeBody(r, &body); err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
			return
		}

		ticket, err := submit(r.Context(), orchestrator.Request{
			Environment: chi.URLParam(r, "name"),
			Attributes:  body.Attributes,
			Force:       body.Force,
		})
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}

		respondJSON(w, http.StatusAccepted, ticketResponse{TicketID: ticket.ID})
	}
}

func (h *handlers) getTicket(w http.ResponseWriter, r *http.Request) {
	j, err := h.deps.Registry.Find(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, job.ErrTicketNotFound) {
			respondError(w, http.StatusNotFound, "TICKET_NOT_FOUND",
				"unknown ticket: it may have expired")
			return
		}
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, j.Snapshot())
}

func (h *handlers) createEnvironment(w http.ResponseWriter, r *http.Request) {
	var body createEnvironmentBody
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if body.Name == "" {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "name is required")
		return
	}

	env := &orchestrator.Environment{
		Name:       body.Name,
		Attributes: body.Attributes,
	}
	if env.Attributes == nil {
		env.Attributes = make(map[string]string)
	}

	if err := h.deps.Environments.CreateEnvironment(r.Context(), env, body.Nodes); err != nil {
		respondError(w, http.StatusConflict, "CREATE_FAILED", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, map[string]string{"name": body.Name})
}

func (h *handlers) listEnvironments(w http.ResponseWriter, r *http.Request) {
	names, err := h.deps.Environments.ListEnvironments(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, names)
}

func (h *handlers) addNode(w http.ResponseWriter, r *http.Request) {
	var body addNodeBody
	if err := decodeBody(r, &body); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if body.Node == "" {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "node is required")
		return
	}

	if err := h.deps.Environments.AddNode(r.Context(), chi.URLParam(r, "name"), body.Node); err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"node": body.Node})
}

func (h *handlers) removeNode(w http.ResponseWriter, r *http.Request) {
	removed, err := h.deps.Environments.RemoveNode(r.Context(), chi.URLParam(r, "name"), chi.URLParam(r, "node"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if !removed {
		respondError(w, http.StatusNotFound, "NODE_NOT_FOUND", "node is not a member")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) listHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := h.deps.History.ListJobHistory(r.Context(), chi.URLParam(r, "name"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, entries)
}

func (h *handlers) listLocks(w http.ResponseWriter, r *http.Request) {
	records, err := h.deps.LockLister.ListLockRecords(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, records)
}

// releaseLock force-releases a lock record regardless of owner. It exists
// for operator recovery after a crashed holder.
func (h *handlers) releaseLock(w http.ResponseWriter, r *http.Request) {
	resource := chi.URLParam(r, "resource")

	released, err := h.deps.Locks.ForceRelease(r.Context(), resource)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if !released {
		respondError(w, http.StatusNotFound, "LOCK_NOT_FOUND", "no lock held for resource")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// decodeBody decodes an optional JSON body. An empty body is not an error.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
