package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"

	"github.com/umputun/soloq/app/config"
	"github.com/umputun/soloq/app/engine"
	"github.com/umputun/soloq/app/history"
	"github.com/umputun/soloq/app/store"
)

// maxHistoryLimit caps history page size
const maxHistoryLimit = 1000

// StartResponse is the JSON response for endpoint start
type StartResponse struct {
	JobID        string       `json:"jobId"`
	Status       store.Status `json:"status"`
	EndpointName string       `json:"endpointName"`
}

// JobResponse is the JSON response for check-status
type JobResponse struct {
	Job store.JobRecord `json:"job"`
}

// APIEndpoint is an endpoint in JSON api response, command is not exposed
type APIEndpoint struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule,omitempty"`
}

// handleListEndpoints returns names and schedules of configured endpoints
func (s *Server) handleListEndpoints(w http.ResponseWriter, _ *http.Request) {
	res := []APIEndpoint{}
	if s.Endpoints != nil {
		for _, ep := range s.Endpoints.List() {
			res = append(res, APIEndpoint{Name: ep.Name, Schedule: ep.Schedule})
		}
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleStart enqueues endpoint's job and returns 202 with job id
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusBadRequest, errors.New("empty name"), "endpoint name required")
		return
	}
	res, err := s.Starter.Start(r.Context(), name)
	if err != nil {
		s.sendError(w, r, err, "can't start "+name)
		return
	}
	log.Printf("[INFO] job %s enqueued for %s", res.JobID, name)
	s.writeJSON(w, http.StatusAccepted, StartResponse{JobID: res.JobID, Status: res.Status, EndpointName: name})
}

// handleCheckStatus returns job record by id
func (s *Server) handleCheckStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, found, err := s.Queue.CheckStatus(id)
	if err != nil {
		s.sendError(w, r, err, "can't check status")
		return
	}
	if !found {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusNotFound, errors.New("no such job "+id), "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, JobResponse{Job: rec})
}

// handleQueueStatus returns summary with running and queued jobs
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.Queue.QueueStatus()
	if err != nil {
		s.sendError(w, r, err, "can't get queue status")
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

// handleCancel cancels queued or running job
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.Queue.Cancel(id)
	if err != nil {
		s.sendError(w, r, err, "can't cancel job")
		return
	}
	if res.Outcome == engine.CancelNotFound {
		s.writeJSON(w, http.StatusNotFound, res)
		return
	}
	log.Printf("[INFO] cancel %s: %s", id, res.Outcome)
	s.writeJSON(w, http.StatusOK, res)
}

// handleHistory returns archived executions, newest first. Query params: limit, endpoint
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		rest.SendErrorJSON(w, r, log.Default(), http.StatusNotFound, errors.New("history disabled"), "history disabled")
		return
	}
	q := history.Query{Endpoint: r.URL.Query().Get("endpoint")}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			rest.SendErrorJSON(w, r, log.Default(), http.StatusBadRequest, errors.New("bad limit "+v), "invalid limit")
			return
		}
		q.Limit = min(limit, maxHistoryLimit)
	}
	execs, err := s.History.List(r.Context(), q)
	if err != nil {
		s.sendError(w, r, err, "can't load history")
		return
	}
	if execs == nil {
		execs = []history.Execution{}
	}
	s.writeJSON(w, http.StatusOK, execs)
}

// sendError maps queue errors to http status codes
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, config.ErrUnknownEndpoint):
		code = http.StatusNotFound
	case errors.Is(err, config.ErrDirMissing), errors.Is(err, engine.ErrInvalidRequest):
		code = http.StatusBadRequest
	case errors.Is(err, engine.ErrClosed):
		code = http.StatusServiceUnavailable
	}
	rest.SendErrorJSON(w, r, log.Default(), code, err, msg)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}
