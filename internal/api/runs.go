package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/reajuste/internal/domain"
	"github.com/roach88/reajuste/internal/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// listQuery holds the filters shared by the list endpoints.
type listQuery struct {
	status        string
	terminalOnly  bool
	installmentID int64
	limit         int
}

func parseListQuery(r *http.Request) (listQuery, error) {
	q := r.URL.Query()
	lq := listQuery{status: q.Get("status"), limit: defaultListLimit}

	if v := q.Get("terminal"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return lq, fmt.Errorf("terminal: %q is not a boolean", v)
		}
		lq.terminalOnly = b
	}
	if v := q.Get("installment_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return lq, fmt.Errorf("installment_id: %q is not a positive integer", v)
		}
		lq.installmentID = id
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return lq, fmt.Errorf("limit: %q is not a positive integer", v)
		}
		lq.limit = min(n, maxListLimit)
	}
	return lq, nil
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	lq, err := parseListQuery(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := domain.RunStatus(lq.status)
	if status != "" && !status.Valid() {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("status: unknown run status %q", lq.status))
		return
	}

	runs, err := s.store.ListRuns(r.Context(), store.RunFilter{
		Status:        status,
		TerminalOnly:  lq.terminalOnly,
		InstallmentID: lq.installmentID,
		Limit:         lq.limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, runs)
}

type skipRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleSkipRun(w http.ResponseWriter, r *http.Request) {
	var req skipRequest
	if err := readJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "skipped by operator"
	}

	run, err := s.store.SkipRun(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("run skipped by operator", "run_id", run.ID, "reason", req.Reason)
	writeData(w, http.StatusOK, run)
}

func (s *Server) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.ResetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("run reset for retry by operator", "run_id", run.ID)
	writeData(w, http.StatusOK, run)
}
