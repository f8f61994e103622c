package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/reajuste/internal/domain"
	"github.com/roach88/reajuste/internal/store"
)

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	lq, err := parseListQuery(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := domain.NotificationStatus(lq.status)
	if status != "" && !status.Valid() {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("status: unknown notification status %q", lq.status))
		return
	}

	recs, err := s.store.ListNotifications(r.Context(), store.NotificationFilter{
		Status:        status,
		TerminalOnly:  lq.terminalOnly,
		InstallmentID: lq.installmentID,
		Limit:         lq.limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, recs)
}

func (s *Server) handleRetryNotification(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.ResetNotification(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("notification reset for retry by operator", "notification_id", rec.ID)
	writeData(w, http.StatusOK, rec)
}
