package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/reajuste/internal/domain"
)

// Pass kinds accepted by POST /v1/passes/{kind}.
const (
	PassReadjustment = "readjustment"
	PassNotification = "notification"
)

// handleRunPass runs a pass synchronously. The pass outlives a dropped
// connection but not the server; the runner's soft timeout bounds it, so
// the write deadline is lifted for this response.
func (s *Server) handleRunPass(w http.ResponseWriter, r *http.Request) {
	asOf := s.today()
	if v := r.URL.Query().Get("as_of"); v != "" {
		d, err := domain.ParseDate(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("as_of: %q is not YYYY-MM-DD", v))
			return
		}
		asOf = d
	}

	ctx, cancel := s.passContext(r)
	defer cancel()
	// Not every writer supports deadlines; the server's WriteTimeout then applies.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	switch kind := chi.URLParam(r, "kind"); kind {
	case PassReadjustment:
		report, err := s.passes.RunReadjustmentPass(ctx, asOf)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, report)
	case PassNotification:
		report, err := s.passes.RunNotificationPass(ctx, asOf)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, report)
	default:
		writeJSONError(w, http.StatusNotFound, fmt.Sprintf("unknown pass %q", kind))
	}
}

// passContext detaches a pass from the client connection and ties it to
// the server's base context instead.
func (s *Server) passContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	stop := context.AfterFunc(s.base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
