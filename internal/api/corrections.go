package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/roach88/reajuste/internal/domain"
)

const (
	defaultUpcomingDays = 30
	maxUpcomingDays     = 366
)

// handleUpcoming lists the corrections due within ?days= of ?as_of=,
// soonest first, with index availability. Nothing is applied.
func (s *Server) handleUpcoming(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Forecaster == nil {
		writeJSONError(w, http.StatusNotImplemented, "correction forecasts are not enabled")
		return
	}

	q := r.URL.Query()
	asOf := s.today()
	if v := q.Get("as_of"); v != "" {
		d, err := domain.ParseDate(v)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("as_of: %q is not YYYY-MM-DD", v))
			return
		}
		asOf = d
	}
	days := defaultUpcomingDays
	if v := q.Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > maxUpcomingDays {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("days: %q must be within [0, %d]", v, maxUpcomingDays))
			return
		}
		days = n
	}

	forecasts, err := s.cfg.Forecaster.Preview(r.Context(), asOf, days)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, forecasts)
}
