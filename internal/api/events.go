package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/ecatd/internal/ecat"
	"github.com/nerrad567/ecatd/internal/journal"
)

// handleListEvents returns stored supervision events, newest first.
//
// Query parameters: run, device, kind, limit.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeUnavailable(w, "event journal is disabled")
		return
	}

	q := r.URL.Query()
	filter := journal.Filter{
		RunID: q.Get("run"),
		Kind:  ecat.EventKind(q.Get("kind")),
	}
	if v := q.Get("device"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "device must be a non-negative integer")
			return
		}
		filter.Device = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	events, err := s.journal.Events(r.Context(), filter)
	if err != nil {
		s.logger.Error("querying supervision events", "error", err)
		writeInternalError(w, "failed to query events")
		return
	}
	if events == nil {
		events = []journal.EventRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}
