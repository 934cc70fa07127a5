package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dcclite-server/dcclite-broker/internal/models"
	"github.com/dcclite-server/dcclite-broker/internal/storage"
)

const maxEventPage = 500

// HandleListEvents lists events
func (s *RESTServer) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondError(w, http.StatusServiceUnavailable, "database not configured")
		return
	}

	filters, limit, offset, err := parseEventQuery(r, s.broker.Name())
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, total, err := s.store.ListEventLogs(r.Context(), filters, limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

// parseEventQuery reads device, type, level, since, until, limit and offset
func parseEventQuery(r *http.Request, broker string) (storage.EventLogFilters, int, int, error) {
	q := r.URL.Query()
	filters := storage.EventLogFilters{Broker: &broker}

	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	if limit > maxEventPage {
		limit = maxEventPage
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	if dev := q.Get("device"); dev != "" {
		filters.Device = &dev
	}

	if eventType := q.Get("type"); eventType != "" {
		modelEventType := models.EventType(eventType)
		filters.Type = &modelEventType
	}

	if level := q.Get("level"); level != "" {
		modelEventLevel := models.EventLevel(level)
		filters.Level = &modelEventLevel
	}

	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return filters, 0, 0, errors.New("invalid since, expected RFC3339")
		}
		filters.StartTime = &t
	}

	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return filters, 0, 0, errors.New("invalid until, expected RFC3339")
		}
		filters.EndTime = &t
	}

	return filters, limit, offset, nil
}
