package integration

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcclite-server/dcclite-broker/internal/broker"
	"github.com/dcclite-server/dcclite-broker/internal/config"
	"github.com/dcclite-server/dcclite-broker/internal/device"
	"github.com/dcclite-server/dcclite-broker/internal/models"
)

type memStore struct {
	mu     sync.Mutex
	events []*models.EventLog
}

func (m *memStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func TestMQTTTopic(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "dcclite/main/device/shelf/event/device_online",
		MQTTTopic("dcclite", "main", "shelf", "DEVICE_ONLINE"))
	assert.Equal(t, "site/a_b/device/x_y_z/event/desync",
		MQTTTopic("site", "a/b", "x+y#z", "DESYNC"))
}

func TestForwardToHTTP(t *testing.T) {
	t.Parallel()

	type request struct {
		body        string
		token       string
		contentType string
	}
	got := make(chan request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- request{string(body), r.Header.Get("X-Token"), r.Header.Get("Content-Type")}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewForwarderService(nil, nil, "dcclite", config.MQTTConfig{}, config.WebhookConfig{
		URL:     srv.URL,
		Headers: map[string]string{"X-Token": "abc"},
		Timeout: time.Second,
	})

	require.NoError(t, s.forwardToHTTP(context.Background(), []byte(`{"device":"shelf"}`)))
	req := <-got
	assert.Equal(t, `{"device":"shelf"}`, req.body)
	assert.Equal(t, "abc", req.token)
	assert.Equal(t, "application/json", req.contentType)
}

func TestForwardToHTTPErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewForwarderService(nil, nil, "dcclite", config.MQTTConfig{}, config.WebhookConfig{URL: srv.URL})
	err := s.forwardToHTTP(context.Background(), []byte(`{}`))
	assert.ErrorContains(t, err, "502")
}

func TestReportFailureWritesIntegrationEvent(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	s := NewForwarderService(nil, store, "dcclite", config.MQTTConfig{}, config.WebhookConfig{})

	s.reportFailure(broker.EventMessage{
		Broker: "main",
		Event:  device.Event{Device: "shelf", Type: device.EventOnline},
	}, "http", errors.New("connection refused"))

	require.Len(t, store.events, 1)
	ev := store.events[0]
	assert.Equal(t, models.EventTypeIntegration, ev.Type)
	assert.Equal(t, models.EventLevelError, ev.Level)
	assert.Equal(t, "http", ev.Code)
	assert.Equal(t, "shelf", ev.Device)
	assert.Equal(t, "connection refused", ev.Details["error"])
}
