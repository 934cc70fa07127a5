package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dcclite-server/dcclite-broker/internal/decoder"
	"github.com/dcclite-server/dcclite-broker/internal/storage"
)

// HandleListDevices lists the live view of every device
func (s *RESTServer) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.broker.Devices()

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"total":   len(devices),
	})
}

// HandleGetDevice returns the live view of a device with its decoders
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	view, ok := s.broker.DeviceView(name)
	if !ok {
		s.respondError(w, http.StatusNotFound, "device not found")
		return
	}
	dev, _ := s.broker.Device(name)

	decoders := make([]map[string]interface{}, 0, len(dev.Decoders()))
	for _, d := range dev.Decoders() {
		decoders = append(decoders, serializeDecoder(d, name))
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"device":   view,
		"decoders": decoders,
	})
}

// HandleGetDeviceState returns the persisted state of a device
func (s *RESTServer) HandleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondError(w, http.StatusServiceUnavailable, "database not configured")
		return
	}

	name := chi.URLParam(r, "name")
	state, err := s.store.GetDeviceState(r.Context(), s.broker.Name(), name)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "device state not found")
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, state)
}

// HandleListDecoders lists every decoder of the broker ordered by address
func (s *RESTServer) HandleListDecoders(w http.ResponseWriter, r *http.Request) {
	entries := s.broker.Decoders()

	decoders := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		decoders = append(decoders, serializeDecoder(e.Decoder, e.Owner))
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"decoders": decoders,
		"total":    len(decoders),
	})
}

// HandleGetDecoder looks up a decoder by DCC address
func (s *RESTServer) HandleGetDecoder(w http.ResponseWriter, r *http.Request) {
	addr, err := strconv.ParseUint(chi.URLParam(r, "address"), 10, 16)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid address")
		return
	}

	e, ok := s.broker.Decoder(decoder.Address(addr))
	if !ok {
		s.respondError(w, http.StatusNotFound, "decoder not found")
		return
	}

	s.respondJSON(w, http.StatusOK, serializeDecoder(e.Decoder, e.Owner))
}

// HandleListSignals lists the service-level signal decoders
func (s *RESTServer) HandleListSignals(w http.ResponseWriter, r *http.Request) {
	signals := s.broker.Signals()

	out := make([]map[string]interface{}, 0, len(signals))
	for _, d := range signals {
		out = append(out, serializeDecoder(d, ""))
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"signals": out,
		"total":   len(out),
	})
}

func serializeDecoder(d *decoder.Decoder, owner string) map[string]interface{} {
	out := make(map[string]interface{})
	d.Serialize(out)
	if owner != "" {
		out["device"] = owner
	}
	return out
}
