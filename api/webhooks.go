package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"crewmap/ingest"
	"crewmap/models"
	"crewmap/protocol"
)

const identifierHint = `Set the device identifier to your driver ID, or to "<CREW CODE>:<nickname>"`

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// params merges the query string with an urlencoded body.
func params(r *http.Request) (url.Values, error) {
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return r.Form, nil
}

// OsmAndWebhook handles protocol A: one fix in the query string, answered with a bare OK.
func (s *Server) OsmAndWebhook(w http.ResponseWriter, r *http.Request) {
	q, err := params(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request"})
		return
	}
	fix, err := protocol.ParseOsmAnd(q, s.now())
	if err != nil {
		s.observeRejected(models.ProtocolOsmAnd, err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing required parameters: id, lat, lon", "detail": err.Error()})
		return
	}

	if _, err := s.Ingester.Ingest(r.Context(), fix); err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidPayload):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid coordinates", "detail": err.Error()})
		case errors.Is(err, models.ErrUnknownDevice):
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":            "Driver not found",
				"hint":             identifierHint,
				"deviceIdReceived": fix.DriverToken,
			})
		default:
			s.Log.WithError(err).Error("osmand webhook failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to save location"})
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// TraccarWebhook handles protocol C. Unknown devices get a hint naming the
// identifier formats, echoing what was received.
func (s *Server) TraccarWebhook(w http.ResponseWriter, r *http.Request) {
	q, err := params(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request"})
		return
	}
	fix, err := protocol.ParseTraccar(q, s.now())
	if err != nil {
		s.observeRejected(models.ProtocolTraccar, err)
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":  "Missing required fields: lat, lon, and either deviceid or id",
			"detail": err.Error(),
		})
		return
	}

	if _, err := s.Ingester.Ingest(r.Context(), fix); err != nil {
		switch {
		case errors.Is(err, models.ErrInvalidPayload):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid coordinates", "detail": err.Error()})
		case errors.Is(err, models.ErrUnknownDevice):
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error":            "Driver not found",
				"hint":             identifierHint,
				"deviceIdReceived": fix.DriverToken,
			})
		default:
			s.Log.WithError(err).Error("traccar webhook failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to save location"})
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// OverlandWebhook handles protocol B. Item failures are counted, never fatal:
// only a body that is not { locations: [...] } is rejected.
func (s *Server) OverlandWebhook(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, s.MaxBatchBytes)
	items, err := protocol.ParseOverland(body, s.now())
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Batch too large"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Invalid payload format",
			"hint":  "Expected { locations: [...] }",
		})
		return
	}

	res := s.Ingester.IngestBatch(r.Context(), items)
	s.Log.WithFields(logrus.Fields{"saved": res.Saved, "errors": res.Errors}).Info("overland batch processed")
	writeJSON(w, http.StatusOK, map[string]any{
		"result": "ok",
		"saved":  res.Saved,
		"errors": res.Errors,
	})
}

// observeRejected counts fixes that never reached the pipeline.
func (s *Server) observeRejected(p models.Protocol, err error) {
	if s.Metrics != nil {
		s.Metrics.ObserveIngest(string(p), ingest.Outcome(err), 0)
	}
}
