package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"crewmap/database"
	"crewmap/geo"
	"crewmap/matching"
	"crewmap/models"
	"crewmap/presence"
)

const (
	crewCodeAttempts    = 5
	defaultNearbyMeters = 1000.0
	maxNearbyMeters     = 50000.0
)

type createCrewRequest struct {
	Name        string `json:"name" validate:"required,max=80"`
	Nickname    string `json:"nickname" validate:"required,max=32"`
	TruckNumber string `json:"truck_number" validate:"max=16"`
}

type joinCrewRequest struct {
	Code        string `json:"code" validate:"required"`
	Nickname    string `json:"nickname" validate:"required,max=32"`
	TruckNumber string `json:"truck_number" validate:"max=16"`
}

type membership struct {
	Crew   *models.Crew   `json:"crew"`
	Driver *models.Driver `json:"driver"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		http.Error(w, "Invalid request payload: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// CreateCrew creates a crew with a fresh code and registers the caller as its first driver.
func (s *Server) CreateCrew(w http.ResponseWriter, r *http.Request) {
	var req createCrewRequest
	if !s.decode(w, r, &req) {
		return
	}

	crew := &models.Crew{ID: uuid.NewString(), Name: strings.TrimSpace(req.Name)}
	var err error
	for i := 0; i < crewCodeAttempts; i++ {
		crew.Code = models.GenerateCrewCode(s.intn)
		if err = s.Store.CreateCrew(r.Context(), crew); !errors.Is(err, database.ErrConflict) {
			break
		}
	}
	if err != nil {
		s.Log.WithError(err).Error("failed to create crew")
		http.Error(w, "Failed to create crew", http.StatusInternalServerError)
		return
	}

	driver, err := s.addDriver(r.Context(), crew, req.Nickname, req.TruckNumber)
	if err != nil {
		s.Log.WithError(err).WithField("crew_code", crew.Code).Error("failed to create first driver")
		http.Error(w, "Failed to create driver", http.StatusInternalServerError)
		return
	}

	s.Log.WithField("crew_code", crew.Code).Info("crew created")
	writeJSON(w, http.StatusCreated, membership{Crew: crew, Driver: driver})
}

// JoinCrew registers a new driver in an existing crew. Nicknames are unique per crew.
func (s *Server) JoinCrew(w http.ResponseWriter, r *http.Request) {
	var req joinCrewRequest
	if !s.decode(w, r, &req) {
		return
	}

	crew, ok := s.crewByCode(r.Context(), w, req.Code)
	if !ok {
		return
	}

	driver, err := s.addDriver(r.Context(), crew, req.Nickname, req.TruckNumber)
	if err != nil {
		if errors.Is(err, database.ErrConflict) {
			http.Error(w, "Nickname already taken in this crew", http.StatusConflict)
		} else {
			s.Log.WithError(err).Error("failed to join crew")
			http.Error(w, "Failed to create driver", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusCreated, membership{Crew: crew, Driver: driver})
}

func (s *Server) addDriver(ctx context.Context, crew *models.Crew, nickname, truck string) (*models.Driver, error) {
	existing, err := s.Store.ListDrivers(ctx, crew.ID, false)
	if err != nil {
		return nil, err
	}
	used := make([]string, 0, len(existing))
	for _, d := range existing {
		used = append(used, d.Color)
	}

	now := s.now().UTC()
	driver := &models.Driver{
		ID:          uuid.NewString(),
		CrewID:      crew.ID,
		Nickname:    strings.TrimSpace(nickname),
		TruckNumber: strings.TrimSpace(truck),
		Color:       models.PickColor(used, s.intn),
		IsActive:    true,
		LastSeen:    &now,
	}
	if err := s.Store.CreateDriver(ctx, driver); err != nil {
		return nil, err
	}
	return driver, nil
}

// crewByCode writes the error response itself and reports whether the crew was found.
func (s *Server) crewByCode(ctx context.Context, w http.ResponseWriter, code string) (*models.Crew, bool) {
	crew, err := s.Store.GetCrewByCode(ctx, models.NormalizeCrewCode(code))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			http.Error(w, "Crew not found. Please check the code and try again.", http.StatusNotFound)
		} else {
			s.Log.WithError(err).Error("crew lookup failed")
			http.Error(w, "Database error", http.StatusInternalServerError)
		}
		return nil, false
	}
	if crew.Expired(s.now()) {
		http.Error(w, "Crew has expired", http.StatusGone)
		return nil, false
	}
	return crew, true
}

// ListCrewDrivers returns the active drivers of a crew.
func (s *Server) ListCrewDrivers(w http.ResponseWriter, r *http.Request) {
	crew, ok := s.crewByCode(r.Context(), w, mux.Vars(r)["code"])
	if !ok {
		return
	}
	drivers, err := s.Store.ListDrivers(r.Context(), crew.ID, true)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if drivers == nil {
		drivers = []models.Driver{}
	}
	writeJSON(w, http.StatusOK, drivers)
}

// CrewSnapshot returns every active driver with presence status and retained trail.
func (s *Server) CrewSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	crew, ok := s.crewByCode(ctx, w, mux.Vars(r)["code"])
	if !ok {
		return
	}

	drivers, err := s.Store.ListDrivers(ctx, crew.ID, true)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	now := s.now()
	samples, err := s.Store.ListLocationsSince(ctx, crew.ID, now.Add(-s.Retention))
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	var lastSeen map[string]time.Time
	if s.Liveness != nil {
		if lastSeen, err = s.Liveness.LastSeen(ctx, crew.ID); err != nil {
			s.Log.WithError(err).Warn("liveness cache unavailable, using stored last_seen")
		}
	}

	writeJSON(w, http.StatusOK, presence.BuildSnapshot(crew.ID, drivers, samples, lastSeen, now, s.Retention))
}

// NearbyCrewmates lists crewmates around ?lat=&lon= within ?radius= meters.
// With ?nearest=1 only the closest one is returned.
func (s *Server) NearbyCrewmates(w http.ResponseWriter, r *http.Request) {
	crew, ok := s.crewByCode(r.Context(), w, mux.Vars(r)["code"])
	if !ok {
		return
	}

	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		http.Error(w, "Invalid coordinates", http.StatusBadRequest)
		return
	}
	center := models.RawFix{DriverToken: "query", Latitude: lat, Longitude: lon}
	if err := center.Validate(); err != nil {
		http.Error(w, "Invalid coordinates", http.StatusBadRequest)
		return
	}

	radius := defaultNearbyMeters
	if raw := q.Get("radius"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 || v > maxNearbyMeters {
			http.Error(w, "Invalid radius", http.StatusBadRequest)
			return
		}
		radius = v
	}

	point := geo.Point{Lat: lat, Lon: lon}
	if q.Get("nearest") == "1" {
		mate, err := s.matcher.Nearest(r.Context(), crew.ID, point, radius, q.Get("exclude"))
		switch {
		case errors.Is(err, matching.ErrNoCrewmates):
			http.Error(w, "No crewmates in range", http.StatusNotFound)
		case err != nil:
			s.Log.WithError(err).Error("nearest lookup failed")
			http.Error(w, "Failed to load positions", http.StatusInternalServerError)
		default:
			writeJSON(w, http.StatusOK, mate)
		}
		return
	}

	mates, err := s.matcher.Nearby(r.Context(), crew.ID, point, radius, q.Get("exclude"))
	if err != nil {
		s.Log.WithError(err).Error("nearby lookup failed")
		http.Error(w, "Failed to load positions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, mates)
}

// GetDriver handles fetching driver details by ID
func (s *Server) GetDriver(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	if _, err := uuid.Parse(driverID); err != nil {
		http.Error(w, "Invalid driver ID", http.StatusBadRequest)
		return
	}

	driver, err := s.Store.GetDriver(r.Context(), driverID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			http.Error(w, "Driver not found", http.StatusNotFound)
		} else {
			http.Error(w, "Database error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, driver)
}

// DeactivateDriver marks a driver as having left the crew. Their history stays.
func (s *Server) DeactivateDriver(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	if _, err := uuid.Parse(driverID); err != nil {
		http.Error(w, "Invalid driver ID", http.StatusBadRequest)
		return
	}

	if err := s.Store.SetDriverActive(r.Context(), driverID, false); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			http.Error(w, "Driver not found", http.StatusNotFound)
		} else {
			http.Error(w, "Failed to update driver", http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Healthz pings every configured backend.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	report := make(map[string]string, len(s.Health))
	for name, p := range s.Health {
		if err := p.PingContext(r.Context()); err != nil {
			report[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		report[name] = "ok"
	}
	writeJSON(w, status, report)
}
