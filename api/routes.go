package api

import (
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

func (s *Server) RegisterRoutes() http.Handler {
	router := mux.NewRouter()

	// Device webhooks
	router.HandleFunc("/webhooks/osmand", s.OsmAndWebhook).Methods("GET", "POST")
	router.HandleFunc("/webhooks/overland", s.OverlandWebhook).Methods("POST")
	router.HandleFunc("/webhooks/traccar", s.TraccarWebhook).Methods("GET", "POST")

	// Crew endpoints
	router.HandleFunc("/crews", s.CreateCrew).Methods("POST")
	router.HandleFunc("/crews/join", s.JoinCrew).Methods("POST")
	router.HandleFunc("/crews/{code}/drivers", s.ListCrewDrivers).Methods("GET")
	router.HandleFunc("/crews/{code}/snapshot", s.CrewSnapshot).Methods("GET")
	router.HandleFunc("/crews/{code}/nearby", s.NearbyCrewmates).Methods("GET")
	router.HandleFunc("/crews/{code}/stream", s.CrewStream).Methods("GET")

	// Driver endpoints
	router.HandleFunc("/drivers/{driver_id}", s.GetDriver).Methods("GET")
	router.HandleFunc("/drivers/{driver_id}", s.DeactivateDriver).Methods("DELETE")

	// Ops
	router.HandleFunc("/healthz", s.Healthz).Methods("GET")
	if s.Metrics != nil {
		router.Handle("/metrics", s.Metrics.Handler()).Methods("GET")
	}

	return s.wrap(router)
}

// OsmAndRoutes serves protocol A on its own port, where Traccar Client posts
// to the root path.
func (s *Server) OsmAndRoutes() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/", s.OsmAndWebhook).Methods("GET", "POST")
	router.HandleFunc("/webhooks/osmand", s.OsmAndWebhook).Methods("GET", "POST")
	return s.wrap(router)
}

func (s *Server) wrap(h http.Handler) http.Handler {
	// Add CORS support
	cors := handlers.CORS(
		handlers.AllowedOrigins(s.CORSOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)
	return handlers.CombinedLoggingHandler(accessLog(s.Log), cors(h))
}

func accessLog(log logrus.FieldLogger) io.Writer {
	if l, ok := log.(*logrus.Logger); ok {
		return l.WriterLevel(logrus.InfoLevel)
	}
	if e, ok := log.(*logrus.Entry); ok {
		return e.WriterLevel(logrus.InfoLevel)
	}
	return io.Discard
}
