package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// CrewStream upgrades to a websocket and pushes each newly stored sample of
// the crew as a JSON message. Delivery is at-least-once and may be out of
// order; clients sort by timestamp.
func (s *Server) CrewStream(w http.ResponseWriter, r *http.Request) {
	if s.Subscriber == nil {
		http.Error(w, "Live updates unavailable", http.StatusServiceUnavailable)
		return
	}
	crew, ok := s.crewByCode(r.Context(), w, mux.Vars(r)["code"])
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	updates, err := s.Subscriber.Subscribe(ctx, crew.ID)
	if err != nil {
		s.Log.WithError(err).Error("subscribe failed")
		http.Error(w, "Live updates unavailable", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.allowOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		return
	}
	defer conn.Close()

	if s.Metrics != nil {
		s.Metrics.StreamClients.Inc()
		defer s.Metrics.StreamClients.Dec()
	}
	log := s.Log.WithField("crew_code", crew.Code)
	log.Debug("stream client connected")

	// The read pump only handles control frames and notices the client leaving.
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-updates:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription ended"),
					time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(sample); err != nil {
				log.WithError(err).Debug("stream write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) allowOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
