package dispatch

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

// Responder receives driver accept/decline answers read off the socket.
type Responder interface {
	HandleResponse(rideID, driverID string, accepted bool) error
}

// WSSession represents a connected driver session.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

type wsEnvelope struct {
	Type   string            `json:"type"`
	RideID string            `json:"ride_id,omitempty"`
	Offer  *models.RideOffer `json:"offer,omitempty"`
}

// DriverResponse is what the driver app writes back for an invitation.
type DriverResponse struct {
	RideID   string `json:"ride_id"`
	Accepted bool   `json:"accepted"`
}

// WSRegistry holds driver sessions and is the primary offer channel.
type WSRegistry struct {
	Logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{Logger: logger, sessions: make(map[string]*WSSession)}
}

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[driverID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, driverID)
}

func (r *WSRegistry) session(driverID string) (*WSSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[driverID]
	return s, ok
}

func (r *WSRegistry) Offer(driverID string, offer models.RideOffer) error {
	s, ok := r.session(driverID)
	if !ok {
		return ErrNoSession
	}
	if err := s.send(wsEnvelope{Type: "offer", RideID: offer.RideID, Offer: &offer}); err != nil {
		r.Logger.Warn("ws send error", "driver_id", driverID, "error", err)
		return err
	}
	return nil
}

func (r *WSRegistry) RideTaken(driverID, rideID string) error {
	s, ok := r.session(driverID)
	if !ok {
		return ErrNoSession
	}
	return s.send(wsEnvelope{Type: "ride_taken", RideID: rideID})
}

// Listen pumps driver responses from the socket into the matching engine
// until the connection drops. Runs on the goroutine of the websocket handler.
func (r *WSRegistry) Listen(driverID string, conn *websocket.Conn, responder Responder) {
	defer r.Remove(driverID)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var resp DriverResponse
		if err := json.Unmarshal(data, &resp); err != nil || resp.RideID == "" {
			continue
		}
		if err := responder.HandleResponse(resp.RideID, driverID, resp.Accepted); err != nil {
			_ = r.RideTaken(driverID, resp.RideID)
		}
	}
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
