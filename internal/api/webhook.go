package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/nerrad567/gira-bridge/internal/bridges/gira"
)

// Webhook endpoints for Gira X1 push callbacks.
//
// The device posts JSON payloads carrying the API token it was issued;
// the token proves the request really comes from the registered device.
// Test deliveries are answered 200 without a token check because the
// device probes the endpoints before the registration (and with it the
// token exchange) completes.

// valueCallbackPayload is the body of a value callback delivery.
type valueCallbackPayload struct {
	Token    string `json:"token"`
	Failures int    `json:"failures"`
	Events   []struct {
		UID   string          `json:"uid"`
		Value json.RawMessage `json:"value"`
	} `json:"events"`
}

// serviceCallbackPayload is the body of a service callback delivery.
type serviceCallbackPayload struct {
	Token    string `json:"token"`
	Failures int    `json:"failures"`
	Events   []struct {
		Event string `json:"event"`
	} `json:"events"`
}

// handleCallbackProbe answers the device's GET reachability probes.
func (s *Server) handleCallbackProbe(w http.ResponseWriter, _ *http.Request) {
	if !s.callbacksActive.Load() {
		writeNotFound(w, "callbacks not active")
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleValueCallback processes pushed datapoint changes.
func (s *Server) handleValueCallback(w http.ResponseWriter, r *http.Request) {
	if !s.callbacksActive.Load() {
		writeNotFound(w, "callbacks not active")
		return
	}

	var payload valueCallbackPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	// An empty delivery is the registration probe.
	if len(payload.Events) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	if !s.validCallbackToken(payload.Token) {
		s.logger.Warn("value callback with invalid token rejected")
		writeUnauthorized(w, "invalid token")
		return
	}

	if payload.Failures > 0 {
		s.logger.Warn("device reported failed callback deliveries", "failures", payload.Failures)
	}

	events := make([]gira.ValueEvent, 0, len(payload.Events))
	for _, ev := range payload.Events {
		if ev.UID == "" {
			continue
		}
		events = append(events, gira.ValueEvent{
			UID:   ev.UID,
			Value: gira.NormalizeRaw(ev.Value),
		})
	}

	if s.coordinator != nil {
		s.coordinator.ApplyValueEvents(events)
	}
	w.WriteHeader(http.StatusOK)
}

// handleServiceCallback processes pushed service events.
func (s *Server) handleServiceCallback(w http.ResponseWriter, r *http.Request) {
	if !s.callbacksActive.Load() {
		writeNotFound(w, "callbacks not active")
		return
	}

	var payload serviceCallbackPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if s.isServiceTestDelivery(payload) {
		w.WriteHeader(http.StatusOK)
		return
	}

	if !s.validCallbackToken(payload.Token) {
		s.logger.Warn("service callback with invalid token rejected")
		writeUnauthorized(w, "invalid token")
		return
	}

	if payload.Failures > 0 {
		s.logger.Warn("device reported failed callback deliveries", "failures", payload.Failures)
	}

	for _, ev := range payload.Events {
		kind, ok := gira.ParseServiceEventKind(ev.Event)
		if !ok {
			s.logger.Warn("unknown service event", "event", ev.Event)
		}
		if s.coordinator != nil {
			s.coordinator.ApplyServiceEvent(kind, ev.Event)
		}
		if s.events != nil {
			s.events.PublishServiceEvent(ev.Event)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// isServiceTestDelivery reports whether a service payload is a
// registration probe: no events at all, or only test events.
func (s *Server) isServiceTestDelivery(payload serviceCallbackPayload) bool {
	if len(payload.Events) == 0 {
		return true
	}
	for _, ev := range payload.Events {
		if gira.ServiceEventKind(ev.Event) != gira.ServiceEventTest {
			return false
		}
	}
	return true
}

// validCallbackToken compares a delivered token against the device API
// token in constant time.
func (s *Server) validCallbackToken(token string) bool {
	expected := s.tokens.Token()
	if expected == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}
