package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandleLogin(t *testing.T) {
	s := newWebhookServer(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"valid credentials", `{"username":"admin","password":"secret"}`, http.StatusOK},
		{"wrong password", `{"username":"admin","password":"nope"}`, http.StatusUnauthorized},
		{"wrong username", `{"username":"root","password":"secret"}`, http.StatusUnauthorized},
		{"malformed body", `{not json`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(tt.body))
			s.handleLogin(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("login = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var resp loginResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decoding response: %v", err)
			}
			if resp.AccessToken == "" || resp.TokenType != "Bearer" {
				t.Errorf("response = %+v", resp)
			}

			claims, err := s.validateJWT(resp.AccessToken)
			if err != nil {
				t.Fatalf("issued token does not validate: %v", err)
			}
			if claims.Subject != "admin" {
				t.Errorf("subject = %q, want admin", claims.Subject)
			}
			if claims.ID == "" {
				t.Error("token has no jti")
			}
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	s := newWebhookServer(t)

	var reachedUser string
	protected := s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reachedUser, _ = r.Context().Value(ctxKeyUsername).(string)
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("missing header rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/functions", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("garbage token rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/functions", nil)
		req.Header.Set("Authorization", "Bearer not.a.jwt")
		protected.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("valid token accepted", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login",
			strings.NewReader(`{"username":"admin","password":"secret"}`))
		s.handleLogin(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("login = %d", rec.Code)
		}
		var resp loginResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decoding login response: %v", err)
		}

		rec = httptest.NewRecorder()
		req = httptest.NewRequest(http.MethodGet, "/api/v1/functions", nil)
		req.Header.Set("Authorization", "Bearer "+resp.AccessToken)
		protected.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if reachedUser != "admin" {
			t.Errorf("username in context = %q, want admin", reachedUser)
		}
	})
}

func TestTicketStore(t *testing.T) {
	store := newTicketStore()

	ticket := generateTicket()
	store.tickets[ticket] = ticketEntry{
		username:  "admin",
		expiresAt: time.Now().Add(time.Minute),
	}

	entry, ok := store.validate(ticket)
	if !ok || entry.username != "admin" {
		t.Fatalf("validate() = %+v, %v", entry, ok)
	}

	// Single use.
	if _, ok := store.validate(ticket); ok {
		t.Error("ticket validated twice")
	}

	// Expired tickets fail.
	expired := generateTicket()
	store.tickets[expired] = ticketEntry{expiresAt: time.Now().Add(-time.Second)}
	if _, ok := store.validate(expired); ok {
		t.Error("expired ticket validated")
	}

	// Cleanup removes stale entries.
	stale := generateTicket()
	store.tickets[stale] = ticketEntry{expiresAt: time.Now().Add(-time.Second)}
	store.cleanExpired()
	if _, exists := store.tickets[stale]; exists {
		t.Error("cleanExpired left a stale ticket behind")
	}
}
