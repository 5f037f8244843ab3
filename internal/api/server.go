package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gira-bridge/internal/bridges/gira"
	"github.com/nerrad567/gira-bridge/internal/entity"
	"github.com/nerrad567/gira-bridge/internal/infrastructure/config"
	"github.com/nerrad567/gira-bridge/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// TokenSource exposes the device API token the webhook receiver compares
// incoming callback tokens against. *gira.Client satisfies it.
type TokenSource interface {
	Token() string
}

// HistoryStore answers datapoint history queries. The entity store
// satisfies it.
type HistoryStore interface {
	RecentHistory(ctx context.Context, datapointUID string, limit int) ([]entity.ValueChange, error)
}

// EventPublisher relays device service events outward. The entity
// publisher satisfies it.
type EventPublisher interface {
	PublishServiceEvent(event string)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Tokens   TokenSource
	History  HistoryStore   // optional; history endpoints answer 404 without it
	Events   EventPublisher // optional; service events are relayed when set
	Registry *entity.Registry
	Version  string
}

// Server is the HTTP API server for the Gira bridge.
//
// It manages the HTTP listener, routes, middleware, the WebSocket hub and
// the device callback endpoints. The server is created with New() and
// started with Start(). It also implements gira.CallbackReceiver: the
// webhook routes are always mounted but answer 404 until the coordinator
// activates them through RegisterHandlers.
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	secCfg   config.SecurityConfig
	logger   *logging.Logger
	tokens   TokenSource
	history  HistoryStore
	events   EventPublisher
	registry *entity.Registry
	version  string

	coordinator *gira.Coordinator

	// callbacksActive gates the webhook endpoints.
	callbacksActive atomic.Bool

	server  *http.Server
	hub     *Hub
	tickets *ticketStore
	cancel  context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Tokens == nil {
		return nil, fmt.Errorf("device token source is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("entity registry is required")
	}

	return &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		secCfg:   deps.Security,
		logger:   deps.Logger,
		tokens:   deps.Tokens,
		history:  deps.History,
		events:   deps.Events,
		registry: deps.Registry,
		version:  deps.Version,
		tickets:  newTicketStore(),
	}, nil
}

// SetCoordinator attaches the update coordinator. Called after both the
// server and the coordinator are created, since the coordinator needs
// the server as its callback receiver and the server needs the
// coordinator for data access.
func (s *Server) SetCoordinator(c *gira.Coordinator) {
	s.coordinator = c
}

// SetEvents attaches the service event relay. Like SetCoordinator this
// runs after construction: the publisher's commander is the coordinator,
// which in turn needs this server as its callback receiver.
func (s *Server) SetEvents(events EventPublisher) {
	s.events = events
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub, registers a snapshot
// listener for real-time WebSocket broadcast, and launches the HTTP
// listener in a background goroutine. The server is stopped with Close().
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(srvCtx)

	// Periodic ticket cleanup to prevent memory leaks.
	go s.tickets.cleanLoop(srvCtx)

	if s.coordinator != nil {
		s.coordinator.AddListener(s.broadcastSnapshot)
	}

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// RegisterHandlers activates the device callback endpoints. Part of the
// gira.CallbackReceiver contract.
func (s *Server) RegisterHandlers() error {
	s.callbacksActive.Store(true)
	s.logger.Debug("webhook endpoints activated")
	return nil
}

// UnregisterHandlers deactivates the device callback endpoints. The
// routes stay mounted and answer 404. Idempotent.
func (s *Server) UnregisterHandlers() {
	s.callbacksActive.Store(false)
	s.logger.Debug("webhook endpoints deactivated")
}

// broadcastSnapshot relays a new coordinator snapshot to WebSocket
// clients subscribed to the datapoint values channel.
func (s *Server) broadcastSnapshot(snap *gira.Snapshot) {
	if s.hub == nil || snap == nil {
		return
	}
	s.hub.Broadcast(ChannelDatapointValues, map[string]any{
		"config_version": snap.ConfigVersion,
		"values":         snap.Values,
	})
}
