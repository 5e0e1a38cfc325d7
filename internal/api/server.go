package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/acqboard-bridge/internal/acqboard"
	"github.com/nerrad567/acqboard-bridge/internal/bridge"
	"github.com/nerrad567/acqboard-bridge/internal/infrastructure/config"
	"github.com/nerrad567/acqboard-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/acqboard-bridge/internal/journal"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// BoardService is the board surface the API drives. *bridge.Bridge
// implements it.
type BoardService interface {
	Status() bridge.Status
	Parameters() ([]acqboard.ParamSpec, error)
	Get(ctx context.Context, name string) (*bridge.Reading, error)
	Set(ctx context.Context, name string, value any) (*bridge.Reading, error)
	Fetch(ctx context.Context, req bridge.FetchRequest) (*acqboard.FetchResult, error)
	Run(ctx context.Context) error
	ConfigureHistogram(ctx context.Context, s acqboard.HistogramSettings) error
	Init(ctx context.Context) (*acqboard.BoardStatus, error)
	PopError(ctx context.Context) (acqboard.ErrorRecord, error)
	PendingErrors() ([]acqboard.ErrorRecord, error)
	Subscribe(fn func(bridge.Event)) (unsubscribe func())
}

// JournalReader is the read side of the journal exposed by the API.
type JournalReader interface {
	ListErrors(ctx context.Context, filter journal.ErrorFilter) (*journal.ErrorList, error)
	ListAcquisitions(ctx context.Context, board string, limit int) ([]journal.Acquisition, error)
	GetAcquisition(ctx context.Context, id string) (*journal.Acquisition, error)
	LoadParameters(ctx context.Context, board string) ([]journal.ParameterValue, error)
}

// ConnectionChecker reports broker connectivity for health and metrics.
type ConnectionChecker interface {
	IsConnected() bool
}

// StatsProvider reports database pool statistics.
type StatsProvider interface {
	Stats() sql.DBStats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Board    BoardService
	Journal  JournalReader     // optional: journal endpoints return 503 without it
	MQTT     ConnectionChecker // optional
	DB       StatsProvider     // optional
	Version  string
}

// Server is the HTTP API server of the bridge.
//
// It manages the HTTP listener, routes, middleware and the WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	board     BoardService
	journal   JournalReader
	mqtt      ConnectionChecker
	db        StatsProvider
	version   string
	startTime time.Time
	tickets   *ticketStore
	hub       *Hub

	mu          sync.Mutex
	server      *http.Server
	cancel      context.CancelFunc // cancels background goroutines on Close()
	unsubscribe func()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Logger and Board are required; the rest are optional
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Board == nil {
		return nil, fmt.Errorf("board service is required")
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		board:     deps.Board,
		journal:   deps.Journal,
		mqtt:      deps.MQTT,
		db:        deps.DB,
		version:   deps.Version,
		startTime: time.Now(),
		tickets:   newTicketStore(),
		hub:       NewHub(deps.WS, deps.Logger),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, relays bridge events to it and launches the
// HTTP listener in a background goroutine. The server can be stopped with
// Close().
//
// Parameters:
//   - ctx: Parent context for the hub and ticket cleanup
//
// Returns:
//   - error: If the server was already started
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.cleanTicketsLoop(srvCtx)

	s.unsubscribe = s.board.Subscribe(s.relayEvent)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	srv := s.server
	go func() {
		s.logger.Info("API server starting", "address", srv.Addr, "auth", s.authEnabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// relayEvent forwards bridge events to WebSocket subscribers. The channel
// name is the event type.
func (s *Server) relayEvent(ev bridge.Event) {
	s.hub.Broadcast(ev.Type, ev)
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}

	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	err := s.server.Shutdown(ctx)
	s.server = nil
	if err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
