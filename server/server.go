// Package server hosts the statuswire HTTP surface: the ingestion endpoint
// for workflow-engine callbacks, the streaming fan-out endpoints for
// browsers, and read-only execution queries.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/statuswire/statuswire/broker"
	"github.com/statuswire/statuswire/config"
	"github.com/statuswire/statuswire/errors"
	"github.com/statuswire/statuswire/execution"
)

// Server wires the ingestion path (normalize -> persist -> publish) to the
// per-connection streaming fan-out. The broker and store are explicit
// handles owned by the server; each streaming connection gets its own broker
// subscription.
type Server struct {
	cfg        *config.Config
	db         *sql.DB
	store      *execution.Store
	broker     *broker.Broker
	cache      *broker.LastEventCache
	normalizer *execution.Normalizer
	decoder    *broker.Decoder
	logger     *zap.SugaredLogger
	limiter    *rate.Limiter
	mux        *http.ServeMux
	httpServer *http.Server

	keepalive   time.Duration
	maxLifetime time.Duration
	maxClients  int

	clientCount atomic.Int32

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server. The caller owns the database handle; the server owns
// the broker it creates and releases it on Shutdown.
func New(cfg *config.Config, database *sql.DB, logger *zap.SugaredLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:         cfg,
		db:          database,
		store:       execution.NewStore(database),
		broker:      broker.New(logger),
		cache:       broker.NewLastEventCache(time.Duration(cfg.Cache.TTLSeconds) * time.Second),
		normalizer:  execution.NewNormalizer(logger),
		decoder:     broker.NewDecoder(logger),
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Limit(cfg.Ingest.RatePerSecond), cfg.Ingest.RateBurst),
		mux:         http.NewServeMux(),
		keepalive:   time.Duration(cfg.Stream.KeepaliveSeconds) * time.Second,
		maxLifetime: time.Duration(cfg.Stream.MaxLifetimeSeconds) * time.Second,
		maxClients:  cfg.Stream.MaxClients,
		ctx:         ctx,
		cancel:      cancel,
	}

	s.setupRoutes()
	return s
}

// Handler returns the server's HTTP handler, for mounting and for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins serving on the configured port. Blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.mux,
		// No WriteTimeout: streaming connections outlive any fixed
		// deadline; per-connection lifetime is enforced separately.
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infow("Server listening",
		"addr", addr,
		"keepalive", s.keepalive,
		"max_lifetime", s.maxLifetime,
		"max_clients", s.maxClients,
	)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server")
	}
	return nil
}

// Shutdown gracefully stops the server: new connections are refused, open
// streaming connections observe the cancelled context and tear down, and the
// broker is closed after all connection goroutines drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Infow("Server shutting down", "open_clients", s.clientCount.Load())

	s.cancel()

	var httpErr error
	if s.httpServer != nil {
		httpErr = s.httpServer.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warnw("Shutdown timed out waiting for connections to drain")
	}

	s.broker.Close()
	return errors.Wrap(httpErr, "shutdown http server")
}

// publish encodes and fans out the event for a freshly persisted record.
// Called only after the store commit succeeded: durability precedes
// visibility.
func (s *Server) publish(record *execution.Record) {
	event := broker.NewEvent(record)
	s.cache.Put(event)

	payload, err := event.Encode()
	if err != nil {
		s.logger.Errorw("Failed to encode broadcast event",
			"execution_id", event.ID,
			"error", err,
		)
		return
	}

	sent := s.broker.Publish(broker.ExecutionsTopic, payload)
	s.logger.Debugw("Published execution update",
		"execution_id", event.ID,
		"status", event.Status,
		"subscribers", sent,
	)
}
