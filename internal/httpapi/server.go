// Package httpapi exposes the dispatch engine over HTTP and websockets and
// wires the domain components together.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/geofence"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/match"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/wallet"
)

// CardPayments is the hold/capture flow backing card deposits.
type CardPayments interface {
	Hold(ctx context.Context, amount int64, currency, customerID, idempotencyKey string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// Deps are the pluggable backends. Tests inject in-memory implementations;
// NewServerFromEnv picks real ones based on configuration.
type Deps struct {
	Geo       geo.Geo
	Store     storage.RideStore
	Ledger    wallet.Ledger
	Events    events.Publisher
	ETA       *eta.Estimator
	Pricing   fare.PricingSource
	Locations *ingest.KafkaProducer // optional
	Stripe    CardPayments          // optional
}

type Server struct {
	cfg    config.ServerConfig
	logger *slog.Logger
	router *mux.Router

	geo     geo.Geo
	store   storage.RideStore
	ledger  wallet.Ledger
	est     *eta.Estimator
	pricing fare.PricingSource
	fares   *fare.Engine
	machine *ride.Machine
	settler *ride.Settlement
	matcher *match.Engine
	fence   *geofence.Monitor
	wsreg   *dispatch.WSRegistry

	locations *ingest.KafkaProducer
	stripe    CardPayments

	upgrader websocket.Upgrader

	// active matching sessions, cancellable on external ride cancellation
	mu       sync.Mutex
	matching map[string]context.CancelFunc
}

func NewServer(cfg config.ServerConfig, logger *slog.Logger, d Deps) *Server {
	machine := &ride.Machine{Store: d.Store, Events: d.Events, Logger: logger}
	fares := &fare.Engine{
		Secret:                []byte(cfg.FareSecret),
		TTL:                   cfg.FareQuoteTTL,
		Tolerance:             cfg.FareTolerance,
		MaxDistanceDivergence: cfg.FareMaxDivergencePct,
	}
	wsreg := dispatch.NewWSRegistry(logger)
	var dispatcher match.Dispatcher = wsreg
	if cfg.PushEndpoint != "" {
		dispatcher = dispatch.NewPushDispatcher(cfg.PushEndpoint, wsreg)
	}
	matcher := match.NewEngine(d.Geo, dispatcher, machine, logger, match.Config{
		InitialRadiusM: cfg.MatchInitialRadiusM,
		GrowthFactor:   cfg.MatchGrowthFactor,
		MaxRounds:      cfg.MatchMaxRounds,
		RoundTimeout:   cfg.MatchRoundTimeout,
		TopK:           cfg.MatchTopK,
	})
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		geo:     d.Geo,
		store:   d.Store,
		ledger:  d.Ledger,
		est:     d.ETA,
		pricing: d.Pricing,
		fares:   fares,
		machine: machine,
		settler: &ride.Settlement{
			Machine:         machine,
			Fare:            fares,
			Ledger:          d.Ledger,
			Logger:          logger,
			PlatformAccount: cfg.PlatformAccount,
			FeeRate:         cfg.PlatformFeeRate,
		},
		matcher:   matcher,
		fence:     geofence.NewMonitor(cfg.GeofenceApproachM, cfg.GeofenceArriveM, cfg.GeofenceFreshness, d.Events, machine, logger),
		wsreg:     wsreg,
		locations: d.Locations,
		stripe:    d.Stripe,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		matching:  make(map[string]context.CancelFunc),
	}
	s.router = s.routes()
	return s
}

// NewServerFromEnv assembles a server with real backends: Postgres for rides
// and the ledger, Redis for the driver geo index, Kafka for domain events and
// the location ingest stream. Anything unconfigured falls back to the
// in-memory implementation so the binary stays runnable locally.
func NewServerFromEnv() (*Server, error) {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(cfg.LogLevel)

	d := Deps{
		ETA: &eta.Estimator{Cache: eta.NewCache(5 * time.Minute), DefaultSpeedMps: cfg.DefaultSpeedMps},
		Pricing: fare.StaticPricing{
			Params: models.PricingParams{
				Base: cfg.FareBase, PerKm: cfg.FarePerKm, PerMin: cfg.FarePerMin,
				MinFare: cfg.FareMin, MaxFare: cfg.FareMax, Currency: cfg.FareCurrency,
			},
			Surge: cfg.FareSurge,
		},
	}
	if osrm := envOSRMEndpoint(); osrm != "" {
		d.ETA.Client = eta.NewOSRMClient(osrm)
	}

	if cfg.RedisAddr != "" {
		d.Geo = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		d.Geo = geo.NewIndex()
	}

	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		d.Store = pg
		d.Ledger = wallet.NewPostgresLedger(pg.DB())
	} else {
		d.Store = storage.NewMemoryStore()
		d.Ledger = wallet.NewMemoryLedger()
		logger.Warn("PG_DSN not set, using in-memory stores")
	}

	if len(cfg.KafkaBrokers) > 0 {
		d.Events = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventTopic)
		d.Locations = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	} else {
		d.Events = events.NewBus()
		logger.Warn("KAFKA_BROKERS not set, events stay in-process")
	}

	d.Stripe = payments.NewStripeClient()

	return NewServer(cfg, logger, d), nil
}

func (s *Server) Config() config.ServerConfig { return s.cfg }
func (s *Server) Handler() http.Handler       { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware, s.recoverMiddleware, s.metricsMiddleware)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{ride_id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/decline", s.handleDecline).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}/complete", s.handleComplete).Methods(http.MethodPost)

	api.HandleFunc("/wallets", s.handleCreateWallet).Methods(http.MethodPost)
	api.HandleFunc("/wallets/{owner_id}/balance", s.handleBalance).Methods(http.MethodGet)
	api.HandleFunc("/wallets/{owner_id}/entries", s.handleEntries).Methods(http.MethodGet)
	api.HandleFunc("/wallets/{owner_id}/deposit", s.handleDeposit).Methods(http.MethodPost)
	api.HandleFunc("/wallets/{owner_id}/withdraw", s.handleWithdraw).Methods(http.MethodPost)

	r.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	r.HandleFunc("/ws/{driver_id}", s.handleDriverWS)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func envOSRMEndpoint() string {
	return strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
}

func (s *Server) trackMatching(rideID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matching[rideID] = cancel
}

func (s *Server) cancelMatching(rideID string) {
	s.mu.Lock()
	cancel, ok := s.matching[rideID]
	delete(s.matching, rideID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// dropMatching releases the session's context when the session itself ends,
// so nothing derived from it can outlive the ride.
func (s *Server) dropMatching(rideID string) {
	s.mu.Lock()
	cancel, ok := s.matching[rideID]
	delete(s.matching, rideID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}
