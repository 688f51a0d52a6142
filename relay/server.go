package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"moltrelay/config"
	"moltrelay/gateway/auth"
	"moltrelay/gateway/httperr"
	gwmw "moltrelay/gateway/middleware"
	"moltrelay/observability/metrics"
)

// Config captures the dependencies required to construct the relay server.
type Config struct {
	DB     *gorm.DB
	Cfg    *config.Config
	Logger *slog.Logger
	Now    func() time.Time
}

// Server is the HTTP front-end for the relay: offer catalog, job lifecycle
// engine, and seller heartbeat.
type Server struct {
	db       *gorm.DB
	cfg      *config.Config
	logger   *slog.Logger
	notifier *Notifier
	metrics  *metrics.RelayMetrics
	obs      *gwmw.Observability
	now      func() time.Time

	router http.Handler
}

// New constructs a configured relay with authentication, rate limiting,
// idempotency, and observability wired in.
func New(cfg Config) *Server {
	knobs := cfg.Cfg
	if knobs == nil {
		defaults := config.Defaults()
		knobs = &defaults
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	obs := gwmw.NewObservability(gwmw.ObservabilityConfig{
		ServiceName:   "molt-relay",
		MetricsPrefix: "relay",
		LogRequests:   knobs.LogRequests,
	}, logger)
	srv := &Server{
		db:       cfg.DB,
		cfg:      knobs,
		logger:   logger,
		notifier: NewNotifier(),
		metrics:  metrics.NewRelayMetrics(obs.Registry()),
		obs:      obs,
		now:      nowFn,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Notifier exposes the waiter registry, used by tests to inject presence.
func (s *Server) Notifier() *Notifier {
	return s.notifier
}

func (s *Server) buildRouter() http.Handler {
	nonces := auth.NewGormNonceStore(s.db, s.cfg.NonceTTL)
	authn := auth.NewAuthenticator(nonces, s.cfg.AuthSkew, s.now)
	limiter := gwmw.NewRateLimiter(gwmw.RateLimits{
		Window:      s.cfg.RateWindow,
		IPLimit:     s.cfg.RateIPLimit,
		PubKeyLimit: s.cfg.RatePubKeyLimit,
		StrictLimit: s.cfg.RateStrictLimit,
	}, s.metrics.ObserveRateLimited)
	idem := gwmw.NewIdempotency(s.db, s.cfg.IdempotencyTTL, s.now)

	r := chi.NewRouter()
	r.Use(gwmw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.bodyLimit)

	r.Get("/health", s.Health)
	r.Method(http.MethodGet, "/metrics", s.obs.MetricsHandler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(s.obs.Middleware("v1"))
		v1.Use(limiter.LimitIP)

		v1.Get("/offers", s.ListOffers)

		v1.Group(func(signed chi.Router) {
			signed.Use(authn.Middleware(s.metrics.ObserveAuthFailure))
			signed.Use(limiter.LimitPubKey)

			signed.With(limiter.LimitStrict, idem.Handler).Post("/offers", s.CreateOffer)
			signed.With(limiter.LimitStrict, idem.Handler).Post("/jobs", s.CreateJob)

			signed.Get("/jobs", s.ListJobs)
			signed.Get("/jobs/{id}", s.GetJob)
			signed.With(idem.Handler).Post("/jobs/{id}/quote", s.QuoteJob)
			signed.With(idem.Handler).Post("/jobs/{id}/accept", s.AcceptJob)
			signed.With(idem.Handler).Post("/jobs/{id}/payment", s.RecordPayment)
			signed.With(idem.Handler).Post("/jobs/{id}/lock", s.LockJob)
			signed.With(idem.Handler).Post("/jobs/{id}/deliver", s.DeliverJob)
			signed.With(idem.Handler).Post("/jobs/{id}/cancel", s.CancelJob)

			signed.Get("/seller/heartbeat", s.SellerHeartbeat)
		})
	})

	return r
}

func (s *Server) bodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.BodyMax)
		}
		next.ServeHTTP(w, r)
	})
}

// Health is the unauthenticated liveness probe.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// internalError logs the cause with the request id and returns the generic
// envelope.
func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("internal error",
		slog.String("request_id", chimw.GetReqID(r.Context())),
		slog.String("path", r.URL.Path),
		slog.Any("error", err),
	)
	httperr.WriteInternal(w)
}
