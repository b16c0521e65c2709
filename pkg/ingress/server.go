// Package ingress is the daemon's network surface: the WebSocket endpoint
// the browser shim streams to, plus /healthz, /metrics and a gRPC health
// service for external probes.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/captrail/captrail/pkg/buildinfo"
	"github.com/captrail/captrail/pkg/capture/lifecycle"
	"github.com/captrail/captrail/pkg/capture/platform"
	"github.com/captrail/captrail/pkg/dom/wsfeed"
	"github.com/captrail/captrail/pkg/logging"
	"github.com/captrail/captrail/pkg/observability"
	"github.com/captrail/captrail/pkg/store"
)

// Listener defaults.
const (
	DefaultAddr         = "127.0.0.1:8787"
	DefaultGRPCAddr     = "127.0.0.1:8788"
	DefaultHelloTimeout = 10 * time.Second
)

// Options tunes a Server.
type Options struct {
	// Addr is the HTTP listen address.
	Addr string

	// GRPCAddr is the gRPC health listen address. Empty disables it.
	GRPCAddr string

	// HelloTimeout bounds the wait for the shim's hello envelope after the
	// socket upgrade.
	HelloTimeout time.Duration

	// Platforms overrides adapter configuration per platform name. Platforms
	// not present use platform defaults.
	Platforms map[string]platform.Config

	// Lifecycle configures the per-meeting controller.
	Lifecycle lifecycle.Options

	// Notifier receives meeting lifecycle signals (the webhook deliverer in
	// the daemon). Nil means no signals.
	Notifier lifecycle.Notifier

	// Metrics is optional.
	Metrics *observability.CaptureMetrics

	// Gatherer backs /metrics; nil means the default prometheus registry.
	Gatherer prometheus.Gatherer
}

// Server accepts shim connections and runs one capture pipeline per socket.
type Server struct {
	st   store.Store
	log  logging.Logger
	opts Options

	httpSrv  *grpcAndHTTP
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[uuid.UUID]*wsfeed.Session

	boundAddr     string
	boundGRPCAddr string
}

// grpcAndHTTP bundles the two listeners so shutdown tears both down.
type grpcAndHTTP struct {
	http    *http.Server
	grpc    *grpc.Server
	healthc *health.Server
}

// NewServer wires the ingress routes.
func NewServer(st store.Store, log logging.Logger, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.HelloTimeout <= 0 {
		opts.HelloTimeout = DefaultHelloTimeout
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if log == nil {
		log = logging.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		st:   st,
		log:  log.With(logging.F("component", "ingress")),
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			// The shim runs in the captured page, so its Origin is the
			// meeting site, never ours.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[uuid.UUID]*wsfeed.Session),
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/stream", s.handleStream)
	router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	router.HandleFunc("/version", buildinfo.Handler("captrail")).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods("GET")

	s.httpSrv = &grpcAndHTTP{
		http: &http.Server{
			Addr:              opts.Addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	return s
}

// Handler exposes the HTTP routes (tests).
func (s *Server) Handler() http.Handler { return s.httpSrv.http.Handler }

// Start begins serving on both listeners. It returns once the listeners are
// bound; serve errors after that are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.boundAddr = ln.Addr().String()
	s.log.Info("ingress listening", logging.F("addr", s.boundAddr))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", logging.Err(err))
		}
	}()

	if s.opts.GRPCAddr != "" {
		gln, err := net.Listen("tcp", s.opts.GRPCAddr)
		if err != nil {
			s.httpSrv.http.Close()
			return err
		}
		s.httpSrv.grpc = grpc.NewServer()
		s.httpSrv.healthc = health.NewServer()
		healthpb.RegisterHealthServer(s.httpSrv.grpc, s.httpSrv.healthc)
		s.httpSrv.healthc.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

		s.boundGRPCAddr = gln.Addr().String()
		s.log.Info("health service listening", logging.F("addr", s.boundGRPCAddr))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpSrv.grpc.Serve(gln); err != nil {
				s.log.Error("grpc server failed", logging.Err(err))
			}
		}()
	}
	return nil
}

// Shutdown stops accepting connections, closes live sessions and waits for
// their pipelines to finish teardown.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv.healthc != nil {
		s.httpSrv.healthc.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	}
	s.cancel()

	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.Close()
	}
	s.mu.Unlock()

	err := s.httpSrv.http.Shutdown(ctx)
	if s.httpSrv.grpc != nil {
		s.httpSrv.grpc.GracefulStop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Addr returns the bound HTTP address after Start.
func (s *Server) Addr() string { return s.boundAddr }

// GRPCAddr returns the bound gRPC address after Start, empty if disabled.
func (s *Server) GRPCAddr() string { return s.boundGRPCAddr }

// SessionCount returns the number of connected shims.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// handleStream upgrades the socket and runs one capture pipeline on it.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", logging.Err(err))
		return
	}

	sess := wsfeed.NewSession(conn, s.log)
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, sess.ID)
			s.mu.Unlock()
			sess.Close()
		}()
		s.runPipeline(sess)
	}()
}

// runPipeline waits for the hello, picks the platform adapter and drives it
// until the session ends.
func (s *Server) runPipeline(sess *wsfeed.Session) {
	log := s.log.With(logging.F("session_id", sess.ID.String()))

	plat, err := sess.WaitHello(s.opts.HelloTimeout)
	if err != nil {
		log.Warn("no hello from shim", logging.Err(err))
		return
	}
	go sess.Run()

	notifier := s.opts.Notifier
	if notifier == nil {
		notifier = lifecycle.NopNotifier{}
	}
	ctrl := lifecycle.New(s.st, notifier, log, s.opts.Lifecycle)

	adapter, err := platform.New(sess.Document(), ctrl, log, s.opts.Metrics, s.opts.Platforms[plat])
	if err != nil {
		log.Warn("unsupported shim platform",
			logging.F("platform", plat), logging.Err(err))
		return
	}

	log.Info("capture session started", logging.F("platform", plat))
	if err := adapter.Run(s.ctx); err != nil {
		log.Error("capture session failed",
			logging.F("platform", plat), logging.Err(err))
		return
	}
	log.Info("capture session finished", logging.F("platform", plat))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"sessions": s.SessionCount(),
	})
}
