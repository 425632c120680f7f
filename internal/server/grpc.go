package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"PoolLedger/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	healthServer  *health.Server
	grpcAddr      string
	httpAddr      string
	service       *PoolService
	healthChecker *observability.HealthChecker
	gatherer      prometheus.Gatherer
	extraRoutes   map[string]http.Handler
	corsOrigins   []string
	logger        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the servers.
type ServerDeps struct {
	Service       *PoolService
	HealthChecker *observability.HealthChecker
	// Gatherer backs /metrics; nil serves the default registry.
	Gatherer prometheus.Gatherer
	// ExtraRoutes are mounted on the HTTP mux next to the gateway.
	ExtraRoutes map[string]http.Handler
	// CORSOrigins enables cross-origin requests from these origins. Empty
	// leaves CORS off.
	CORSOrigins []string
	Logger      zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer()
	RegisterPoolServiceServer(grpcServer, deps.Service)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &GRPCServer{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		service:       deps.Service,
		healthChecker: deps.HealthChecker,
		gatherer:      gatherer,
		extraRoutes:   deps.ExtraRoutes,
		corsOrigins:   deps.CORSOrigins,
		logger:        deps.Logger,
	}
}

// SetServing flips both the gRPC health status and HTTP readiness.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(serviceName, st)
	if s.healthChecker != nil {
		s.healthChecker.SetReady(serving)
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves on an existing listener until ctx is cancelled.
func (s *GRPCServer) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown blocks until in-flight RPCs and HTTP requests have finished.
// Serve and ListenAndServe return as soon as their listeners close.
func (s *GRPCServer) Shutdown(ctx context.Context) {
	s.grpcServer.GracefulStop()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP gateway shutdown")
		}
	}
}

// Handler builds the HTTP surface: the gateway routes plus health and
// metrics endpoints. Gateway routes call the service in-process.
func (s *GRPCServer) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.JSONBuiltin{}),
	)

	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/{op}", s.handleOperation},
		{http.MethodGet, "/v1/assets/{asset}", s.handleGetAsset},
		{http.MethodGet, "/v1/positions/{principal}/{asset}", s.handleGetPosition},
		{http.MethodGet, "/v1/projections/positions/{principal}", s.handleProjectedPositions},
		{http.MethodGet, "/v1/projections/activity/{principal}", s.handleActivity},
		{http.MethodGet, "/v1/admin/integrity", s.handleIntegrity},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, withMux(mux, rt.h)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	for pattern, h := range s.extraRoutes {
		httpMux.Handle(pattern, h)
	}
	httpMux.Handle("/", mux)

	if len(s.corsOrigins) == 0 {
		return httpMux, nil
	}
	return cors.New(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(httpMux), nil
}

type muxKey struct{}

// withMux makes the ServeMux available to handlers for error rendering.
func withMux(mux *runtime.ServeMux, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		h(w, r.WithContext(context.WithValue(r.Context(), muxKey{}, mux)), params)
	}
}

func (s *GRPCServer) handleOperation(w http.ResponseWriter, r *http.Request, params map[string]string) {
	var req OperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, status.Errorf(codes.InvalidArgument, "decode body: %v", err))
		return
	}

	var (
		resp *OperationResponse
		err  error
	)
	switch params["op"] {
	case "supply":
		resp, err = s.service.Supply(r.Context(), &req)
	case "withdraw":
		resp, err = s.service.Withdraw(r.Context(), &req)
	case "borrow":
		resp, err = s.service.Borrow(r.Context(), &req)
	case "repay":
		resp, err = s.service.Repay(r.Context(), &req)
	default:
		err = status.Errorf(codes.NotFound, "unknown operation %q", params["op"])
	}
	respond(w, r, resp, err)
}

func (s *GRPCServer) handleGetAsset(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.service.GetAsset(r.Context(), &AssetRequest{Asset: params["asset"]})
	respond(w, r, resp, err)
}

func (s *GRPCServer) handleGetPosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.service.GetPosition(r.Context(), &PositionRequest{Principal: params["principal"], Asset: params["asset"]})
	respond(w, r, resp, err)
}

func (s *GRPCServer) handleProjectedPositions(w http.ResponseWriter, r *http.Request, params map[string]string) {
	resp, err := s.service.ListProjectedPositions(r.Context(), params["principal"])
	respond(w, r, resp, err)
}

func (s *GRPCServer) handleActivity(w http.ResponseWriter, r *http.Request, params map[string]string) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	var before *int64
	if v := q.Get("before_sequence"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, r, status.Errorf(codes.InvalidArgument, "invalid before_sequence: %v", err))
			return
		}
		before = &seq
	}

	resp, err := s.service.ListActivity(r.Context(), params["principal"], limit, before)
	respond(w, r, resp, err)
}

func (s *GRPCServer) handleIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := s.service.VerifyIntegrity(r.Context())
	respond(w, r, resp, err)
}

func respond(w http.ResponseWriter, r *http.Request, resp any, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// writeError renders err through the gateway's error handler so HTTP
// status codes follow the gRPC code mapping.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	mux, _ := r.Context().Value(muxKey{}).(*runtime.ServeMux)
	if mux == nil {
		mux = runtime.NewServeMux()
	}
	_, outbound := runtime.MarshalerForRequest(mux, r)
	runtime.HTTPError(r.Context(), mux, outbound, w, r, toStatus(err))
}
