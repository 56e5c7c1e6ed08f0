package httpjson

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "net"
    "net/http"
    "time"

    "github.com/go-chi/chi/v5"
    "github.com/go-chi/chi/v5/middleware"
    "github.com/prometheus/client_golang/prometheus/promhttp"
    "go.uber.org/zap"

    "github.com/akashicloud/terracotta-platform/pkg/internal/logutil"
    "github.com/akashicloud/terracotta-platform/pkg/observability/tracing"
    "github.com/akashicloud/terracotta-platform/pkg/transport"
)

// Routes of the management API.
const (
    PathTopology = "/v1/topology"
    PathPrepare  = "/v1/prepare"
    PathDecide   = "/v1/decide"
    PathOutcome  = "/v1/outcome"
    PathInstall  = "/v1/install"
    PathSubmit   = "/v1/submit"
)

// Server exposes the management calls over HTTP/JSON, plus /healthz and
// /metrics.
type Server struct {
    bind   string
    addr   string
    srv    *http.Server
    logger *zap.SugaredLogger
    tlsCfg *tls.Config
}

// NewServer binds to the given TCP address (e.g., ":9410").
func NewServer(bind string, logger *zap.SugaredLogger) *Server {
    return &Server{bind: bind, logger: logutil.Named(logger, "httpjson")}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// errorBody is written with a 5xx status when a handler fails outright.
type errorBody struct {
    Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(code)
    _ = json.NewEncoder(w).Encode(v)
}

// post decodes Req, calls fn and encodes its result.
func post[Req, Resp any](span string, fn func(context.Context, Req) (Resp, error)) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        if fn == nil { http.Error(w, span+" not supported", http.StatusNotImplemented); return }
        var req Req
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        ctx, end := tracing.StartSpan(r.Context(), "http."+span)
        defer end()
        resp, err := fn(ctx, req)
        if err != nil { writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()}); return }
        writeJSON(w, http.StatusOK, resp)
    }
}

// Router builds the handler tree; Start serves it.
func Router(h transport.Handlers) http.Handler {
    r := chi.NewRouter()
    r.Use(middleware.Recoverer)
    r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
    })
    r.Handle("/metrics", promhttp.Handler())
    r.Get(PathTopology, func(w http.ResponseWriter, r *http.Request) {
        if h.Topology == nil { http.Error(w, "topology not supported", http.StatusNotImplemented); return }
        ctx, end := tracing.StartSpan(r.Context(), "http.topology")
        defer end()
        resp, err := h.Topology(ctx)
        if err != nil { writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()}); return }
        writeJSON(w, http.StatusOK, resp)
    })
    r.Post(PathPrepare, post("prepare", h.Prepare))
    r.Post(PathDecide, post("decide", h.Decide))
    r.Post(PathOutcome, post("outcome", h.Outcome))
    r.Post(PathInstall, post("install", h.Install))
    r.Post(PathSubmit, post("submit", h.Submit))
    return r
}

// Start launches the HTTP server. The server is shut down when the context
// is canceled.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
    ln, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    s.addr = ln.Addr().String()
    if s.tlsCfg != nil { ln = tls.NewListener(ln, s.tlsCfg) }
    s.srv = &http.Server{Handler: Router(h), ReadHeaderTimeout: 5 * time.Second}
    srv := s.srv
    go func() {
        <-ctx.Done()
        _ = s.Stop(context.Background())
    }()
    go func() {
        if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
            logutil.Errorf(s.logger, "server error: %v", err)
        }
    }()
    return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
    if s.addr != "" { return s.addr }
    return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
    if s.srv == nil { return nil }
    c, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    err := s.srv.Shutdown(c)
    s.srv = nil
    return err
}

var _ transport.RPCServer = (*Server)(nil)
