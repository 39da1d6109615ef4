// Package server assembles the §6 HTTP surface: one echo.Echo
// instance, a workspace-scoped route group, and the teacher's
// middleware ordering (recover, CORS, gzip, request-id, auth),
// generalized from server/router/frontend/service.go's skipper-based
// middleware composition (there is no SPA to serve here, so gzip
// applies to the whole API instead of being skipped for it).
package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/jobctl/orchestrator/flow"
	"github.com/jobctl/orchestrator/internal/apierr"
	"github.com/jobctl/orchestrator/expreval"
	"github.com/jobctl/orchestrator/internal/profile"
	"github.com/jobctl/orchestrator/metrics"
	"github.com/jobctl/orchestrator/queue"
	"github.com/jobctl/orchestrator/server/auth"
	"github.com/jobctl/orchestrator/server/router/api/v1/jobs"
	"github.com/jobctl/orchestrator/store"
)

// Server wires the echo instance to the queue/flow/store packages and
// owns its own lifecycle (Start/Shutdown), mirroring the shape
// cmd/jobctl/main.go's Run closure expects.
type Server struct {
	echo    *echo.Echo
	profile *profile.Profile
	auth    *auth.Gate
	metrics *metrics.Exporter
}

// NewServer builds the Server: the auth gate, the flow engine, the
// jobs route table, and the echo middleware chain.
func NewServer(ctx context.Context, p *profile.Profile, s *store.Store) (*Server, error) {
	q := queue.New(s, p)
	eval, err := expreval.New(p.ExprEvalTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "build expression evaluator")
	}
	engine := flow.New(s, q, eval)
	gate := auth.New(s, []byte(p.ResumeSigningKey))
	exporter := metrics.New()

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
	}))
	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{Level: 5}))
	e.Use(middleware.RequestID())

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(exporter.Handler()))

	workspace := e.Group("/w/:workspace")
	workspace.Use(authMiddleware(gate))

	public := e.Group("/w/:workspace")

	h := &jobs.Handlers{Store: s, Queue: q, Engine: engine, Auth: gate, Profile: p}
	h.Register(workspace, public)

	return &Server{echo: e, profile: p, auth: gate, metrics: exporter}, nil
}

// authMiddleware implements §4.5: every workspace-scoped route requires
// a bearer token, resolved through the auth gate and stashed on the
// echo.Context for handlers to read back via jobs.authed/workspaceID.
func authMiddleware(gate *auth.Gate) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := bearerToken(c.Request())
			if token == "" {
				return apierr.New(apierr.PermissionDenied, "missing bearer token")
			}
			authed, err := gate.Authenticate(c.Request().Context(), token, c.Param("workspace"))
			if err != nil {
				return err
			}
			c.Set("authed", authed)
			return next(c)
		}
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

// httpErrorHandler maps apierr.Error (and anything else) to the §7
// envelope instead of echo's default HTML/plaintext error body.
func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		_ = c.JSON(apierr.HTTPStatus(apiErr.Kind), apierr.ToEnvelope(apiErr))
		return
	}
	if he, ok := err.(*echo.HTTPError); ok {
		_ = c.JSON(he.Code, apierr.ToEnvelope(apierr.New(apierr.InternalErr, "%v", he.Message)))
		return
	}
	_ = c.JSON(http.StatusInternalServerError, apierr.ToEnvelope(apierr.Wrap(err, apierr.InternalErr, "internal error")))
}

// Start begins serving HTTP in the background and returns once the
// listener is up (or immediately with an error if binding fails).
func (s *Server) Start(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return errors.Wrap(err, "listen")
	}
	go func() {
		if err := s.echo.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.echo.Logger.Error(err)
		}
	}()
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	if s.profile.UNIXSock != "" {
		return net.Listen("unix", s.profile.UNIXSock)
	}
	addr := s.profile.Addr + ":" + strconv.Itoa(s.profile.Port)
	return net.Listen("tcp", addr)
}

// Shutdown gracefully drains in-flight requests, bounded by a fixed
// timeout independent of ctx so a caller canceling ctx during shutdown
// (e.g. the same signal that triggered it) doesn't turn a graceful
// drain into an immediate kill.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.auth.Close()
	return s.echo.Shutdown(shutdownCtx)
}
