package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/dashforge/config"
	core "github.com/mohammad-safakhou/dashforge/internal/agent/core"
	"github.com/mohammad-safakhou/dashforge/internal/agent/telemetry"
	"github.com/mohammad-safakhou/dashforge/internal/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline is the part of the orchestrator the API drives.
type Pipeline interface {
	Generate(ctx context.Context, request string, observer core.Observer) (core.Generation, error)
	Get(id string) (core.Generation, bool)
	Recent(limit int) []core.Generation
}

// GenerationReader looks up generations persisted by earlier processes.
type GenerationReader interface {
	GetGeneration(ctx context.Context, id string) (core.Generation, error)
	ListGenerations(ctx context.Context, limit int) ([]core.Generation, error)
}

// DashboardLauncher serves a finished dashboard for the user.
type DashboardLauncher interface {
	Launch(ctx context.Context, file string) (runtime.Launch, error)
}

// FinishNotifier announces finished generations, e.g. on the event stream.
type FinishNotifier interface {
	PublishFinished(ctx context.Context, gen core.Generation) error
}

// Deps are the collaborators of the HTTP API. Only Pipeline is required.
type Deps struct {
	Pipeline  Pipeline
	Store     GenerationReader
	Launcher  DashboardLauncher
	Notifier  FinishNotifier
	Telemetry *telemetry.Telemetry
}

type Server struct {
	echo   *echo.Echo
	cfg    *config.Config
	logger *log.Logger
}

// New builds the echo application with every route registered.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if deps.Pipeline == nil {
		return nil, errors.New("pipeline is required")
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			if req.Method == http.MethodHead {
				_ = c.NoContent(code)
				return
			}
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if deps.Telemetry != nil {
		e.GET("/metrics", echo.WrapHandler(deps.Telemetry.Handler()))
	} else {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}
	registerPage(e)

	api := e.Group("/api")
	var secret []byte
	if s, err := runtime.LoadJWTSecret(cfg); err == nil {
		secret = s
	} else {
		baseLogger.Printf("Warning: %v; API runs without authentication", err)
	}
	h := &GenerationsHandler{
		pipeline: deps.Pipeline,
		store:    deps.Store,
		launcher: deps.Launcher,
		notifier: deps.Notifier,
		cfg:      cfg,
		logger:   baseLogger,
	}
	h.Register(api.Group("/generations"), secret)

	return &Server{echo: e, cfg: cfg, logger: baseLogger}, nil
}

// Echo exposes the underlying application, mainly for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Start listens on addr, or server.address when addr is empty.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = s.cfg.Server.Address
	}
	if addr == "" {
		addr = ":10001"
	}
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	s.logger.Printf("listening on %s", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}
