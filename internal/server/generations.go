package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/dashforge/config"
	core "github.com/mohammad-safakhou/dashforge/internal/agent/core"
	"github.com/mohammad-safakhou/dashforge/internal/helpers"
	"github.com/mohammad-safakhou/dashforge/internal/runtime"
)

type GenerationsHandler struct {
	pipeline Pipeline
	store    GenerationReader
	launcher DashboardLauncher
	notifier FinishNotifier
	cfg      *config.Config
	logger   *log.Logger
}

type generateRequest struct {
	Request  string `json:"request"`
	ShowCode bool   `json:"show_code"`
}

type generationView struct {
	ID         string                   `json:"id"`
	Request    string                   `json:"request"`
	Status     string                   `json:"status"`
	Error      string                   `json:"error,omitempty"`
	FailedAt   core.Stage               `json:"failed_stage,omitempty"`
	Plan       map[string]interface{}   `json:"plan,omitempty"`
	Warnings   []string                 `json:"plan_warnings,omitempty"`
	DataCode   string                   `json:"data_code,omitempty"`
	RawCode    string                   `json:"raw_code,omitempty"`
	FinalCode  string                   `json:"final_code,omitempty"`
	Iterations int                      `json:"iterations"`
	Runs       []runView                `json:"runs,omitempty"`
	OutputPath string                   `json:"output_path,omitempty"`
	TimingsMS  map[core.Stage]int64     `json:"timings_ms,omitempty"`
	Usage      core.Usage               `json:"usage"`
	CreatedAt  time.Time                `json:"created_at"`
	FinishedAt *time.Time               `json:"finished_at,omitempty"`
}

type runView struct {
	Iteration int    `json:"iteration"`
	ExitCode  *int   `json:"exit_code"`
	TimedOut  bool   `json:"timed_out"`
	Stderr    string `json:"stderr,omitempty"`
}

func newGenerationView(g core.Generation, showCode bool) generationView {
	v := generationView{
		ID:         g.ID,
		Request:    g.Request,
		Status:     g.Status,
		Error:      g.Error,
		FailedAt:   g.FailedAt,
		Plan:       g.Plan.Document,
		Warnings:   g.Plan.Warnings,
		Iterations: len(g.Debug.Logs),
		OutputPath: g.OutputPath,
		Usage:      g.Usage,
		CreatedAt:  g.CreatedAt,
	}
	if !g.FinishedAt.IsZero() {
		t := g.FinishedAt
		v.FinishedAt = &t
	}
	if len(g.Timings) > 0 {
		v.TimingsMS = make(map[core.Stage]int64, len(g.Timings))
		for k, d := range g.Timings {
			v.TimingsMS[k] = d.Milliseconds()
		}
	}
	for _, l := range g.Debug.Logs {
		v.Runs = append(v.Runs, runView{Iteration: l.Iteration, ExitCode: l.ExitCode, TimedOut: l.TimedOut, Stderr: helpers.TruncateMiddle(l.Stderr, 2000)})
	}
	if showCode {
		v.DataCode = g.Data.Code
		v.RawCode = g.RawCode
		v.FinalCode = g.FinalCode()
	}
	return v
}

func (h *GenerationsHandler) Register(g *echo.Group, secret []byte) {
	if len(secret) > 0 {
		g.Use(runtime.EchoAuthMiddleware(secret))
	}
	scoped := func(scope string) []echo.MiddlewareFunc {
		if len(secret) == 0 {
			return nil
		}
		return []echo.MiddlewareFunc{runtime.RequireScopes(scope)}
	}
	g.POST("", h.create, scoped(runtime.ScopeGenerate)...)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.GET("/:id/code", h.code)
	g.POST("/:id/launch", h.launch, scoped(runtime.ScopeLaunch)...)
}

func (h *GenerationsHandler) create(c echo.Context) error {
	var req generateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	req.Request = strings.TrimSpace(req.Request)
	if req.Request == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request is required")
	}

	if p, ok := runtime.PrincipalFromContext(c.Request().Context()); ok {
		h.logger.Printf("generation requested by %s", p.Subject)
	}

	if h.cfg.Server.Async {
		return h.createAsync(c, req)
	}

	gen, err := h.pipeline.Generate(c.Request().Context(), req.Request, nil)
	h.notify(c.Request().Context(), gen)
	if err != nil {
		if errors.Is(err, core.ErrEmptyRequest) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		msg := gen.Error
		if msg == "" {
			msg = err.Error()
		}
		return echo.NewHTTPError(http.StatusBadGateway, msg)
	}
	return c.JSON(http.StatusOK, newGenerationView(gen, req.ShowCode))
}

// createAsync starts the pipeline detached from the request and answers as
// soon as the generation has an id.
func (h *GenerationsHandler) createAsync(c echo.Context, req generateRequest) error {
	ids := make(chan string, 1)
	done := make(chan error, 1)
	observer := core.ObserverFunc(func(e core.Event) {
		select {
		case ids <- e.GenerationID:
		default:
		}
	})
	ctx := context.WithoutCancel(c.Request().Context())
	go func() {
		gen, err := h.pipeline.Generate(ctx, req.Request, observer)
		h.notify(ctx, gen)
		if err != nil {
			h.logger.Printf("generation %s failed: %v", gen.ID, err)
		}
		done <- err
	}()

	select {
	case id := <-ids:
		c.Response().Header().Set(echo.HeaderLocation, "/api/generations/"+id)
		return c.JSON(http.StatusAccepted, map[string]string{"id": id, "status": core.StatusRunning})
	case err := <-done:
		// Finished before the first event: only possible on an immediate failure.
		if err == nil {
			err = errors.New("generation produced no events")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case <-c.Request().Context().Done():
		return c.Request().Context().Err()
	}
}

func (h *GenerationsHandler) notify(ctx context.Context, gen core.Generation) {
	if h.notifier == nil || gen.ID == "" {
		return
	}
	if err := h.notifier.PublishFinished(ctx, gen); err != nil {
		h.logger.Printf("Warning: publish finished %s: %v", gen.ID, err)
	}
}

func (h *GenerationsHandler) lookup(ctx context.Context, id string) (core.Generation, error) {
	if g, ok := h.pipeline.Get(id); ok {
		return g, nil
	}
	if h.store != nil {
		g, err := h.store.GetGeneration(ctx, id)
		if err == nil {
			return g, nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			return core.Generation{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return core.Generation{}, echo.NewHTTPError(http.StatusNotFound, "generation not found")
}

func (h *GenerationsHandler) get(c echo.Context) error {
	g, err := h.lookup(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	showCode := c.QueryParam("show_code") == "true" || c.QueryParam("show_code") == "1"
	return c.JSON(http.StatusOK, newGenerationView(g, showCode))
}

func (h *GenerationsHandler) list(c echo.Context) error {
	limit := 20
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 200 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be between 1 and 200")
		}
		limit = n
	}
	var gens []core.Generation
	if h.store != nil {
		var err error
		gens, err = h.store.ListGenerations(c.Request().Context(), limit)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	} else {
		gens = h.pipeline.Recent(limit)
	}
	out := make([]generationView, 0, len(gens))
	for _, g := range gens {
		out = append(out, newGenerationView(g, false))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *GenerationsHandler) code(c echo.Context) error {
	g, err := h.lookup(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	code := g.FinalCode()
	if code == "" {
		return echo.NewHTTPError(http.StatusConflict, "generation has no code yet")
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", "dashboard_"+g.ID+".py"))
	return c.Blob(http.StatusOK, "text/x-python; charset=utf-8", []byte(code))
}

func (h *GenerationsHandler) launch(c echo.Context) error {
	if h.launcher == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "launching is disabled")
	}
	g, err := h.lookup(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	code := g.FinalCode()
	if code == "" {
		return echo.NewHTTPError(http.StatusConflict, "generation has no code yet")
	}
	// Each launch gets its own file: the pipeline output file is reused by
	// later generations.
	file := filepath.Join(h.cfg.General.Workdir, "dashboards", g.ID+".py")
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := os.WriteFile(file, []byte(code), 0o644); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	info, err := h.launcher.Launch(c.Request().Context(), file)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, info)
}
