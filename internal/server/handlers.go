package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/apexcrm/leadscout/internal/pipeline"
	"github.com/apexcrm/leadscout/internal/store"
	"github.com/apexcrm/leadscout/repository"
	searchmodels "github.com/apexcrm/leadscout/tools/web_search/models"
)

// Runner is the pipeline surface the research endpoint calls.
type Runner interface {
	Run(ctx context.Context, query string, candidates []searchmodels.Result) (pipeline.RunResult, error)
}

// LeadReader is the store surface the read endpoints use.
type LeadReader interface {
	RecentLeads(ctx context.Context, limit int) ([]store.Lead, error)
	TopLeads(ctx context.Context, limit int) ([]store.Lead, error)
	SearchLeads(ctx context.Context, vector []float32, topK int) ([]store.Lead, error)
}

// Embedder turns a free-text query into a vector for /api/leads/search.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

type Handler struct {
	Pipeline Runner
	Store    LeadReader
	Feed     repository.LeadFeed
	Embedder Embedder
	TopN     int
}

func (h *Handler) Register(g *echo.Group) {
	g.POST("/research/run", h.runResearch)
	g.GET("/leads/ranked", h.rankedLeads)
	g.GET("/leads/recent", h.recentLeads)
	g.GET("/leads/search", h.searchLeads)
}

type runRequest struct {
	Query      string                `json:"query"`
	Candidates []searchmodels.Result `json:"candidates,omitempty"`
}

// runResearch executes one pipeline run synchronously and returns the full
// run result, failed runs included.
func (h *Handler) runResearch(c echo.Context) error {
	var req runRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}

	result, err := h.Pipeline.Run(c.Request().Context(), req.Query, req.Candidates)
	if err != nil {
		// the run result still describes how far the pipeline got
		return c.JSON(http.StatusBadGateway, result)
	}
	return c.JSON(http.StatusOK, result)
}

// rankedLeads serves the CRM feed when redis is wired, falling back to the
// durable store otherwise.
func (h *Handler) rankedLeads(c echo.Context) error {
	limit := queryInt(c, "limit", h.TopN)
	if h.Feed != nil {
		leads, err := h.Feed.RankedLeads(c.Request().Context(), limit)
		if err == nil {
			return c.JSON(http.StatusOK, leads)
		}
	}
	leads, err := h.Store.TopLeads(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, leads)
}

func (h *Handler) recentLeads(c echo.Context) error {
	leads, err := h.Store.RecentLeads(c.Request().Context(), queryInt(c, "limit", 5))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, leads)
}

// searchLeads answers ad hoc nearest-neighbor lookups against stored leads.
func (h *Handler) searchLeads(c echo.Context) error {
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	vectors, err := h.Embedder.Embed(c.Request().Context(), []string{q})
	if err != nil || len(vectors) == 0 {
		return echo.NewHTTPError(http.StatusBadGateway, "embedding unavailable")
	}
	leads, err := h.Store.SearchLeads(c.Request().Context(), vectors[0], queryInt(c, "limit", 5))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, leads)
}

func queryInt(c echo.Context, name string, def int) int {
	if v := c.QueryParam(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
