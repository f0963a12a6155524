package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apexcrm/leadscout/config"
	"github.com/apexcrm/leadscout/internal/agent"
	"github.com/apexcrm/leadscout/internal/pipeline"
	"github.com/apexcrm/leadscout/internal/store"
	openai_provider "github.com/apexcrm/leadscout/provider/openai"
	"github.com/apexcrm/leadscout/repository"
	"github.com/apexcrm/leadscout/tools/web_fetch"
	"github.com/apexcrm/leadscout/tools/web_search"
)

// Run wires the full pipeline behind the HTTP API and blocks serving it.
func Run(cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()
	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		baseLogger.Printf("migrate: %v", err)
	}

	app, err := BuildApp(ctx, cfg)
	if err != nil {
		return err
	}

	h := &Handler{
		Pipeline: app.Pipeline,
		Store:    app.Store,
		Feed:     app.Feed,
		Embedder: app.LLM,
		TopN:     cfg.Agents.TopN,
	}
	h.Register(e.Group("/api"))

	return e.Start(cfg.Server.Address)
}

// App bundles the wired pipeline and its dependencies for the HTTP server
// and the one-shot CLI run.
type App struct {
	Pipeline *pipeline.Pipeline
	Store    *store.Store
	Feed     repository.LeadFeed
	LLM      *openai_provider.Client
}

// BuildApp constructs every pipeline dependency from configuration.
func BuildApp(ctx context.Context, cfg *config.Config) (*App, error) {
	st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
	if err != nil {
		return nil, fmt.Errorf("store init: %w", err)
	}

	llm, err := openai_provider.New(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm init: %w", err)
	}

	searcher, err := web_search.NewWebSearcher(cfg.Search)
	if err != nil {
		return nil, fmt.Errorf("search init: %w", err)
	}
	fetcher, err := web_fetch.NewWebFetcher(cfg.Fetch)
	if err != nil {
		return nil, fmt.Errorf("fetch init: %w", err)
	}

	bridge := agent.NewToolBridge(cfg.Agents, searcher, fetcher)
	scorer := agent.NewScoringAgent(cfg.Agents, llm, bridge)
	sources := agent.NewSourceCache(cfg.Agents, scorer)

	var feed repository.LeadFeed
	if cfg.Storage.Redis.Enabled {
		feed, err = repository.NewLeadFeed(ctx, repository.FeedTypeRedis, cfg.Storage.Redis)
		if err != nil {
			return nil, fmt.Errorf("lead feed init: %w", err)
		}
	}

	pipe := pipeline.New(*cfg, searcher, scorer, sources, llm,
		pipeline.LLMSummarizer{Provider: llm}, st, feedOrNil(feed))

	return &App{Pipeline: pipe, Store: st, Feed: feed, LLM: llm}, nil
}

// feedOrNil keeps a nil interface nil when redis is disabled, so the pipeline
// can skip publishing instead of calling through a typed nil.
func feedOrNil(feed repository.LeadFeed) pipeline.FeedPublisher {
	if feed == nil {
		return nil
	}
	return feed
}
