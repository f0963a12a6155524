package web_fetch

import (
	"context"
	"errors"
	"time"

	"github.com/apexcrm/leadscout/config"
	"github.com/apexcrm/leadscout/tools/web_fetch/chromedp"
	"github.com/apexcrm/leadscout/tools/web_fetch/models"
	"github.com/apexcrm/leadscout/tools/web_fetch/static"
)

const (
	DefaultTimeout  = 15 * time.Second
	MaxCharsDefault = 20000
)

// WebFetcher retrieves and extracts readable text from a page.
type WebFetcher interface {
	Exec(ctx context.Context, url string) (models.Result, error)
}

type FetcherType string

const (
	StaticFetcherType   FetcherType = "static"
	ChromedpFetcherType FetcherType = "chromedp"
)

var ErrUnsupportedFetcher = errors.New("unsupported fetcher type")

// NewWebFetcher builds a fetcher for the configured strategy. The static
// fetcher is the default; chromedp renders JavaScript-heavy pages through a
// headless browser.
func NewWebFetcher(cfg config.FetchConfig) (WebFetcher, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = MaxCharsDefault
	}

	switch FetcherType(cfg.Fetcher) {
	case StaticFetcherType, "":
		return static.New(timeout, maxChars, cfg.RespectRobots, cfg.PerHostRPS), nil
	case ChromedpFetcherType:
		return &chromedp.Fetch{Timeout: timeout, MaxChars: maxChars}, nil
	default:
		return nil, ErrUnsupportedFetcher
	}
}
