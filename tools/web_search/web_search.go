package web_search

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/apexcrm/leadscout/config"
	"github.com/apexcrm/leadscout/tools/web_search/brave"
	"github.com/apexcrm/leadscout/tools/web_search/models"
	"github.com/apexcrm/leadscout/tools/web_search/serper"
)

// WebSearcher discovers candidate sources for a query.
type WebSearcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]models.Result, error)
}

type Provider string

const (
	SerperProvider Provider = "serper"
	BraveProvider  Provider = "brave"
)

var ErrUnsupportedProvider = errors.New("unsupported search provider")

// NewWebSearcher builds a searcher for the configured provider.
func NewWebSearcher(cfg config.SearchConfig) (WebSearcher, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	httpc := &http.Client{Timeout: timeout}
	switch Provider(cfg.Provider) {
	case SerperProvider:
		return serper.Search{ApiKey: cfg.APIKey, Client: httpc}, nil
	case BraveProvider:
		return brave.Search{ApiKey: cfg.APIKey, Client: httpc}, nil
	default:
		return nil, ErrUnsupportedProvider
	}
}
