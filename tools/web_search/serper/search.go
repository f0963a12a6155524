package serper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/apexcrm/leadscout/tools/web_search/models"
)

// Search queries the Serper Google-search API.
// https://serper.dev/ docs
type Search struct {
	ApiKey string
	Client *http.Client
}

func (s Search) Search(ctx context.Context, query string, maxResults int) ([]models.Result, error) {
	payload, _ := json.Marshal(map[string]any{"q": query, "num": maxResults})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://google.serper.dev/search", strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", s.ApiKey)
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("serper status %d", resp.StatusCode)
	}

	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
			Date    string `json:"date"`
		} `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}

	var out []models.Result
	for i, item := range raw.Organic {
		if maxResults > 0 && i >= maxResults {
			break
		}
		out = append(out, models.Result{Title: item.Title, URL: item.Link, Snippet: item.Snippet, Date: item.Date})
	}
	return out, nil
}
