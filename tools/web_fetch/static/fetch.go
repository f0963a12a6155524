package static

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	readability "github.com/go-shiori/go-readability"
	"github.com/temoto/robotstxt"
	"golang.org/x/time/rate"

	"github.com/apexcrm/leadscout/tools/web_fetch/models"
)

const userAgent = "leadscout/1.0 (+https://github.com/apexcrm/leadscout)"

// Fetcher retrieves pages over plain HTTP and extracts article text with
// readability. Requests are rate limited per host and, when enabled, gated by
// the target's robots.txt.
type Fetcher struct {
	client        *http.Client
	timeout       time.Duration
	maxChars      int
	respectRobots bool
	perHostRPS    float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	robots   map[string]*robotstxt.RobotsData
}

func New(timeout time.Duration, maxChars int, respectRobots bool, perHostRPS float64) *Fetcher {
	if perHostRPS <= 0 {
		perHostRPS = 1.0
	}
	return &Fetcher{
		client:        &http.Client{Timeout: timeout},
		timeout:       timeout,
		maxChars:      maxChars,
		respectRobots: respectRobots,
		perHostRPS:    perHostRPS,
		limiters:      make(map[string]*rate.Limiter),
		robots:        make(map[string]*robotstxt.RobotsData),
	}
}

var ErrRobotsDisallowed = errors.New("disallowed by robots.txt")

func (f *Fetcher) Exec(ctx context.Context, rawURL string) (models.Result, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return models.Result{}, errors.New("invalid url")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return models.Result{}, fmt.Errorf("invalid url %q", rawURL)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	t0 := time.Now()

	if err := f.limiter(parsed.Host).Wait(ctx); err != nil {
		return models.Result{}, err
	}
	if f.respectRobots {
		allowed, err := f.robotsAllow(ctx, parsed)
		if err == nil && !allowed {
			return models.Result{URL: rawURL}, ErrRobotsDisallowed
		}
		// robots fetch failures are treated as allow
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return models.Result{}, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return models.Result{URL: rawURL, Status: 599, FetchMS: int(time.Since(t0) / time.Millisecond)}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return models.Result{URL: rawURL, Status: resp.StatusCode}, err
	}

	article, err := readability.FromReader(strings.NewReader(string(body)), parsed)
	if err != nil {
		return models.Result{URL: rawURL, Status: resp.StatusCode, FetchMS: int(time.Since(t0) / time.Millisecond)}, nil
	}
	text := strings.TrimSpace(article.TextContent)
	if len(text) > f.maxChars {
		text = text[:f.maxChars]
	}

	return models.Result{
		URL:     rawURL,
		Title:   strings.TrimSpace(article.Title),
		Byline:  strings.TrimSpace(article.Byline),
		Text:    text,
		Status:  resp.StatusCode,
		FetchMS: int(time.Since(t0) / time.Millisecond),
	}, nil
}

func (f *Fetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.limiters[host]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(f.perHostRPS), 1)
	f.limiters[host] = l
	return l
}

func (f *Fetcher) robotsAllow(ctx context.Context, target *url.URL) (bool, error) {
	f.mu.Lock()
	data, ok := f.robots[target.Host]
	f.mu.Unlock()

	if !ok {
		robotsURL := fmt.Sprintf("%s://%s/robots.txt", target.Scheme, target.Host)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
		if err != nil {
			return true, err
		}
		req.Header.Set("User-Agent", userAgent)
		resp, err := f.client.Do(req)
		if err != nil {
			return true, err
		}
		defer resp.Body.Close()
		data, err = robotstxt.FromResponse(resp)
		if err != nil {
			return true, err
		}
		f.mu.Lock()
		f.robots[target.Host] = data
		f.mu.Unlock()
	}

	group := data.FindGroup(userAgent)
	return group.Test(target.Path), nil
}
