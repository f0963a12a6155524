package agent

import (
	"context"
	"log"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/apexcrm/leadscout/config"
	"github.com/apexcrm/leadscout/internal/telemetry"
)

// SourceCache memoizes per-domain reliability weights so repeat sightings of
// a domain don't pay for another model call. Concurrent misses on the same
// domain may compute the weight twice; the second write wins and both values
// are equally valid, so no singleflight is needed.
type SourceCache struct {
	agent   *ScoringAgent
	cache   *gocache.Cache
	neutral float64
	logger  *log.Logger
}

func NewSourceCache(cfg config.AgentsConfig, agent *ScoringAgent) *SourceCache {
	ttl := cfg.SourceCacheTTL
	if ttl <= 0 {
		// weights live for the process lifetime
		ttl = gocache.NoExpiration
	}
	return &SourceCache{
		agent:   agent,
		cache:   gocache.New(ttl, 10*time.Minute),
		neutral: cfg.NeutralWeight,
		logger:  telemetry.NewLogger("SOURCES"),
	}
}

// Weight returns the reliability weight for a domain, assessing it on first
// sight. Assessment failure yields the neutral default instead of an error:
// the weight is advisory and a run should never fail over it.
func (s *SourceCache) Weight(ctx context.Context, domain string) float64 {
	if domain == "" {
		return s.neutral
	}
	if v, ok := s.cache.Get(domain); ok {
		return v.(float64)
	}

	weight, ok := s.agent.AssessDomain(ctx, domain)
	if !ok {
		s.logger.Printf("domain assessment failed for %q, using neutral weight %.1f", domain, s.neutral)
		weight = s.neutral
	}
	s.cache.SetDefault(domain, weight)
	return weight
}
