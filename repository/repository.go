package repository

import (
	"context"
	"fmt"

	"github.com/apexcrm/leadscout/config"
	"github.com/apexcrm/leadscout/internal/store"
	"github.com/apexcrm/leadscout/repository/redis_repository"
)

// LeadFeed is the downstream feed the CRM reads ranked leads from.
type LeadFeed interface {
	PublishRanked(ctx context.Context, query string, leads []store.Lead) error
	RankedLeads(ctx context.Context, limit int) ([]store.Lead, error)
	GetLead(ctx context.Context, id string) (store.Lead, error)
}

type FeedType string

const (
	FeedTypeRedis FeedType = "redis"
)

func NewLeadFeed(ctx context.Context, t FeedType, cfg config.RedisConfig) (LeadFeed, error) {
	switch t {
	case FeedTypeRedis:
		c, err := redis_repository.Conn(ctx, cfg.Host, cfg.Port, cfg.Password, cfg.DB, cfg.Timeout)
		if err != nil {
			return nil, err
		}
		return redis_repository.NewRedisLeadFeed(c), nil
	}
	return nil, fmt.Errorf("invalid lead feed type: %s", t)
}
