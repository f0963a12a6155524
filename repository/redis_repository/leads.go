package redis_repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/apexcrm/leadscout/internal/store"
)

const (
	leadKeyPrefix = "lead:"
	rankedSetKey  = "leads:ranked"
)

var ErrLeadNotFound = errors.New("lead not found")

// redisLeadFeed mirrors ranked leads into Redis for the CRM consumers: each
// lead as JSON under lead:<id>, plus a sorted set keyed by total score.
type redisLeadFeed struct {
	client *redis.Client
}

func NewRedisLeadFeed(client *redis.Client) *redisLeadFeed {
	return &redisLeadFeed{client: client}
}

func (r *redisLeadFeed) PublishRanked(ctx context.Context, query string, leads []store.Lead) error {
	pipe := r.client.TxPipeline()
	for _, lead := range leads {
		data, err := json.Marshal(lead)
		if err != nil {
			return err
		}
		pipe.Set(ctx, leadKeyPrefix+lead.ID, data, 0)
		pipe.ZAdd(ctx, rankedSetKey, redis.Z{Score: lead.TotalScore, Member: lead.ID})
	}
	_, err := pipe.Exec(ctx)
	return err
}

// RankedLeads returns up to limit leads, highest total score first.
func (r *redisLeadFeed) RankedLeads(ctx context.Context, limit int) ([]store.Lead, error) {
	if limit <= 0 {
		limit = 15
	}
	ids, err := r.client.ZRevRange(ctx, rankedSetKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	var leads []store.Lead
	for _, id := range ids {
		val, err := r.client.Get(ctx, leadKeyPrefix+id).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// zset member without a backing record, skip
				continue
			}
			return nil, err
		}
		var lead store.Lead
		if err := json.Unmarshal([]byte(val), &lead); err != nil {
			return nil, err
		}
		leads = append(leads, lead)
	}
	return leads, nil
}

func (r *redisLeadFeed) GetLead(ctx context.Context, id string) (store.Lead, error) {
	val, err := r.client.Get(ctx, leadKeyPrefix+id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return store.Lead{}, ErrLeadNotFound
		}
		return store.Lead{}, err
	}
	var lead store.Lead
	if err := json.Unmarshal([]byte(val), &lead); err != nil {
		return store.Lead{}, err
	}
	return lead, nil
}
