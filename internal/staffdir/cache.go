package staffdir

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"order-router/internal/common/logging"
	"order-router/internal/team"
)

// rosterCache is the cache surface the cached client needs. Satisfied
// by the redis client.
type rosterCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// CachedClient serves team rosters from a shared cache, falling back
// to the staff directory on a miss. Cache failures are logged and
// degrade to direct lookups; a stale roster only skews load balancing
// until the entry expires, so a short TTL is enough.
type CachedClient struct {
	directory TeamSource
	cache     rosterCache
	ttl       time.Duration
	logger    logging.Logger
}

// TeamSource is the lookup the cache wraps.
type TeamSource interface {
	Team(ctx context.Context, teamID string) (*team.Team, error)
}

// NewCachedClient wraps a team source with a roster cache. TTL
// defaults to 30s.
func NewCachedClient(directory TeamSource, cache rosterCache, ttl time.Duration, logger logging.Logger) *CachedClient {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedClient{directory: directory, cache: cache, ttl: ttl, logger: logger}
}

// Team returns the cached roster when present, otherwise fetches and
// caches it.
func (c *CachedClient) Team(ctx context.Context, teamID string) (*team.Team, error) {
	key := rosterKey(teamID)

	var cached team.Team
	err := c.cache.GetJSON(ctx, key, &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, goredis.Nil) {
		c.logger.Warn("roster cache read failed",
			logging.String("team_id", teamID),
			logging.Err(err))
	}

	fetched, err := c.directory.Team(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, key, fetched, c.ttl); err != nil {
		c.logger.Warn("roster cache write failed",
			logging.String("team_id", teamID),
			logging.Err(err))
	}
	return fetched, nil
}

func rosterKey(teamID string) string {
	return fmt.Sprintf("roster:%s", teamID)
}
