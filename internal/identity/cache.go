package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// CachedRoleResolver caches another resolver's answers in Redis. With a nil
// client every lookup goes straight to the wrapped resolver.
type CachedRoleResolver struct {
	next   RoleResolver
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Entry
}

// NewCachedRoleResolver connects to redisURL and wraps next. An unreachable
// Redis degrades to no caching.
func NewCachedRoleResolver(next RoleResolver, redisURL string, ttl time.Duration, logger *logrus.Logger) *CachedRoleResolver {
	if logger == nil {
		logger = logrus.New()
	}
	c := &CachedRoleResolver{
		next:   next,
		ttl:    ttl,
		logger: logger.WithField("component", "role-cache"),
	}
	if redisURL == "" {
		return c
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		c.logger.WithError(err).Warn("Invalid REDIS_URL, role caching disabled")
		return c
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		c.logger.WithError(err).Warn("Redis unavailable, role caching disabled")
		client.Close()
		return c
	}

	c.client = client
	return c
}

func (c *CachedRoleResolver) cacheKey(userID string) string {
	return fmt.Sprintf("approval:roles:%s", userID)
}

// GetUserRoles implements RoleResolver
func (c *CachedRoleResolver) GetUserRoles(ctx context.Context, userID string) ([]string, error) {
	if c.client == nil {
		return c.next.GetUserRoles(ctx, userID)
	}

	key := c.cacheKey(userID)
	data, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var roles []string
		if jsonErr := json.Unmarshal(data, &roles); jsonErr == nil {
			return roles, nil
		}
	} else if err != redis.Nil {
		c.logger.WithError(err).WithField("userID", userID).Warn("Role cache read failed")
	}

	roles, err := c.next.GetUserRoles(ctx, userID)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(roles); err == nil {
		if err := c.client.Set(ctx, key, encoded, c.ttl).Err(); err != nil {
			c.logger.WithError(err).WithField("userID", userID).Warn("Role cache write failed")
		}
	}
	return roles, nil
}

// Invalidate drops a user's cached roles
func (c *CachedRoleResolver) Invalidate(ctx context.Context, userID string) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, c.cacheKey(userID)).Err()
}

// IsAvailable returns true if Redis is in use
func (c *CachedRoleResolver) IsAvailable() bool {
	return c.client != nil
}

// Ping checks the Redis connection; a disabled cache is always healthy
func (c *CachedRoleResolver) Ping(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *CachedRoleResolver) Close() error {
	if c.client == nil {
		return nil
	}
	return c.client.Close()
}
