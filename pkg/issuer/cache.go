package issuer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DerivedView names a cached projection keyed by badge class
type DerivedView string

const (
	// ViewPendingEnrollments caches the open enrollment requests for a
	// badge class.
	ViewPendingEnrollments DerivedView = "pending_enrollments"
	// ViewPendingEnrollmentsIncludingDenied additionally includes denied
	// requests.
	ViewPendingEnrollmentsIncludingDenied DerivedView = "pending_enrollments_including_denied"
)

// badgeClassViews are all derived views invalidated together
var badgeClassViews = []DerivedView{
	ViewPendingEnrollments,
	ViewPendingEnrollmentsIncludingDenied,
}

const viewTTL = 10 * time.Minute

// Cache stores derived badge class views in Redis. Invalidation is
// fire-and-forget after the database commit: a crash in between leaves a
// stale entry until the TTL expires, which the read path tolerates.
type Cache struct {
	redis *redis.Client
}

// NewCache creates a derived-view cache
func NewCache(client *redis.Client) *Cache {
	return &Cache{redis: client}
}

func viewKey(badgeClassID int64, view DerivedView) string {
	return fmt.Sprintf("badgeclass:%d:%s", badgeClassID, view)
}

// GetView loads a cached view into dst, reporting whether it was present
func (c *Cache) GetView(ctx context.Context, badgeClassID int64, view DerivedView, dst interface{}) (bool, error) {
	data, err := c.redis.Get(ctx, viewKey(badgeClassID, view)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache get failed: %w", err)
	}
	if err := json.Unmarshal([]byte(data), dst); err != nil {
		c.redis.Del(ctx, viewKey(badgeClassID, view))
		return false, nil
	}
	return true, nil
}

// SetView stores a derived view
func (c *Cache) SetView(ctx context.Context, badgeClassID int64, view DerivedView, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal view: %w", err)
	}
	return c.redis.Set(ctx, viewKey(badgeClassID, view), data, viewTTL).Err()
}

// InvalidateBadgeClass removes every derived view for a badge class.
// At-least-once: each key is deleted independently and the first failure is
// reported after all deletes were attempted.
func (c *Cache) InvalidateBadgeClass(ctx context.Context, badgeClassID int64) error {
	var firstErr error
	for _, view := range badgeClassViews {
		if err := c.redis.Del(ctx, viewKey(badgeClassID, view)).Err(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to invalidate %s: %w", view, err)
		}
	}
	return firstErr
}
