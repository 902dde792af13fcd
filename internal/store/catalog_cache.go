package store

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"classattend/internal/attendance"
	"classattend/internal/model"
)

// CachedCatalog is a read-through cache for GetSession. Listings always go
// to the backing catalog. A cached session may lag an Active or ClosedAt
// change by up to the TTL unless Invalidate is called. A non-positive TTL
// disables caching.
type CachedCatalog struct {
	next  attendance.SessionCatalog
	cache *ttlcache.Cache[string, model.Session]
}

func NewCachedCatalog(next attendance.SessionCatalog, ttl time.Duration) *CachedCatalog {
	// ttlcache reads a zero TTL as "never expire".
	if ttl <= 0 {
		return &CachedCatalog{next: next}
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, model.Session](ttl),
		ttlcache.WithDisableTouchOnHit[string, model.Session](),
	)
	go cache.Start()
	return &CachedCatalog{next: next, cache: cache}
}

func (c *CachedCatalog) GetSession(ctx context.Context, id string) (*model.Session, error) {
	if c.cache == nil {
		return c.next.GetSession(ctx, id)
	}
	if item := c.cache.Get(id); item != nil {
		s := item.Value()
		return &s, nil
	}
	s, err := c.next.GetSession(ctx, id)
	if err != nil || s == nil {
		return s, err
	}
	c.cache.Set(id, *s, ttlcache.DefaultTTL)
	return s, nil
}

func (c *CachedCatalog) ListActiveSessionsForCourse(ctx context.Context, courseID, date string) ([]model.Session, error) {
	return c.next.ListActiveSessionsForCourse(ctx, courseID, date)
}

func (c *CachedCatalog) ListSessionsForDate(ctx context.Context, date string) ([]model.Session, error) {
	return c.next.ListSessionsForDate(ctx, date)
}

func (c *CachedCatalog) ListSessions(ctx context.Context, q attendance.SessionQuery) ([]model.Session, error) {
	return c.next.ListSessions(ctx, q)
}

// Invalidate drops a cached session.
func (c *CachedCatalog) Invalidate(id string) {
	if c.cache != nil {
		c.cache.Delete(id)
	}
}

func (c *CachedCatalog) Len() int {
	if c.cache == nil {
		return 0
	}
	return c.cache.Len()
}

// Stop ends the expiry loop.
func (c *CachedCatalog) Stop() {
	if c.cache != nil {
		c.cache.Stop()
	}
}
