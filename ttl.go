package requestcache

import "time"

// IsValidTTL reports whether an entry written at updatedAt is still fresh.
// An entry exactly ttl old is expired.
func IsValidTTL(updatedAt time.Time, ttl time.Duration) bool {
	return validTTL(time.Now(), updatedAt, ttl)
}

func (c *Cache) isValidTTL(updatedAt time.Time, ttl time.Duration) bool {
	return validTTL(c.now(), updatedAt, ttl)
}

func validTTL(now, updatedAt time.Time, ttl time.Duration) bool {
	return now.Sub(updatedAt) < ttl
}
