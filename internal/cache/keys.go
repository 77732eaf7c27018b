package cache

import "fmt"

// RateLimitKey is the per-minute request counter for one API key prefix.
func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("vidscan:ratelimit:%s", keyPrefix)
}
