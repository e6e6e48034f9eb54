package cache

import "fmt"

func RateLimitKey(subject string) string {
	return fmt.Sprintf("ratelimit:%s", subject)
}

func ReaperLockKey() string {
	return "lock:reaper"
}
