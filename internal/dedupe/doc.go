// Package dedupe provides message deduplication using a time-based cache
// to drop provider events that are redelivered within a configurable window.
//
// Webhook providers deliver at least once, so the same message id can show up
// several times in a burst. The cache records each id with the time it was
// first observed; a repeat inside the TTL is reported as a duplicate.
//
//	cache := dedupe.New(5*time.Minute, 100)
//	if cache.CheckAndMark(mid) {
//	    return // already handled
//	}
package dedupe
