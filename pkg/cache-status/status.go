// Package cachestatus builds the Cache-Status response header value.
package cachestatus

import (
	"fmt"
	"strings"
)

const cacheName = "RequestCache"

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The request asked for the stored response not to be used.
	FwdReasonRequest FwdReason = "request"

	// The cache contained a response for the URL, but it was stale.
	FwdReasonStale FwdReason = "stale"

	// The cache did not contain a response for the URL.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache database does not exist yet.
	FwdReasonMiss FwdReason = "miss"

	// The request method is not cached.
	FwdReasonMethod FwdReason = "method"
)

type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	// Stored is true if the forwarded response was handed to the cache for storage.
	Stored bool
	// TimeToLive is the remaining freshness in seconds for hits.
	TimeToLive int
	Detail     string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// IsHit reports whether the response came from the cache.
func (cs CacheStatus) IsHit() bool {
	return cs.Status == StatusHit
}

func (cs CacheStatus) String() string {
	var b strings.Builder
	b.WriteString(cacheName)
	switch cs.Status {
	case StatusHit:
		b.WriteString("; hit")
		if cs.TimeToLive > 0 {
			fmt.Fprintf(&b, "; ttl=%d", cs.TimeToLive)
		}
	case StatusFwd:
		b.WriteString("; fwd")
		if cs.FwdReason != "" {
			fmt.Fprintf(&b, "=%s", cs.FwdReason)
		}
		if cs.Stored {
			b.WriteString("; stored")
		}
	}
	if cs.Detail != "" {
		b.WriteString("; detail=" + cs.Detail)
	}
	return b.String()
}
