// Package cacheupdate reads the `Cache-Update` header that origins send on
// responses to unsafe requests, naming stored responses that are now outdated.
package cacheupdate

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// CacheUpdate represents a single `Cache-Update` entry.
type CacheUpdate struct {
	// Fully resolved URL of the resource.
	URL *url.URL
	// Update delay, i.e. delay update by this duration.
	Delay time.Duration
}

var delayRegexp = regexp.MustCompile(`(?i)\bdelay=(\d+)`)

// GetCacheUpdates gets the updates specified by the response to req.
// Relative paths are resolved against base.
// Responses to safe requests never cause updates.
func GetCacheUpdates(base *url.URL, req *http.Request, res *http.Response) []CacheUpdate {
	if safeMethod(req.Method) {
		return nil
	}
	updates := make([]CacheUpdate, 0)
	for _, update := range res.Header.Values("Cache-Update") {
		path := strings.TrimSpace(strings.Split(update, ";")[0])
		if path == "" {
			continue
		}
		updates = append(updates, CacheUpdate{
			URL:   getURL(base, req, path),
			Delay: getDelay(update),
		})
	}
	return updates
}

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// getURL resolves the possibly relative update path against the request path,
// then places it on base.
func getURL(base *url.URL, req *http.Request, path string) *url.URL {
	ref, err := url.Parse(path)
	if err != nil {
		ref = &url.URL{Path: path}
	}
	resolved := req.URL.ResolveReference(ref)
	return base.ResolveReference(&url.URL{Path: resolved.Path, RawQuery: resolved.RawQuery})
}

// getDelay returns the delay of an update.
// The delay directive syntax is `delay=N`, where N is the number of seconds to wait.
// Directives are separated by a semicolon.
// If no delay directive is found, it returns 0.
func getDelay(update string) time.Duration {
	if matches := delayRegexp.FindStringSubmatch(update); matches != nil {
		if delay, err := strconv.Atoi(matches[1]); err == nil {
			return time.Duration(delay) * time.Second
		}
	}
	return 0
}
