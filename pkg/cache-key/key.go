// Package cachekey derives storage keys from request URLs.
package cachekey

import (
	"encoding/base64"
	"fmt"
	"net/http"
)

// GetCacheKey returns the storage key for a request URL.
// The key is the standard base64 encoding of the URL, so it is stable
// across runs and can be turned back into the URL.
func GetCacheKey(url string) string {
	return base64.StdEncoding.EncodeToString([]byte(url))
}

// URLFromKey returns the URL a key was derived from.
func URLFromKey(key string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("Malformed key %s: %w", key, err)
	}
	return string(b), nil
}

// GetRequestFromKey creates a GET request equal to the one that resulted in the key.
func GetRequestFromKey(key string) (*http.Request, error) {
	url, err := URLFromKey(key)
	if err != nil {
		return nil, err
	}
	return http.NewRequest(http.MethodGet, url, nil)
}
