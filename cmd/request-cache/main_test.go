package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	requestcache "github.com/always-cache/request-cache"
	cacherules "github.com/always-cache/request-cache/pkg/cache-rules"
	cacheupdate "github.com/always-cache/request-cache/pkg/cache-update"
	"github.com/always-cache/request-cache/pkg/metrics"
	serializer "github.com/always-cache/request-cache/pkg/payload-serializer"
	"github.com/always-cache/request-cache/store"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = zerolog.New(io.Discard)

type testServer struct {
	origin  string
	handler http.Handler
	cache   *requestcache.Cache
	calls   *atomic.Int32
}

func startTestServer(t *testing.T, config Config, handler http.HandlerFunc) testServer {
	return startTestServerAt(t, config, "", handler)
}

// startTestServerAt serves an origin whose configured URL ends in basePath.
func startTestServerAt(t *testing.T, config Config, basePath string, handler http.HandlerFunc) testServer {
	calls := &atomic.Int32{}
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(origin.Close)

	originURL, err := url.Parse(origin.URL + basePath)
	require.NoError(t, err)
	acache := requestcache.CreateCache(requestcache.Config{
		Database: store.NewSQLite(filepath.Join(t.TempDir(), "http-cache.db")),
		Logger:   &testLogger,
	})
	t.Cleanup(func() { acache.Close() })

	return testServer{
		origin:  origin.URL,
		handler: newHandler(acache, config, originURL, newOriginClient()),
		cache:   acache,
		calls:   calls,
	}
}

func (s testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	s.cache.Wait()
	return rr
}

func TestGetIsCached(t *testing.T) {
	s := startTestServer(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin", "yes")
		fmt.Fprintf(w, "Hello %s", r.URL.Path)
	})

	rr := s.do(httptest.NewRequest("GET", "/page", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Hello /page", rr.Body.String())
	assert.Equal(t, "RequestCache; fwd=miss; stored", rr.Header().Get("Cache-Status"))

	rr = s.do(httptest.NewRequest("GET", "/page", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Hello /page", rr.Body.String())
	assert.Equal(t, "yes", rr.Header().Get("X-Origin"))
	assert.True(t, strings.HasPrefix(rr.Header().Get("Cache-Status"), "RequestCache; hit"))
	assert.Equal(t, int32(1), s.calls.Load())

	// other urls are other entries
	rr = s.do(httptest.NewRequest("GET", "/other", nil))
	assert.Equal(t, "RequestCache; fwd=uri-miss; stored", rr.Header().Get("Cache-Status"))
	assert.Equal(t, int32(2), s.calls.Load())
}

func TestNoCacheRefetches(t *testing.T) {
	var count atomic.Int32
	s := startTestServer(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "Called %d times", count.Add(1))
	})

	s.do(httptest.NewRequest("GET", "/count", nil))
	req := httptest.NewRequest("GET", "/count", nil)
	req.Header.Set("Cache-Control", "no-cache")
	rr := s.do(req)
	assert.Equal(t, "Called 2 times", rr.Body.String())
	assert.Equal(t, "RequestCache; fwd=request; stored", rr.Header().Get("Cache-Status"))

	rr = s.do(httptest.NewRequest("GET", "/count", nil))
	assert.Equal(t, "Called 2 times", rr.Body.String())
}

func TestErrorResponsesAreNotStored(t *testing.T) {
	s := startTestServer(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})

	for i := 0; i < 2; i++ {
		rr := s.do(httptest.NewRequest("GET", "/missing", nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Contains(t, rr.Body.String(), "nope")
	}
	assert.Equal(t, int32(2), s.calls.Load())
}

func TestPrivateResponsesAreNotStored(t *testing.T) {
	s := startTestServer(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "private, no-store")
		w.Header().Set("Set-Cookie", "session=alice")
		w.Write([]byte("alice's page"))
	})

	for i := 0; i < 2; i++ {
		rr := s.do(httptest.NewRequest("GET", "/account", nil))
		assert.Equal(t, "alice's page", rr.Body.String())
		assert.Equal(t, "RequestCache; fwd=miss", rr.Header().Get("Cache-Status"))
	}
	assert.Equal(t, int32(2), s.calls.Load())
}

func TestStorable(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header http.Header
		want   bool
	}{
		{"plain", http.StatusOK, http.Header{}, true},
		{"max-age", http.StatusOK, http.Header{"Cache-Control": {"public, max-age=60"}}, true},
		{"not found", http.StatusNotFound, http.Header{}, false},
		{"server error", http.StatusInternalServerError, http.Header{}, false},
		{"private", http.StatusOK, http.Header{"Cache-Control": {"private"}}, false},
		{"private with fields", http.StatusOK, http.Header{"Cache-Control": {`max-age=60, Private="Set-Cookie"`}}, false},
		{"no-store", http.StatusOK, http.Header{"Cache-Control": {"max-age=60", "no-store"}}, false},
		{"cookie", http.StatusOK, http.Header{"Set-Cookie": {"session=alice"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := &serializer.Response{StatusCode: tt.status, Header: tt.header}
			assert.Equal(t, tt.want, storable(res))
		})
	}
}

func TestTargetURLMatchesCacheUpdates(t *testing.T) {
	originURL, err := url.Parse("http://origin.test/")
	require.NoError(t, err)

	target := targetURL(originURL, httptest.NewRequest("GET", "/list?page=2", nil))
	assert.Equal(t, "http://origin.test/list?page=2", target)

	res := &http.Response{Header: http.Header{"Cache-Update": {"/list?page=2"}}}
	updates := cacheupdate.GetCacheUpdates(originURL, httptest.NewRequest("POST", "/add", nil), res)
	require.Len(t, updates, 1)
	assert.Equal(t, target, updates[0].URL.String())
}

func TestPostIsProxied(t *testing.T) {
	s := startTestServer(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "So you wanted to %s?", r.Method)
	})

	for i := 0; i < 2; i++ {
		rr := s.do(httptest.NewRequest("POST", "/", nil))
		assert.Equal(t, "So you wanted to POST?", rr.Body.String())
		assert.Equal(t, "RequestCache; fwd=method", rr.Header().Get("Cache-Status"))
	}
	assert.Equal(t, int32(2), s.calls.Load())
}

func TestCacheUpdateHeaderPurges(t *testing.T) {
	var listCount atomic.Int32
	s := startTestServer(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/list":
			fmt.Fprintf(w, "%d elements", listCount.Load())
		case r.URL.Path == "/add" && r.Method == "POST":
			listCount.Add(1)
			w.Header().Add("Cache-Update", "/list")
			w.Write([]byte("done"))
		}
	})

	rr := s.do(httptest.NewRequest("GET", "/list", nil))
	assert.Equal(t, "0 elements", rr.Body.String())
	s.do(httptest.NewRequest("POST", "/add", nil))

	rr = s.do(httptest.NewRequest("GET", "/list", nil))
	assert.Equal(t, "1 elements", rr.Body.String())
	assert.Equal(t, "RequestCache; fwd=uri-miss; stored", rr.Header().Get("Cache-Status"))
}

func TestCacheUpdateWithTrailingSlashOrigin(t *testing.T) {
	var listCount atomic.Int32
	s := startTestServerAt(t, Config{}, "/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/list":
			fmt.Fprintf(w, "%d elements", listCount.Load())
		case r.URL.Path == "/add" && r.Method == "POST":
			listCount.Add(1)
			w.Header().Add("Cache-Update", "/list")
			w.Write([]byte("done"))
		}
	})

	s.do(httptest.NewRequest("GET", "/list", nil))
	s.do(httptest.NewRequest("POST", "/add", nil))
	rr := s.do(httptest.NewRequest("GET", "/list", nil))
	assert.Equal(t, "1 elements", rr.Body.String())
}

func TestDelayedCacheUpdateIsDroppedOnClose(t *testing.T) {
	s := startTestServer(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" {
			w.Header().Add("Cache-Update", "/list; delay=3600")
		}
		w.Write([]byte("content"))
	})

	s.do(httptest.NewRequest("GET", "/list", nil))
	// do would wait for the scheduled purge
	s.handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/add", nil))

	closed := make(chan struct{})
	go func() {
		s.cache.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return while a purge was scheduled")
	}
}

func TestBypassRule(t *testing.T) {
	config := Config{Rules: cacherules.Rules{{Prefix: "/admin", Bypass: true}}}
	s := startTestServer(t, config, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("admin"))
	})

	s.do(httptest.NewRequest("GET", "/admin", nil))
	rr := s.do(httptest.NewRequest("GET", "/admin", nil))
	assert.Equal(t, "admin", rr.Body.String())
	assert.Equal(t, int32(2), s.calls.Load())
}

func TestTTLRule(t *testing.T) {
	config := Config{Rules: cacherules.Rules{{Prefix: "/short", TTL: cacherules.Duration(time.Millisecond)}}}
	s := startTestServer(t, config, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("short lived"))
	})

	s.do(httptest.NewRequest("GET", "/short", nil))
	time.Sleep(5 * time.Millisecond)
	rr := s.do(httptest.NewRequest("GET", "/short", nil))
	assert.Equal(t, "RequestCache; fwd=stale; stored", rr.Header().Get("Cache-Status"))
	assert.Equal(t, int32(2), s.calls.Load())
}

func TestPurgeEndpoint(t *testing.T) {
	s := startTestServer(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("content"))
	})

	rr := s.do(httptest.NewRequest("GET", "/page", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	target := s.origin + "/page"
	rr = s.do(httptest.NewRequest("DELETE", "/.cache?url="+url.QueryEscape(target), nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
	rr = s.do(httptest.NewRequest("DELETE", "/.cache?url="+url.QueryEscape(target), nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = s.do(httptest.NewRequest("DELETE", "/.cache", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	s.do(httptest.NewRequest("GET", "/page", nil))
	assert.Equal(t, int32(2), s.calls.Load())
}

func TestStatsEndpoint(t *testing.T) {
	s := startTestServer(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("content"))
	})
	s.do(httptest.NewRequest("GET", "/page", nil))

	rr := s.do(httptest.NewRequest("GET", "/.cache/stats", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var stats []metrics.Stats
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	operations := make([]string, 0, len(stats))
	for _, s := range stats {
		operations = append(operations, s.Operation)
	}
	assert.Contains(t, operations, metrics.OpCall)
	assert.Contains(t, operations, metrics.OpWrite)
}

func TestLoadConfig(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(filename, []byte(`
db: memory
origin: https://example.com
port: 9000
defaults:
  ttl: 1d
  version: "2"
rules:
  - prefix: /api
    ttl: 30s
`), 0644))

	configFilenameFlag = filename
	ttlFlag = ""
	t.Cleanup(func() { configFilenameFlag = "" })

	config, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "memory", config.DB)
	assert.Equal(t, "https://example.com", config.Origin)
	assert.Equal(t, 9000, config.Port)
	assert.Equal(t, 24*time.Hour, time.Duration(config.Defaults.TTL))
	require.Len(t, config.Rules, 1)
	assert.Equal(t, 30*time.Second, time.Duration(config.Rules[0].TTL))

	opts := config.options("https://example.com/x")
	assert.Equal(t, 24*time.Hour, opts.TTL)
	assert.Equal(t, "2", opts.Version)

	ttlFlag = "90s"
	t.Cleanup(func() { ttlFlag = "" })
	config, err = loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, time.Duration(config.Defaults.TTL))
}

// runGet runs the get command and returns what it printed.
func runGet(t *testing.T, args ...string) (string, error) {
	logger := log.Logger
	t.Cleanup(func() {
		log.Logger = logger
		dbFilenameFlag = ""
	})

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"get"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestGetCommandDoesNotStoreErrors(t *testing.T) {
	var calls atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "try again", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	t.Cleanup(origin.Close)
	db := filepath.Join(t.TempDir(), "http-cache.db")
	target := origin.URL + "/page"

	out, err := runGet(t, "--db", db, target)
	assert.Error(t, err)
	assert.Contains(t, out, "try again")

	for i := 0; i < 2; i++ {
		out, err = runGet(t, "--db", db, target)
		require.NoError(t, err)
		assert.Equal(t, "ok", out)
	}
	assert.Equal(t, int32(2), calls.Load())
}
