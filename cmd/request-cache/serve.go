package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	requestcache "github.com/always-cache/request-cache"
	cachestatus "github.com/always-cache/request-cache/pkg/cache-status"
	cacheupdate "github.com/always-cache/request-cache/pkg/cache-update"
	serializer "github.com/always-cache/request-cache/pkg/payload-serializer"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an origin, caching its GET responses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), config)
		},
	}
	cmd.Flags().StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	cmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (default 8080)")
	return cmd
}

func serve(ctx context.Context, config Config) error {
	if config.Origin == "" {
		return errors.New("please specify origin")
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		return errors.Wrap(err, "could not parse origin url")
	}

	acache := openCache(config)
	defer acache.Close()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: newHandler(acache, config, originURL, newOriginClient()),
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Msgf("Proxying port %v to %s", config.Port, originURL.String())
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newOriginClient() *http.Client {
	return &http.Client{
		// do not follow redirects
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func newHandler(acache *requestcache.Cache, config Config, originURL *url.URL, client *http.Client) http.Handler {
	proxy := httputil.NewSingleHostReverseProxy(originURL)
	proxy.Transport = client.Transport
	proxy.ModifyResponse = func(res *http.Response) error {
		for _, update := range cacheupdate.GetCacheUpdates(originURL, res.Request, res) {
			applyUpdate(acache, update)
		}
		return nil
	}

	r := chi.NewRouter()
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Sending response to client")
	}))

	r.Get("/.cache/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(acache.Stats()); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Could not write stats")
		}
	})
	r.Delete("/.cache", func(w http.ResponseWriter, r *http.Request) {
		target := r.URL.Query().Get("url")
		if target == "" {
			http.Error(w, "url query parameter required", http.StatusBadRequest)
			return
		}
		purged, err := acache.Purge(r.Context(), target)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("url", target).Msg("Could not purge")
			http.Error(w, "Could not purge", http.StatusInternalServerError)
			return
		}
		if !purged {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.HandleFunc("/*", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			var cs cachestatus.CacheStatus
			cs.Forward(cachestatus.FwdReasonMethod)
			w.Header().Add("Cache-Status", cs.String())
			proxy.ServeHTTP(w, r)
			return
		}
		serveCached(w, r, acache, config, originURL, client)
	})
	return r
}

// applyUpdate purges the stored response named by a `Cache-Update` header,
// after its delay if one was given.
func applyUpdate(acache *requestcache.Cache, update cacheupdate.CacheUpdate) {
	target := update.URL.String()
	if update.Delay > 0 {
		log.Trace().Str("url", target).Dur("delay", update.Delay).Msg("Scheduling cache purge based on header")
		acache.PurgeAfter(context.Background(), target, update.Delay)
		return
	}
	log.Trace().Str("url", target).Msg("Purging cache based on header")
	if _, err := acache.Purge(context.Background(), target); err != nil {
		log.Error().Err(err).Str("url", target).Msg("Could not purge updated content")
	}
}

// serveCached answers a GET from the cache, calling the origin on a miss.
func serveCached(w http.ResponseWriter, r *http.Request, acache *requestcache.Cache, config Config, originURL *url.URL, client *http.Client) {
	logger := hlog.FromRequest(r)
	target := targetURL(originURL, r)

	opts, cacheable := config.Rules.Options(r, config.options(target))
	if !cacheable || r.Header.Get("Authorization") != "" {
		var cs cachestatus.CacheStatus
		cs.Forward(cachestatus.FwdReasonRequest)
		cs.Detail = "bypass"
		res, err := fetch(r.Context(), client, target)
		send(w, logger, res, cs, err)
		return
	}
	if r.Header.Get("Cache-Control") == "no-cache" {
		opts.SkipCache = true
	}

	res, cs, err := fetchCached(r.Context(), acache, client, target, opts)
	send(w, logger, res, cs, err)
}

// targetURL is the origin URL of r, as used for cache keys.
func targetURL(originURL *url.URL, r *http.Request) string {
	return originURL.ResolveReference(&url.URL{
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}).String()
}

// fetchCached gets target through the cache.
// Responses that must not be stored are returned without being written.
func fetchCached(ctx context.Context, acache *requestcache.Cache, client *http.Client, target string, opts requestcache.Options) (*serializer.Response, cachestatus.CacheStatus, error) {
	// responses that must not be stored are handed over here instead
	var uncached *serializer.Response
	call := func(ctx context.Context) (*serializer.Response, error) {
		res, err := fetch(ctx, client, target)
		if err != nil {
			return nil, err
		}
		if !storable(res) {
			uncached = res
			return nil, nil
		}
		return res, nil
	}

	res, cs, err := requestcache.WithCacheStatus(ctx, acache, call, opts)
	if res == nil {
		res = uncached
	}
	return res, cs, err
}

// storable reports whether res may be stored and replayed to any client.
// Only 200 responses are stored. Responses marked private or no-store and
// responses setting cookies belong to a single client.
func storable(res *serializer.Response) bool {
	if res.StatusCode != http.StatusOK {
		return false
	}
	if len(res.Header.Values("Set-Cookie")) > 0 {
		return false
	}
	for _, value := range res.Header.Values("Cache-Control") {
		for _, directive := range strings.Split(value, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(name) {
			case "no-store", "private":
				return false
			}
		}
	}
	return true
}

func send(w http.ResponseWriter, logger *zerolog.Logger, res *serializer.Response, cs cachestatus.CacheStatus, err error) {
	if err != nil {
		logger.Error().Err(err).Msg("Could not fetch response from origin")
		http.Error(w, "Error contacting origin", http.StatusBadGateway)
		return
	}
	if res == nil {
		logger.Error().Msg("No response to send")
		http.Error(w, "No response from origin", http.StatusBadGateway)
		return
	}
	logger.Trace().Str("cache-status", cs.String()).Msg("Cache status")
	w.Header().Add("Cache-Status", cs.String())
	if err := res.Write(w); err != nil {
		logger.Error().Err(err).Msg("Could not write response body to client")
	}
}

// fetch makes a GET request to the origin.
func fetch(ctx context.Context, client *http.Client, target string) (*serializer.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	return serializer.ResponseFromHTTP(res)
}
