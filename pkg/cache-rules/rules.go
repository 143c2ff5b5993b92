// Package cacherules picks cache options for incoming requests
// based on configured path rules.
package cacherules

import (
	"net/http"
	"strings"
	"time"

	requestcache "github.com/always-cache/request-cache"

	"github.com/rs/zerolog/log"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration read from strings like "90s", "15m" or "1d".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) String() string {
	return str2duration.String(time.Duration(d))
}

// ParseDuration parses a duration, also accepting days and weeks.
func ParseDuration(s string) (time.Duration, error) {
	return str2duration.ParseDuration(s)
}

type Rules []Rule

type Rule struct {
	Prefix  string            `yaml:"prefix"`
	Path    string            `yaml:"path"`
	Query   map[string]string `yaml:"query"`
	TTL     Duration          `yaml:"ttl"`
	Version string            `yaml:"version"`
	// SkipCache refetches on every request, still storing the result.
	SkipCache bool `yaml:"skipCache"`
	// Bypass disables caching for matching requests.
	Bypass bool `yaml:"bypass"`
}

// Options returns the cache options for r, starting from defaults.
// The boolean is false if matching requests should not be cached.
func (rules Rules) Options(r *http.Request, defaults requestcache.Options) (requestcache.Options, bool) {
	opts := defaults
	rule := rules.find(r)
	if rule == nil {
		return opts, true
	}
	if rule.Bypass {
		return opts, false
	}
	if rule.TTL != 0 {
		opts.TTL = time.Duration(rule.TTL)
	}
	if rule.Version != "" {
		opts.Version = rule.Version
	}
	if rule.SkipCache {
		opts.SkipCache = true
	}
	return opts, true
}

func (rules Rules) find(r *http.Request) *Rule {
	log.Trace().Msgf("Finding rule for request %s", r.URL.Path)
rulesLoop:
	for _, rule := range rules {
		if rule.Path != "" && rule.Path != r.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(r.URL.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := r.URL.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return &rule
	}
	return nil
}
