package main

import (
	"os"
	"time"

	requestcache "github.com/always-cache/request-cache"
	cacherules "github.com/always-cache/request-cache/pkg/cache-rules"
	"github.com/always-cache/request-cache/store"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DB       string           `yaml:"db"`
	Origin   string           `yaml:"origin"`
	Port     int              `yaml:"port"`
	Defaults Defaults         `yaml:"defaults"`
	Rules    cacherules.Rules `yaml:"rules"`
}

type Defaults struct {
	TTL     cacherules.Duration `yaml:"ttl"`
	Version string              `yaml:"version"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, errors.Wrap(err, "read config")
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, errors.Wrapf(err, "parse config %s", filename)
}

// loadConfig reads the config file, if any, and applies the CLI flags on top.
func loadConfig() (Config, error) {
	config := Config{
		DB:   requestcache.DBName + ".db",
		Port: 8080,
	}
	if configFilenameFlag != "" {
		fileConfig, err := getConfig(configFilenameFlag)
		if err != nil {
			return config, err
		}
		if fileConfig.DB != "" {
			config.DB = fileConfig.DB
		}
		if fileConfig.Port != 0 {
			config.Port = fileConfig.Port
		}
		config.Origin = fileConfig.Origin
		config.Defaults = fileConfig.Defaults
		config.Rules = fileConfig.Rules
	}
	if dbFilenameFlag != "" {
		config.DB = dbFilenameFlag
	}
	if originFlag != "" {
		config.Origin = originFlag
	}
	if portFlag != 0 {
		config.Port = portFlag
	}
	if ttlFlag != "" {
		ttl, err := cacherules.ParseDuration(ttlFlag)
		if err != nil {
			return config, errors.Wrapf(err, "parse ttl %q", ttlFlag)
		}
		config.Defaults.TTL = cacherules.Duration(ttl)
	}
	return config, nil
}

// options returns the default cache options for url.
func (c Config) options(url string) requestcache.Options {
	return requestcache.Options{
		URL:     url,
		TTL:     time.Duration(c.Defaults.TTL),
		Version: c.Defaults.Version,
	}
}

func openCache(config Config) *requestcache.Cache {
	var db store.Database
	if config.DB == "memory" {
		db = store.NewMemory()
	} else {
		db = store.NewSQLite(config.DB)
	}
	return requestcache.CreateCache(requestcache.Config{
		Database: db,
		Logger:   &log.Logger,
	})
}
