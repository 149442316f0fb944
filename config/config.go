// Package config reads the service configuration from the environment.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Port  string
	Debug bool

	StorageConnectionString string
	BoardsTable             string
	RefreshQueue            string
	ConfigDir               string

	RedisConnectionString string
	BoardUpdatesChannel   string
	SnapshotCacheTTL      time.Duration
	ConfigCacheTTL        time.Duration

	JiraURL   string
	JiraUser  string
	JiraToken string

	// FetchLinks requests links per issue instead of reading the issuelinks
	// field of the search results.
	FetchLinks bool

	SearchPageSize   int
	SearchMaxPages   int
	FetchConcurrency int
	BuildParallelism int

	Boards          []string
	RefreshInterval time.Duration
	RefreshTimeout  time.Duration
	RetryInitial    time.Duration
	RetryMax        time.Duration
}

// Load reads every setting, applying defaults for the optional ones.
func Load() (Config, error) {
	var errs []string
	c := Config{
		Port:                    envString("PORT", "8080"),
		Debug:                   envBool("DEBUG", false),
		StorageConnectionString: os.Getenv("STORAGE_CONNECTION_STRING"),
		BoardsTable:             envString("BOARDS_TABLE", "boards"),
		RefreshQueue:            envString("REFRESH_QUEUE", "board-refresh"),
		ConfigDir:               envString("CONFIG_DIR", "boards"),
		RedisConnectionString:   os.Getenv("REDIS_CONNECTION_STRING"),
		BoardUpdatesChannel:     envString("BOARD_UPDATES_CHANNEL", "board-updates"),
		SnapshotCacheTTL:        envDur("SNAPSHOT_CACHE_TTL", 24*time.Hour),
		ConfigCacheTTL:          envDur("CONFIG_CACHE_TTL", 5*time.Minute),
		JiraURL:                 strings.TrimRight(os.Getenv("JIRA_URL"), "/"),
		JiraUser:                os.Getenv("JIRA_USER"),
		JiraToken:               os.Getenv("JIRA_TOKEN"),
		FetchLinks:              envBool("FETCH_LINKS", false),
		SearchPageSize:          envInt("SEARCH_PAGE_SIZE", 50),
		SearchMaxPages:          envInt("SEARCH_MAX_PAGES", 200),
		FetchConcurrency:        envInt("FETCH_CONCURRENCY", 8),
		BuildParallelism:        envInt("BUILD_PARALLELISM", runtime.GOMAXPROCS(0)),
		Boards:                  envList("BOARDS"),
		RefreshInterval:         envDur("REFRESH_INTERVAL", 60*time.Second),
		RefreshTimeout:          envDur("REFRESH_TIMEOUT", 5*time.Minute),
		RetryInitial:            envDur("RETRY_INITIAL", time.Second),
		RetryMax:                envDur("RETRY_MAX", 60*time.Second),
	}
	if c.JiraURL == "" {
		errs = append(errs, "JIRA_URL is required")
	}
	if c.SearchPageSize <= 0 {
		errs = append(errs, "SEARCH_PAGE_SIZE must be greater than zero")
	}
	if c.SearchMaxPages <= 0 {
		errs = append(errs, "SEARCH_MAX_PAGES must be greater than zero")
	}
	if c.FetchConcurrency <= 0 {
		errs = append(errs, "FETCH_CONCURRENCY must be greater than zero")
	}
	if c.RefreshInterval <= 0 {
		errs = append(errs, "REFRESH_INTERVAL must be greater than zero")
	}
	if c.RefreshTimeout <= 0 {
		errs = append(errs, "REFRESH_TIMEOUT must be greater than zero")
	}
	if c.RetryMax < c.RetryInitial {
		errs = append(errs, "RETRY_MAX must not be below RETRY_INITIAL")
	}
	if len(errs) > 0 {
		return c, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return c, nil
}

// RedisOptions parses a redis URL or the "host:port,password=...,ssl=true"
// form used by Azure Cache for Redis.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, fmt.Errorf("empty redis connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	if opts.Addr == "" || strings.Contains(opts.Addr, "=") {
		return nil, fmt.Errorf("redis connection string has no address")
	}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envBool(key string, def bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return b
}

func envList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
