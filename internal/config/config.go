// Package config loads the server process's configuration from the
// environment, following spec.md §6's named variables. Node/agent and
// operator CLI processes instead take cobra flags directly (see
// cmd/devicefleet-agent and cmd/devicefleetctl) since they are
// invoked interactively rather than run unattended in a container.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the devicefleetd server's runtime configuration.
type Config struct {
	RedisURL string

	DurableStoreURL string
	ServiceKey      string

	RemoteTaskURL string

	Env  string
	Host string
	Port int

	CORSOrigins []string

	JobTimeout            time.Duration
	AgentResponseTimeout  time.Duration
	HeartbeatStaleAfter   time.Duration
	LivenessSweepInterval time.Duration
	NodeJobConcurrency    int

	LogLevel  string
	LogJSON   bool
}

// Load reads Config from the environment, applying the defaults named
// throughout spec.md (job timeout 300s, agent ack timeout 30s,
// heartbeat staleness 60s, liveness sweep 30s, per-node concurrency 5).
func Load() (*Config, error) {
	cfg := &Config{
		RedisURL:              os.Getenv("REDIS_URL"),
		DurableStoreURL:       os.Getenv("DURABLE_STORE_URL"),
		ServiceKey:            os.Getenv("DURABLE_STORE_SERVICE_KEY"),
		RemoteTaskURL:         os.Getenv("CELERY_API_URL"),
		Env:                   getenv("NODE_ENV", "development"),
		Host:                  getenv("HOST", "0.0.0.0"),
		Port:                  getenvInt("WORKFLOW_PORT", 8080),
		CORSOrigins:           getenvList("CORS_ORIGINS", []string{"*"}),
		JobTimeout:            getenvDuration("JOB_TIMEOUT", 300*time.Second),
		AgentResponseTimeout:  getenvDuration("AGENT_RESPONSE_TIMEOUT", 30*time.Second),
		HeartbeatStaleAfter:   getenvDuration("HEARTBEAT_STALE_AFTER", 60*time.Second),
		LivenessSweepInterval: getenvDuration("LIVENESS_SWEEP_INTERVAL", 30*time.Second),
		NodeJobConcurrency:    getenvInt("NODE_JOB_CONCURRENCY", 5),
		LogLevel:              getenv("LOG_LEVEL", "info"),
		LogJSON:               getenvBool("LOG_JSON", false),
	}

	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.DurableStoreURL == "" {
		return nil, fmt.Errorf("DURABLE_STORE_URL is required")
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
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

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDuration(key string, def time.Duration) time.Duration {
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

func getenvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
