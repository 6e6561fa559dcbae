// Package zkconfig loads and validates the zoolink daemon's runtime
// configuration from environment variables. All settings have sensible
// defaults so a binary embedding Frame works out of the box against a
// single-node ZooKeeper running on localhost, without any .env file.
//
// In a compose-style deployment, set the ZOOLINK_* variables read by Load
// in the service's environment (for example through an .env file that
// docker-compose picks up).
package zkconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration a zoolink process needs to dial
// its coordination store and identify itself within it. Values are loaded
// once at startup via Load() and then treated as immutable.
type Config struct {
	// ZKAddrs is the list of "host:port" ensemble members the StoreClient
	// dials. Matches go-zookeeper/zk.Connect's addrs argument.
	ZKAddrs []string

	// SessionTimeout bounds how long the ensemble waits before declaring
	// this client's session expired after a network partition.
	SessionTimeout time.Duration

	// LocalIDC is this process's isolation-domain label, fed into
	// Selector's Idc preference filter. Empty disables the preference.
	LocalIDC string

	// Department is loaded from ZOOLINK_DEPARTMENT. No component reads it:
	// instances always register under the department the caller gives.
	Department string

	// XDSAddr is the gRPC listen address for the xDS export server that
	// mirrors subscribed services as Envoy CDS/EDS resources.
	XDSAddr string

	// APIAddr is the HTTP listen address for the introspection API.
	APIAddr string
}

// HomeAddr returns the first configured ZooKeeper ensemble member, or ""
// when none is configured.
func (c *Config) HomeAddr() string {
	if len(c.ZKAddrs) == 0 {
		return ""
	}
	return c.ZKAddrs[0]
}

// Load reads configuration from environment variables. Missing variables
// fall back to defaults suitable for local development against a
// single-node ensemble. An error is returned only if ZOOLINK_SESSION_TIMEOUT
// is set but is neither a Go duration nor a whole number of seconds.
func Load() (*Config, error) {
	timeout, err := parseDuration(getEnv("ZOOLINK_SESSION_TIMEOUT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("parsing ZOOLINK_SESSION_TIMEOUT: %w", err)
	}

	cfg := &Config{
		ZKAddrs:        splitAddrs(getEnv("ZOOLINK_ZK_ADDRS", "127.0.0.1:2181")),
		SessionTimeout: timeout,
		LocalIDC:       getEnv("ZOOLINK_LOCAL_IDC", ""),
		Department:     getEnv("ZOOLINK_DEPARTMENT", "default"),
		XDSAddr:        getEnv("ZOOLINK_XDS_ADDR", ":9090"),
		APIAddr:        getEnv("ZOOLINK_API_ADDR", ":8080"),
	}
	return cfg, nil
}

func splitAddrs(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseDuration(raw string) (time.Duration, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	// Fall back to bare seconds for operators used to the original C++
	// tool's integer-seconds session timeout flag.
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, fmt.Errorf("invalid duration %q", raw)
}

// getEnv returns the value of the environment variable named by key, or
// fallback if the variable is unset or empty.
func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
