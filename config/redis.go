package config

import (
	"crypto/tls"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisOptions parses REDIS_CONNECTION_STRING. Both redis:// URLs and the
// Azure Cache form "host:port,password=...,ssl=True" are accepted. It returns
// nil when Redis is not configured.
func (c Config) RedisOptions() (*redis.Options, error) {
	conn := strings.TrimSpace(c.RedisConnectionString)
	if conn == "" {
		return nil, nil
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	if parts[0] == "" || strings.Contains(parts[0], "=") {
		return nil, errors.New("invalid REDIS_CONNECTION_STRING: missing host")
	}
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}
