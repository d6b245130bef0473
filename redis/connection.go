// Package redis adapts the Redis-backed session store, lock provider and restart
// detector (spec.md §4.2, §4.4) on top of github.com/redis/go-redis/v9.
package redis

import (
	"crypto/tls"

	"github.com/redis/go-redis/v9"
)

// Options holds configuration for connecting to a Redis server or cluster.
type Options struct {
	// Address is the host:port of the Redis server/cluster.
	Address string
	// Password is the password used to authenticate.
	Password string
	// DB is the database index to select.
	DB int
	// TLSConfig contains TLS configuration for secure connections.
	TLSConfig *tls.Config
}

// DefaultOptions returns an Options with localhost defaults (no password, DB 0).
func DefaultOptions() Options {
	return Options{
		Address: "localhost:6379",
		DB:      0,
	}
}

// Connection wraps a redis.Client and the Options used to create it. Callers own
// the Connection they open; there is no package-level shared instance, so multiple
// coordinators in the same process can each hold an independent Redis connection.
type Connection struct {
	Client  *redis.Client
	Options Options
}

// Open creates a new Redis connection from options. Call Close when done with it.
func Open(options Options) *Connection {
	client := redis.NewClient(&redis.Options{
		TLSConfig: options.TLSConfig,
		Addr:      options.Address,
		Password:  options.Password,
		DB:        options.DB,
	})
	return &Connection{
		Client:  client,
		Options: options,
	}
}

// Close closes the connection's underlying client, if not already closed.
func (c *Connection) Close() error {
	if c == nil || c.Client == nil {
		return nil
	}
	err := c.Client.Close()
	c.Client = nil
	return err
}
