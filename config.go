package tcoord

import (
	"os"
	"strconv"
)

// StoreMode selects the session-store backend (spec.md §6 "store.mode").
type StoreMode string

const (
	// StoreModeKV selects the Redis-backed key-value session store (spec.md §4.2).
	StoreModeKV StoreMode = "kv"
	// StoreModeReplicated selects the in-memory store replicated via the consensus
	// bridge (spec.md §4.3). This is "the replicated mode's canonical name" spec.md §6
	// refers to.
	StoreModeReplicated StoreMode = "replicated"
)

// Config carries the flat configuration keys of spec.md §6, loaded from environment
// variables rather than a file (see SPEC_FULL.md §1.3 / DESIGN.md). No package-level
// mutable config singleton: build one Config at startup and pass it explicitly.
type Config struct {
	StoreMode StoreMode

	// RedisQueryLimit is store.redis.queryLimit, the branch-list page size.
	RedisQueryLimit int
	RedisAddress    string
	RedisPassword   string
	RedisDB         int

	SnapshotDir      string
	SnapshotS3Bucket string

	EventKafkaBrokers []string
	EventKafkaTopic   string
}

// DefaultConfig returns the documented defaults of spec.md §6.
func DefaultConfig() Config {
	return Config{
		StoreMode:       StoreModeKV,
		RedisQueryLimit: 100,
		RedisAddress:    "localhost:6379",
		SnapshotDir:     "./tc-snapshots",
	}
}

// ConfigFromEnv builds a Config from the TC_* environment variables documented in
// SPEC_FULL.md §1.3, falling back to DefaultConfig for anything unset.
func ConfigFromEnv() Config {
	c := DefaultConfig()
	if v := os.Getenv("TC_STORE_MODE"); v == string(StoreModeReplicated) {
		c.StoreMode = StoreModeReplicated
	}
	if v := os.Getenv("TC_STORE_REDIS_QUERY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RedisQueryLimit = n
		}
	}
	if v := os.Getenv("TC_REDIS_ADDRESS"); v != "" {
		c.RedisAddress = v
	}
	if v := os.Getenv("TC_REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("TC_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RedisDB = n
		}
	}
	if v := os.Getenv("TC_SNAPSHOT_DIR"); v != "" {
		c.SnapshotDir = v
	}
	if v := os.Getenv("TC_SNAPSHOT_S3_BUCKET"); v != "" {
		c.SnapshotS3Bucket = v
	}
	if v := os.Getenv("TC_EVENT_KAFKA_BROKERS"); v != "" {
		c.EventKafkaBrokers = splitComma(v)
	}
	if v := os.Getenv("TC_EVENT_KAFKA_TOPIC"); v != "" {
		c.EventKafkaTopic = v
	}
	return c
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
