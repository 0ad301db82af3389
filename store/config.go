package store

import "time"

// Config holds configuration for the Store.
type Config struct {
	// CounterTable is the name of the id counter table.
	// Default: "counters"
	CounterTable string

	// RecencyShards is the number of write shards for the posts recency
	// index. A single constant partition key would hot-spot under write
	// load; sharding spreads writes and fans reads out across shards.
	// Default: 1 (no sharding, single query)
	// Max: 256
	RecencyShards int

	// CallTimeout is applied to every store call whose inbound context
	// carries no deadline. Timeouts surface as ErrStorage.
	// Default: 5s
	CallTimeout time.Duration
}

// DefaultConfig returns sensible defaults for small forums.
func DefaultConfig() Config {
	return Config{
		CounterTable:  "counters",
		RecencyShards: 1,
		CallTimeout:   5 * time.Second,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.CounterTable == "" {
		c.CounterTable = "counters"
	}
	if c.RecencyShards < 1 {
		c.RecencyShards = 1
	}
	if c.RecencyShards > 256 {
		c.RecencyShards = 256
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
}
