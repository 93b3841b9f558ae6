// Package config contains configurations and command line arguments for
// opening and running a Database.
package config

// DatabaseConfig contains configurations controlling how a Database opens
// its storage engine. The fields are go-arg-tagged so that a host binary
// (cmd/polodb-bench) can expose them as flags/env vars the same way the
// teacher's ServerConfig/ChoreConfig do for its HTTP server.
type DatabaseConfig struct {
	CacheSize int  `arg:"--cache-size,env:POLODB_CACHE_SIZE" placeholder:"ENTRIES" help:"catalog cache size setting (stored only; the catalog cache is not bounded by it)" default:"1024"`
	ReadOnly  bool `arg:"--read-only,env:POLODB_READ_ONLY" help:"open the database without permitting write transactions"`

	// SyncMode controls go.etcd.io/bbolt's Options.NoSync: SyncModeFull
	// fsyncs on every commit (bbolt's default, safest), SyncModeNone
	// disables it for throughput at the cost of durability across a crash.
	SyncMode SyncMode `arg:"--sync-mode,env:POLODB_SYNC_MODE" placeholder:"full|none" help:"fsync policy for the on-disk storage engine" default:"full"`
}

// SyncMode selects go.etcd.io/bbolt's fsync-on-commit behavior.
type SyncMode string

const (
	SyncModeFull SyncMode = "full"
	SyncModeNone SyncMode = "none"
)

// DefaultDatabaseConfig returns the configuration OpenPath/OpenMemory use
// when no DatabaseOption overrides a field.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		CacheSize: 1024,
		SyncMode:  SyncModeFull,
	}
}

// DatabaseOption mutates a DatabaseConfig before Database.OpenPath/OpenMemory
// opens the storage engine.
type DatabaseOption func(*DatabaseConfig)

// WithCacheSize sets DatabaseConfig.CacheSize. The catalog cache does not
// read this value; it holds every collection spec without a bound.
func WithCacheSize(n int) DatabaseOption {
	return func(c *DatabaseConfig) { c.CacheSize = n }
}

// WithReadOnly opens the database without permitting write transactions.
func WithReadOnly(ro bool) DatabaseOption {
	return func(c *DatabaseConfig) { c.ReadOnly = ro }
}

// WithSyncMode overrides the on-disk engine's fsync policy.
func WithSyncMode(m SyncMode) DatabaseOption {
	return func(c *DatabaseConfig) { c.SyncMode = m }
}
