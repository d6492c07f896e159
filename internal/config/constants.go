package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 120 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background job intervals
const CleanupJobInterval = 5 * time.Minute

// Relay and chain calls
const (
	RelayCallTimeout   = 15 * time.Second
	SubmitRetryInitial = 500 * time.Millisecond
	SubmitRetryMax     = 5 * time.Second
	BackoffMultiplier  = 2.0
)

// Per-account submission lock. The TTL bounds how long a crashed holder can block an account.
const (
	AccountLockTTL        = 3 * time.Minute
	AccountLockRetryDelay = 100 * time.Millisecond
)

// Pending bundles recovered per cleanup pass, and the time budget for each cleanup task.
const (
	RecoverBatchSize   = 50
	CleanupTaskTimeout = 2 * time.Minute
)
