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
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Activation code bounds
const (
	MinCodeTTLSeconds       = 60
	MaxCodeTTLSeconds       = 3600
	MinSweepIntervalSeconds = 5
	MaxSweepIntervalSeconds = 60
	MaxGenerationAttempts   = 8
)

// Store retry policy for transient failures
const (
	StoreRetryAttempts  = 3
	StoreRetryBaseDelay = 100 * time.Millisecond
)

// Background jobs
const (
	SweepBatchSize      = 500
	OutboxBatchSize     = 200
	MaintenanceTimeout  = 30 * time.Second
	ArchiveJobInterval  = time.Hour
	NotifierMaxPollWait = 30 * time.Second
)

// A reconnecting notifier resumes this many seqs below the highest it saw,
// since events can commit out of seq order.
const NotifierResumeLookback = 100

// Per-IP lockout after repeated failed redemptions
const (
	RedeemLockoutFailures = 10
	RedeemLockoutWindow   = 15 * time.Minute
)

// SSE replay window for reconnecting subscribers
const EventReplayLimit = 500

// SSE keep-alive interval
const SSEHeartbeatInterval = 30 * time.Second

// QR image bounds in pixels
const (
	QRMinSize     = 64
	QRDefaultSize = 256
	QRMaxSize     = 1024
)
