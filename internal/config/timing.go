package config

import "time"

// Default timing configurations used throughout the orchestration core
const (
	// DefaultResultTTL is the default time-to-live for stored task results
	DefaultResultTTL = 5 * time.Minute

	// DefaultStoreCleanupInterval is how often expired results are purged
	DefaultStoreCleanupInterval = 30 * time.Second

	// DefaultBlockTimeout is how long a worker blocks on an empty queue
	// before checking for shutdown
	DefaultBlockTimeout = 1 * time.Second

	// DefaultQueueCapacity is the per-queue message capacity of the
	// in-memory broker
	DefaultQueueCapacity = 1000

	// DefaultRedeliveryDelay is the initial delay before a nacked message
	// becomes eligible for redelivery
	DefaultRedeliveryDelay = 100 * time.Millisecond

	// DefaultMaxRedeliveryDelay caps the redelivery backoff
	DefaultMaxRedeliveryDelay = 10 * time.Second
)
