package config

import (
	"time"

	"github.com/taskgrid/taskgrid/internal/retry"
)

// WorkerConfig holds configuration for a worker pool
type WorkerConfig struct {
	// Queues is the ordered list of queues the pool pulls from
	Queues []string
	// Concurrency is the number of worker slots (goroutines)
	Concurrency int
	// BlockTimeout is the maximum time a slot blocks on an empty queue
	BlockTimeout time.Duration
}

// DefaultWorkerConfig returns default configuration for a worker pool
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Queues:       []string{"default"},
		Concurrency:  4,
		BlockTimeout: DefaultBlockTimeout,
	}
}

// BrokerConfig holds configuration for the in-memory broker
type BrokerConfig struct {
	// QueueCapacity is the maximum messages held per queue
	QueueCapacity int
	// Redelivery paces how quickly nacked messages are offered again
	Redelivery retry.Policy
}

// DefaultBrokerConfig returns default configuration for the in-memory broker
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		QueueCapacity: DefaultQueueCapacity,
		Redelivery: retry.Policy{
			InitialDelay:      DefaultRedeliveryDelay,
			MaxDelay:          DefaultMaxRedeliveryDelay,
			BackoffMultiplier: 2.0,
		},
	}
}

// StoreConfig holds configuration for the in-memory result store
type StoreConfig struct {
	// TTL is the time-to-live for stored results
	TTL time.Duration
	// CleanupInterval is how often expired results are purged
	CleanupInterval time.Duration
}

// DefaultStoreConfig returns default configuration for the result store
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		TTL:             DefaultResultTTL,
		CleanupInterval: DefaultStoreCleanupInterval,
	}
}
