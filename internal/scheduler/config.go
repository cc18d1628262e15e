// Package scheduler provides bounded admission of function runs onto a
// worker pool.
package scheduler

// Config defines the scheduler configuration.
type Config struct {
	// Workers is the maximum number of concurrently running invocations.
	Workers int `yaml:"workers" toml:"workers"`
	// QueueSize is how many invocations may wait for a worker before new
	// ones are rejected with ErrQueueFull.
	QueueSize int `yaml:"queue_size" toml:"queue_size"`
	// ByFunction defines per-function concurrency limits.
	ByFunction map[string]int `yaml:"by_function" toml:"by_function"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers:    4,
		QueueSize:  16,
		ByFunction: map[string]int{},
	}
}

// GetFunctionLimit returns the concurrency limit for a function.
func (c *Config) GetFunctionLimit(functionID string) int {
	if limit, ok := c.ByFunction[functionID]; ok && limit > 0 {
		return limit
	}
	// Unlisted functions may use every worker.
	return c.Workers
}
