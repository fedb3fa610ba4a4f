package scheduler

import (
	"time"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval    time.Duration
	JobTimeout     time.Duration
	SettlementSpec string
	EnabledJobs    []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:    time.Minute,
		JobTimeout:     30 * time.Second,
		SettlementSpec: "0 2 * * *",
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.SettlementSpec == "" {
		c.SettlementSpec = defaults.SettlementSpec
	}
	return c
}
