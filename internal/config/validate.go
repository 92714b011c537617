package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.API.RestURL == "" {
		return errors.New("api.rest_url is required")
	}
	if c.API.ChannelURL == "" {
		return errors.New("api.channel_url is required")
	}

	if c.Connection.MissedHeartbeatLimit < 1 {
		return errors.New("connection.missed_heartbeat_limit must be >= 1")
	}
	if c.Connection.BackoffMax < c.Connection.BackoffBase {
		return errors.New("connection.backoff_max must be >= connection.backoff_base")
	}
	if c.Connection.MaxAttempts < 0 {
		return errors.New("connection.max_attempts must be >= 0")
	}

	if c.History.MaxRetries < 0 {
		return errors.New("history.max_retries must be >= 0")
	}

	if c.Feeds.PollLimit < 1 {
		return errors.New("feeds.poll_limit must be >= 1")
	}
	if c.Feeds.RetentionCap < 1 {
		return errors.New("feeds.retention_cap must be >= 1")
	}

	if c.Archive.Enabled {
		if c.Archive.BatchSize < 1 {
			return errors.New("archive.batch_size must be >= 1")
		}
		if err := c.Archive.Database.validate("archive.database"); err != nil {
			return err
		}
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns must be <= max_conns", prefix)
	}
	return nil
}
