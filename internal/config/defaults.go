package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultAPITimeout           = 30 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultHeartbeatInterval    = 15 * time.Second
	DefaultMissedHeartbeatLimit = 2
	DefaultBackoffBase          = 1 * time.Second
	DefaultBackoffMax           = 30 * time.Second
	DefaultWriteTimeout         = 5 * time.Second
	DefaultChannelBufferSize    = 1000
	DefaultMaxRetries           = 3
	DefaultRetryStep            = 1 * time.Second
	DefaultPollInterval         = 5 * time.Second
	DefaultPollLimit            = 200
	DefaultInitialLimit         = 500
	DefaultRetentionCap         = 500
	DefaultDegradedAfter        = 5
	DefaultArchiveBatchSize     = 500
	DefaultArchiveFlushInterval = 1 * time.Second
	DefaultArchiveBufferSize    = 5000
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultDBMaxConns           = 10
	DefaultDBMinConns           = 2
)

func (c *Config) applyDefaults() {
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}

	if c.Connection.HandshakeTimeout == 0 {
		c.Connection.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Connection.HeartbeatInterval == 0 {
		c.Connection.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Connection.MissedHeartbeatLimit == 0 {
		c.Connection.MissedHeartbeatLimit = DefaultMissedHeartbeatLimit
	}
	if c.Connection.BackoffBase == 0 {
		c.Connection.BackoffBase = DefaultBackoffBase
	}
	if c.Connection.BackoffMax == 0 {
		c.Connection.BackoffMax = DefaultBackoffMax
	}
	if c.Connection.WriteTimeout == 0 {
		c.Connection.WriteTimeout = DefaultWriteTimeout
	}
	if c.Connection.BufferSize == 0 {
		c.Connection.BufferSize = DefaultChannelBufferSize
	}

	if c.History.MaxRetries == 0 {
		c.History.MaxRetries = DefaultMaxRetries
	}
	if c.History.RetryStep == 0 {
		c.History.RetryStep = DefaultRetryStep
	}

	if c.Feeds.PollInterval == 0 {
		c.Feeds.PollInterval = DefaultPollInterval
	}
	if c.Feeds.PollLimit == 0 {
		c.Feeds.PollLimit = DefaultPollLimit
	}
	if c.Feeds.InitialLimit == 0 {
		c.Feeds.InitialLimit = DefaultInitialLimit
	}
	if c.Feeds.RetentionCap == 0 {
		c.Feeds.RetentionCap = DefaultRetentionCap
	}
	if c.Feeds.DegradedAfter == 0 {
		c.Feeds.DegradedAfter = DefaultDegradedAfter
	}

	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = DefaultArchiveBatchSize
	}
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultArchiveFlushInterval
	}
	if c.Archive.BufferSize == 0 {
		c.Archive.BufferSize = DefaultArchiveBufferSize
	}
	applyDBDefaults(&c.Archive.Database)
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultDBMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultDBMinConns
	}
}
