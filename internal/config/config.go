package config

import "time"

// Config is the root configuration for a feedsync client instance.
type Config struct {
	API        APIConfig        `yaml:"api"`
	Connection ConnectionConfig `yaml:"connection"`
	History    HistoryConfig    `yaml:"history"`
	Feeds      FeedsConfig      `yaml:"feeds"`
	Archive    ArchiveConfig    `yaml:"archive"`
}

// APIConfig holds endpoint and credential settings. The auth token is
// supplied by the surrounding application's authentication context and
// attached to both the channel handshake and REST calls.
type APIConfig struct {
	RestURL    string        `yaml:"rest_url"`
	ChannelURL string        `yaml:"channel_url"` // Push-channel endpoint prefix; feed id is appended
	AuthToken  string        `yaml:"auth_token"`
	Timeout    time.Duration `yaml:"timeout"`
}

// ConnectionConfig holds push-channel manager settings.
type ConnectionConfig struct {
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	MissedHeartbeatLimit int           `yaml:"missed_heartbeat_limit"`
	BackoffBase          time.Duration `yaml:"backoff_base"`
	BackoffMax           time.Duration `yaml:"backoff_max"`
	MaxAttempts          int           `yaml:"max_attempts"` // 0 = retry forever
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	BufferSize           int           `yaml:"buffer_size"`
}

// HistoryConfig holds history loader settings.
type HistoryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	RetryStep  time.Duration `yaml:"retry_step"`
}

// FeedsConfig holds feed controller settings.
type FeedsConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	PollLimit     int           `yaml:"poll_limit"`
	InitialLimit  int           `yaml:"initial_limit"`
	RetentionCap  int           `yaml:"retention_cap"`
	DegradedAfter int           `yaml:"degraded_after"`
}

// ArchiveConfig holds the optional record archiver settings. Disabled unless
// a database host is configured.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
	Database      DBConfig      `yaml:"database"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}
