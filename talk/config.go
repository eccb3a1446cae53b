package talk

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

// Config represents server configuration loaded from environment variables.
// A Config is treated as an immutable snapshot: reconfiguration builds a
// fresh Config and swaps the server's pointer wholesale, so the pipeline
// always observes a self-consistent set of values.
type Config struct {
	ServerName  string `env:"SERVER_NAME" envDefault:"talk.example.com"`
	ServerDesc  string `env:"SERVER_DESC" envDefault:"Talk Server"`
	NetworkName string `env:"NETWORK_NAME" envDefault:"TalkNet"`

	ConnectionPassword  string               `env:"CONNECTION_PASSWORD" envDefault:""`
	OperatorCredentials []OperatorCredential `env:"OPERATOR_CREDENTIALS" envSeparator:";"`

	// Bind addresses from CLI flags, not environment
	BindAddr      string
	AdminBindAddr string

	// Protocol limits
	MaxLineLength      int `env:"MAX_LINE_LENGTH" envDefault:"512"`
	MaxNicknameLength  int `env:"MAX_NICKNAME_LENGTH" envDefault:"30"`
	MaxHostnameLength  int `env:"MAX_HOSTNAME_LENGTH" envDefault:"63"`
	MaxChannelsPerUser int `env:"MAX_CHANNELS_PER_USER" envDefault:"10"`

	// Registry capacity ceilings
	MaxConnections    int `env:"MAX_CONNECTIONS" envDefault:"1024"`
	MaxUsers          int `env:"MAX_USERS" envDefault:"1024"`
	MaxChannels       int `env:"MAX_CHANNELS" envDefault:"512"`
	MaxServices       int `env:"MAX_SERVICES" envDefault:"16"`
	MaxServers        int `env:"MAX_SERVERS" envDefault:"16"`
	MaxChannelMembers int `env:"MAX_CHANNEL_MEMBERS" envDefault:"512"`
	MaxMaskEntries    int `env:"MAX_MASK_ENTRIES" envDefault:"64"`

	// Nickname history bounds
	NickHistoryPerNick int `env:"NICK_HISTORY_PER_NICK" envDefault:"8"`
	NickHistoryNicks   int `env:"NICK_HISTORY_NICKS" envDefault:"1024"`

	// Mailboxes
	OutboundMailboxSize int `env:"OUTBOUND_MAILBOX_SIZE" envDefault:"4096"`

	// TranscriptBuffer sizes the append-only queue of dispatched
	// command lines. 0 disables the transcript.
	TranscriptBuffer int `env:"TRANSCRIPT_BUFFER" envDefault:"0"`

	// Rate limiting. The channel message-rate policy is expressed as a
	// message budget per 10-second window; the throttle threshold is
	// derived as ChannelRateWindow (10s in milliseconds), which the
	// legacy servers carried as the bare constant 10000.
	RateMeterWindow          int           `env:"RATE_METER_WINDOW" envDefault:"16"`
	MinReadInterval          time.Duration `env:"MIN_READ_INTERVAL" envDefault:"250ms"`
	MaxChannelMessagesPer10s int           `env:"MAX_CHANNEL_MESSAGES_PER_10S" envDefault:"10"`

	// Pipeline timing
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"10ms"`
	HealthInterval    time.Duration `env:"HEALTH_INTERVAL" envDefault:"1s"`
	StageStartTimeout time.Duration `env:"STAGE_START_TIMEOUT" envDefault:"5s"`
	ReadDeadline      time.Duration `env:"READ_DEADLINE" envDefault:"1ms"`
	ResolveTimeout    time.Duration `env:"RESOLVE_TIMEOUT" envDefault:"2s"`

	// Talker health
	PingSilence time.Duration `env:"PING_SILENCE" envDefault:"90s"`
	PongTimeout time.Duration `env:"PONG_TIMEOUT" envDefault:"30s"`

	// Admission control: the overload flag is raised once the open
	// connection count crosses this percentage of MaxConnections.
	OverloadPercent int `env:"OVERLOAD_PERCENT" envDefault:"90"`

	// TextEncoding selects a legacy single-byte wire encoding for
	// accepted connections ("latin1", "koi8-r", "cp1251"). Empty means
	// UTF-8 passthrough.
	TextEncoding string `env:"TEXT_ENCODING" envDefault:""`

	Debug bool `env:"DEBUG" envDefault:"false"`
}

// OperatorCredential represents a server operator's credentials.
// The password component is a bcrypt hash, never plaintext.
type OperatorCredential struct {
	Username     string
	PasswordHash string
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
// Format: username:bcrypt-hash
func (o *OperatorCredential) UnmarshalText(text []byte) error {
	parts := strings.SplitN(string(text), ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid operator credential format, expected username:hash")
	}
	o.Username = parts[0]
	o.PasswordHash = parts[1]
	return nil
}

// LoadConfig parses a Config snapshot from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}
	return cfg, nil
}

// drainCopy returns a copy of the snapshot with all polling intervals
// degraded to near-zero, used for the final drain pass during shutdown.
func (c *Config) drainCopy() *Config {
	out := *c
	out.PollInterval = time.Millisecond
	out.HealthInterval = time.Millisecond
	out.MinReadInterval = 0
	return &out
}

// overloadThreshold returns the connection count at which the overload
// flag is raised.
func (c *Config) overloadThreshold() int {
	return c.MaxConnections * c.OverloadPercent / 100
}
