package config

import (
	"encoding/base64"
	"fmt"
	"time"
)

const (
	DefaultHeartbeatTimeout  = 60 * time.Second
	DefaultCredentialTTL     = 3600 * time.Second
	DefaultCoalescingWindow  = 10 * time.Minute
	DefaultSendQueueSize     = 256
	DefaultDrainTimeout      = 30 * time.Second
	DefaultPushRetryAttempts = 5
	DefaultPushRetryBase     = time.Second
)

type Config struct {
	ServerAddr     string
	DatabaseDSN    string
	SigningKey     []byte
	AllowedOrigins []string
	// RedisAddr enables the cross-node broadcast bridge when set.
	RedisAddr string

	HeartbeatTimeout  time.Duration
	CredentialTTL     time.Duration
	CoalescingWindow  time.Duration
	SendQueueSize     int
	DrainTimeout      time.Duration
	PushRetryAttempts int
	PushRetryBase     time.Duration

	// AppendOnlyKinds lists counter kinds that increment unconditionally
	// without per-voter idempotency (views, plays).
	AppendOnlyKinds []string
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:        serverAddr,
		DatabaseDSN:       databaseDSN,
		SigningKey:        signingKey,
		AllowedOrigins:    allowedOrigins,
		HeartbeatTimeout:  DefaultHeartbeatTimeout,
		CredentialTTL:     DefaultCredentialTTL,
		CoalescingWindow:  DefaultCoalescingWindow,
		SendQueueSize:     DefaultSendQueueSize,
		DrainTimeout:      DefaultDrainTimeout,
		PushRetryAttempts: DefaultPushRetryAttempts,
		PushRetryBase:     DefaultPushRetryBase,
		AppendOnlyKinds:   []string{"view", "play"},
	}, nil
}
