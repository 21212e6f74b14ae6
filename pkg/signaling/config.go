package signaling

import (
	"time"

	"maunium.net/go/mautrix/id"
)

type TransportKind string

const (
	TransportWebSocket TransportKind = "websocket"
	TransportMatrix    TransportKind = "matrix"
)

// Signaling configuration.
type Config struct {
	// Which transport to use to reach the signaling server.
	Transport TransportKind   `yaml:"transport"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Matrix    MatrixConfig    `yaml:"matrix"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	// How many outgoing envelopes may wait for the writer before `Send` is refused.
	SendQueueSize int `yaml:"sendQueueSize"`
}

type WebSocketConfig struct {
	// The signaling server endpoint, e.g. `wss://signal.example.org/ws`.
	URL string `yaml:"url"`
	// Sent as a bearer token when connecting.
	Token        string        `yaml:"token"`
	PingInterval time.Duration `yaml:"pingInterval"`
	PongTimeout  time.Duration `yaml:"pongTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

type MatrixConfig struct {
	// The URL of the homeserver.
	HomeserverURL string `yaml:"homeserverUrl"`
	// The user ID of the local participant.
	UserID id.UserID `yaml:"userId"`
	// The access token of the local participant.
	AccessToken string `yaml:"accessToken"`
}

// Reconnection policy. Reconnection stops after `MaxElapsedTime` or `MaxRetries`,
// whichever comes first; zero means unlimited for either of them but not both.
type BackoffConfig struct {
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	MaxElapsedTime  time.Duration `yaml:"maxElapsedTime"`
	MaxRetries      uint64        `yaml:"maxRetries"`
}

const (
	defaultSendQueueSize = 256
	defaultPingInterval  = 20 * time.Second
	defaultPongTimeout   = 10 * time.Second
	defaultWriteTimeout  = 5 * time.Second
)

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.InitialInterval <= 0 {
		c.InitialInterval = 500 * time.Millisecond
	}

	if c.MaxInterval <= 0 {
		c.MaxInterval = 30 * time.Second
	}

	if c.MaxElapsedTime <= 0 && c.MaxRetries == 0 {
		c.MaxElapsedTime = 5 * time.Minute
	}

	return c
}

func (c WebSocketConfig) withDefaults() WebSocketConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}

	if c.PongTimeout <= 0 {
		c.PongTimeout = defaultPongTimeout
	}

	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}

	return c
}
