package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/matrix-org/meshcall/pkg/call"
	"github.com/matrix-org/meshcall/pkg/identity"
	"github.com/matrix-org/meshcall/pkg/signaling"
	"github.com/matrix-org/meshcall/pkg/telemetry"
	"github.com/matrix-org/meshcall/pkg/webrtc_ext"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Client configuration.
type Config struct {
	// Who we are in calls.
	Identity identity.Config `yaml:"identity"`
	// How to reach the other participants.
	Signaling signaling.Config `yaml:"signaling"`
	// Call behavior: timeouts, media constraints.
	Call call.Config `yaml:"call"`
	// ICE servers and timeouts.
	WebRTC webrtc_ext.Config `yaml:"webrtc"`
	// Tracing exporter, optional.
	Telemetry telemetry.Config `yaml:"telemetry"`
	// Address to serve Prometheus metrics on, e.g. `:9090`. Disabled when empty.
	MetricsAddress string `yaml:"metricsAddress"`
	// Starting from which level to log stuff.
	LogLevel string `yaml:"log"`
}

var (
	// ErrNoConfigEnvVar is returned when the CONFIG environment variable is not set.
	ErrNoConfigEnvVar = errors.New("environment variable not set or invalid")
	ErrInvalidConfig  = errors.New("invalid config values")
)

// Tries to load a config from the `CONFIG` environment variable.
// If the environment variable is not set, tries to load a config from the
// provided path to the config file (YAML). Returns an error if the config could
// not be loaded.
func LoadConfig(path string) (*Config, error) {
	config, err := LoadConfigFromEnv()
	if err != nil {
		if !errors.Is(err, ErrNoConfigEnvVar) {
			return nil, err
		}

		return LoadConfigFromPath(path)
	}

	return config, nil
}

// Tries to load the config from environment variable (`CONFIG`).
func LoadConfigFromEnv() (*Config, error) {
	configEnv := os.Getenv("CONFIG")
	if configEnv == "" {
		return nil, ErrNoConfigEnvVar
	}

	return LoadConfigFromString(configEnv)
}

// Tries to load a config from the provided path.
func LoadConfigFromPath(path string) (*Config, error) {
	logrus.WithField("path", path).Info("loading config")

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return LoadConfigFromString(string(file))
}

// Load config from the provided string.
// Returns an error if the string is not a valid YAML or values are missing.
func LoadConfigFromString(configString string) (*Config, error) {
	logrus.Info("loading config from string")

	var config Config
	if err := yaml.Unmarshal([]byte(configString), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Checks the values that have no sensible default.
func (c *Config) Validate() error {
	if c.Identity.UserID == "" && c.Identity.Token == "" {
		return fmt.Errorf("%w: identity needs a user ID or a token", ErrInvalidConfig)
	}

	switch c.Signaling.Transport {
	case signaling.TransportWebSocket, "":
		if c.Signaling.WebSocket.URL == "" {
			return fmt.Errorf("%w: websocket URL is missing", ErrInvalidConfig)
		}
	case signaling.TransportMatrix:
		matrix := c.Signaling.Matrix
		if matrix.HomeserverURL == "" || matrix.UserID == "" || matrix.AccessToken == "" {
			return fmt.Errorf("%w: matrix homeserver, user ID and access token are required", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Signaling.Transport)
	}

	if c.Call.RingingTimeout < 0 || c.Call.DedupWindow < 0 || c.Call.EndedCallsWindow < 0 {
		return fmt.Errorf("%w: negative call settings", ErrInvalidConfig)
	}

	return nil
}
