package webrtc_ext

import "time"

// Configuration of the WebRTC stack used for peer links.
type Config struct {
	// STUN/TURN servers offered to ICE.
	ICEServers []ICEServer `yaml:"iceServers"`
	// How long ICE may go without traffic before the link counts as disconnected.
	ICEDisconnectedTimeout time.Duration `yaml:"iceDisconnectedTimeout"`
	// How long a disconnected link may stay disconnected before it counts as failed.
	ICEFailedTimeout time.Duration `yaml:"iceFailedTimeout"`
	// How often ICE keep-alives are sent.
	ICEKeepaliveInterval time.Duration `yaml:"iceKeepaliveInterval"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

func (c Config) withDefaults() Config {
	if c.ICEDisconnectedTimeout <= 0 {
		c.ICEDisconnectedTimeout = 5 * time.Second
	}

	if c.ICEFailedTimeout <= 0 {
		c.ICEFailedTimeout = 25 * time.Second
	}

	if c.ICEKeepaliveInterval <= 0 {
		c.ICEKeepaliveInterval = 2 * time.Second
	}

	return c
}
