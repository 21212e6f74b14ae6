package call

import (
	"time"

	"github.com/matrix-org/meshcall/pkg/media"
)

// Configuration of the calls placed and answered by the orchestrator.
type Config struct {
	// How long an invitee may take to answer before we give up on them.
	RingingTimeout time.Duration `yaml:"ringingTimeout"`
	// Number of recently seen envelope ids remembered to drop redeliveries.
	DedupWindow int `yaml:"dedupWindow"`
	// Number of ended call ids remembered to drop late envelopes.
	EndedCallsWindow int `yaml:"endedCallsWindow"`
	// Devices captured when a call starts or is answered.
	Media media.Constraints `yaml:"media"`
	// Buffer of each subscriber. Notifications to a full subscriber are dropped.
	NotificationBuffer int `yaml:"notificationBuffer"`
}

func (c Config) withDefaults() Config {
	if c.RingingTimeout <= 0 {
		c.RingingTimeout = 45 * time.Second
	}

	if c.DedupWindow <= 0 {
		c.DedupWindow = 1024
	}

	if c.EndedCallsWindow <= 0 {
		c.EndedCallsWindow = 64
	}

	if !c.Media.Audio && !c.Media.Video {
		c.Media = media.Constraints{Audio: true, Video: true}
	}

	if c.NotificationBuffer <= 0 {
		c.NotificationBuffer = 64
	}

	return c
}
