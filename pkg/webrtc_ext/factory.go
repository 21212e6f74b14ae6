package webrtc_ext

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// Peer connection factory is used to construct new (pre-configured) peer connections.
type PeerConnectionFactory struct {
	api           *webrtc.API
	configuration webrtc.Configuration
}

func NewPeerConnectionFactory(config Config) (*PeerConnectionFactory, error) {
	config = config.withDefaults()

	api, err := createWebRTCAPI(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create WebRTC API: %w", err)
	}

	configuration := webrtc.Configuration{}
	for _, server := range config.ICEServers {
		iceServer := webrtc.ICEServer{URLs: server.URLs}
		if server.Username != "" {
			iceServer.Username = server.Username
			iceServer.Credential = server.Credential
			iceServer.CredentialType = webrtc.ICECredentialTypePassword
		}
		configuration.ICEServers = append(configuration.ICEServers, iceServer)
	}

	return &PeerConnectionFactory{api, configuration}, nil
}

// Creates a peer connection using the shared API and the configured ICE servers.
func (f *PeerConnectionFactory) CreatePeerConnection() (*webrtc.PeerConnection, error) {
	return f.api.NewPeerConnection(f.configuration)
}

// Creates Pion's WebRTC API with the default codecs, the default RTP/RTCP
// interceptors and our ICE timeouts.
func createWebRTCAPI(config Config) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}

	// The interceptor registry is the RTP/RTCP pipeline providing NACKs, RTCP
	// reports and the like. It has to be set up by hand since we create the API
	// ourselves.
	interceptors := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptors); err != nil {
		return nil, fmt.Errorf("failed to set default interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(
		config.ICEDisconnectedTimeout,
		config.ICEFailedTimeout,
		config.ICEKeepaliveInterval,
	)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptors),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}
