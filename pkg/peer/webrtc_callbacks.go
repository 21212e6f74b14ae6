package peer

import (
	"github.com/matrix-org/meshcall/pkg/webrtc_ext"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// A callback that is called once we receive the first RTP packets of a remote track.
func (l *Link) onRtpTrackReceived(remoteTrack *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	info := webrtc_ext.TrackInfoFromRemote(remoteTrack)
	logger := l.logger.WithFields(logrus.Fields{"track_id": info.TrackID, "kind": info.Kind})

	if !l.remote.addTrack(info) {
		return
	}

	// Ask for a key frame right away so that the video does not stay blank until
	// the sender decides to produce one.
	if info.Kind == webrtc.RTPCodecTypeVideo {
		if err := l.peerConnection.WriteRTCP(webrtc_ext.KeyframeRequest(remoteTrack.SSRC())); err != nil {
			logger.WithError(err).Debug("failed to request key frame")
		}
	}

	logger.Info("remote track received")
	_ = l.sink.Send(RemoteStreamAvailable{Stream: l.remote, Track: info})

	go func() {
		if err := l.remote.pump(remoteTrack); err != nil {
			logger.WithError(err).Warn("failed to read from remote track")
		} else {
			logger.Info("remote track ended")
		}

		l.remote.removeTrack(info.TrackID)
		_ = l.sink.Send(RemoteTrackEnded{Track: info})
	}()
}

// A callback that is called once we gather an ICE candidate for this peer connection.
func (l *Link) onICECandidateGathered(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		l.logger.Debug("ICE candidate gathering finished")
		_ = l.sink.Send(ICEGatheringComplete{})
		return
	}

	l.logger.WithField("candidate", candidate).Debug("ICE candidate gathered")
	_ = l.sink.Send(ICECandidateGathered{Candidate: candidate.ToJSON()})
}

func (l *Link) onICEConnectionStateChanged(state webrtc.ICEConnectionState) {
	l.logger.Debugf("ICE connection state changed: %v", state)
}

func (l *Link) onSignalingStateChanged(state webrtc.SignalingState) {
	l.logger.Debugf("signaling state changed: %v", state)
}

func (l *Link) onConnectionStateChanged(state webrtc.PeerConnectionState) {
	l.logger.Infof("connection state changed: %v", state)

	switch state {
	case webrtc.PeerConnectionStateConnected:
		_ = l.sink.Send(LinkConnected{})
	case webrtc.PeerConnectionStateFailed:
		_ = l.sink.Send(LinkFailed{Err: ErrICEFailed})
	}
}
