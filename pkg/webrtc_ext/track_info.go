package webrtc_ext

import (
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// Describes a remote track independently of the pion object that carries it.
type TrackInfo struct {
	TrackID  string
	StreamID string
	Kind     webrtc.RTPCodecType
	Codec    webrtc.RTPCodecCapability
}

func TrackInfoFromRemote(track *webrtc.TrackRemote) TrackInfo {
	return TrackInfo{
		TrackID:  track.ID(),
		StreamID: track.StreamID(),
		Kind:     track.Kind(),
		Codec:    track.Codec().RTPCodecCapability,
	}
}

// Builds a request for a fresh key frame on the given remote video stream.
func KeyframeRequest(ssrc webrtc.SSRC) []rtcp.Packet {
	return []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}}
}
