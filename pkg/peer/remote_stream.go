package peer

import (
	"errors"
	"io"
	"sync"

	"github.com/matrix-org/meshcall/pkg/webrtc_ext"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
)

// PacketSink consumes the RTP packets of a remote track, e.g. a renderer.
// `*webrtc.TrackLocalStaticRTP` satisfies it.
type PacketSink interface {
	WriteRTP(*rtp.Packet) error
}

// RemoteStream holds the tracks received from one participant. It belongs to the
// link and dies with it; the UI only looks it up by participant ID.
type RemoteStream struct {
	participantID string
	logger        *logrus.Entry

	mutex  sync.RWMutex
	tracks map[string]webrtc_ext.TrackInfo
	sinks  map[webrtc.RTPCodecType][]PacketSink
	closed bool
}

func newRemoteStream(participantID string, logger *logrus.Entry) *RemoteStream {
	return &RemoteStream{
		participantID: participantID,
		logger:        logger,
		tracks:        make(map[string]webrtc_ext.TrackInfo),
		sinks:         make(map[webrtc.RTPCodecType][]PacketSink),
	}
}

func (s *RemoteStream) ParticipantID() string {
	return s.participantID
}

// Returns the tracks currently being received.
func (s *RemoteStream) Tracks() []webrtc_ext.TrackInfo {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return maps.Values(s.tracks)
}

func (s *RemoteStream) HasTracks() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.tracks) > 0
}

// Starts feeding packets of tracks of the given kind to `sink`.
func (s *RemoteStream) AddSink(kind webrtc.RTPCodecType, sink PacketSink) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.sinks[kind] = append(s.sinks[kind], sink)
}

func (s *RemoteStream) RemoveSink(kind webrtc.RTPCodecType, sink PacketSink) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	sinks := s.sinks[kind]
	for i := range sinks {
		if sinks[i] == sink {
			s.sinks[kind] = append(sinks[:i:i], sinks[i+1:]...)
			return
		}
	}
}

func (s *RemoteStream) addTrack(info webrtc_ext.TrackInfo) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.closed {
		return false
	}

	s.tracks[info.TrackID] = info
	return true
}

func (s *RemoteStream) removeTrack(trackID string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.tracks, trackID)
}

func (s *RemoteStream) forward(kind webrtc.RTPCodecType, packet *rtp.Packet) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	for _, sink := range s.sinks[kind] {
		if err := sink.WriteRTP(packet); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			s.logger.WithError(err).Debug("failed to forward packet")
		}
	}
}

func (s *RemoteStream) close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.closed = true
	s.tracks = make(map[string]webrtc_ext.TrackInfo)
	s.sinks = make(map[webrtc.RTPCodecType][]PacketSink)
}

// Reads the remote track until it ends, forwarding every packet.
func (s *RemoteStream) pump(track *webrtc.TrackRemote) error {
	for {
		packet, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		s.forward(track.Kind(), packet)
	}
}
