package peer

import (
	"github.com/adityaadpandey/peermeet/internals/negotiation"
	"github.com/adityaadpandey/peermeet/internals/tracks"
	"github.com/pion/webrtc/v3"
)

// Transport is the media connection behind a link.
type Transport interface {
	negotiation.Transport
	tracks.MediaTransport
	Close() error
}

// Observer receives transport callbacks. Implementations must not block.
type Observer interface {
	LocalCandidate(c webrtc.ICECandidateInit)
	ConnectionStateChanged(s webrtc.PeerConnectionState)
	RemoteTrack(t RemoteTrack)
	RemoteTrackEnded(t RemoteTrack)
}

// Factory opens a transport for the link to peerID.
type Factory func(peerID string, obs Observer) (Transport, error)

// RemoteTrack identifies one inbound track.
type RemoteTrack struct {
	ID       string              `json:"id"`
	StreamID string              `json:"streamId"`
	Kind     webrtc.RTPCodecType `json:"kind"`
}

// RemoteStream is what a remote peer currently sends, at most one track per
// kind.
type RemoteStream struct {
	ID     string                              `json:"id"`
	Tracks map[webrtc.RTPCodecType]RemoteTrack `json:"tracks"`
}

func (s *RemoteStream) clone() *RemoteStream {
	if s == nil {
		return nil
	}
	out := &RemoteStream{ID: s.ID, Tracks: make(map[webrtc.RTPCodecType]RemoteTrack, len(s.Tracks))}
	for k, v := range s.Tracks {
		out.Tracks[k] = v
	}
	return out
}
