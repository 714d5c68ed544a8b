// Package peertest provides an in-memory peer transport for tests that do not
// need real media.
package peertest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/adityaadpandey/peermeet/internals/peer"
	"github.com/adityaadpandey/peermeet/internals/tracks"
	"github.com/pion/webrtc/v3"
)

// Network hands out fake transports and remembers them by link.
type Network struct {
	mu         sync.Mutex
	transports map[string]*Transport
	failOpen   map[string]error
}

func NewNetwork() *Network {
	return &Network{
		transports: make(map[string]*Transport),
		failOpen:   make(map[string]error),
	}
}

func linkKey(local, remote string) string { return local + "->" + remote }

// Factory returns the transport factory for the client localID.
func (n *Network) Factory(localID string) peer.Factory {
	return func(peerID string, obs peer.Observer) (peer.Transport, error) {
		n.mu.Lock()
		defer n.mu.Unlock()
		key := linkKey(localID, peerID)
		if err := n.failOpen[key]; err != nil {
			return nil, err
		}
		t := newTransport(localID, peerID, obs)
		n.transports[key] = t
		return t, nil
	}
}

// FailOpen makes the next transport from local to remote fail to open.
func (n *Network) FailOpen(local, remote string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failOpen[linkKey(local, remote)] = err
}

// Transport returns the latest transport local opened towards remote.
func (n *Network) Transport(local, remote string) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transports[linkKey(local, remote)]
}

// Sender is a fake outgoing slot.
type Sender struct {
	mu       sync.Mutex
	original webrtc.TrackLocal
	current  webrtc.TrackLocal
}

func (s *Sender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = track
	return nil
}

// Current is the track the slot sends right now, nil when muted.
func (s *Sender) Current() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Transport is a fake peer.Transport. Descriptions are plain text listing
// the tracks the side sends, one "track <kind> <stream> <id>" line each.
// Callbacks reach the observer asynchronously, like a real connection.
type Transport struct {
	local, remote string
	obs           peer.Observer

	mu           sync.Mutex
	senders      []*Sender
	unsent       int
	offered      int
	localSet     bool
	remoteSet    bool
	connected    bool
	closed       bool
	remoteTracks map[string]peer.RemoteTrack
	offers       int
	restarts     int
	rollbacks    int
	candidates   []webrtc.ICECandidateInit
	failRemote   error
	candidateOut bool

	// restarting holds Connected back until the restart offer is answered.
	restarting bool
}

func newTransport(local, remote string, obs peer.Observer) *Transport {
	return &Transport{
		local:        local,
		remote:       remote,
		obs:          obs,
		remoteTracks: make(map[string]peer.RemoteTrack),
	}
}

func (t *Transport) describe(kind webrtc.SDPType, gen int) webrtc.SessionDescription {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %d\n", kind, t.local, gen)
	for _, s := range t.senders {
		fmt.Fprintf(&b, "track %s %s %s\n", s.original.Kind(), s.original.StreamID(), s.original.ID())
	}
	return webrtc.SessionDescription{Type: kind, SDP: b.String()}
}

func (t *Transport) CreateOffer(restart bool) (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return webrtc.SessionDescription{}, errors.New("transport closed")
	}
	t.offers++
	if restart {
		t.restarts++
		t.connected = false
		t.restarting = true
	}
	t.offered += t.unsent
	t.unsent = 0
	desc := t.describe(webrtc.SDPTypeOffer, t.offers)
	t.setLocalLocked()
	return desc, nil
}

func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return webrtc.SessionDescription{}, errors.New("transport closed")
	}
	t.unsent = 0
	desc := t.describe(webrtc.SDPTypeAnswer, t.offers)
	t.setLocalLocked()
	return desc, nil
}

func (t *Transport) setLocalLocked() {
	t.localSet = true
	if !t.candidateOut {
		t.candidateOut = true
		c := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 9 typ host"}
		go t.obs.LocalCandidate(c)
	}
	t.maybeConnectLocked()
}

func (t *Transport) maybeConnectLocked() {
	if t.localSet && t.remoteSet && !t.connected && !t.restarting && !t.closed {
		t.connected = true
		go t.obs.ConnectionStateChanged(webrtc.PeerConnectionStateConnected)
	}
}

func (t *Transport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	if t.failRemote != nil {
		err := t.failRemote
		t.failRemote = nil
		return err
	}
	if desc.Type == webrtc.SDPTypeAnswer {
		t.offered = 0
		t.restarting = false
	}

	seen := make(map[string]bool)
	for _, line := range strings.Split(desc.SDP, "\n") {
		f := strings.Fields(line)
		if len(f) != 4 || f[0] != "track" {
			continue
		}
		rt := peer.RemoteTrack{ID: f[3], StreamID: f[2], Kind: webrtc.NewRTPCodecType(f[1])}
		seen[rt.ID] = true
		if _, ok := t.remoteTracks[rt.ID]; !ok {
			t.remoteTracks[rt.ID] = rt
			go t.obs.RemoteTrack(rt)
		}
	}
	for id, rt := range t.remoteTracks {
		if !seen[id] {
			delete(t.remoteTracks, id)
			go t.obs.RemoteTrackEnded(rt)
		}
	}

	t.remoteSet = true
	t.maybeConnectLocked()
	return nil
}

func (t *Transport) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollbacks++
	t.unsent += t.offered
	t.offered = 0
	t.restarting = false
	return nil
}

func (t *Transport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, c)
	return nil
}

func (t *Transport) NegotiationNeeded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unsent > 0
}

func (t *Transport) AddTrack(track webrtc.TrackLocal) (tracks.Sender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("transport closed")
	}
	s := &Sender{original: track, current: track}
	t.senders = append(t.senders, s)
	t.unsent++
	return s, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// SetConnectionState reports s to the observer as if connectivity changed.
func (t *Transport) SetConnectionState(s webrtc.PeerConnectionState) {
	t.mu.Lock()
	t.connected = s == webrtc.PeerConnectionStateConnected
	t.mu.Unlock()
	t.obs.ConnectionStateChanged(s)
}

// FailNextRemote makes the next SetRemoteDescription return err.
func (t *Transport) FailNextRemote(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failRemote = err
}

// Sender returns the slot sending kind, or nil.
func (t *Transport) Sender(kind webrtc.RTPCodecType) *Sender {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.senders {
		if s.original.Kind() == kind {
			return s
		}
	}
	return nil
}

func (t *Transport) Offers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offers
}

func (t *Transport) Restarts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restarts
}

func (t *Transport) Rollbacks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollbacks
}

func (t *Transport) Candidates() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.candidates)
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
