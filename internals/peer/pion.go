package peer

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/adityaadpandey/peermeet/internals/media"
	"github.com/adityaadpandey/peermeet/internals/tracks"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var receiveKinds = []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}

// PionTransport is a Transport over a pion PeerConnection.
type PionTransport struct {
	pc     *webrtc.PeerConnection
	obs    Observer
	stats  *media.Stats
	logger *zap.Logger

	mu sync.Mutex
	// unsent holds senders whose track no exchanged description carries yet.
	unsent map[*webrtc.RTPSender]struct{}
	// offered holds the senders moved out of unsent by the outstanding offer.
	offered map[*webrtc.RTPSender]struct{}
}

// NewPionTransport opens a peer connection and wires its callbacks to obs.
func NewPionTransport(api *webrtc.API, conf webrtc.Configuration, obs Observer, logger *zap.Logger) (*PionTransport, error) {
	pc, err := api.NewPeerConnection(conf)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	t := &PionTransport{
		pc:      pc,
		obs:     obs,
		stats:   media.NewStats(),
		logger:  logger,
		unsent:  make(map[*webrtc.RTPSender]struct{}),
		offered: make(map[*webrtc.RTPSender]struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		obs.LocalCandidate(c.ToJSON())
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		logger.Debug("Peer connection state changed", zap.String("state", s.String()))
		obs.ConnectionStateChanged(s)
	})

	pc.OnTrack(t.onTrack)

	return t, nil
}

func (t *PionTransport) onTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	rt := RemoteTrack{ID: track.ID(), StreamID: track.StreamID(), Kind: track.Kind()}
	t.logger.Info("Remote track started",
		zap.String("trackID", rt.ID),
		zap.String("kind", rt.Kind.String()),
		zap.String("codec", track.Codec().MimeType),
	)
	t.obs.RemoteTrack(rt)

	if rt.Kind == webrtc.RTPCodecTypeVideo {
		if err := t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}); err != nil {
			t.logger.Debug("Failed to request key frame", zap.Error(err))
		}
	}

	go func() {
		for {
			pkts, _, err := receiver.ReadRTCP()
			if err != nil {
				return
			}
			t.stats.RecordRTCP(pkts)
		}
	}()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			break
		}
		t.stats.RecordRTP(pkt)
	}

	t.logger.Info("Remote track ended", zap.String("trackID", rt.ID))
	t.obs.RemoteTrackEnded(rt)
}

// CreateOffer makes sure the offer can receive every kind, then creates and
// applies it.
func (t *PionTransport) CreateOffer(restart bool) (webrtc.SessionDescription, error) {
	have := make(map[webrtc.RTPCodecType]bool)
	for _, tr := range t.pc.GetTransceivers() {
		have[tr.Kind()] = true
	}
	for _, kind := range receiveKinds {
		if have[kind] {
			continue
		}
		if _, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("add %s receiver: %w", kind, err)
		}
	}

	offer, err := t.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: restart})
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}

	t.mu.Lock()
	for s := range t.unsent {
		t.offered[s] = struct{}{}
	}
	t.unsent = make(map[*webrtc.RTPSender]struct{})
	t.mu.Unlock()

	return offer, nil
}

// CreateAnswer creates and applies an answer. Senders the answer managed to
// carry stop counting as unsent.
func (t *PionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}

	carried := sentTrackIDs(answer)
	t.mu.Lock()
	for s := range t.unsent {
		if track := s.Track(); track != nil && carried[track.ID()] {
			delete(t.unsent, s)
		}
	}
	t.mu.Unlock()

	return answer, nil
}

func (t *PionTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	if desc.Type == webrtc.SDPTypeAnswer {
		t.mu.Lock()
		t.offered = make(map[*webrtc.RTPSender]struct{})
		t.mu.Unlock()
	}
	return nil
}

func (t *PionTransport) Rollback() error {
	pending := t.pc.PendingLocalDescription()
	if pending == nil {
		return errors.New("no pending local description")
	}
	if err := t.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback, SDP: pending.SDP}); err != nil {
		return err
	}

	t.mu.Lock()
	for s := range t.offered {
		t.unsent[s] = struct{}{}
	}
	t.offered = make(map[*webrtc.RTPSender]struct{})
	t.mu.Unlock()
	return nil
}

func (t *PionTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(c)
}

func (t *PionTransport) NegotiationNeeded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.unsent) > 0
}

// AddTrack attaches a local track in a new sender slot.
func (t *PionTransport) AddTrack(track webrtc.TrackLocal) (tracks.Sender, error) {
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.unsent[sender] = struct{}{}
	t.mu.Unlock()

	// Drain RTCP so the interceptors keep running and feedback is counted.
	go func() {
		for {
			pkts, _, err := sender.ReadRTCP()
			if err != nil {
				return
			}
			t.stats.RecordRTCP(pkts)
		}
	}()
	return sender, nil
}

// Stats reports receive and feedback counters for the connection.
func (t *PionTransport) Stats() media.Snapshot {
	return t.stats.Snapshot()
}

func (t *PionTransport) Close() error {
	return t.pc.Close()
}

// sentTrackIDs returns the ids of the tracks desc announces as sent.
func sentTrackIDs(desc webrtc.SessionDescription) map[string]bool {
	ids := make(map[string]bool)
	parsed, err := desc.Unmarshal()
	if err != nil {
		return ids
	}
	for _, md := range parsed.MediaDescriptions {
		v, ok := md.Attribute("msid")
		if !ok {
			continue
		}
		if fields := strings.Fields(v); len(fields) == 2 {
			ids[fields[1]] = true
		}
	}
	return ids
}
