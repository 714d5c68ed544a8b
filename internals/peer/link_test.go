package peer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adityaadpandey/peermeet/internals/negotiation"
	"github.com/adityaadpandey/peermeet/internals/peer"
	"github.com/adityaadpandey/peermeet/internals/peer/peertest"
	"github.com/adityaadpandey/peermeet/internals/signaling"
	"github.com/adityaadpandey/peermeet/internals/tracks"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const waitFor = 2 * time.Second

type envelope struct {
	from string
	typ  signaling.MessageType
	data interface{}
}

// router delivers link output straight to the remote link. Messages for a
// link that is not registered yet are held back.
type router struct {
	mu      sync.Mutex
	links   map[string]*peer.Link
	held    map[string][]envelope
	dropped bool
}

func newRouter() *router {
	return &router{links: make(map[string]*peer.Link), held: make(map[string][]envelope)}
}

func (r *router) outbox(from string) peer.Outbox { return routerOutbox{r: r, from: from} }

func (r *router) register(id string, l *peer.Link) {
	r.mu.Lock()
	r.links[id] = l
	held := r.held[id]
	delete(r.held, id)
	r.mu.Unlock()

	for _, e := range held {
		deliver(l, e)
	}
}

func (r *router) drop(v bool) {
	r.mu.Lock()
	r.dropped = v
	r.mu.Unlock()
}

type routerOutbox struct {
	r    *router
	from string
}

func (o routerOutbox) Send(to string, t signaling.MessageType, data interface{}) error {
	o.r.mu.Lock()
	if o.r.dropped {
		o.r.mu.Unlock()
		return nil
	}
	l, ok := o.r.links[to]
	if !ok {
		o.r.held[to] = append(o.r.held[to], envelope{from: o.from, typ: t, data: data})
		o.r.mu.Unlock()
		return nil
	}
	o.r.mu.Unlock()

	deliver(l, envelope{from: o.from, typ: t, data: data})
	return nil
}

func deliver(l *peer.Link, e envelope) {
	switch e.typ {
	case signaling.MessageTypeOffer:
		l.HandleOffer(e.data.(signaling.SessionPayload))
	case signaling.MessageTypeAnswer:
		l.HandleAnswer(e.data.(signaling.SessionPayload))
	case signaling.MessageTypeCandidate:
		l.HandleCandidate(e.data.(signaling.CandidatePayload).Candidate)
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []peer.Event
}

func (e *eventLog) record(ev peer.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) has(kind peer.EventKind, match func(peer.Event) bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if ev.Kind == kind && (match == nil || match(ev)) {
			return true
		}
	}
	return false
}

func (e *eventLog) lastStream() *peer.RemoteStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.events) - 1; i >= 0; i-- {
		if e.events[i].Kind == peer.EventStream {
			return e.events[i].Stream
		}
	}
	return nil
}

func localMedia(t *testing.T, id string) tracks.Outgoing {
	t.Helper()
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio-"+id, "stream-"+id)
	require.NoError(t, err)
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video-"+id, "stream-"+id)
	require.NoError(t, err)
	return tracks.Outgoing{Audio: audio, Video: video}
}

func linkConfig(peerID string, initiator bool) peer.Config {
	return peer.Config{
		LocalName:          "tester",
		PeerID:             peerID,
		DisplayName:        "remote " + peerID,
		Initiator:          initiator,
		NegotiationTimeout: time.Second,
		RestartWindow:      time.Minute,
		DisconnectGrace:    50 * time.Millisecond,
	}
}

type pair struct {
	net    *peertest.Network
	router *router
	a, b   *peer.Link
	aLog   *eventLog
	bLog   *eventLog
}

// newPair links "a" (initiator) with "b". a is the polite side.
func newPair(t *testing.T, aMedia, bMedia tracks.Outgoing) *pair {
	t.Helper()
	return newPairWithWindow(t, time.Minute, aMedia, bMedia)
}

func newPairWithWindow(t *testing.T, restartWindow time.Duration, aMedia, bMedia tracks.Outgoing) *pair {
	t.Helper()
	p := &pair{net: peertest.NewNetwork(), router: newRouter(), aLog: &eventLog{}, bLog: &eventLog{}}

	bCfg := linkConfig("a", false)
	bCfg.RestartWindow = restartWindow
	b, err := peer.NewLink(bCfg, "b", p.net.Factory("b"), p.router.outbox("b"), bMedia, p.bLog.record, zap.NewNop())
	require.NoError(t, err)
	p.router.register("b", b)

	aCfg := linkConfig("b", true)
	aCfg.RestartWindow = restartWindow
	a, err := peer.NewLink(aCfg, "a", p.net.Factory("a"), p.router.outbox("a"), aMedia, p.aLog.record, zap.NewNop())
	require.NoError(t, err)
	p.router.register("a", a)

	p.a, p.b = a, b
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return p
}

func (p *pair) waitConnected(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.a.Status() == peer.StatusConnected && p.b.Status() == peer.StatusConnected
	}, waitFor, 5*time.Millisecond)
}

func TestLinkPairConnectsWithOneOffer(t *testing.T) {
	p := newPair(t, localMedia(t, "a"), localMedia(t, "b"))
	p.waitConnected(t)

	require.Eventually(t, func() bool {
		return p.a.NegotiationState() == negotiation.Stable && p.b.NegotiationState() == negotiation.Stable
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, 1, p.net.Transport("a", "b").Offers())
	assert.Equal(t, 0, p.net.Transport("b", "a").Offers(), "the answer already carried b's media")

	require.Eventually(t, func() bool {
		s := p.bLog.lastStream()
		return s != nil && len(s.Tracks) == 2
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		s := p.aLog.lastStream()
		return s != nil && len(s.Tracks) == 2
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, "stream-a", p.bLog.lastStream().ID)
	assert.Equal(t, "video-a", p.bLog.lastStream().Tracks[webrtc.RTPCodecTypeVideo].ID)
	assert.Eventually(t, func() bool { return p.net.Transport("b", "a").Candidates() > 0 }, waitFor, 5*time.Millisecond)
}

func TestLinkWithoutMediaStillConnects(t *testing.T) {
	p := newPair(t, tracks.Outgoing{}, tracks.Outgoing{})
	p.waitConnected(t)
	assert.Nil(t, p.aLog.lastStream())
	assert.Nil(t, p.bLog.lastStream())

	_, ok := p.a.Inbound()
	assert.False(t, ok, "the in-memory transport collects no statistics")
}

func TestMuteReplacesWithoutRenegotiation(t *testing.T) {
	media := localMedia(t, "a")
	p := newPair(t, media, tracks.Outgoing{})
	p.waitConnected(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, p.a.ApplyMedia(ctx, tracks.Outgoing{Video: media.Video}))

	ta := p.net.Transport("a", "b")
	assert.Nil(t, ta.Sender(webrtc.RTPCodecTypeAudio).Current())
	assert.Equal(t, media.Video, ta.Sender(webrtc.RTPCodecTypeVideo).Current())
	assert.Equal(t, 1, ta.Offers())
}

func TestNewSlotRenegotiates(t *testing.T) {
	p := newPair(t, tracks.Outgoing{}, tracks.Outgoing{})
	p.waitConnected(t)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	media := localMedia(t, "b")
	require.NoError(t, p.b.ApplyMedia(ctx, media))

	require.Eventually(t, func() bool {
		s := p.aLog.lastStream()
		return s != nil && len(s.Tracks) == 2
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, p.net.Transport("b", "a").Offers())
}

func TestUnansweredOfferReportsStall(t *testing.T) {
	net := peertest.NewNetwork()
	r := newRouter()
	r.drop(true)
	log := &eventLog{}

	cfg := linkConfig("b", true)
	cfg.NegotiationTimeout = 30 * time.Millisecond
	l, err := peer.NewLink(cfg, "a", net.Factory("a"), r.outbox("a"), tracks.Outgoing{}, log.record, zap.NewNop())
	require.NoError(t, err)
	defer l.Close()

	require.Eventually(t, func() bool {
		return log.has(peer.EventStalled, nil)
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, negotiation.HaveLocalOffer, l.NegotiationState())
}

func TestFailureRestartsICEOnceThenGivesUp(t *testing.T) {
	p := newPair(t, tracks.Outgoing{}, tracks.Outgoing{})
	p.waitConnected(t)

	ta := p.net.Transport("a", "b")
	p.router.drop(true)

	ta.SetConnectionState(webrtc.PeerConnectionStateFailed)
	require.Eventually(t, func() bool {
		return p.a.Status() == peer.StatusReconnecting && ta.Restarts() == 1
	}, waitFor, 5*time.Millisecond)

	ta.SetConnectionState(webrtc.PeerConnectionStateFailed)
	require.Eventually(t, func() bool { return p.a.Status() == peer.StatusFailed }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, ta.Restarts())
	assert.True(t, p.aLog.has(peer.EventStatus, func(e peer.Event) bool { return e.Status == peer.StatusFailed }))
}

func TestRestartRecoversWhenAnswered(t *testing.T) {
	p := newPairWithWindow(t, 100*time.Millisecond, tracks.Outgoing{}, tracks.Outgoing{})
	p.waitConnected(t)

	ta := p.net.Transport("a", "b")
	ta.SetConnectionState(webrtc.PeerConnectionStateFailed)
	require.Eventually(t, func() bool {
		return ta.Restarts() == 1 && p.a.Status() == peer.StatusConnected
	}, waitFor, 5*time.Millisecond)
	assert.True(t, p.aLog.has(peer.EventStatus, func(e peer.Event) bool { return e.Status == peer.StatusReconnecting }))

	// Once the window has passed the link may restart again.
	time.Sleep(150 * time.Millisecond)
	p.router.drop(true)
	ta.SetConnectionState(webrtc.PeerConnectionStateFailed)
	require.Eventually(t, func() bool { return ta.Restarts() == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, peer.StatusReconnecting, p.a.Status())
}

func TestFlappingLinkGivesUpWithinWindow(t *testing.T) {
	p := newPair(t, tracks.Outgoing{}, tracks.Outgoing{})
	p.waitConnected(t)

	ta := p.net.Transport("a", "b")
	ta.SetConnectionState(webrtc.PeerConnectionStateFailed)
	require.Eventually(t, func() bool {
		return ta.Restarts() == 1 && p.a.Status() == peer.StatusConnected
	}, waitFor, 5*time.Millisecond)

	// Reconnecting briefly does not buy another restart inside the window.
	ta.SetConnectionState(webrtc.PeerConnectionStateFailed)
	require.Eventually(t, func() bool { return p.a.Status() == peer.StatusFailed }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, ta.Restarts())
}

func TestBriefDisconnectIsTolerated(t *testing.T) {
	p := newPair(t, tracks.Outgoing{}, tracks.Outgoing{})
	p.waitConnected(t)

	ta := p.net.Transport("a", "b")
	ta.SetConnectionState(webrtc.PeerConnectionStateDisconnected)
	ta.SetConnectionState(webrtc.PeerConnectionStateConnected)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 0, ta.Restarts())
	assert.Equal(t, peer.StatusConnected, p.a.Status())

	ta.SetConnectionState(webrtc.PeerConnectionStateDisconnected)
	require.Eventually(t, func() bool { return ta.Restarts() == 1 }, waitFor, 5*time.Millisecond)
}

func TestCloseIsIdempotent(t *testing.T) {
	p := newPair(t, tracks.Outgoing{}, tracks.Outgoing{})
	p.waitConnected(t)

	p.a.Close()
	p.a.Close()

	assert.Equal(t, peer.StatusClosed, p.a.Status())
	assert.Equal(t, negotiation.Closed, p.a.NegotiationState())
	assert.True(t, p.net.Transport("a", "b").Closed())
	assert.ErrorIs(t, p.a.ApplyMedia(context.Background(), tracks.Outgoing{}), peer.ErrLinkClosed)
	assert.True(t, p.aLog.has(peer.EventStatus, func(e peer.Event) bool { return e.Status == peer.StatusClosed }))

	// Input after close is ignored.
	p.a.HandleOffer(signaling.SessionPayload{Description: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "late"}})
}

func TestTransportOpenFailure(t *testing.T) {
	net := peertest.NewNetwork()
	net.FailOpen("a", "b", errors.New("no ports"))

	_, err := peer.NewLink(linkConfig("b", true), "a", net.Factory("a"), newRouter().outbox("a"), tracks.Outgoing{}, nil, zap.NewNop())
	assert.ErrorContains(t, err, "no ports")
}
