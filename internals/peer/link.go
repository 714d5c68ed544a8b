package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adityaadpandey/peermeet/internals/media"
	"github.com/adityaadpandey/peermeet/internals/metrics"
	"github.com/adityaadpandey/peermeet/internals/negotiation"
	"github.com/adityaadpandey/peermeet/internals/signaling"
	"github.com/adityaadpandey/peermeet/internals/tracks"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var ErrLinkClosed = errors.New("link closed")

const inboxSize = 64

// Outbox sends a signaling payload to one remote peer.
type Outbox interface {
	Send(to string, t signaling.MessageType, data interface{}) error
}

type EventKind int

const (
	EventStatus EventKind = iota
	EventStream
	EventStalled
)

// Event reports a change on a link. Stream is set for EventStream and is a
// private copy.
type Event struct {
	Kind   EventKind
	PeerID string
	Status Status
	Stream *RemoteStream
}

// Config describes one link.
type Config struct {
	LocalName   string
	PeerID      string
	DisplayName string
	// Initiator is the side expected to send the first offer.
	Initiator bool

	NegotiationTimeout time.Duration
	RestartWindow      time.Duration
	DisconnectGrace    time.Duration
}

// Link is the connection to one remote peer. All of its state is owned by a
// single goroutine; the exported methods post work to it.
type Link struct {
	cfg     Config
	outbox  Outbox
	onEvent func(Event)
	logger  *zap.Logger

	inbox  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	// Owned by the link goroutine.
	transport   Transport
	machine     *negotiation.Machine
	slots       tracks.Slots
	stream      *RemoteStream
	pcState     webrtc.PeerConnectionState
	restartedAt time.Time
	graceTimer  *time.Timer
	stallTimer  *time.Timer
	stallFor    uint64

	// Read side for other goroutines.
	viewMu   sync.RWMutex
	status   Status
	negState negotiation.State
}

// NewLink opens the transport and starts the link goroutine. initial is the
// media to send from the start. onEvent is called from the link goroutine
// and must not call back into the link synchronously.
func NewLink(cfg Config, localID string, factory Factory, outbox Outbox, initial tracks.Outgoing, onEvent func(Event), logger *zap.Logger) (*Link, error) {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		cfg:     cfg,
		outbox:  outbox,
		onEvent: onEvent,
		logger:  logger.With(zap.String("peerID", cfg.PeerID)),
		inbox:   make(chan func(), inboxSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		slots:   tracks.Slots{},
		status:  StatusConnecting,
	}

	transport, err := factory(cfg.PeerID, linkObserver{l})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open transport to %s: %w", cfg.PeerID, err)
	}
	l.transport = transport
	l.machine = negotiation.NewMachine(
		cfg.PeerID,
		negotiation.RoleFor(localID, cfg.PeerID),
		cfg.Initiator,
		transport,
		linkSignaler{l},
		logger,
	)

	go l.run()

	l.post(func() {
		renegotiate, err := tracks.Reconcile(l.slots, l.transport, initial)
		if err != nil {
			l.logger.Warn("Failed to attach local media", zap.Error(err))
		}
		if renegotiate || cfg.Initiator {
			l.negotiate(false)
		}
	})
	return l, nil
}

func (l *Link) ID() string          { return l.cfg.PeerID }
func (l *Link) DisplayName() string { return l.cfg.DisplayName }

func (l *Link) Status() Status {
	l.viewMu.RLock()
	defer l.viewMu.RUnlock()
	return l.status
}

// NegotiationState is the machine state as of the last processed input.
func (l *Link) NegotiationState() negotiation.State {
	l.viewMu.RLock()
	defer l.viewMu.RUnlock()
	return l.negState
}

// Inbound reports receive statistics when the transport collects them.
func (l *Link) Inbound() (media.Snapshot, bool) {
	src, ok := l.transport.(interface{ Stats() media.Snapshot })
	if !ok {
		return media.Snapshot{}, false
	}
	return src.Stats(), true
}

func (l *Link) post(fn func()) bool {
	select {
	case <-l.ctx.Done():
		return false
	default:
	}
	select {
	case l.inbox <- fn:
		return true
	case <-l.ctx.Done():
		return false
	}
}

func (l *Link) run() {
	defer close(l.done)
	defer l.shutdown()

	for {
		select {
		case <-l.ctx.Done():
			return
		case fn := <-l.inbox:
			fn()
			l.refreshView()
		}
	}
}

func (l *Link) shutdown() {
	stopTimer(l.graceTimer)
	stopTimer(l.stallTimer)
	l.machine.Close()
	if err := l.transport.Close(); err != nil {
		l.logger.Debug("Transport close failed", zap.Error(err))
	}
	l.refreshView()
	l.setStatus(StatusClosed)
	l.logger.Debug("Link closed")
}

func (l *Link) refreshView() {
	st := l.machine.State()
	l.viewMu.Lock()
	l.negState = st
	l.viewMu.Unlock()
}

func (l *Link) setStatus(s Status) {
	l.viewMu.Lock()
	if l.status == s || l.status == StatusClosed {
		l.viewMu.Unlock()
		return
	}
	l.status = s
	l.viewMu.Unlock()

	metrics.RecordLinkStatus(s.String())
	l.logger.Info("Link status changed", zap.Stringer("status", s))
	l.emit(Event{Kind: EventStatus, PeerID: l.cfg.PeerID, Status: s})
}

func (l *Link) emit(e Event) {
	if l.onEvent != nil {
		l.onEvent(e)
	}
}

// --- inputs ---

// HandleOffer queues a remote offer.
func (l *Link) HandleOffer(p signaling.SessionPayload) {
	l.post(func() {
		if err := l.machine.HandleOffer(p.Description, p.Restart); err != nil {
			l.logger.Warn("Failed to handle offer", zap.Error(err))
		}
		l.armStall()
	})
}

// HandleAnswer queues a remote answer.
func (l *Link) HandleAnswer(p signaling.SessionPayload) {
	l.post(func() {
		if err := l.machine.HandleAnswer(p.Description); err != nil && !errors.Is(err, negotiation.ErrUnexpectedAnswer) {
			l.logger.Warn("Failed to handle answer", zap.Error(err))
		}
		l.armStall()
	})
}

// HandleCandidate queues a remote ICE candidate.
func (l *Link) HandleCandidate(c webrtc.ICECandidateInit) {
	l.post(func() {
		if err := l.machine.HandleCandidate(c); err != nil {
			l.logger.Debug("Failed to apply remote candidate", zap.Error(err))
		}
	})
}

// ApplyMedia brings the outgoing slots in line with want and renegotiates
// if a new slot had to be created. It waits for the link goroutine, bounded
// by ctx.
func (l *Link) ApplyMedia(ctx context.Context, want tracks.Outgoing) error {
	result := make(chan error, 1)
	if !l.post(func() {
		renegotiate, err := tracks.Reconcile(l.slots, l.transport, want)
		if renegotiate {
			l.negotiate(false)
		}
		result <- err
	}) {
		return ErrLinkClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrLinkClosed
	}
}

// Close stops the link and releases the transport. It is idempotent and
// must not be called from onEvent.
func (l *Link) Close() {
	l.once.Do(func() {
		l.cancel()
		<-l.done
	})
}

// --- link goroutine ---

func (l *Link) negotiate(restart bool) {
	if err := l.machine.Negotiate(restart); err != nil {
		l.logger.Warn("Failed to start negotiation", zap.Bool("restart", restart), zap.Error(err))
	}
	l.armStall()
}

// armStall starts the stall timer for a newly sent offer.
func (l *Link) armStall() {
	if l.machine.State() != negotiation.HaveLocalOffer || l.cfg.NegotiationTimeout <= 0 {
		return
	}
	gen := l.machine.Offers()
	if gen == l.stallFor {
		return
	}
	l.stallFor = gen
	stopTimer(l.stallTimer)
	l.stallTimer = time.AfterFunc(l.cfg.NegotiationTimeout, func() {
		l.post(func() {
			if l.machine.State() == negotiation.HaveLocalOffer && l.machine.Offers() == gen {
				metrics.NegotiationStallsTotal.Inc()
				l.logger.Warn("Offer unanswered", zap.Duration("timeout", l.cfg.NegotiationTimeout))
				l.emit(Event{Kind: EventStalled, PeerID: l.cfg.PeerID, Status: l.Status()})
			}
		})
	})
}

func (l *Link) onConnectionState(s webrtc.PeerConnectionState) {
	l.pcState = s
	switch s {
	case webrtc.PeerConnectionStateConnected:
		stopTimer(l.graceTimer)
		l.setStatus(StatusConnected)

	case webrtc.PeerConnectionStateDisconnected:
		stopTimer(l.graceTimer)
		l.graceTimer = time.AfterFunc(l.cfg.DisconnectGrace, func() {
			l.post(func() {
				if l.pcState == webrtc.PeerConnectionStateDisconnected {
					l.connectivityLost()
				}
			})
		})

	case webrtc.PeerConnectionStateFailed:
		stopTimer(l.graceTimer)
		l.connectivityLost()
	}
}

// connectivityLost tries one ICE restart. A second loss before the restart
// window has passed gives up, even if the link reconnected in between.
func (l *Link) connectivityLost() {
	if l.Status() == StatusFailed {
		return
	}
	now := time.Now()
	if !l.restartedAt.IsZero() && now.Sub(l.restartedAt) < l.cfg.RestartWindow {
		l.logger.Warn("Connectivity lost again after ICE restart, giving up")
		l.setStatus(StatusFailed)
		return
	}
	l.restartedAt = now
	l.setStatus(StatusReconnecting)
	l.logger.Info("Connectivity lost, restarting ICE")
	l.negotiate(true)
}

func (l *Link) onRemoteTrack(t RemoteTrack) {
	if l.stream == nil {
		l.stream = &RemoteStream{ID: t.StreamID, Tracks: make(map[webrtc.RTPCodecType]RemoteTrack)}
	}
	l.stream.Tracks[t.Kind] = t
	l.emit(Event{Kind: EventStream, PeerID: l.cfg.PeerID, Stream: l.stream.clone()})
}

func (l *Link) onRemoteTrackEnded(t RemoteTrack) {
	if l.stream == nil {
		return
	}
	if cur, ok := l.stream.Tracks[t.Kind]; !ok || cur.ID != t.ID {
		return
	}
	delete(l.stream.Tracks, t.Kind)
	l.emit(Event{Kind: EventStream, PeerID: l.cfg.PeerID, Stream: l.stream.clone()})
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// linkObserver funnels transport callbacks into the link goroutine.
type linkObserver struct{ l *Link }

// LocalCandidate goes through the inbox so it is never sent ahead of the
// description it belongs to.
func (o linkObserver) LocalCandidate(c webrtc.ICECandidateInit) {
	o.l.post(func() {
		if err := o.l.outbox.Send(o.l.cfg.PeerID, signaling.MessageTypeCandidate, signaling.CandidatePayload{Candidate: c}); err != nil {
			o.l.logger.Debug("Failed to send candidate", zap.Error(err))
		}
	})
}

func (o linkObserver) ConnectionStateChanged(s webrtc.PeerConnectionState) {
	o.l.post(func() { o.l.onConnectionState(s) })
}

func (o linkObserver) RemoteTrack(t RemoteTrack) {
	o.l.post(func() { o.l.onRemoteTrack(t) })
}

func (o linkObserver) RemoteTrackEnded(t RemoteTrack) {
	o.l.post(func() { o.l.onRemoteTrackEnded(t) })
}

// linkSignaler adapts the outbox to the negotiation machine.
type linkSignaler struct{ l *Link }

func (s linkSignaler) SendOffer(desc webrtc.SessionDescription, restart bool) error {
	return s.l.outbox.Send(s.l.cfg.PeerID, signaling.MessageTypeOffer, signaling.SessionPayload{
		Description: desc,
		DisplayName: s.l.cfg.LocalName,
		Restart:     restart,
	})
}

func (s linkSignaler) SendAnswer(desc webrtc.SessionDescription) error {
	return s.l.outbox.Send(s.l.cfg.PeerID, signaling.MessageTypeAnswer, signaling.SessionPayload{Description: desc})
}
