package negotiation

import (
	"errors"
	"fmt"

	"github.com/adityaadpandey/peermeet/internals/metrics"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var (
	ErrClosed           = errors.New("negotiation closed")
	ErrUnexpectedAnswer = errors.New("answer received without an outstanding offer")
)

// Transport is the part of a peer connection the machine drives.
// CreateOffer and CreateAnswer also apply the result as the local
// description.
type Transport interface {
	CreateOffer(restart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// Rollback discards the pending local offer.
	Rollback() error
	AddICECandidate(c webrtc.ICECandidateInit) error
	// NegotiationNeeded reports whether local media exists that no completed
	// exchange has covered yet.
	NegotiationNeeded() bool
}

// Signaler delivers descriptions to the remote side.
type Signaler interface {
	SendOffer(desc webrtc.SessionDescription, restart bool) error
	SendAnswer(desc webrtc.SessionDescription) error
}

// Machine runs perfect negotiation for one side of one link. It is not safe
// for concurrent use; the owning link calls it from a single goroutine.
type Machine struct {
	peerID    string
	role      Role
	initiator bool

	state     State
	remoteSet bool
	// lastOfferRestart is the restart flag of the outstanding local offer.
	lastOfferRestart bool
	offers           uint64

	// pending is a local change that arrived while an exchange was in flight;
	// it is replayed as soon as the machine is settled again.
	pending        bool
	pendingRestart bool
	// deferred is a local change on a non-initiating side before the first
	// remote offer; it is replayed only if that exchange did not cover it.
	deferred bool

	candidates CandidateBuffer
	transport  Transport
	signaler   Signaler
	logger     *zap.Logger
}

// NewMachine creates a machine in Idle. initiator marks the side expected to
// send the first offer.
func NewMachine(peerID string, role Role, initiator bool, transport Transport, signaler Signaler, logger *zap.Logger) *Machine {
	return &Machine{
		peerID:    peerID,
		role:      role,
		initiator: initiator,
		transport: transport,
		signaler:  signaler,
		logger:    logger.With(zap.String("peerID", peerID), zap.Stringer("role", role)),
	}
}

func (m *Machine) State() State { return m.state }
func (m *Machine) Role() Role   { return m.role }

// Offers counts local offers sent so far. A caller can compare it before and
// after a timeout to see whether the outstanding offer is still the same.
func (m *Machine) Offers() uint64 { return m.offers }

// Pending reports whether a local change is waiting to be offered.
func (m *Machine) Pending() bool { return m.pending || m.deferred }

// Negotiate requests an offer for a local change. restart asks for fresh ICE
// credentials. When an exchange is already in flight the request is recorded
// and replayed once the machine is stable again.
func (m *Machine) Negotiate(restart bool) error {
	if m.state == Closed {
		return ErrClosed
	}

	if m.state == Idle && !m.initiator {
		m.deferred = true
		m.pendingRestart = m.pendingRestart || restart
		m.logger.Debug("Deferring local change until the remote offer arrives")
		return nil
	}
	if !m.state.settled() {
		m.pending = true
		m.pendingRestart = m.pendingRestart || restart
		m.logger.Debug("Queueing local change behind outstanding exchange", zap.Stringer("state", m.state))
		return nil
	}
	return m.offer(restart)
}

func (m *Machine) offer(restart bool) error {
	desc, err := m.transport.CreateOffer(restart)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	m.state = HaveLocalOffer
	m.lastOfferRestart = restart
	m.offers++
	if restart {
		metrics.RecordICERestart()
	}

	m.logger.Debug("Sending offer", zap.Bool("restart", restart))
	if err := m.signaler.SendOffer(desc, restart); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	return nil
}

// HandleOffer applies a remote offer. On collision the impolite side ignores
// it; the polite side rolls back its own offer, answers, and replays its
// change afterwards.
func (m *Machine) HandleOffer(desc webrtc.SessionDescription, restart bool) error {
	if m.state == Closed {
		return ErrClosed
	}

	prev := Stable
	if !m.remoteSet {
		prev = Idle
	}

	if m.state == HaveLocalOffer {
		if m.role == Impolite {
			metrics.RecordCollision("ignored")
			m.logger.Debug("Ignoring colliding offer")
			return nil
		}

		if err := m.transport.Rollback(); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
		metrics.RecordCollision("rolled-back")
		m.logger.Debug("Rolled back local offer for colliding remote offer")
		m.state = prev
		m.pending = true
		m.pendingRestart = m.pendingRestart || (m.lastOfferRestart && !restart)
	}

	m.state = HaveRemoteOffer
	if err := m.transport.SetRemoteDescription(desc); err != nil {
		m.state = prev
		return fmt.Errorf("set remote offer: %w", err)
	}
	m.remoteSet = true
	if restart {
		m.logger.Info("Remote side restarted ICE")
	}

	if err := m.candidates.Drain(m.transport.AddICECandidate); err != nil {
		m.logger.Debug("Some buffered candidates were rejected", zap.Error(err))
	}

	answer, err := m.transport.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	m.state = Stable
	if err := m.signaler.SendAnswer(answer); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}

	return m.replay()
}

// HandleAnswer completes the outstanding local offer. An answer in any other
// state is a protocol error and leaves the machine untouched.
func (m *Machine) HandleAnswer(desc webrtc.SessionDescription) error {
	if m.state == Closed {
		return ErrClosed
	}
	if m.state != HaveLocalOffer {
		metrics.RecordProtocolViolation("unexpected-answer")
		m.logger.Warn("Dropping answer without outstanding offer", zap.Stringer("state", m.state))
		return ErrUnexpectedAnswer
	}

	if err := m.transport.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	m.remoteSet = true
	m.state = Stable

	if err := m.candidates.Drain(m.transport.AddICECandidate); err != nil {
		m.logger.Debug("Some buffered candidates were rejected", zap.Error(err))
	}
	return m.replay()
}

// HandleCandidate applies a remote candidate, or buffers it until a remote
// description exists.
func (m *Machine) HandleCandidate(c webrtc.ICECandidateInit) error {
	if m.state == Closed {
		return ErrClosed
	}
	return m.candidates.EnqueueOrApply(c, m.remoteSet, m.transport.AddICECandidate)
}

func (m *Machine) replay() error {
	if !m.state.settled() {
		return nil
	}
	switch {
	case m.pending:
	case m.deferred && (m.pendingRestart || m.transport.NegotiationNeeded()):
	default:
		m.deferred = false
		return nil
	}

	restart := m.pendingRestart
	m.pending, m.deferred, m.pendingRestart = false, false, false
	m.logger.Debug("Replaying queued local change", zap.Bool("restart", restart))
	return m.offer(restart)
}

// Close makes the machine terminal and drops buffered candidates.
func (m *Machine) Close() {
	if m.state == Closed {
		return
	}
	m.state = Closed
	m.pending, m.deferred = false, false
	m.candidates.Close()
}
