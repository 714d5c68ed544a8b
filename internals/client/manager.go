package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adityaadpandey/peermeet/internals/config"
	"github.com/adityaadpandey/peermeet/internals/media"
	"github.com/adityaadpandey/peermeet/internals/peer"
	"github.com/adityaadpandey/peermeet/internals/signaling"
	"github.com/adityaadpandey/peermeet/internals/subscription"
	"github.com/adityaadpandey/peermeet/internals/tracks"
	"github.com/pion/webrtc/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrNotJoined     = errors.New("not in a room")
	ErrAlreadyJoined = errors.New("already in a room")
	ErrClosed        = errors.New("session manager closed")
)

type EventKind string

const (
	EventMembersChanged EventKind = "members-changed"
	EventPeerUpdated    EventKind = "peer-updated"
	EventPeerRemoved    EventKind = "peer-removed"
	EventPeerStalled    EventKind = "peer-stalled"
	EventChat           EventKind = "chat"
	EventError          EventKind = "error"
)

// PeerView is what the UI shows for one remote peer.
type PeerView struct {
	ID          string             `json:"id"`
	DisplayName string             `json:"displayName"`
	Stream      *peer.RemoteStream `json:"stream,omitempty"`
	Status      peer.Status        `json:"status"`
}

type Chat struct {
	ID      string          `json:"id"`
	From    string          `json:"from"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// Event is published to subscribers. Which fields are set depends on Kind.
type Event struct {
	Kind    EventKind
	PeerID  string
	Peer    *PeerView
	Members []signaling.Member
	Chat    *Chat
	Err     error
}

type Options struct {
	DisplayName string
	Negotiation config.NegotiationConfig
}

type entry struct {
	link *peer.Link
	view PeerView
}

// Manager is the client side of one signaling connection. It keeps exactly
// one link per remote peer of the joined room and exposes the room to the UI
// through snapshots and events.
type Manager struct {
	conn    Conn
	factory peer.Factory
	opts    Options
	logger  *zap.Logger

	media *tracks.Coordinator
	bus   *subscription.Bus[Event]

	mu      sync.Mutex
	room    string
	links   map[string]*entry
	members []signaling.Member
	closed  bool

	done chan struct{}
}

// NewManager starts processing relay messages from conn.
func NewManager(conn Conn, factory peer.Factory, opts Options, logger *zap.Logger) *Manager {
	m := &Manager{
		conn:    conn,
		factory: factory,
		opts:    opts,
		logger:  logger.With(zap.String("clientID", conn.ID())),
		media:   tracks.NewCoordinator(),
		bus:     subscription.NewBus[Event](),
		links:   make(map[string]*entry),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Manager) ID() string { return m.conn.ID() }

// Done is closed once the signaling connection has ended.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Subscribe registers fn for events and returns its cancel handle. fn runs
// on internal goroutines and must not block.
func (m *Manager) Subscribe(fn func(Event)) (cancel func()) {
	return m.bus.Subscribe(fn)
}

// Room is the joined room, or "" when not joined.
func (m *Manager) Room() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.room
}

// Peers returns a snapshot of every linked peer.
func (m *Manager) Peers() map[string]PeerView {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]PeerView, len(m.links))
	for id, e := range m.links {
		out[id] = e.view
	}
	return out
}

// Members returns the other participants of the room as last announced by
// the relay.
func (m *Manager) Members() []signaling.Member {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]signaling.Member(nil), m.members...)
}

// Join asks the relay to join roomName, without surrounding whitespace. The
// relay replies with the existing members, and links are created as that
// reply is processed.
func (m *Manager) Join(roomName string) error {
	roomName = strings.TrimSpace(roomName)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.room != "" {
		m.mu.Unlock()
		return ErrAlreadyJoined
	}
	m.room = roomName
	m.mu.Unlock()

	if err := m.send("", signaling.MessageTypeJoinRoom, signaling.JoinRoom{Room: roomName, DisplayName: m.opts.DisplayName}); err != nil {
		m.mu.Lock()
		m.room = ""
		m.mu.Unlock()
		return err
	}
	m.logger.Info("Joining room", zap.String("room", roomName))
	return nil
}

// Leave closes every link and leaves the room. Calling it again is a no-op.
func (m *Manager) Leave() error {
	name, removed := m.reset()
	if name == "" {
		return nil
	}

	for _, e := range removed {
		m.bus.Publish(Event{Kind: EventPeerRemoved, PeerID: e.view.ID})
	}
	m.bus.Publish(Event{Kind: EventMembersChanged})

	m.logger.Info("Left room", zap.String("room", name), zap.Int("links", len(removed)))
	if err := m.send("", signaling.MessageTypeLeaveRoom, signaling.LeaveRoom{Room: name}); err != nil && !errors.Is(err, ErrConnClosed) {
		return err
	}
	return nil
}

// reset clears the room state and closes the links it held.
func (m *Manager) reset() (string, []*entry) {
	m.mu.Lock()
	name := m.room
	removed := make([]*entry, 0, len(m.links))
	for _, e := range m.links {
		removed = append(removed, e)
	}
	m.room = ""
	m.links = make(map[string]*entry)
	m.members = nil
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range removed {
		wg.Add(1)
		go func(l *peer.Link) {
			defer wg.Done()
			l.Close()
		}(e.link)
	}
	wg.Wait()
	return name, removed
}

// Close leaves the room and closes the signaling connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := m.Leave()
	err = multierr.Append(err, m.conn.Close())
	<-m.done
	return err
}

// SetLocalMedia sets the capture sources. A new camera while connected
// replaces the video of every link in place.
func (m *Manager) SetLocalMedia(microphone, camera webrtc.TrackLocal) error {
	return m.apply(m.media.SetLocalMedia(microphone, camera))
}

func (m *Manager) SetAudioEnabled(enabled bool) error {
	err := m.apply(m.media.SetAudioEnabled(enabled))
	return multierr.Append(err, m.sendMediaState())
}

func (m *Manager) SetVideoEnabled(enabled bool) error {
	err := m.apply(m.media.SetVideoEnabled(enabled))
	return multierr.Append(err, m.sendMediaState())
}

// StartScreenShare sends screen instead of the camera. Audio is unchanged.
func (m *Manager) StartScreenShare(screen webrtc.TrackLocal) error {
	err := m.apply(m.media.StartScreenShare(screen))
	return multierr.Append(err, m.sendMediaState())
}

// StopScreenShare restores the camera on every link.
func (m *Manager) StopScreenShare() error {
	want, was := m.media.StopScreenShare()
	if !was {
		return nil
	}
	err := m.apply(want)
	return multierr.Append(err, m.sendMediaState())
}

// ScreenShareEnded handles the capture source ending on its own, for example
// when the user stops sharing from the operating system.
func (m *Manager) ScreenShareEnded() error {
	if !m.media.Sharing() {
		return nil
	}
	m.logger.Info("Screen share ended by source")
	return m.StopScreenShare()
}

// SendChat broadcasts payload to the rest of the room.
func (m *Manager) SendChat(payload interface{}) error {
	name := m.Room()
	if name == "" {
		return ErrNotJoined
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal chat payload: %w", err)
	}
	return m.send("", signaling.MessageTypeChat, signaling.ChatMessage{Room: name, Payload: raw})
}

// apply pushes want to every link. Failures are reported per peer and never
// stop the other links.
func (m *Manager) apply(want tracks.Outgoing) error {
	m.mu.Lock()
	targets := make([]tracks.Target, 0, len(m.links))
	for _, e := range m.links {
		targets = append(targets, e.link)
	}
	m.mu.Unlock()

	timeout := m.opts.Negotiation.MediaUpdateTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var err error
	for id, perr := range tracks.FanOut(ctx, targets, want) {
		if errors.Is(perr, peer.ErrLinkClosed) {
			continue
		}
		m.logger.Warn("Failed to update media on link", zap.String("peerID", id), zap.Error(perr))
		m.bus.Publish(Event{Kind: EventError, PeerID: id, Err: perr})
		err = multierr.Append(err, fmt.Errorf("peer %s: %w", id, perr))
	}
	return err
}

func (m *Manager) sendMediaState() error {
	name := m.Room()
	if name == "" {
		return nil
	}
	audio, video := m.media.Flags()
	return m.send("", signaling.MessageTypeMediaState, signaling.MediaState{Room: name, AudioEnabled: audio, VideoEnabled: video})
}

// Send implements peer.Outbox.
func (m *Manager) Send(to string, t signaling.MessageType, data interface{}) error {
	return m.send(to, t, data)
}

func (m *Manager) send(to string, t signaling.MessageType, data interface{}) error {
	msg, err := signaling.NewMessage(t, data)
	if err != nil {
		return err
	}
	msg.To = to
	return m.conn.Send(msg)
}

// --- relay messages ---

func (m *Manager) run() {
	defer close(m.done)
	for msg := range m.conn.Incoming() {
		m.handle(msg)
	}
	m.logger.Info("Signaling connection ended")
	m.reset()
}

func (m *Manager) handle(msg signaling.Message) {
	switch msg.Type {
	case signaling.MessageTypeExistingMembers:
		var p signaling.ExistingMembers
		if m.decode(msg, &p) {
			m.onExistingMembers(p)
		}
	case signaling.MessageTypeMemberJoined:
		var p signaling.MemberJoined
		if m.decode(msg, &p) {
			m.onMemberJoined(p)
		}
	case signaling.MessageTypeMemberLeft:
		var p signaling.MemberLeft
		if m.decode(msg, &p) {
			m.onMemberLeft(p)
		}
	case signaling.MessageTypeParticipantsUpdate:
		var p signaling.ParticipantsUpdate
		if m.decode(msg, &p) {
			m.onParticipants(p)
		}
	case signaling.MessageTypeOffer:
		var p signaling.SessionPayload
		if m.decode(msg, &p) {
			m.onOffer(msg.From, p)
		}
	case signaling.MessageTypeAnswer:
		var p signaling.SessionPayload
		if m.decode(msg, &p) {
			if l := m.link(msg.From); l != nil {
				l.HandleAnswer(p)
			}
		}
	case signaling.MessageTypeCandidate:
		var p signaling.CandidatePayload
		if m.decode(msg, &p) {
			if l := m.link(msg.From); l != nil {
				l.HandleCandidate(p.Candidate)
			}
		}
	case signaling.MessageTypeChat:
		var p signaling.ChatMessage
		if m.decode(msg, &p) {
			m.bus.Publish(Event{Kind: EventChat, PeerID: msg.From, Chat: &Chat{
				ID: p.ID, From: msg.From, Room: p.Room, Payload: p.Payload, At: msg.Timestamp,
			}})
		}
	case signaling.MessageTypeError:
		var p signaling.ErrorMessage
		if m.decode(msg, &p) {
			m.onRelayError(p)
		}
	case signaling.MessageTypeWelcome:
	default:
		m.logger.Debug("Ignoring unknown relay message", zap.String("type", string(msg.Type)))
	}
}

func (m *Manager) decode(msg signaling.Message, out interface{}) bool {
	if err := json.Unmarshal(msg.Data, out); err != nil {
		m.logger.Warn("Malformed relay message", zap.String("type", string(msg.Type)), zap.Error(err))
		return false
	}
	return true
}

func (m *Manager) onRelayError(p signaling.ErrorMessage) {
	m.logger.Warn("Relay reported an error", zap.Int("code", p.Code), zap.String("message", p.Message))

	// A rejected join leaves no room behind.
	m.mu.Lock()
	if len(m.links) == 0 && m.members == nil && rejectsJoin(p.Code) {
		m.room = ""
	}
	m.mu.Unlock()

	m.bus.Publish(Event{Kind: EventError, Err: fmt.Errorf("relay error %d: %s", p.Code, p.Message)})
}

func rejectsJoin(code int) bool {
	return code == 400 || code == 429 || code == 503
}

func (m *Manager) onExistingMembers(p signaling.ExistingMembers) {
	m.mu.Lock()
	if m.room != p.Room {
		m.mu.Unlock()
		return
	}
	m.members = append([]signaling.Member{}, p.Members...)
	for _, mem := range p.Members {
		m.openLocked(mem.ID, mem.DisplayName, true)
	}
	members := append([]signaling.Member(nil), m.members...)
	m.mu.Unlock()

	m.bus.Publish(Event{Kind: EventMembersChanged, Members: members})
}

func (m *Manager) onMemberJoined(p signaling.MemberJoined) {
	m.mu.Lock()
	if m.room != p.Room || p.ID == m.conn.ID() {
		m.mu.Unlock()
		return
	}
	m.upsertMemberLocked(signaling.Member{ID: p.ID, DisplayName: p.DisplayName, AudioEnabled: true, VideoEnabled: true})
	m.openLocked(p.ID, p.DisplayName, false)
	members := append([]signaling.Member(nil), m.members...)
	m.mu.Unlock()

	m.bus.Publish(Event{Kind: EventMembersChanged, Members: members})
}

func (m *Manager) onMemberLeft(p signaling.MemberLeft) {
	m.mu.Lock()
	if m.room != p.Room {
		m.mu.Unlock()
		return
	}
	for i, mem := range m.members {
		if mem.ID == p.ID {
			m.members = append(m.members[:i], m.members[i+1:]...)
			break
		}
	}
	e := m.links[p.ID]
	delete(m.links, p.ID)
	members := append([]signaling.Member(nil), m.members...)
	m.mu.Unlock()

	if e != nil {
		e.link.Close()
		m.logger.Info("Peer left", zap.String("peerID", p.ID))
		m.bus.Publish(Event{Kind: EventPeerRemoved, PeerID: p.ID})
	}
	m.bus.Publish(Event{Kind: EventMembersChanged, Members: members})
}

func (m *Manager) onParticipants(p signaling.ParticipantsUpdate) {
	m.mu.Lock()
	if m.room != p.Room {
		m.mu.Unlock()
		return
	}
	self := m.conn.ID()
	m.members = m.members[:0]
	for _, mem := range p.Participants {
		if mem.ID != self {
			m.members = append(m.members, mem)
		}
	}
	members := append([]signaling.Member(nil), m.members...)
	m.mu.Unlock()

	m.bus.Publish(Event{Kind: EventMembersChanged, Members: members})
}

func (m *Manager) onOffer(from string, p signaling.SessionPayload) {
	m.mu.Lock()
	e, ok := m.links[from]
	if !ok && m.room != "" && from != "" && from != m.conn.ID() {
		name := p.DisplayName
		if name == "" {
			name = from
		}
		e = m.openLocked(from, name, false)
	}
	m.mu.Unlock()

	if e == nil {
		m.logger.Debug("Dropping offer outside a room", zap.String("peerID", from))
		return
	}
	e.link.HandleOffer(p)
}

// Inbound reports the receive statistics of the link to id.
func (m *Manager) Inbound(id string) (media.Snapshot, bool) {
	l := m.link(id)
	if l == nil {
		return media.Snapshot{}, false
	}
	return l.Inbound()
}

func (m *Manager) link(id string) *peer.Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.links[id]; ok {
		return e.link
	}
	return nil
}

func (m *Manager) upsertMemberLocked(mem signaling.Member) {
	for i := range m.members {
		if m.members[i].ID == mem.ID {
			m.members[i] = mem
			return
		}
	}
	m.members = append(m.members, mem)
}

// openLocked creates the link to id unless one exists. It is the only place
// links are created, which keeps one link per remote identity.
func (m *Manager) openLocked(id, displayName string, initiator bool) *entry {
	if e, ok := m.links[id]; ok {
		return e
	}

	e := &entry{view: PeerView{ID: id, DisplayName: displayName, Status: peer.StatusConnecting}}
	cfg := peer.Config{
		LocalName:          m.opts.DisplayName,
		PeerID:             id,
		DisplayName:        displayName,
		Initiator:          initiator,
		NegotiationTimeout: m.opts.Negotiation.NegotiationTimeout,
		RestartWindow:      m.opts.Negotiation.RestartWindow,
		DisconnectGrace:    m.opts.Negotiation.DisconnectGrace,
	}
	l, err := peer.NewLink(cfg, m.conn.ID(), m.factory, m, m.media.Desired(), func(ev peer.Event) { m.onLinkEvent(e, ev) }, m.logger)
	if err != nil {
		m.logger.Error("Failed to open link", zap.String("peerID", id), zap.Error(err))
		go m.bus.Publish(Event{Kind: EventError, PeerID: id, Err: err})
		return nil
	}
	e.link = l
	m.links[id] = e

	m.logger.Info("Opened link",
		zap.String("peerID", id),
		zap.String("displayName", displayName),
		zap.Bool("initiator", initiator),
	)
	return e
}

// onLinkEvent runs on the link's goroutine. Events of a link that has been
// replaced or removed are ignored.
func (m *Manager) onLinkEvent(e *entry, ev peer.Event) {
	m.mu.Lock()
	if cur, ok := m.links[ev.PeerID]; !ok || cur != e {
		m.mu.Unlock()
		return
	}
	switch ev.Kind {
	case peer.EventStatus:
		e.view.Status = ev.Status
	case peer.EventStream:
		e.view.Stream = ev.Stream
	}
	view := e.view
	m.mu.Unlock()

	if ev.Kind == peer.EventStalled {
		m.bus.Publish(Event{Kind: EventPeerStalled, PeerID: ev.PeerID, Peer: &view})
		return
	}
	m.bus.Publish(Event{Kind: EventPeerUpdated, PeerID: ev.PeerID, Peer: &view})
}
