package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/adityaadpandey/peermeet/internals/config"
	"github.com/adityaadpandey/peermeet/internals/metrics"
	"github.com/adityaadpandey/peermeet/internals/room"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var safeRoomPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]+$`)

const defaultDisplayName = "Anonymous"

// Mirror receives membership changes for out-of-process observers. Calls are
// made outside of any room lock and must not block.
type Mirror interface {
	SaveParticipant(roomName string, p room.Participant)
	RemoveParticipant(roomName, id string)
}

// Relay is the server side of signaling: it owns room membership, routes
// peer-to-peer payloads between members of a common room and fans out room
// events. It never inspects SDP or candidates.
type Relay struct {
	registry *room.Registry
	hub      *Hub
	cfg      config.SignalingConfig
	mirror   Mirror

	limiters   map[string]*rate.Limiter
	limitersMu sync.Mutex

	logger *zap.Logger
}

func NewRelay(registry *room.Registry, hub *Hub, cfg config.SignalingConfig, mirror Mirror, logger *zap.Logger) *Relay {
	return &Relay{
		registry: registry,
		hub:      hub,
		cfg:      cfg,
		mirror:   mirror,
		limiters: make(map[string]*rate.Limiter),
		logger:   logger,
	}
}

// Connect registers ep and greets it with its identity.
func (r *Relay) Connect(ep Endpoint) {
	r.hub.Register(ep)
	metrics.ActiveConnections.Inc()
	metrics.ConnectionsTotal.Inc()

	r.deliver(ep, MessageTypeWelcome, Welcome{ID: ep.ID()})
	r.logger.Info("Client connected", zap.String("clientID", ep.ID()))
}

// Disconnect leaves every room ep belonged to, as if it had sent leave-room
// for each of them, then forgets the endpoint.
func (r *Relay) Disconnect(ep Endpoint) {
	for _, name := range r.registry.RoomsOf(ep.ID()) {
		r.Leave(ep.ID(), name)
	}
	if r.hub.Unregister(ep) {
		metrics.ActiveConnections.Dec()
	}
	ep.Release()

	r.limitersMu.Lock()
	delete(r.limiters, ep.ID())
	r.limitersMu.Unlock()

	r.logger.Info("Client disconnected", zap.String("clientID", ep.ID()))
}

func (r *Relay) limiter(id string) *rate.Limiter {
	r.limitersMu.Lock()
	defer r.limitersMu.Unlock()

	l, ok := r.limiters[id]
	if !ok {
		burst := r.cfg.RateLimitBurst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(r.cfg.RateLimitPerSec), burst)
		r.limiters[id] = l
	}
	return l
}

// HandleMessage dispatches one inbound frame from ep.
func (r *Relay) HandleMessage(ep Endpoint, msg Message) {
	if r.cfg.RateLimitPerSec > 0 && !r.limiter(ep.ID()).Allow() {
		metrics.RateLimitedTotal.Inc()
		r.sendError(ep, 429, "rate limit exceeded")
		return
	}

	msg.From = ep.ID()
	msg.Timestamp = time.Now()
	metrics.RecordMessage(string(msg.Type))

	switch msg.Type {
	case MessageTypeJoinRoom:
		r.handleJoin(ep, msg)
	case MessageTypeLeaveRoom:
		var req LeaveRoom
		if err := Decode(msg.Data, &req); err != nil {
			r.sendError(ep, 400, "invalid leave-room message")
			return
		}
		r.Leave(ep.ID(), req.Room)
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeCandidate:
		r.Route(msg)
	case MessageTypeChat:
		r.handleChat(ep, msg)
	case MessageTypeMediaState:
		r.handleMediaState(ep, msg)
	default:
		r.logger.Debug("Unknown message type",
			zap.String("clientID", ep.ID()),
			zap.String("type", string(msg.Type)),
		)
		r.sendError(ep, 400, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (r *Relay) handleJoin(ep Endpoint, msg Message) {
	var req JoinRoom
	if err := Decode(msg.Data, &req); err != nil {
		r.sendError(ep, 400, "invalid join-room message")
		return
	}
	name, err := r.validateRoom(req.Room)
	if err != nil {
		r.sendError(ep, 400, err.Error())
		return
	}
	displayName, err := r.validateDisplayName(req.DisplayName)
	if err != nil {
		r.sendError(ep, 400, err.Error())
		return
	}

	if err := r.Join(ep.ID(), name, displayName); err != nil {
		switch {
		case errors.Is(err, room.ErrRoomFull), errors.Is(err, room.ErrTooManyRooms):
			r.sendError(ep, 503, err.Error())
		default:
			r.sendError(ep, 400, err.Error())
		}
	}
}

// Join adds id to the room. The joiner receives existing-members, every
// earlier member receives member-joined, and the whole room receives
// participants-update, all while the room is locked so no concurrent join
// or leave can interleave with them.
func (r *Relay) Join(id, name, displayName string) error {
	p := room.Participant{
		ID:           id,
		DisplayName:  displayName,
		AudioEnabled: true,
		VideoEnabled: true,
		JoinedAt:     time.Now(),
	}

	_, err := r.registry.Join(name, p, func(existing []room.Participant) {
		r.sendTo(id, MessageTypeExistingMembers, ExistingMembers{Room: name, Members: toMembers(existing)})

		notice := MemberJoined{Room: name, ID: id, DisplayName: displayName}
		for _, e := range existing {
			r.sendTo(e.ID, MessageTypeMemberJoined, notice)
		}

		all := append(append(make([]room.Participant, 0, len(existing)+1), existing...), p)
		r.broadcastLocked(all, MessageTypeParticipantsUpdate, ParticipantsUpdate{Room: name, Participants: toMembers(all)}, "")
	})
	if err != nil {
		r.logger.Debug("Join rejected",
			zap.String("clientID", id),
			zap.String("room", name),
			zap.Error(err),
		)
		return err
	}

	r.logger.Info("Participant joined room",
		zap.String("clientID", id),
		zap.String("room", name),
		zap.String("displayName", displayName),
	)
	if r.mirror != nil {
		r.mirror.SaveParticipant(name, p)
	}
	return nil
}

// Leave removes id from the room. Remaining members get member-left once; a
// repeated leave does nothing.
func (r *Relay) Leave(id, name string) bool {
	left := r.registry.Leave(name, id, func(_ room.Participant, remaining []room.Participant) {
		notice := MemberLeft{Room: name, ID: id}
		for _, m := range remaining {
			r.sendTo(m.ID, MessageTypeMemberLeft, notice)
		}
		r.broadcastLocked(remaining, MessageTypeParticipantsUpdate, ParticipantsUpdate{Room: name, Participants: toMembers(remaining)}, "")
	})
	if !left {
		return false
	}

	r.logger.Info("Participant left room",
		zap.String("clientID", id),
		zap.String("room", name),
	)
	if r.mirror != nil {
		r.mirror.RemoveParticipant(name, id)
	}
	return true
}

// Route forwards an offer, answer or candidate to msg.To when sender and
// target share a room. Anything else is dropped without notice.
func (r *Relay) Route(msg Message) bool {
	if msg.To == "" || msg.To == msg.From {
		metrics.RecordDrop("bad-target")
		return false
	}
	if !r.registry.ShareRoom(msg.From, msg.To) {
		metrics.RecordDrop("no-shared-room")
		r.logger.Debug("Dropping message for peer outside sender's rooms",
			zap.String("from", msg.From),
			zap.String("to", msg.To),
			zap.String("type", string(msg.Type)),
		)
		return false
	}
	if !r.hub.Send(msg.To, msg) {
		metrics.RecordDrop("undeliverable")
		return false
	}
	return true
}

// BroadcastRoom delivers msg to every member of the room except exclude.
func (r *Relay) BroadcastRoom(name string, msg Message, exclude string) int {
	sent := 0
	for _, m := range r.registry.Members(name) {
		if m.ID == exclude {
			continue
		}
		if r.hub.Send(m.ID, msg) {
			sent++
		}
	}
	return sent
}

func (r *Relay) handleChat(ep Endpoint, msg Message) {
	var chat ChatMessage
	if err := Decode(msg.Data, &chat); err != nil {
		r.sendError(ep, 400, "invalid chat-message")
		return
	}
	if len(chat.Payload) == 0 || !json.Valid(chat.Payload) {
		r.sendError(ep, 400, "chat payload must be JSON")
		return
	}
	if r.cfg.MaxChatBytes > 0 && len(chat.Payload) > r.cfg.MaxChatBytes {
		r.sendError(ep, 400, "chat payload too large")
		return
	}
	if !r.registry.IsMember(chat.Room, ep.ID()) {
		metrics.RecordDrop("chat-not-member")
		r.sendError(ep, 400, "not a member of room")
		return
	}

	chat.ID = uuid.New().String()
	data, err := json.Marshal(chat)
	if err != nil {
		r.logger.Error("Failed to marshal chat message", zap.Error(err))
		return
	}
	out := Message{Type: MessageTypeChat, Data: data, Timestamp: msg.Timestamp, From: ep.ID()}
	r.BroadcastRoom(chat.Room, out, ep.ID())
}

func (r *Relay) handleMediaState(ep Endpoint, msg Message) {
	var state MediaState
	if err := Decode(msg.Data, &state); err != nil {
		r.sendError(ep, 400, "invalid media-state message")
		return
	}

	var updated room.Participant
	ok := r.registry.UpdateMedia(state.Room, ep.ID(), state.AudioEnabled, state.VideoEnabled, func(p room.Participant, all []room.Participant) {
		updated = p
		r.broadcastLocked(all, MessageTypeParticipantsUpdate, ParticipantsUpdate{Room: state.Room, Participants: toMembers(all)}, "")
	})
	if !ok {
		metrics.RecordDrop("media-state-not-member")
		return
	}
	if r.mirror != nil {
		r.mirror.SaveParticipant(state.Room, updated)
	}
}

// validateRoom checks the name as sent; it is never rewritten.
func (r *Relay) validateRoom(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("room is required")
	}
	if r.cfg.MaxRoomNameLength > 0 && len(name) > r.cfg.MaxRoomNameLength {
		return "", fmt.Errorf("room exceeds maximum length of %d", r.cfg.MaxRoomNameLength)
	}
	if !safeRoomPattern.MatchString(name) {
		return "", fmt.Errorf("room contains invalid characters")
	}
	return name, nil
}

func (r *Relay) validateDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultDisplayName, nil
	}
	if r.cfg.MaxNameLength > 0 && utf8.RuneCountInString(name) > r.cfg.MaxNameLength {
		return "", fmt.Errorf("displayName exceeds maximum length of %d", r.cfg.MaxNameLength)
	}
	return name, nil
}

// broadcastLocked sends to an explicit member list; used from registry
// callbacks where the room is already locked.
func (r *Relay) broadcastLocked(members []room.Participant, t MessageType, data interface{}, exclude string) {
	msg, err := NewMessage(t, data)
	if err != nil {
		r.logger.Error("Failed to build message", zap.Error(err))
		return
	}
	for _, m := range members {
		if m.ID != exclude {
			r.hub.Send(m.ID, msg)
		}
	}
}

func (r *Relay) sendTo(id string, t MessageType, data interface{}) {
	msg, err := NewMessage(t, data)
	if err != nil {
		r.logger.Error("Failed to build message", zap.Error(err))
		return
	}
	r.hub.Send(id, msg)
}

func (r *Relay) deliver(ep Endpoint, t MessageType, data interface{}) {
	msg, err := NewMessage(t, data)
	if err != nil {
		r.logger.Error("Failed to build message", zap.Error(err))
		return
	}
	ep.Deliver(msg)
}

func (r *Relay) sendError(ep Endpoint, code int, text string) {
	r.deliver(ep, MessageTypeError, ErrorMessage{Code: code, Message: text})
}

func toMembers(ps []room.Participant) []Member {
	out := make([]Member, 0, len(ps))
	for _, p := range ps {
		out = append(out, Member{
			ID:           p.ID,
			DisplayName:  p.DisplayName,
			AudioEnabled: p.AudioEnabled,
			VideoEnabled: p.VideoEnabled,
		})
	}
	return out
}
