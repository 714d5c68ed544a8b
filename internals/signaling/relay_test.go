package signaling

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/adityaadpandey/peermeet/internals/config"
	"github.com/adityaadpandey/peermeet/internals/room"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeEndpoint struct {
	id string

	mu       sync.Mutex
	msgs     []Message
	released bool
}

func (f *fakeEndpoint) ID() string { return f.id }

func (f *fakeEndpoint) Deliver(msg Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.released {
		return false
	}
	f.msgs = append(f.msgs, msg)
	return true
}

func (f *fakeEndpoint) Release() {
	f.mu.Lock()
	f.released = true
	f.mu.Unlock()
}

func (f *fakeEndpoint) ofType(t MessageType) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeEndpoint) reset() {
	f.mu.Lock()
	f.msgs = nil
	f.mu.Unlock()
}

type recordingMirror struct {
	mu      sync.Mutex
	saved   []string
	removed []string
}

func (m *recordingMirror) SaveParticipant(roomName string, p room.Participant) {
	m.mu.Lock()
	m.saved = append(m.saved, roomName+"/"+p.ID)
	m.mu.Unlock()
}

func (m *recordingMirror) RemoveParticipant(roomName, id string) {
	m.mu.Lock()
	m.removed = append(m.removed, roomName+"/"+id)
	m.mu.Unlock()
}

func testSignalingConfig() config.SignalingConfig {
	cfg := config.LoadConfig().Signaling
	cfg.RateLimitPerSec = 0
	return cfg
}

func newTestRelay(t *testing.T, cfg config.SignalingConfig) (*Relay, *recordingMirror) {
	t.Helper()
	logger := zap.NewNop()
	mirror := &recordingMirror{}
	return NewRelay(room.NewRegistry(0, 0, logger), NewHub(logger), cfg, mirror, logger), mirror
}

func connect(r *Relay, id string) *fakeEndpoint {
	ep := &fakeEndpoint{id: id}
	r.Connect(ep)
	return ep
}

func send(t *testing.T, r *Relay, ep Endpoint, typ MessageType, data interface{}, to string) {
	t.Helper()
	msg, err := NewMessage(typ, data)
	require.NoError(t, err)
	msg.To = to
	r.HandleMessage(ep, msg)
}

func decode[T any](t *testing.T, msg Message) T {
	t.Helper()
	var out T
	require.NoError(t, Decode(msg.Data, &out))
	return out
}

func TestConnectSendsWelcome(t *testing.T) {
	r, _ := newTestRelay(t, testSignalingConfig())
	a := connect(r, "a")

	welcome := a.ofType(MessageTypeWelcome)
	require.Len(t, welcome, 1)
	assert.Equal(t, "a", decode[Welcome](t, welcome[0]).ID)
	assert.Equal(t, 1, r.hub.Count())
}

func TestJoinScenario(t *testing.T) {
	r, mirror := newTestRelay(t, testSignalingConfig())
	a := connect(r, "a")
	b := connect(r, "b")

	send(t, r, a, MessageTypeJoinRoom, JoinRoom{Room: "r1", DisplayName: "Alice"}, "")
	existing := a.ofType(MessageTypeExistingMembers)
	require.Len(t, existing, 1)
	assert.Empty(t, decode[ExistingMembers](t, existing[0]).Members)

	send(t, r, b, MessageTypeJoinRoom, JoinRoom{Room: "r1", DisplayName: "Bob"}, "")

	existing = b.ofType(MessageTypeExistingMembers)
	require.Len(t, existing, 1)
	members := decode[ExistingMembers](t, existing[0]).Members
	require.Len(t, members, 1)
	assert.Equal(t, Member{ID: "a", DisplayName: "Alice", AudioEnabled: true, VideoEnabled: true}, members[0])

	joined := a.ofType(MessageTypeMemberJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, MemberJoined{Room: "r1", ID: "b", DisplayName: "Bob"}, decode[MemberJoined](t, joined[0]))
	assert.Empty(t, b.ofType(MessageTypeMemberJoined))

	updates := a.ofType(MessageTypeParticipantsUpdate)
	require.Len(t, updates, 2)
	assert.Len(t, decode[ParticipantsUpdate](t, updates[1]).Participants, 2)

	assert.Equal(t, []string{"r1/a", "r1/b"}, mirror.saved)
}

func TestJoinRejections(t *testing.T) {
	cfg := testSignalingConfig()
	logger := zap.NewNop()
	r := NewRelay(room.NewRegistry(0, 1, logger), NewHub(logger), cfg, nil, logger)
	a := connect(r, "a")
	b := connect(r, "b")

	send(t, r, a, MessageTypeJoinRoom, JoinRoom{Room: "bad room!"}, "")
	send(t, r, a, MessageTypeJoinRoom, JoinRoom{Room: "r1"}, "")
	send(t, r, a, MessageTypeJoinRoom, JoinRoom{Room: "r1"}, "")
	send(t, r, b, MessageTypeJoinRoom, JoinRoom{Room: "r1"}, "")

	errs := a.ofType(MessageTypeError)
	require.Len(t, errs, 2)
	assert.Equal(t, 400, decode[ErrorMessage](t, errs[0]).Code)
	assert.Equal(t, 400, decode[ErrorMessage](t, errs[1]).Code)

	errs = b.ofType(MessageTypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, 503, decode[ErrorMessage](t, errs[0]).Code)
}

func TestPaddedRoomNameIsRejected(t *testing.T) {
	r, _ := newTestRelay(t, testSignalingConfig())
	a := connect(r, "a")

	send(t, r, a, MessageTypeJoinRoom, JoinRoom{Room: "standup "}, "")

	errs := a.ofType(MessageTypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, 400, decode[ErrorMessage](t, errs[0]).Code)
	assert.Empty(t, r.registry.RoomsOf("a"))
	assert.Empty(t, a.ofType(MessageTypeExistingMembers))
}

func TestEmptyDisplayNameDefaults(t *testing.T) {
	r, _ := newTestRelay(t, testSignalingConfig())
	a := connect(r, "a")

	send(t, r, a, MessageTypeJoinRoom, JoinRoom{Room: "r1", DisplayName: "   "}, "")
	members := r.registry.Members("r1")
	require.Len(t, members, 1)
	assert.Equal(t, "Anonymous", members[0].DisplayName)
}

func TestRouteStampsSenderAndRequiresSharedRoom(t *testing.T) {
	r, _ := newTestRelay(t, testSignalingConfig())
	a := connect(r, "a")
	b := connect(r, "b")
	c := connect(r, "c")
	send(t, r, a, MessageTypeJoinRoom, JoinRoom{Room: "r1"}, "")
	send(t, r, b, MessageTypeJoinRoom, JoinRoom{Room: "r1"}, "")
	send(t, r, c, MessageTypeJoinRoom, JoinRoom{Room: "other"}, "")

	offer := SessionPayload{Description: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}}
	msg, err := NewMessage(MessageTypeOffer, offer)
	require.NoError(t, err)
	msg.To = "b"
	msg.From = "spoofed"
	r.HandleMessage(a, msg)

	got := b.ofType(MessageTypeOffer)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].From)
	assert.Equal(t, "v=0", decode[SessionPayload](t, got[0]).Description.SDP)

	send(t, r, a, MessageTypeOffer, offer, "c")
	assert.Empty(t, c.ofType(MessageTypeOffer))

	send(t, r, a, MessageTypeCandidate, CandidatePayload{}, "")
	assert.Empty(t, b.ofType(MessageTypeCandidate))
}

func TestAbruptDisconnectNotifiesOnce(t *testing.T) {
	r, mirror := newTestRelay(t, testSignalingConfig())
	a := connect(r, "a")
	b := connect(r, "b")
	send(t, r, a, MessageTypeJoinRoom, JoinRoom{Room: "r1"}, "")
	send(t, r, b, MessageTypeJoinRoom, JoinRoom{Room: "r1"}, "")

	r.Disconnect(b)
	r.Disconnect(b)

	left := a.ofType(MessageTypeMemberLeft)
	require.Len(t, left, 1)
	assert.Equal(t, MemberLeft{Room: "r1", ID: "b"}, decode[MemberLeft](t, left[0]))
	assert.Equal(t, []string{"r1/b"}, mirror.removed)

	send(t, r, a, MessageTypeAnswer, SessionPayload{}, "b")
	assert.Empty(t, b.ofType(MessageTypeAnswer))
	assert.Equal(t, 1, r.hub.Count())

	send(t, r, a, MessageTypeLeaveRoom, LeaveRoom{Room: "r1"}, "")
	_, ok := r.registry.Summary("r1")
	assert.False(t, ok)
}

func TestDisconnectLeavesEveryRoom(t *testing.T) {
	r, _ := newTestRelay(t, testSignalingConfig())
	a := connect(r, "a")
	b := connect(r, "b")
	c := connect(r, "c")
	send(t, r, a, MessageTypeJoinRoom, JoinRoom{Room: "r1"}, "")
	send(t, r, a, MessageTypeJoinRoom, JoinRoom{Room: "r2"}, "")
	send(t, r, b, MessageTypeJoinRoom, JoinRoom{Room: "r1"}, "")
	send(t, r, c, MessageTypeJoinRoom, JoinRoom{Room: "r2"}, "")

	r.Disconnect(a)

	assert.Len(t, b.ofType(MessageTypeMemberLeft), 1)
	assert.Len(t, c.ofType(MessageTypeMemberLeft), 1)
	assert.Empty(t, r.registry.RoomsOf("a"))
}

func TestChatExcludesSender(t *testing.T) {
	r, _ := newTestRelay(t, testSignalingConfig())
	a := connect(r, "a")
	b := connect(r, "b")
	outsider := connect(r, "x")
	send(t, r, a, MessageTypeJoinRoom, JoinRoom{Room: "r1"}, "")
	send(t, r, b, MessageTypeJoinRoom, JoinRoom{Room: "r1"}, "")

	send(t, r, a, MessageTypeChat, ChatMessage{Room: "r1", Payload: json.RawMessage(`{"text":"hi"}`)}, "")

	assert.Empty(t, a.ofType(MessageTypeChat))
	got := b.ofType(MessageTypeChat)
	require.Len(t, got, 1)
	chat := decode[ChatMessage](t, got[0])
	assert.NotEmpty(t, chat.ID)
	assert.JSONEq(t, `{"text":"hi"}`, string(chat.Payload))
	assert.Equal(t, "a", got[0].From)

	send(t, r, outsider, MessageTypeChat, ChatMessage{Room: "r1", Payload: json.RawMessage(`"sneaky"`)}, "")
	assert.Len(t, b.ofType(MessageTypeChat), 1)
	assert.Len(t, outsider.ofType(MessageTypeError), 1)
}

func TestMediaStateBroadcastsParticipants(t *testing.T) {
	r, _ := newTestRelay(t, testSignalingConfig())
	a := connect(r, "a")
	b := connect(r, "b")
	send(t, r, a, MessageTypeJoinRoom, JoinRoom{Room: "r1"}, "")
	send(t, r, b, MessageTypeJoinRoom, JoinRoom{Room: "r1"}, "")
	b.reset()

	send(t, r, a, MessageTypeMediaState, MediaState{Room: "r1", AudioEnabled: false, VideoEnabled: true}, "")

	updates := b.ofType(MessageTypeParticipantsUpdate)
	require.Len(t, updates, 1)
	participants := decode[ParticipantsUpdate](t, updates[0]).Participants
	require.Len(t, participants, 2)
	assert.Equal(t, "a", participants[0].ID)
	assert.False(t, participants[0].AudioEnabled)
	assert.True(t, participants[0].VideoEnabled)
}

func TestRateLimit(t *testing.T) {
	cfg := testSignalingConfig()
	cfg.RateLimitPerSec = 0.001
	cfg.RateLimitBurst = 2
	r, _ := newTestRelay(t, cfg)
	a := connect(r, "a")

	send(t, r, a, MessageTypeJoinRoom, JoinRoom{Room: "r1"}, "")
	send(t, r, a, MessageTypeJoinRoom, JoinRoom{Room: "r2"}, "")
	send(t, r, a, MessageTypeJoinRoom, JoinRoom{Room: "r3"}, "")

	assert.Equal(t, []string{"r1", "r2"}, r.registry.RoomsOf("a"))
	errs := a.ofType(MessageTypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, 429, decode[ErrorMessage](t, errs[0]).Code)
}

func TestUnknownTypeIsRejected(t *testing.T) {
	r, _ := newTestRelay(t, testSignalingConfig())
	a := connect(r, "a")

	r.HandleMessage(a, Message{Type: "teleport"})
	errs := a.ofType(MessageTypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, 400, decode[ErrorMessage](t, errs[0]).Code)
}

func TestDecodeUnwrapsStringPayload(t *testing.T) {
	var out JoinRoom
	require.NoError(t, Decode(json.RawMessage(`"{\"room\":\"r1\"}"`), &out))
	assert.Equal(t, "r1", out.Room)

	assert.Error(t, Decode(json.RawMessage(`42`), &out))
	assert.Error(t, Decode(nil, &out))
}
