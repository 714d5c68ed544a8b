package state

import (
	"testing"
	"time"

	"github.com/adityaadpandey/peermeet/internals/room"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// offlineManager never touches the network: go-redis dials lazily.
func offlineManager(t *testing.T) *Manager {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	return newManager(client, "node-a", zap.NewNop())
}

func TestRoomParticipantsKey(t *testing.T) {
	assert.Equal(t, "peermeet:room:standup:participants", RoomParticipantsKey("standup"))
}

func TestEncodeTagsRecordWithInstance(t *testing.T) {
	m := offlineManager(t)
	joined := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	data, err := m.encode("standup", room.Participant{
		ID:           "p1",
		DisplayName:  "Alice",
		AudioEnabled: true,
		JoinedAt:     joined,
	})
	require.NoError(t, err)

	var rec ParticipantRecord
	require.NoError(t, msgpack.Unmarshal(data, &rec))
	assert.Equal(t, "p1", rec.ID)
	assert.Equal(t, "standup", rec.Room)
	assert.Equal(t, "node-a", rec.Instance)
	assert.True(t, rec.AudioEnabled)
	assert.False(t, rec.VideoEnabled)
	assert.True(t, joined.Equal(rec.JoinedAt))
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	m := offlineManager(t)
	m.ops = make(chan writeOp, 1)

	assert.True(t, m.enqueue(writeOp{room: "r", id: "a"}))
	assert.False(t, m.enqueue(writeOp{room: "r", id: "b"}))

	op := <-m.ops
	assert.Equal(t, "a", op.id)
	assert.Nil(t, op.record)
}

func TestWritesAfterCloseAreIgnored(t *testing.T) {
	m := offlineManager(t)
	go m.writeLoop()

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.False(t, m.enqueue(writeOp{room: "r", id: "a"}))
	m.SaveParticipant("r", room.Participant{ID: "a"})
	m.RemoveParticipant("r", "a")
}

func TestRoomEventsChannel(t *testing.T) {
	assert.Equal(t, "peermeet:room:standup:events", RoomEventsChannel("standup"))
	assert.Equal(t, "peermeet:room:*:events", AllRoomEventsPattern)
}

func TestSaveCarriesPresenceRecord(t *testing.T) {
	m := offlineManager(t)
	m.SaveParticipant("standup", room.Participant{ID: "p1", DisplayName: "Alice", VideoEnabled: true})

	op := <-m.ops
	require.NotNil(t, op.record)
	ev := newPresenceEvent(PresenceJoined, op.rec)
	assert.Equal(t, PresenceJoined, ev.Type)
	assert.Equal(t, "standup", ev.Room)
	assert.Equal(t, "Alice", ev.DisplayName)
	assert.Equal(t, "node-a", ev.Instance)
	assert.True(t, ev.VideoEnabled)
}

func TestDecodePresence(t *testing.T) {
	ev, err := decodePresence(`{"type":"left","room":"r","id":"p1","instance":"node-b"}`)
	require.NoError(t, err)
	assert.Equal(t, PresenceLeft, ev.Type)
	assert.Equal(t, "p1", ev.ID)

	_, err = decodePresence("not json")
	assert.Error(t, err)
}
