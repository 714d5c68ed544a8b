package state

import (
	"context"
	"encoding/json"
	"time"

	"github.com/adityaadpandey/peermeet/internals/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type PresenceType string

const (
	PresenceJoined  PresenceType = "joined"
	PresenceUpdated PresenceType = "updated"
	PresenceLeft    PresenceType = "left"
)

// PresenceEvent is published on the room's events channel after the mirror
// has applied a change.
type PresenceEvent struct {
	Type         PresenceType `json:"type"`
	Room         string       `json:"room"`
	ID           string       `json:"id"`
	DisplayName  string       `json:"displayName,omitempty"`
	AudioEnabled bool         `json:"audioEnabled"`
	VideoEnabled bool         `json:"videoEnabled"`
	Instance     string       `json:"instance"`
	At           time.Time    `json:"at"`
}

func newPresenceEvent(t PresenceType, rec ParticipantRecord) PresenceEvent {
	return PresenceEvent{
		Type:         t,
		Room:         rec.Room,
		ID:           rec.ID,
		DisplayName:  rec.DisplayName,
		AudioEnabled: rec.AudioEnabled,
		VideoEnabled: rec.VideoEnabled,
		Instance:     rec.Instance,
		At:           time.Now(),
	}
}

func (m *Manager) publish(ev PresenceEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("Failed to marshal presence event", zap.Error(err))
		return
	}
	if err := m.redis.Publish(m.ctx, RoomEventsChannel(ev.Room), data).Err(); err != nil {
		metrics.RedisErrorsTotal.Inc()
		m.logger.Warn("Failed to publish presence event",
			zap.String("room", ev.Room),
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
	}
}

// Watch delivers presence events of roomName, or of every room when roomName
// is empty, until ctx is done.
func (m *Manager) Watch(ctx context.Context, roomName string, fn func(PresenceEvent)) error {
	var sub *redis.PubSub
	if roomName == "" {
		sub = m.redis.PSubscribe(ctx, AllRoomEventsPattern)
	} else {
		sub = m.redis.Subscribe(ctx, RoomEventsChannel(roomName))
	}
	defer sub.Close()

	// Wait for the subscription to be confirmed so no event is missed after
	// Watch has been called.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			ev, err := decodePresence(msg.Payload)
			if err != nil {
				m.logger.Warn("Failed to decode presence event",
					zap.String("channel", msg.Channel),
					zap.Error(err),
				)
				continue
			}
			fn(ev)
		}
	}
}

func decodePresence(payload string) (PresenceEvent, error) {
	var ev PresenceEvent
	err := json.Unmarshal([]byte(payload), &ev)
	return ev, err
}
