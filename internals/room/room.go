package room

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrAlreadyJoined = errors.New("already joined this room")
	ErrRoomFull      = errors.New("room is full")
	ErrTooManyRooms  = errors.New("too many rooms")
)

// Participant is one connection's membership in a room.
type Participant struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	AudioEnabled bool      `json:"audioEnabled"`
	VideoEnabled bool      `json:"videoEnabled"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// Summary is a read-only view of a room for the REST API.
type Summary struct {
	Name             string        `json:"name"`
	ParticipantCount int           `json:"participantCount"`
	Participants     []Participant `json:"participants,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
}

type Room struct {
	Name      string
	CreatedAt time.Time

	mu           sync.Mutex
	participants map[string]*Participant
	order        []string // join order
	closed       bool     // set once the last participant left; the room is no longer in the registry
}

func newRoom(name string) *Room {
	return &Room{
		Name:         name,
		CreatedAt:    time.Now(),
		participants: make(map[string]*Participant),
	}
}

func (r *Room) snapshotLocked() []Participant {
	out := make([]Participant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.participants[id])
	}
	return out
}

func (r *Room) removeLocked(id string) {
	delete(r.participants, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
