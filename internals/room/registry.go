package room

import (
	"sort"
	"sync"
	"time"

	"github.com/adityaadpandey/peermeet/internals/metrics"
	"go.uber.org/zap"
)

// Registry is the authoritative set of rooms. Each room is guarded by its own
// mutex; the registry lock only covers the room map and the reverse
// membership index. Lock order is always room before registry.
type Registry struct {
	mu          sync.RWMutex
	rooms       map[string]*Room
	memberships map[string]map[string]struct{} // identity -> room names

	maxRooms        int
	maxPeersPerRoom int
	logger          *zap.Logger
}

func NewRegistry(maxRooms, maxPeersPerRoom int, logger *zap.Logger) *Registry {
	return &Registry{
		rooms:           make(map[string]*Room),
		memberships:     make(map[string]map[string]struct{}),
		maxRooms:        maxRooms,
		maxPeersPerRoom: maxPeersPerRoom,
		logger:          logger,
	}
}

func (g *Registry) getOrCreate(name string) (*Room, error) {
	g.mu.RLock()
	rm, ok := g.rooms[name]
	g.mu.RUnlock()
	if ok {
		return rm, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if rm, ok := g.rooms[name]; ok {
		return rm, nil
	}
	if g.maxRooms > 0 && len(g.rooms) >= g.maxRooms {
		return nil, ErrTooManyRooms
	}

	rm = newRoom(name)
	g.rooms[name] = rm
	metrics.ActiveRooms.Inc()
	g.logger.Debug("Room created", zap.String("room", name))
	return rm, nil
}

// Join adds p to the named room, creating it if needed, and returns the
// participants that were present before p. fn, when non-nil, runs with the
// room locked, so anything it emits is ordered against every other join and
// leave of the same room.
func (g *Registry) Join(name string, p Participant, fn func(existing []Participant)) ([]Participant, error) {
	for {
		rm, err := g.getOrCreate(name)
		if err != nil {
			return nil, err
		}

		rm.mu.Lock()
		if rm.closed {
			// Lost a race with the last leave; the next lookup creates a fresh room.
			rm.mu.Unlock()
			continue
		}
		if _, exists := rm.participants[p.ID]; exists {
			rm.mu.Unlock()
			return nil, ErrAlreadyJoined
		}
		if g.maxPeersPerRoom > 0 && len(rm.participants) >= g.maxPeersPerRoom {
			rm.mu.Unlock()
			return nil, ErrRoomFull
		}

		existing := rm.snapshotLocked()
		if p.JoinedAt.IsZero() {
			p.JoinedAt = time.Now()
		}
		stored := p
		rm.participants[p.ID] = &stored
		rm.order = append(rm.order, p.ID)
		g.addMembership(p.ID, name)

		if fn != nil {
			fn(existing)
		}
		rm.mu.Unlock()

		metrics.ActiveParticipants.Inc()
		return existing, nil
	}
}

// Leave removes the participant from the room and deletes the room when it
// becomes empty. It reports false when id was not a member, which makes a
// repeated leave a no-op. fn runs with the room locked and receives the
// departed participant and the members that remain.
func (g *Registry) Leave(name, id string, fn func(left Participant, remaining []Participant)) bool {
	g.mu.RLock()
	rm, ok := g.rooms[name]
	g.mu.RUnlock()
	if !ok {
		return false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	p, ok := rm.participants[id]
	if !ok {
		return false
	}
	left := *p
	rm.removeLocked(id)
	g.removeMembership(id, name)

	if len(rm.participants) == 0 {
		rm.closed = true
		g.mu.Lock()
		if g.rooms[name] == rm {
			delete(g.rooms, name)
			metrics.ActiveRooms.Dec()
		}
		g.mu.Unlock()
		g.logger.Debug("Room deleted (empty)", zap.String("room", name))
	}

	if fn != nil {
		fn(left, rm.snapshotLocked())
	}
	metrics.ActiveParticipants.Dec()
	return true
}

// UpdateMedia sets the participant's media flags. fn receives the full
// membership after the change, with the room locked.
func (g *Registry) UpdateMedia(name, id string, audio, video bool, fn func(updated Participant, all []Participant)) bool {
	g.mu.RLock()
	rm, ok := g.rooms[name]
	g.mu.RUnlock()
	if !ok {
		return false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	p, ok := rm.participants[id]
	if !ok {
		return false
	}
	p.AudioEnabled = audio
	p.VideoEnabled = video

	if fn != nil {
		fn(*p, rm.snapshotLocked())
	}
	return true
}

// Members returns the participants of a room in join order, or nil if the
// room does not exist.
func (g *Registry) Members(name string) []Participant {
	g.mu.RLock()
	rm, ok := g.rooms[name]
	g.mu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.snapshotLocked()
}

func (g *Registry) IsMember(name, id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.memberships[id][name]
	return ok
}

// RoomsOf returns the sorted names of every room id belongs to.
func (g *Registry) RoomsOf(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	names := make([]string, 0, len(g.memberships[id]))
	for name := range g.memberships[id] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ShareRoom reports whether both identities are members of at least one
// common room.
func (g *Registry) ShareRoom(a, b string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ra, rb := g.memberships[a], g.memberships[b]
	if len(rb) < len(ra) {
		ra, rb = rb, ra
	}
	for name := range ra {
		if _, ok := rb[name]; ok {
			return true
		}
	}
	return false
}

func (g *Registry) Summary(name string) (Summary, bool) {
	g.mu.RLock()
	rm, ok := g.rooms[name]
	g.mu.RUnlock()
	if !ok {
		return Summary{}, false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	members := rm.snapshotLocked()
	return Summary{
		Name:             rm.Name,
		ParticipantCount: len(members),
		Participants:     members,
		CreatedAt:        rm.CreatedAt,
	}, true
}

// List returns a summary of every room without the participant details.
func (g *Registry) List() []Summary {
	g.mu.RLock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, rm := range g.rooms {
		rooms = append(rooms, rm)
	}
	g.mu.RUnlock()

	out := make([]Summary, 0, len(rooms))
	for _, rm := range rooms {
		rm.mu.Lock()
		out = append(out, Summary{Name: rm.Name, ParticipantCount: len(rm.participants), CreatedAt: rm.CreatedAt})
		rm.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Counts returns the number of rooms and the number of participants.
func (g *Registry) Counts() (rooms, participants int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, names := range g.memberships {
		participants += len(names)
	}
	return len(g.rooms), participants
}

func (g *Registry) addMembership(id, name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.memberships[id] == nil {
		g.memberships[id] = make(map[string]struct{})
	}
	g.memberships[id][name] = struct{}{}
}

func (g *Registry) removeMembership(id, name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.memberships[id], name)
	if len(g.memberships[id]) == 0 {
		delete(g.memberships, id)
	}
}
