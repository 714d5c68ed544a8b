package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adityaadpandey/peermeet/internals/config"
	"github.com/adityaadpandey/peermeet/internals/metrics"
	"github.com/adityaadpandey/peermeet/internals/room"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const writeQueueSize = 1024

// ParticipantRecord is the mirrored form of a room participant.
type ParticipantRecord struct {
	ID           string    `msgpack:"id"`
	Room         string    `msgpack:"room"`
	DisplayName  string    `msgpack:"display_name"`
	AudioEnabled bool      `msgpack:"audio"`
	VideoEnabled bool      `msgpack:"video"`
	JoinedAt     time.Time `msgpack:"joined_at"`
	Instance     string    `msgpack:"instance"`
}

type writeOp struct {
	room   string
	id     string
	record []byte // nil means delete
	rec    ParticipantRecord
}

// Manager mirrors room membership into Redis so operators and other tools can
// see who is where. The in-process registry stays authoritative; the mirror
// is written asynchronously by a single writer so that a save and a later
// remove of the same participant are applied in order.
type Manager struct {
	redis    *redis.Client
	instance string
	logger   *zap.Logger

	ops       chan writeOp
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager connects to Redis and starts the writer.
func NewManager(cfg config.RedisConfig, logger *zap.Logger) (*Manager, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	logger.Info("Redis connection established",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.String("instance", cfg.InstanceID),
	)

	m := newManager(client, cfg.InstanceID, logger)
	go m.writeLoop()
	return m, nil
}

func newManager(client *redis.Client, instance string, logger *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		redis:    client,
		instance: instance,
		logger:   logger,
		ops:      make(chan writeOp, writeQueueSize),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (m *Manager) record(roomName string, p room.Participant) ParticipantRecord {
	return ParticipantRecord{
		ID:           p.ID,
		Room:         roomName,
		DisplayName:  p.DisplayName,
		AudioEnabled: p.AudioEnabled,
		VideoEnabled: p.VideoEnabled,
		JoinedAt:     p.JoinedAt,
		Instance:     m.instance,
	}
}

func (m *Manager) encode(roomName string, p room.Participant) ([]byte, error) {
	rec := m.record(roomName, p)
	return msgpack.Marshal(&rec)
}

// SaveParticipant queues an upsert of the participant's record.
func (m *Manager) SaveParticipant(roomName string, p room.Participant) {
	data, err := m.encode(roomName, p)
	if err != nil {
		m.logger.Error("Failed to encode participant",
			zap.String("room", roomName),
			zap.String("participantID", p.ID),
			zap.Error(err),
		)
		return
	}
	m.enqueue(writeOp{room: roomName, id: p.ID, record: data, rec: m.record(roomName, p)})
}

// RemoveParticipant queues the removal of the participant's record.
func (m *Manager) RemoveParticipant(roomName, id string) {
	m.enqueue(writeOp{room: roomName, id: id})
}

func (m *Manager) enqueue(op writeOp) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false
	}
	select {
	case m.ops <- op:
		return true
	default:
		metrics.RedisErrorsTotal.Inc()
		m.logger.Warn("Redis write queue full, dropping mirror update",
			zap.String("room", op.room),
			zap.String("participantID", op.id),
		)
		return false
	}
}

func (m *Manager) writeLoop() {
	defer close(m.done)
	for op := range m.ops {
		if err := m.apply(op); err != nil {
			metrics.RedisErrorsTotal.Inc()
			m.logger.Error("Failed to mirror participant to Redis",
				zap.String("room", op.room),
				zap.String("participantID", op.id),
				zap.Error(err),
			)
		}
	}
}

func (m *Manager) apply(op writeOp) error {
	start := time.Now()
	defer func() {
		metrics.RedisLatencyMs.Observe(float64(time.Since(start).Microseconds()) / 1000)
	}()

	key := RoomParticipantsKey(op.room)
	if op.record != nil {
		pipe := m.redis.TxPipeline()
		hset := pipe.HSet(m.ctx, key, op.id, op.record)
		pipe.SAdd(m.ctx, RoomsKey, op.room)
		if _, err := pipe.Exec(m.ctx); err != nil {
			return err
		}
		kind := PresenceUpdated
		if hset.Val() == 1 {
			kind = PresenceJoined
		}
		m.publish(newPresenceEvent(kind, op.rec))
		return nil
	}

	removed, err := m.redis.HDel(m.ctx, key, op.id).Result()
	if err != nil {
		return err
	}
	if removed > 0 {
		m.publish(PresenceEvent{Type: PresenceLeft, Room: op.room, ID: op.id, Instance: m.instance, At: time.Now()})
	}
	n, err := m.redis.HLen(m.ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return m.redis.SRem(m.ctx, RoomsKey, op.room).Err()
	}
	return nil
}

// Rooms returns the names of every room with mirrored participants.
func (m *Manager) Rooms(ctx context.Context) ([]string, error) {
	return m.redis.SMembers(ctx, RoomsKey).Result()
}

// RoomParticipants reads back the mirrored records of one room. Records that
// cannot be decoded are skipped.
func (m *Manager) RoomParticipants(ctx context.Context, roomName string) ([]ParticipantRecord, error) {
	raw, err := m.redis.HGetAll(ctx, RoomParticipantsKey(roomName)).Result()
	if err != nil {
		return nil, err
	}

	records := make([]ParticipantRecord, 0, len(raw))
	for id, data := range raw {
		var rec ParticipantRecord
		if err := msgpack.Unmarshal([]byte(data), &rec); err != nil {
			m.logger.Warn("Failed to decode mirrored participant",
				zap.String("room", roomName),
				zap.String("participantID", id),
				zap.Error(err),
			)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Purge deletes the records this instance left behind in a previous run.
// Connection identities are never reused, so those participants are gone.
func (m *Manager) Purge(ctx context.Context) (int, error) {
	rooms, err := m.Rooms(ctx)
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, name := range rooms {
		records, err := m.RoomParticipants(ctx, name)
		if err != nil {
			return purged, err
		}
		for _, rec := range records {
			if rec.Instance != m.instance {
				continue
			}
			if err := m.redis.HDel(ctx, RoomParticipantsKey(name), rec.ID).Err(); err != nil {
				return purged, err
			}
			purged++
		}
		if n, err := m.redis.HLen(ctx, RoomParticipantsKey(name)).Result(); err == nil && n == 0 {
			m.redis.SRem(ctx, RoomsKey, name)
		}
	}

	m.logger.Info("Purged stale mirror records", zap.Int("purged", purged))
	return purged, nil
}

// Ping checks Redis connection health.
func (m *Manager) Ping(ctx context.Context) error {
	return m.redis.Ping(ctx).Err()
}

// Close flushes queued writes and closes the connection.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.ops)
		m.mu.Unlock()

		select {
		case <-m.done:
		case <-time.After(5 * time.Second):
			m.logger.Warn("Timed out flushing Redis writes")
		}
		m.cancel()

		if err = m.redis.Close(); err != nil {
			m.logger.Error("Failed to close Redis connection", zap.Error(err))
			return
		}
		m.logger.Info("State manager closed")
	})
	return err
}
