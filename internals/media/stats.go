package media

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// Stats accumulates inbound RTP and the RTCP feedback a link receives about
// its own outgoing media.
type Stats struct {
	mu sync.Mutex

	streams map[uint32]*seqTracker

	packetsReceived  uint64
	bytesReceived    uint64
	remoteLost       uint64
	jitter           uint32
	keyFrameRequests uint64
	lastPacket       time.Time
}

// Snapshot is a copy of the counters at one point in time.
type Snapshot struct {
	PacketsReceived uint64    `json:"packetsReceived"`
	BytesReceived   uint64    `json:"bytesReceived"`
	PacketsExpected uint64    `json:"packetsExpected"`
	PacketsLost     uint64    `json:"packetsLost"`
	RemoteLost      uint64    `json:"remoteLost"`
	Jitter          uint32    `json:"jitter"`
	KeyFrameRequest uint64    `json:"keyFrameRequests"`
	LastPacket      time.Time `json:"lastPacket"`
}

// seqTracker extends 16 bit sequence numbers across wraparound.
type seqTracker struct {
	base     uint32
	max      uint32
	received uint64
}

func NewStats() *Stats {
	return &Stats{streams: make(map[uint32]*seqTracker)}
}

func (s *Stats) RecordRTP(pkt *rtp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.packetsReceived++
	s.bytesReceived += uint64(len(pkt.Payload))
	s.lastPacket = time.Now()

	tr, ok := s.streams[pkt.SSRC]
	if !ok {
		ext := uint32(pkt.SequenceNumber)
		s.streams[pkt.SSRC] = &seqTracker{base: ext, max: ext, received: 1}
		return
	}
	tr.received++

	// Closest extended sequence number to the current maximum.
	cycles := tr.max &^ 0xFFFF
	ext := cycles | uint32(pkt.SequenceNumber)
	switch {
	case int32(ext-tr.max) < -0x8000:
		ext += 0x10000
	case int32(ext-tr.max) > 0x8000 && ext >= 0x10000:
		ext -= 0x10000
	}
	if int32(ext-tr.max) > 0 {
		tr.max = ext
	}
}

func (s *Stats) RecordRTCP(pkts []rtcp.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.ReceiverReport:
			for _, r := range p.Reports {
				s.remoteLost = uint64(r.TotalLost)
				s.jitter = r.Jitter
			}
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			s.keyFrameRequests++
		}
	}
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		PacketsReceived: s.packetsReceived,
		BytesReceived:   s.bytesReceived,
		RemoteLost:      s.remoteLost,
		Jitter:          s.jitter,
		KeyFrameRequest: s.keyFrameRequests,
		LastPacket:      s.lastPacket,
	}
	for _, tr := range s.streams {
		expected := uint64(tr.max-tr.base) + 1
		snap.PacketsExpected += expected
		if expected > tr.received {
			snap.PacketsLost += expected - tr.received
		}
	}
	return snap
}

// LossPercent is the inbound loss over the lifetime of the link.
func (s Snapshot) LossPercent() float64 {
	if s.PacketsExpected == 0 {
		return 0
	}
	return float64(s.PacketsLost) / float64(s.PacketsExpected) * 100
}

// Quality buckets inbound loss into a coarse level.
func (s Snapshot) Quality() string {
	loss := s.LossPercent()
	switch {
	case loss >= 15:
		return "critical"
	case loss >= 5:
		return "poor"
	case loss >= 1:
		return "good"
	default:
		return "excellent"
	}
}
