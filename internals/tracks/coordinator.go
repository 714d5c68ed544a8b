package tracks

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

// Outgoing is what every link should currently send. A nil track means the
// kind is muted or absent.
type Outgoing struct {
	Audio webrtc.TrackLocal
	Video webrtc.TrackLocal
}

func (o Outgoing) Track(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	if kind == webrtc.RTPCodecTypeAudio {
		return o.Audio
	}
	return o.Video
}

// Coordinator holds the local sources and derives the outgoing media from
// them. Screen share is video only and replaces the camera while active,
// even when the camera is muted; audio is never affected by it.
type Coordinator struct {
	mu sync.Mutex

	microphone webrtc.TrackLocal
	camera     webrtc.TrackLocal
	screen     webrtc.TrackLocal

	audioEnabled bool
	videoEnabled bool
}

func NewCoordinator() *Coordinator {
	return &Coordinator{audioEnabled: true, videoEnabled: true}
}

func (c *Coordinator) desiredLocked() Outgoing {
	var out Outgoing
	if c.audioEnabled {
		out.Audio = c.microphone
	}
	switch {
	case c.screen != nil:
		out.Video = c.screen
	case c.videoEnabled:
		out.Video = c.camera
	}
	return out
}

func (c *Coordinator) Desired() Outgoing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desiredLocked()
}

// SetLocalMedia replaces the capture sources. Passing a new camera while
// sharing the screen takes effect when the share stops.
func (c *Coordinator) SetLocalMedia(microphone, camera webrtc.TrackLocal) Outgoing {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.microphone = microphone
	c.camera = camera
	return c.desiredLocked()
}

func (c *Coordinator) SetAudioEnabled(enabled bool) Outgoing {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audioEnabled = enabled
	return c.desiredLocked()
}

func (c *Coordinator) SetVideoEnabled(enabled bool) Outgoing {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videoEnabled = enabled
	return c.desiredLocked()
}

func (c *Coordinator) StartScreenShare(screen webrtc.TrackLocal) Outgoing {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.screen = screen
	return c.desiredLocked()
}

// StopScreenShare restores the camera. It reports false if nothing was
// being shared.
func (c *Coordinator) StopScreenShare() (Outgoing, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.screen != nil
	c.screen = nil
	return c.desiredLocked(), was
}

func (c *Coordinator) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screen != nil
}

// Flags returns the audio and video enabled flags as announced to the room.
func (c *Coordinator) Flags() (audio, video bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioEnabled, c.videoEnabled || c.screen != nil
}
